package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/themalagasywizard/apeiron-gateway/internal/cache"
)

// LocalLimiter is the single-replica fallback: a fixed-window counter per
// client stored in the in-process cache. Coarser than the Redis sliding
// window, but it keeps the limit enforced when no Redis URL is configured.
type LocalLimiter struct {
	store    cache.Cache
	rpmLimit int
}

// NewLocalLimiter creates a fixed-window limiter with the given per-client
// RPM limit backed by store.
func NewLocalLimiter(store cache.Cache, rpmLimit int) *LocalLimiter {
	return &LocalLimiter{store: store, rpmLimit: rpmLimit}
}

// Allow counts the request against the current minute window for clientID.
func (l *LocalLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	window := time.Now().Unix() / 60
	key := keyPrefix + clientID + ":" + strconv.FormatInt(window, 10)

	count := 0
	if raw, ok := l.store.Get(ctx, key); ok {
		n, err := strconv.Atoi(string(raw))
		if err == nil {
			count = n
		}
	}
	if count >= l.rpmLimit {
		return false, nil
	}

	// Lost increments under concurrent access only under-count, which errs
	// on the side of allowing — acceptable for a fallback limiter.
	if err := l.store.Set(ctx, key, []byte(strconv.Itoa(count+1)), time.Minute); err != nil {
		return true, nil
	}
	return true, nil
}
