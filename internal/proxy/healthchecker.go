package proxy

import (
	"sort"
	"time"
)

// HealthSnapshot is the liveness report served by GET /health. Adapters hold
// no credentials, so there is nothing meaningful to probe upstream; the
// snapshot reports what is configured rather than what is reachable.
type HealthSnapshot struct {
	Status        string             `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Providers     []string           `json:"providers"`
	DeadlinesSec  map[string]float64 `json:"deadlines_sec"`
}

func (g *Gateway) healthSnapshot() HealthSnapshot {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	return HealthSnapshot{
		Status:        "ok",
		Version:       g.version,
		UptimeSeconds: int64(time.Since(g.startTime).Seconds()),
		Providers:     names,
		DeadlinesSec: map[string]float64{
			"generate": g.budgetFor("generate").Seconds(),
			"code":     g.budgetFor("code").Seconds(),
			"video":    g.budgetFor("video").Seconds(),
		},
	}
}
