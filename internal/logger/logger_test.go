package logger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// captureSink collects flushed batches for assertions.
type captureSink struct {
	mu      sync.Mutex
	entries []GenerationLog
	closed  bool
}

func (s *captureSink) Write(_ context.Context, batch []GenerationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, batch...)
	return nil
}

func (s *captureSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *captureSink) snapshot() []GenerationLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GenerationLog, len(s.entries))
	copy(out, s.entries)
	return out
}

func TestLogger_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	id := uuid.New()
	l.Log(GenerationLog{ID: id, Provider: "openai", Model: "gpt-4o", Route: "generate", Status: 200})
	l.Log(GenerationLog{Provider: "claude", Route: "code", ErrorKind: "timeout", Status: 500})

	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("flushed %d entries, want 2", len(got))
	}
	if got[0].ID != id {
		t.Errorf("entry 0 id = %v, want %v", got[0].ID, id)
	}
	if got[1].Provider != "claude" || got[1].ErrorKind != "timeout" {
		t.Errorf("entry 1 = %+v", got[1])
	}
	if !sink.closed {
		t.Error("sink should be closed on logger close")
	}
}

func TestLogger_NormalizesZeroFields(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	l.Log(GenerationLog{Provider: "gemini", Status: 200})
	l.Close()

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("flushed %d entries, want 1", len(got))
	}
	if got[0].ID == uuid.Nil {
		t.Error("zero ID should be replaced")
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("zero CreatedAt should be replaced")
	}
	if got[0].CreatedAt.Location() != time.UTC {
		t.Error("CreatedAt should be normalized to UTC")
	}
}

func TestLogger_FlushesOnBatchSize(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer l.Close()

	for i := 0; i < batchSize; i++ {
		l.Log(GenerationLog{Provider: "openai", Status: 200})
	}

	// A full batch flushes without waiting for the ticker.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= batchSize {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("flushed %d entries before deadline, want %d", len(sink.snapshot()), batchSize)
}

func TestLogger_DropsWhenFull(t *testing.T) {
	l := &Logger{
		ch:   make(chan GenerationLog, 1),
		done: make(chan struct{}),
	}

	l.Log(GenerationLog{})
	l.Log(GenerationLog{}) // channel full, must not block

	if got := l.DroppedLogs(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestLogger_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	if _, err := New(nil, nil, nil); err == nil {
		t.Error("expected error for nil context")
	}
}
