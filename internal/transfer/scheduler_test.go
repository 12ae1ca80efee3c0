package transfer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSchedulerRunsTask(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Shutdown()

	done := make(chan struct{})
	s.Schedule("tr-1", time.Millisecond, func(ctx context.Context) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestSchedulerCancelStopsTask(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Shutdown()

	var fired atomic.Bool
	s.Schedule("tr-1", 50*time.Millisecond, func(ctx context.Context) {
		fired.Store(true)
	})

	if !s.Cancel("tr-1") {
		t.Fatal("cancel reported no pending task")
	}
	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled task still fired")
	}
	if s.Cancel("tr-1") {
		t.Fatal("second cancel reported a pending task")
	}
}

func TestSchedulerReplacePendingTask(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Shutdown()

	var first, second atomic.Bool
	s.Schedule("tr-1", 50*time.Millisecond, func(ctx context.Context) { first.Store(true) })
	s.Schedule("tr-1", time.Millisecond, func(ctx context.Context) { second.Store(true) })

	time.Sleep(150 * time.Millisecond)
	if first.Load() {
		t.Error("replaced task still fired")
	}
	if !second.Load() {
		t.Error("replacement task never fired")
	}
}

func TestSchedulerShutdownStopsPending(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	var fired atomic.Bool
	s.Schedule("tr-1", 50*time.Millisecond, func(ctx context.Context) {
		fired.Store(true)
	})
	s.Shutdown()

	time.Sleep(100 * time.Millisecond)
	if fired.Load() {
		t.Fatal("task fired after shutdown")
	}

	// Scheduling after shutdown is a silent no-op.
	s.Schedule("tr-2", time.Millisecond, func(ctx context.Context) {
		fired.Store(true)
	})
	time.Sleep(20 * time.Millisecond)
	if fired.Load() {
		t.Fatal("task scheduled after shutdown fired")
	}
}

func TestSchedulerStaleCallbackKeepsReplacement(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Shutdown()

	var fired atomic.Bool
	s.Schedule("tr-1", 10*time.Millisecond, func(ctx context.Context) { fired.Store(true) })

	// Hold the lock past the timer's due time so its callback blocks
	// before the map cleanup, then swap the registration underneath it,
	// as a concurrent Schedule would.
	s.mu.Lock()
	time.Sleep(50 * time.Millisecond)
	sentinel := time.AfterFunc(time.Hour, func() {})
	s.pending["tr-1"] = sentinel
	s.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Error("superseded callback still ran")
	}

	s.mu.Lock()
	got := s.pending["tr-1"]
	delete(s.pending, "tr-1")
	s.mu.Unlock()
	sentinel.Stop()
	if got != sentinel {
		t.Error("stale callback removed the replacement registration")
	}
}
