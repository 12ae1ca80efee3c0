package transfer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs delayed lifecycle steps. Each transfer has at most one
// pending task; scheduling a new one replaces it, and cancelling a transfer
// stops its task before it fires. Shutdown stops everything, so a restart
// never leaves orphaned timers behind.
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	log     *zap.Logger
}

// NewScheduler creates a running scheduler.
func NewScheduler(log *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		pending: make(map[string]*time.Timer),
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
	}
}

// Schedule queues fn to run for transferID after delay. A previously
// pending task for the same transfer is replaced.
func (s *Scheduler) Schedule(transferID string, delay time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	if prev, ok := s.pending[transferID]; ok {
		if prev.Stop() {
			s.wg.Done()
		}
	}

	s.wg.Add(1)
	var tm *time.Timer
	tm = time.AfterFunc(delay, func() {
		defer s.wg.Done()

		s.mu.Lock()
		// A fired callback can lose the race against a Schedule call
		// replacing it; the registration then belongs to the newer
		// timer and must stay in place.
		if s.pending[transferID] != tm {
			s.mu.Unlock()
			return
		}
		delete(s.pending, transferID)
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			return
		}
		fn(s.ctx)
	})
	s.pending[transferID] = tm
}

// Cancel drops the pending task for a transfer, if any. Returns whether a
// task was actually pending.
func (s *Scheduler) Cancel(transferID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.pending[transferID]
	if !ok {
		return false
	}
	delete(s.pending, transferID)
	if timer.Stop() {
		// The callback will never run; release its wait slot.
		s.wg.Done()
		return true
	}
	return false
}

// Shutdown cancels all pending tasks and waits for in-flight ones.
func (s *Scheduler) Shutdown() {
	s.cancel()

	s.mu.Lock()
	for id, timer := range s.pending {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("transfer scheduler stopped")
}
