package lifecycle

import (
	"context"
	"sync"
	"time"
)

// semaphore is the global active-agent limiter. Acquire waits up to the
// grace period for a slot; a timeout surfaces ErrCapacity so callers can
// queue or escalate instead of blocking a lane forever.
type semaphore struct {
	slots chan struct{}

	mu    sync.Mutex
	inUse int
}

func newSemaphore(capacity int) *semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &semaphore{slots: make(chan struct{}, capacity)}
}

func (s *semaphore) acquire(ctx context.Context, grace time.Duration) error {
	select {
	case s.slots <- struct{}{}:
		s.bump(1)
		return nil
	default:
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case s.slots <- struct{}{}:
		s.bump(1)
		return nil
	case <-timer.C:
		return ErrCapacity
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) tryAcquire() error {
	select {
	case s.slots <- struct{}{}:
		s.bump(1)
		return nil
	default:
		return ErrCapacity
	}
}

func (s *semaphore) release() {
	select {
	case <-s.slots:
		s.bump(-1)
	default:
		// Double release indicates a lifecycle accounting bug; absorbing it
		// is safer than blocking.
	}
}

func (s *semaphore) used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *semaphore) bump(delta int) {
	s.mu.Lock()
	s.inUse += delta
	s.mu.Unlock()
}
