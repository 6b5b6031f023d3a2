package pool

import (
	"context"
	"sync"
	"time"
)

// semaphore is a resizable counting semaphore. Unlike a token channel,
// its limit can grow and shrink after construction, which is what the
// runtime concurrency update needs.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	limit int
	inUse int
}

func newSemaphore(limit int) *semaphore {
	s := &semaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a permit is free or ctx is done.
func (s *semaphore) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.inUse >= s.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	s.inUse++
	return nil
}

// Release returns a permit.
func (s *semaphore) Release() {
	s.mu.Lock()
	if s.inUse > 0 {
		s.inUse--
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// InUse returns the number of held permits.
func (s *semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Limit returns the current permit limit.
func (s *semaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Available returns the number of free permits. Never negative, even
// mid-decrease when more permits are held than the limit allows.
func (s *semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse >= s.limit {
		return 0
	}
	return s.limit - s.inUse
}

// Grow raises the limit, waking blocked acquirers.
func (s *semaphore) Grow(limit int) {
	s.mu.Lock()
	s.limit = limit
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Shrink lowers the limit once the number of held permits has fallen to
// the new limit, waiting up to timeout for that to happen. The lowered
// limit takes effect immediately for new acquirers, so no extra permits
// are handed out while shrinking. On timeout the old limit is restored
// and false is returned.
func (s *semaphore) Shrink(limit int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	wake := time.AfterFunc(timeout, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer wake.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.limit
	s.limit = limit
	for s.inUse > limit {
		if !time.Now().Before(deadline) {
			s.limit = prev
			s.cond.Broadcast()
			return false
		}
		s.cond.Wait()
	}
	return true
}
