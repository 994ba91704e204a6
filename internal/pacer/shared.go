package pacer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Shared is a mutex-guarded token bucket safe for concurrent use by
// multiple goroutines, with the target rate held in an atomic.Value so
// TargetRPS can be read without taking the lock.
type Shared struct {
	targetRPS  atomic.Value
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	lastRefill time.Time
	refillRate float64
	enabled    atomic.Bool
}

// NewShared creates a Shared pacer for the given target rate.
// A targetRPS of 0 disables rate limiting entirely: every call succeeds.
func NewShared(targetRPS float64) (*Shared, error) {
	if err := validateRPS(targetRPS); err != nil {
		return nil, err
	}
	s := &Shared{}
	s.targetRPS.Store(targetRPS)
	if targetRPS == 0 {
		s.enabled.Store(false)
		return s, nil
	}
	burst := burstFor(targetRPS)
	s.tokens = burst
	s.maxTokens = burst
	s.lastRefill = time.Now()
	s.refillRate = targetRPS
	s.enabled.Store(true)
	return s, nil
}

func (s *Shared) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(s.lastRefill).Seconds()
	s.lastRefill = now
	s.tokens += elapsed * s.refillRate
	if s.tokens > s.maxTokens {
		s.tokens = s.maxTokens
	}
}

// TryAcquire implements Pacer.
func (s *Shared) TryAcquire() bool {
	if !s.enabled.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled.Load() {
		return true
	}
	s.refillLocked()
	if s.tokens >= 1 {
		s.tokens--
		return true
	}
	return false
}

// Acquire implements Pacer: it blocks until a token is available or ctx is done.
func (s *Shared) Acquire(ctx context.Context) error {
	if !s.enabled.Load() {
		return nil
	}
	for {
		wait, done := func() (time.Duration, bool) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if !s.enabled.Load() {
				return 0, true
			}
			s.refillLocked()
			if s.tokens >= 1 {
				s.tokens--
				return 0, true
			}
			return minWait(s.refillRate), false
		}()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TargetRPS implements Pacer.
func (s *Shared) TargetRPS() float64 { return s.targetRPS.Load().(float64) }

// Enabled implements Pacer.
func (s *Shared) Enabled() bool { return s.enabled.Load() }

// UpdateTargetRPS changes the pace at runtime, used by the ramp variant of
// the load strategy to move the rate along its configured points.
func (s *Shared) UpdateTargetRPS(targetRPS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targetRPS.Store(targetRPS)
	if targetRPS <= 0 {
		s.enabled.Store(false)
		return
	}
	s.enabled.Store(true)
	s.refillRate = targetRPS
	burst := burstFor(targetRPS)
	s.maxTokens = burst
	if s.tokens > s.maxTokens {
		s.tokens = s.maxTokens
	}
}

// AvailableTokens returns the current token count, refilling first.
func (s *Shared) AvailableTokens() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refillLocked()
	return s.tokens
}
