package pacer

import (
	"context"
	"time"
)

// Unlocked is a non-thread-safe token bucket intended to be owned by a
// single worker goroutine, used on the worker loop's per-iteration
// try_acquire hot path where a mutex would be pure overhead.
type Unlocked struct {
	targetRPS  float64
	tokens     float64
	maxTokens  float64
	lastRefill time.Time
	refillRate float64
	enabled    bool
}

// NewUnlocked creates an Unlocked pacer for the given target rate.
// A targetRPS of 0 disables rate limiting entirely: every call succeeds.
func NewUnlocked(targetRPS float64) (*Unlocked, error) {
	if err := validateRPS(targetRPS); err != nil {
		return nil, err
	}
	u := &Unlocked{targetRPS: targetRPS}
	if targetRPS == 0 {
		return u, nil
	}
	burst := burstFor(targetRPS)
	u.tokens = burst
	u.maxTokens = burst
	u.lastRefill = time.Now()
	u.refillRate = targetRPS
	u.enabled = true
	return u, nil
}

func (u *Unlocked) refill() {
	now := time.Now()
	elapsed := now.Sub(u.lastRefill).Seconds()
	u.lastRefill = now
	u.tokens += elapsed * u.refillRate
	if u.tokens > u.maxTokens {
		u.tokens = u.maxTokens
	}
}

// TryAcquire implements Pacer.
func (u *Unlocked) TryAcquire() bool {
	if !u.enabled {
		return true
	}
	u.refill()
	if u.tokens >= 1 {
		u.tokens--
		return true
	}
	return false
}

// Acquire implements Pacer. Since Unlocked is single-owner, Acquire simply
// spins with a refill-aware sleep; callers that need cross-goroutine
// blocking should use Shared instead.
func (u *Unlocked) Acquire(ctx context.Context) error {
	if !u.enabled {
		return nil
	}
	for {
		if u.TryAcquire() {
			return nil
		}
		wait := minWait(u.refillRate)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TargetRPS implements Pacer.
func (u *Unlocked) TargetRPS() float64 { return u.targetRPS }

// Enabled implements Pacer.
func (u *Unlocked) Enabled() bool { return u.enabled }

// AvailableTokens returns the current token count, refilling first.
func (u *Unlocked) AvailableTokens() float64 {
	u.refill()
	return u.tokens
}
