package pacer

import (
	"context"
	"testing"
	"time"
)

func TestUnlockedDisabledAlwaysAcquires(t *testing.T) {
	u, err := NewUnlocked(0)
	if err != nil {
		t.Fatalf("NewUnlocked: %v", err)
	}
	if u.Enabled() {
		t.Fatal("expected disabled pacer")
	}
	for i := 0; i < 1000; i++ {
		if !u.TryAcquire() {
			t.Fatal("disabled pacer should always acquire")
		}
	}
}

func TestUnlockedBurstThenBlocks(t *testing.T) {
	u, err := NewUnlocked(1)
	if err != nil {
		t.Fatalf("NewUnlocked: %v", err)
	}
	if !u.TryAcquire() {
		t.Fatal("expected first token available")
	}
	if !u.TryAcquire() {
		t.Fatal("expected second token available at burst size 2")
	}
	if u.TryAcquire() {
		t.Fatal("expected bucket exhausted after burst")
	}
}

func TestUnlockedRefillsOverTime(t *testing.T) {
	u, err := NewUnlocked(100)
	if err != nil {
		t.Fatalf("NewUnlocked: %v", err)
	}
	for u.TryAcquire() {
	}
	time.Sleep(20 * time.Millisecond)
	if !u.TryAcquire() {
		t.Fatal("expected tokens to have refilled after 20ms at 100rps")
	}
}

func TestNewUnlockedRejectsNegativeRPS(t *testing.T) {
	if _, err := NewUnlocked(-1); err == nil {
		t.Fatal("expected error for negative targetRPS")
	}
}

func TestSharedAcquireBlocksUntilTokenAvailable(t *testing.T) {
	s, err := NewShared(50)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	for s.TryAcquire() {
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Fatal("expected Acquire to take some time waiting for refill")
	}
}

func TestSharedAcquireRespectsContextCancellation(t *testing.T) {
	s, err := NewShared(1)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	for s.TryAcquire() {
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := s.Acquire(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestSharedUpdateTargetRPS(t *testing.T) {
	s, err := NewShared(10)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	s.UpdateTargetRPS(0)
	if s.Enabled() {
		t.Fatal("expected pacer disabled after UpdateTargetRPS(0)")
	}
	if !s.TryAcquire() {
		t.Fatal("disabled pacer should always acquire")
	}

	s.UpdateTargetRPS(5)
	if !s.Enabled() {
		t.Fatal("expected pacer re-enabled after positive UpdateTargetRPS")
	}
	if s.TargetRPS() != 5 {
		t.Fatalf("expected TargetRPS 5, got %v", s.TargetRPS())
	}
}

func TestNewSharedRejectsNegativeRPS(t *testing.T) {
	if _, err := NewShared(-5); err == nil {
		t.Fatal("expected error for negative targetRPS")
	}
}

var _ Pacer = (*Unlocked)(nil)
var _ Pacer = (*Shared)(nil)
