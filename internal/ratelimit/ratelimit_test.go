package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllow_UnlimitedWhenZeroRate(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("c1"); err != nil {
			t.Fatalf("request %d limited in unlimited mode: %v", i, err)
		}
	}
}

func TestAllow_ExhaustsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("c1"); err != nil {
			t.Fatalf("request %d within burst limited: %v", i, err)
		}
	}
	if err := l.Allow("c1"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatalf("first request for a: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("a not limited after burst: %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b limited by a's quota: %v", err)
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1})

	if err := l.Allow("c1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Allow("c1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("bucket not empty after burst: %v", err)
	}

	// 100 tokens/s, so one token lands well within the deadline.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := l.Allow("c1"); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bucket never refilled")
}

func TestPrune_DropsIdleBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})

	if err := l.Allow("stale"); err != nil {
		t.Fatalf("allow: %v", err)
	}
	l.mu.Lock()
	l.clients["stale"].lastFill = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	if err := l.Allow("fresh"); err != nil {
		t.Fatalf("allow: %v", err)
	}

	if removed := l.Prune(10 * time.Minute); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	l.mu.Lock()
	_, staleGone := l.clients["stale"]
	_, freshKept := l.clients["fresh"]
	l.mu.Unlock()
	if staleGone {
		t.Error("stale bucket survived prune")
	}
	if !freshKept {
		t.Error("fresh bucket pruned")
	}
}
