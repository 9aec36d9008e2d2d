package server

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()

	for i := range int(regBurstLimit) {
		if !rl.allow("user-1") {
			t.Fatalf("expected allow on burst iteration %d", i)
		}
	}
	if rl.allow("user-1") {
		t.Fatal("expected rate limit after burst exhaustion")
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()
	for range int(regBurstLimit) {
		rl.allow("user-1")
	}
	if rl.allow("user-1") {
		t.Fatal("expected user-1 to be rate-limited")
	}
	if !rl.allow("user-2") {
		t.Fatal("expected user-2 to be allowed independently")
	}
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter()
	rl.now = func() time.Time { return now }

	for range int(regBurstLimit) {
		rl.allow("user-3")
	}
	if rl.allow("user-3") {
		t.Fatal("expected rate limit")
	}

	now = now.Add(400 * time.Millisecond)
	if rl.allow("user-3") {
		t.Fatal("expected less than one token after 400ms at 2/s")
	}
	now = now.Add(100 * time.Millisecond)
	if !rl.allow("user-3") {
		t.Fatal("expected allow after refill")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter()
	rl.now = func() time.Time { return now }
	rl.allow("stale")

	now = now.Add(regCleanupAge + time.Minute)
	rl.cleanup()

	s := rl.shard("stale")
	s.mu.Lock()
	_, exists := s.limiters["stale"]
	s.mu.Unlock()
	if exists {
		t.Fatal("expected stale limiter to be cleaned up")
	}
}

func TestRateLimiterCleanupKeepsActiveKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := newRateLimiter()
	rl.now = func() time.Time { return now }
	for range int(regBurstLimit) {
		rl.allow("busy")
	}

	now = now.Add(regCleanupAge / 2)
	rl.cleanup()

	s := rl.shard("busy")
	s.mu.Lock()
	_, exists := s.limiters["busy"]
	s.mu.Unlock()
	if !exists {
		t.Fatal("expected recently used limiter to survive cleanup")
	}
}

func TestRateLimiterConcurrent(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter()
	const goroutines = 32
	const keysPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := range goroutines {
		go func() {
			defer wg.Done()
			for k := 0; k < keysPerGoroutine; k++ {
				rl.allow(fmt.Sprintf("user-%d-%d", g, k))
			}
		}()
	}
	wg.Wait()
}

func BenchmarkRateLimiterAllowParallel(b *testing.B) {
	rl := newRateLimiter()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.allow(fmt.Sprintf("user-%d", i%100))
			i++
		}
	})
}
