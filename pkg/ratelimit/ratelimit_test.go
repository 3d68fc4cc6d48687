package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/config"
)

func fastConfig() config.RateLimitConfig {
	return config.RateLimitConfig{GlobalRPM: 60000, PerConversationRPM: 60000, MessageRPM: 60000}
}

func TestWait_GrantsImmediatelyWhenIdle(t *testing.T) {
	l := NewLimiter(fastConfig())

	start := time.Now()
	if err := l.Wait(context.Background(), ClassMessage, "c1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("idle Wait took %v", elapsed)
	}
	if l.RequestCount() != 1 {
		t.Errorf("RequestCount = %d, want 1", l.RequestCount())
	}
	if l.ConversationRequestCount("c1") != 1 {
		t.Errorf("ConversationRequestCount = %d, want 1", l.ConversationRequestCount("c1"))
	}
}

func TestWaitTime_EnforcesAllScopes(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{GlobalRPM: 60, PerConversationRPM: 6, MessageRPM: 12})

	now := time.Now()
	l.mu.Lock()
	l.consume(now, ClassMessage, "c1")

	// Global scope: 1s interval.
	if w := l.waitTime(now, ClassGeneral, ""); w != time.Second {
		t.Errorf("global wait = %v, want 1s", w)
	}
	// Conversation scope dominates: 10s interval.
	if w := l.waitTime(now, ClassGeneral, "c1"); w != 10*time.Second {
		t.Errorf("conversation wait = %v, want 10s", w)
	}
	// Message scope for another conversation: 5s interval.
	if w := l.waitTime(now, ClassMessage, "c2"); w != 5*time.Second {
		t.Errorf("message wait = %v, want 5s", w)
	}
	// A non-message call in another conversation only sees the global scope.
	if w := l.waitTime(now, ClassGeneral, "c2"); w != time.Second {
		t.Errorf("general wait = %v, want 1s", w)
	}
	l.mu.Unlock()
}

func TestWait_CancellationConsumesNothing(t *testing.T) {
	l := NewLimiter(config.RateLimitConfig{GlobalRPM: 1, PerConversationRPM: 1, MessageRPM: 1})

	// First grant goes through and stamps all buckets.
	if err := l.Wait(context.Background(), ClassMessage, "c1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, ClassMessage, "c1")
	if err == nil {
		t.Fatal("expected context error while bucket is exhausted")
	}
	if l.RequestCount() != 1 {
		t.Errorf("cancelled Wait consumed a token: count = %d", l.RequestCount())
	}
}

func TestWait_PerConversationFIFO(t *testing.T) {
	l := NewLimiter(fastConfig())

	done := make(chan int, 3)
	release, err := l.acquireConvQueue(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			if err := l.Wait(context.Background(), ClassMessage, "c1"); err != nil {
				t.Errorf("Wait: %v", err)
			}
			done <- i
		}()
		// Give each goroutine time to line up on the queue.
		time.Sleep(20 * time.Millisecond)
	}

	release()

	var order []int
	for i := 0; i < 3; i++ {
		select {
		case n := <-done:
			order = append(order, n)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued waiters")
		}
	}
	if order[0] != 1 {
		t.Errorf("first queued waiter finished %v, want 1 first", order)
	}
}
