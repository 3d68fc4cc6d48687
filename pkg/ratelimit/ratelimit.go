package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

// Class identifies which buckets an outbound call consumes from.
type Class int

const (
	// ClassGeneral consumes the global bucket and, when a conversation id
	// is supplied, that conversation's bucket.
	ClassGeneral Class = iota
	// ClassMessage additionally consumes the message bucket. Used for
	// send and edit calls.
	ClassMessage
)

// Limiter enforces the three request-per-minute scopes before every
// platform call: global, per-conversation and message-class. One instance
// per process, constructed by the adapter and passed down.
type Limiter struct {
	globalInterval  time.Duration
	convInterval    time.Duration
	messageInterval time.Duration

	mu          sync.Mutex
	lastGlobal  time.Time
	lastMessage time.Time
	lastConv    map[string]time.Time

	globalCount uint64
	convCounts  map[string]uint64

	// convQueues serializes waiters per conversation so two sends to the
	// same conversation are granted in arrival order.
	queueMu    sync.Mutex
	convQueues map[string]chan struct{}
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		globalInterval:  perMinute(cfg.GlobalRPM),
		convInterval:    perMinute(cfg.PerConversationRPM),
		messageInterval: perMinute(cfg.MessageRPM),
		lastConv:        make(map[string]time.Time),
		convCounts:      make(map[string]uint64),
		convQueues:      make(map[string]chan struct{}),
	}
}

func perMinute(rpm int) time.Duration {
	if rpm <= 0 {
		return 0
	}
	return time.Minute / time.Duration(rpm)
}

// Wait blocks until every applicable bucket has a free slot, then consumes
// one from each. It never fails on its own; the only error is the context's,
// in which case nothing is consumed.
func (l *Limiter) Wait(ctx context.Context, class Class, conversationID string) error {
	if conversationID != "" {
		release, err := l.acquireConvQueue(ctx, conversationID)
		if err != nil {
			return err
		}
		defer release()
	}

	for {
		l.mu.Lock()
		now := time.Now()
		wait := l.waitTime(now, class, conversationID)
		if wait <= 0 {
			l.consume(now, class, conversationID)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		logger.DebugCF("ratelimit", "Waiting for rate limit slot", map[string]any{
			"wait_ms":         wait.Milliseconds(),
			"conversation_id": conversationID,
		})

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// waitTime returns the time left until all applicable buckets are free.
// Callers must hold l.mu.
func (l *Limiter) waitTime(now time.Time, class Class, conversationID string) time.Duration {
	wait := l.globalInterval - now.Sub(l.lastGlobal)

	if conversationID != "" {
		if w := l.convInterval - now.Sub(l.lastConv[conversationID]); w > wait {
			wait = w
		}
	}
	if class == ClassMessage {
		if w := l.messageInterval - now.Sub(l.lastMessage); w > wait {
			wait = w
		}
	}
	return wait
}

func (l *Limiter) consume(now time.Time, class Class, conversationID string) {
	l.lastGlobal = now
	l.globalCount++
	if conversationID != "" {
		l.lastConv[conversationID] = now
		l.convCounts[conversationID]++
	}
	if class == ClassMessage {
		l.lastMessage = now
	}
}

// acquireConvQueue takes the per-conversation turn slot, queueing behind
// earlier waiters.
func (l *Limiter) acquireConvQueue(ctx context.Context, conversationID string) (func(), error) {
	l.queueMu.Lock()
	q, ok := l.convQueues[conversationID]
	if !ok {
		q = make(chan struct{}, 1)
		l.convQueues[conversationID] = q
	}
	l.queueMu.Unlock()

	select {
	case q <- struct{}{}:
		return func() { <-q }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestCount reports how many grants have been issued globally.
func (l *Limiter) RequestCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.globalCount
}

// ConversationRequestCount reports grants issued for one conversation.
func (l *Limiter) ConversationRequestCount(conversationID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.convCounts[conversationID]
}
