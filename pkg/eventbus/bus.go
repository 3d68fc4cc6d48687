package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dotsetgreg/chatbridge/pkg/events"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

// Sink is the transport half of the bus: something that can push one
// framed event to the framework.
type Sink interface {
	Emit(event string, payload any)
}

// Dispatcher executes one framework request. The outgoing processor
// implements it.
type Dispatcher interface {
	Handle(ctx context.Context, req events.OutgoingRequest) (any, error)
}

// Frame event names on the framework socket.
const (
	FrameBotRequest     = "bot_request"
	FrameBotResponse    = "bot_response"
	FrameCancelRequest  = "cancel_request"
	FrameRequestQueued  = "request_queued"
	FrameRequestSuccess = "request_success"
	FrameRequestFailed  = "request_failed"
)

type pendingRequest struct {
	id         string
	internalID string
	req        events.OutgoingRequest
}

// Queue is the single-worker FIFO behind the framework socket. Requests
// are processed strictly in order; cancellation only reaches requests
// still waiting in the queue.
type Queue struct {
	adapterType string
	dispatcher  Dispatcher
	sink        Sink

	queue chan pendingRequest

	mu        sync.Mutex
	queued    map[string]struct{}
	cancelled map[string]struct{}
	stopping  bool

	done chan struct{}
}

func NewQueue(adapterType string, dispatcher Dispatcher, sink Sink, size int) *Queue {
	if size <= 0 {
		size = 1000
	}
	return &Queue{
		adapterType: adapterType,
		dispatcher:  dispatcher,
		sink:        sink,
		queue:       make(chan pendingRequest, size),
		queued:      make(map[string]struct{}),
		cancelled:   make(map[string]struct{}),
		done:        make(chan struct{}),
	}
}

// lifecycle builds the shared payload for request_* events.
func (q *Queue) lifecycle(requestID, internalID string) map[string]any {
	p := map[string]any{
		"adapter_type": q.adapterType,
		"request_id":   requestID,
	}
	if internalID != "" {
		p["internal_request_id"] = internalID
	}
	return p
}

// Enqueue admits one bot_response request and returns its assigned id.
// During shutdown the request is failed immediately.
func (q *Queue) Enqueue(req events.OutgoingRequest, internalID string) string {
	requestID := uuid.NewString()

	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		p := q.lifecycle(requestID, internalID)
		p["error"] = "adapter is shutting down"
		q.sink.Emit(FrameRequestFailed, p)
		return requestID
	}
	q.queued[requestID] = struct{}{}
	q.mu.Unlock()

	q.sink.Emit(FrameRequestQueued, q.lifecycle(requestID, internalID))

	select {
	case q.queue <- pendingRequest{id: requestID, internalID: internalID, req: req}:
	default:
		q.mu.Lock()
		delete(q.queued, requestID)
		q.mu.Unlock()
		p := q.lifecycle(requestID, internalID)
		p["error"] = "request queue full"
		q.sink.Emit(FrameRequestFailed, p)
	}
	return requestID
}

// Cancel removes a still-queued request. In-flight or unknown ids fail;
// there is no mid-flight preemption.
func (q *Queue) Cancel(requestID string) {
	q.mu.Lock()
	_, isQueued := q.queued[requestID]
	if isQueued {
		q.cancelled[requestID] = struct{}{}
	}
	q.mu.Unlock()

	if isQueued {
		p := q.lifecycle(requestID, "")
		p["cancelled"] = true
		q.sink.Emit(FrameRequestSuccess, p)
		return
	}
	p := q.lifecycle(requestID, "")
	p["error"] = "request not queued"
	q.sink.Emit(FrameRequestFailed, p)
}

// Run is the worker loop. It exits after ctx is done and the backlog has
// been drained with request_failed.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			q.drain()
			return
		case p := <-q.queue:
			q.process(ctx, p)
		}
	}
}

func (q *Queue) process(ctx context.Context, p pendingRequest) {
	q.mu.Lock()
	delete(q.queued, p.id)
	_, wasCancelled := q.cancelled[p.id]
	delete(q.cancelled, p.id)
	q.mu.Unlock()

	if wasCancelled {
		// request_success was already emitted at cancel time.
		return
	}

	result, err := q.dispatcher.Handle(ctx, p.req)
	payload := q.lifecycle(p.id, p.internalID)
	if err != nil {
		payload["error"] = err.Error()
		logger.WarnCF("eventbus", "Request failed", map[string]any{
			"request_id": p.id,
			"event_type": p.req.EventType,
			"error":      err.Error(),
		})
		q.sink.Emit(FrameRequestFailed, payload)
		return
	}
	if result != nil {
		payload["data"] = result
	}
	q.sink.Emit(FrameRequestSuccess, payload)
}

// drain fails everything still waiting.
func (q *Queue) drain() {
	q.mu.Lock()
	q.stopping = true
	q.mu.Unlock()

	for {
		select {
		case p := <-q.queue:
			q.mu.Lock()
			delete(q.queued, p.id)
			_, wasCancelled := q.cancelled[p.id]
			delete(q.cancelled, p.id)
			q.mu.Unlock()
			if wasCancelled {
				continue
			}
			payload := q.lifecycle(p.id, p.internalID)
			payload["error"] = "adapter is shutting down"
			q.sink.Emit(FrameRequestFailed, payload)
		default:
			return
		}
	}
}

// Wait blocks until the worker loop has exited.
func (q *Queue) Wait() {
	<-q.done
}

// EmitBotRequest implements events.Emitter: normalized adapter events go
// out as bot_request frames.
func (q *Queue) EmitBotRequest(eventType string, data any) {
	q.sink.Emit(FrameBotRequest, map[string]any{
		"adapter_type": q.adapterType,
		"event_type":   eventType,
		"data":         data,
	})
}
