package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/events"
)

type sinkRecorder struct {
	mu     sync.Mutex
	frames []recordedFrame
}

type recordedFrame struct {
	event   string
	payload map[string]any
}

func (r *sinkRecorder) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Round-trip through JSON to see what the framework would see.
	raw, _ := json.Marshal(payload)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	r.frames = append(r.frames, recordedFrame{event: event, payload: m})
}

func (r *sinkRecorder) snapshot() []recordedFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedFrame(nil), r.frames...)
}

func (r *sinkRecorder) waitFor(t *testing.T, event string) recordedFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range r.snapshot() {
			if f.event == event {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame observed; frames: %+v", event, r.snapshot())
	return recordedFrame{}
}

type scriptedDispatcher struct {
	mu      sync.Mutex
	handled []string
	block   chan struct{} // when set, first dispatch blocks until closed
	result  any
	err     error
}

func (d *scriptedDispatcher) Handle(ctx context.Context, req events.OutgoingRequest) (any, error) {
	d.mu.Lock()
	d.handled = append(d.handled, req.EventType)
	block := d.block
	d.block = nil
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	return d.result, d.err
}

func (d *scriptedDispatcher) handledTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.handled...)
}

func TestQueue_SuccessLifecycle(t *testing.T) {
	sink := &sinkRecorder{}
	disp := &scriptedDispatcher{result: map[string]any{"message_ids": []string{"p1"}}}
	q := NewQueue("discord", disp, sink, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	id := q.Enqueue(events.OutgoingRequest{EventType: "send_message"}, "int-1")

	success := sink.waitFor(t, FrameRequestSuccess)
	if success.payload["request_id"] != id {
		t.Errorf("request_id = %v", success.payload["request_id"])
	}
	if success.payload["internal_request_id"] != "int-1" {
		t.Errorf("internal id = %v", success.payload["internal_request_id"])
	}
	if success.payload["adapter_type"] != "discord" {
		t.Errorf("adapter_type = %v", success.payload["adapter_type"])
	}

	frames := sink.snapshot()
	if frames[0].event != FrameRequestQueued {
		t.Errorf("first frame = %s, want request_queued", frames[0].event)
	}
}

func TestQueue_CancelBeforeDispatch(t *testing.T) {
	sink := &sinkRecorder{}
	disp := &scriptedDispatcher{block: make(chan struct{})}
	blocker := disp.block
	q := NewQueue("discord", disp, sink, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	// R1 occupies the worker; R2 sits in the queue.
	r1 := q.Enqueue(events.OutgoingRequest{EventType: "send_message"}, "")
	for len(disp.handledTypes()) == 0 {
		time.Sleep(time.Millisecond)
	}
	r2 := q.Enqueue(events.OutgoingRequest{EventType: "send_message"}, "")

	q.Cancel(r2)
	cancelSuccess := sink.waitFor(t, FrameRequestSuccess)
	if cancelSuccess.payload["request_id"] != r2 || cancelSuccess.payload["cancelled"] != true {
		t.Errorf("cancel frame = %+v", cancelSuccess.payload)
	}

	close(blocker)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var r1Done bool
		for _, f := range sink.snapshot() {
			if f.event == FrameRequestSuccess && f.payload["request_id"] == r1 {
				r1Done = true
			}
		}
		if r1Done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// R2 must never have reached the dispatcher.
	if got := disp.handledTypes(); len(got) != 1 {
		t.Errorf("dispatched %d requests, want 1 (cancelled request leaked)", len(got))
	}
}

func TestQueue_CancelUnknownFails(t *testing.T) {
	sink := &sinkRecorder{}
	q := NewQueue("discord", &scriptedDispatcher{}, sink, 10)

	q.Cancel("no-such-id")
	failed := sink.waitFor(t, FrameRequestFailed)
	if failed.payload["request_id"] != "no-such-id" {
		t.Errorf("failed frame = %+v", failed.payload)
	}
}

func TestQueue_DrainOnShutdown(t *testing.T) {
	sink := &sinkRecorder{}
	disp := &scriptedDispatcher{block: make(chan struct{})}
	blocker := disp.block
	q := NewQueue("discord", disp, sink, 10)

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)

	q.Enqueue(events.OutgoingRequest{EventType: "send_message"}, "")
	for len(disp.handledTypes()) == 0 {
		time.Sleep(time.Millisecond)
	}
	queuedID := q.Enqueue(events.OutgoingRequest{EventType: "send_message"}, "")

	cancel()
	close(blocker)
	q.Wait()

	var sawFailure bool
	for _, f := range sink.snapshot() {
		if f.event == FrameRequestFailed && f.payload["request_id"] == queuedID {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("queued request must receive request_failed on shutdown")
	}

	// Post-shutdown enqueues fail immediately.
	lateID := q.Enqueue(events.OutgoingRequest{EventType: "send_message"}, "")
	var lateFailed bool
	for _, f := range sink.snapshot() {
		if f.event == FrameRequestFailed && f.payload["request_id"] == lateID {
			lateFailed = true
		}
	}
	if !lateFailed {
		t.Error("enqueue after shutdown must fail")
	}
}

func TestEmitBotRequest(t *testing.T) {
	sink := &sinkRecorder{}
	q := NewQueue("telegram", &scriptedDispatcher{}, sink, 10)

	q.EmitBotRequest("message_received", map[string]any{"message_id": "m1"})

	f := sink.waitFor(t, FrameBotRequest)
	if f.payload["adapter_type"] != "telegram" || f.payload["event_type"] != "message_received" {
		t.Errorf("bot_request frame = %+v", f.payload)
	}
}
