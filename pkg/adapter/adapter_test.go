package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/conversation"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

type stubClient struct {
	events    chan platform.RawEvent
	alive     bool
	connected bool
}

func newStubClient() *stubClient {
	return &stubClient{events: make(chan platform.RawEvent, 16), alive: true}
}

func (s *stubClient) Connect(ctx context.Context) error    { s.connected = true; return nil }
func (s *stubClient) Disconnect(ctx context.Context) error { s.connected = false; return nil }
func (s *stubClient) IsAlive(ctx context.Context) bool     { return s.alive }
func (s *stubClient) Events() <-chan platform.RawEvent     { return s.events }
func (s *stubClient) Capabilities() platform.Capabilities {
	return platform.Capabilities{EchoesOwnMessages: true, SupportsPinning: true}
}
func (s *stubClient) BotUserID() string { return "BOT" }

func (s *stubClient) SendMessage(ctx context.Context, conversationID, text string, files []platform.OutgoingFile) ([]string, error) {
	return []string{"m1"}, nil
}
func (s *stubClient) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	return nil
}
func (s *stubClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (s *stubClient) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return nil
}
func (s *stubClient) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return nil
}
func (s *stubClient) PinMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (s *stubClient) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	return nil
}
func (s *stubClient) FetchHistory(ctx context.Context, conversationID string, limit int, beforeMS, afterMS int64) ([]platform.RawMessage, error) {
	return nil, nil
}
func (s *stubClient) DownloadAttachment(ctx context.Context, ref platform.RawAttachmentRef) ([]byte, error) {
	return nil, nil
}
func (s *stubClient) UploadAttachment(ctx context.Context, conversationID string, file platform.OutgoingFile) (string, error) {
	return "m1", nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Adapter.AdapterType = "discord"
	cfg.Adapter.BotToken = "token"
	cfg.Attachments.StorageDir = t.TempDir()
	cfg.EventBus.Port = 0 // pick a free port
	return cfg
}

func TestAdapterLifecycle(t *testing.T) {
	client := newStubClient()
	a := newWithClient(testConfig(t), client)

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !client.connected {
		t.Error("platform client should be connected after Start")
	}

	// A raw event flows through the pump into the manager.
	client.events <- platform.RawEvent{
		Type: platform.RawNewMessage,
		Message: &platform.RawMessage{
			MessageID:      "m1",
			ConversationID: "g/c",
			Text:           "hi",
			TimestampMS:    time.Now().UnixMilli(),
			Sender:         platform.RawUser{ID: "U1", Username: "alice"},
		},
	}

	convID := conversation.DeriveConversationID("discord", "g/c")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.manager.Conversation(convID) != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.manager.Conversation(convID) == nil {
		t.Fatal("pumped event never reached the manager")
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if client.connected {
		t.Error("platform client should be disconnected after Stop")
	}
}

func TestAdapterStartFailsOnConnectError(t *testing.T) {
	client := newStubClient()
	cfg := testConfig(t)
	cfg.Adapter.MaxReconnectAttempts = 1
	cfg.Adapter.RetryDelay = 0

	failing := &failingClient{stubClient: client}
	a := newWithClient(cfg, failing)
	if err := a.Start(context.Background()); err == nil {
		t.Fatal("Start must surface the connect failure")
	}
}

type failingClient struct {
	*stubClient
}

func (f *failingClient) Connect(ctx context.Context) error {
	return &platform.TransientError{Op: "connect", Err: context.DeadlineExceeded}
}
