package platform

import (
	"context"
)

// RawEventType enumerates the normalized shapes a platform session can
// produce. Each client maps its SDK callbacks onto these.
type RawEventType string

const (
	RawNewMessage          RawEventType = "new_message"
	RawEditedMessage       RawEventType = "edited_message"
	RawDeletedMessage      RawEventType = "deleted_message"
	RawReactionAdded       RawEventType = "added_reaction"
	RawReactionRemoved     RawEventType = "removed_reaction"
	RawPinnedMessage       RawEventType = "pinned_message"
	RawUnpinnedMessage     RawEventType = "unpinned_message"
	RawConversationRenamed RawEventType = "conversation_renamed"
	RawChatMigrated        RawEventType = "chat_migrated"
)

// RawUser is the platform-native view of a user.
type RawUser struct {
	ID        string
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
}

// RawAttachmentRef points at an attachment on the platform side, before any
// download has happened.
type RawAttachmentRef struct {
	ID          string
	Filename    string
	Extension   string
	ContentType string
	Size        int64
	URL         string
}

// RawMessage is the platform-native view of a message. ConversationID here
// is the platform conversation id (guild/channel, chat id, stream/topic);
// the adapter-side id is derived by the conversation manager.
type RawMessage struct {
	MessageID        string
	ConversationID   string
	ConversationName string
	ConversationType string
	ServerID         string
	ServerName       string
	ThreadID         string
	ReplyToID        string
	Sender           RawUser
	Text             string
	TimestampMS      int64
	EditTimestampMS  int64
	Edited           bool
	IsDirect         bool
	IsPinned         bool
	Mentions         []RawUser
	MentionsAll      bool
	Attachments      []RawAttachmentRef
	// FromSelf marks messages authored by the bot account itself.
	FromSelf bool
}

// RawReaction describes a single reaction change.
type RawReaction struct {
	MessageID      string
	ConversationID string
	Emoji          string
	User           RawUser
	FromSelf       bool
}

// RawEvent is the single envelope emitted on the client's event channel.
type RawEvent struct {
	Type     RawEventType
	Message  *RawMessage
	Reaction *RawReaction
	// DeletedMessageIDs is set for RawDeletedMessage.
	DeletedMessageIDs []string
	// ConversationID is set when the event has no Message (deletes,
	// renames, migrations).
	ConversationID string
	// NewConversationID is set for RawChatMigrated.
	NewConversationID string
	ConversationName  string
	ServerID          string
	ServerName        string
}

// OutgoingFile is an attachment payload ready to upload.
type OutgoingFile struct {
	Name string
	Data []byte
}

// Capabilities describes per-platform behavior the processors must branch
// on instead of sniffing the client type.
type Capabilities struct {
	SupportsPinning bool
	// AttachmentsOnEdit is true when the platform allows attaching files
	// to an edited message.
	AttachmentsOnEdit bool
	// EchoesOwnMessages is true when the incoming stream replays the
	// bot's own sends. When false the outgoing processor records sends
	// into the conversation manager itself.
	EchoesOwnMessages bool
}

// Client is the narrow seam between the adapter runtime and one platform
// SDK. Webhook-only, polling and socket-mode transports all fit behind it;
// reconnection policy is the implementation's business, but IsAlive must be
// truthful.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsAlive(ctx context.Context) bool

	// Events returns the raw event stream. Single consumer.
	Events() <-chan RawEvent

	Capabilities() Capabilities
	BotUserID() string

	SendMessage(ctx context.Context, conversationID, text string, files []OutgoingFile) ([]string, error)
	EditMessage(ctx context.Context, conversationID, messageID, text string) error
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	AddReaction(ctx context.Context, conversationID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error
	PinMessage(ctx context.Context, conversationID, messageID string) error
	UnpinMessage(ctx context.Context, conversationID, messageID string) error

	// FetchHistory returns up to limit messages around the window. At
	// most one of beforeMS/afterMS may be zero.
	FetchHistory(ctx context.Context, conversationID string, limit int, beforeMS, afterMS int64) ([]RawMessage, error)

	DownloadAttachment(ctx context.Context, ref RawAttachmentRef) ([]byte, error)
	UploadAttachment(ctx context.Context, conversationID string, file OutgoingFile) (messageID string, err error)
}
