package events

import (
	"sort"

	"github.com/dotsetgreg/chatbridge/pkg/cache"
)

// Adapter → framework event types.
const (
	TypeConnect             = "connect"
	TypeDisconnect          = "disconnect"
	TypeConversationStarted = "conversation_started"
	TypeConversationUpdated = "conversation_updated"
	TypeMessageReceived     = "message_received"
	TypeMessageUpdated      = "message_updated"
	TypeMessageDeleted      = "message_deleted"
	TypeReactionAdded       = "reaction_added"
	TypeReactionRemoved     = "reaction_removed"
	TypeMessagePinned       = "message_pinned"
	TypeMessageUnpinned     = "message_unpinned"
	TypeHistoryFetched      = "history_fetched"
)

// Framework → adapter request types.
const (
	OpSendMessage     = "send_message"
	OpEditMessage     = "edit_message"
	OpDeleteMessage   = "delete_message"
	OpAddReaction     = "add_reaction"
	OpRemoveReaction  = "remove_reaction"
	OpFetchHistory    = "fetch_history"
	OpFetchAttachment = "fetch_attachment"
	OpPinMessage      = "pin_message"
	OpUnpinMessage    = "unpin_message"
)

// Emitter is the outbound seam to the framework. The event bus implements
// it; tests substitute a recorder.
type Emitter interface {
	EmitBotRequest(eventType string, data any)
}

// Sender identifies the author inside message payloads.
type Sender struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// AttachmentPayload is the base64-framed attachment descriptor. Content is
// present only on newly received messages and fetch_attachment replies,
// never in history.
type AttachmentPayload struct {
	AttachmentID   string  `json:"attachment_id"`
	AttachmentType string  `json:"attachment_type"`
	FileExtension  string  `json:"file_extension,omitempty"`
	Size           int64   `json:"size"`
	Processable    bool    `json:"processable"`
	Content        *string `json:"content"`
}

// MessagePayload is the normalized message shape shared by
// message_received, message_updated, history entries and pin events.
type MessagePayload struct {
	MessageID      string              `json:"message_id"`
	ConversationID string              `json:"conversation_id"`
	ThreadID       string              `json:"thread_id,omitempty"`
	Sender         Sender              `json:"sender"`
	Text           string              `json:"text"`
	Mentions       []string            `json:"mentions,omitempty"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
	IsDirect       bool                `json:"is_direct_message"`
	IsPinned       bool                `json:"is_pinned"`
	Timestamp      int64               `json:"timestamp"`
	Edited         bool                `json:"edited,omitempty"`
	EditTimestamp  int64               `json:"edit_timestamp,omitempty"`
}

// ConversationStartedPayload carries the history-first bootstrap.
type ConversationStartedPayload struct {
	ConversationID   string           `json:"conversation_id"`
	ConversationName string           `json:"conversation_name,omitempty"`
	ConversationType string           `json:"conversation_type,omitempty"`
	ServerID         string           `json:"server_id,omitempty"`
	ServerName       string           `json:"server_name,omitempty"`
	History          []MessagePayload `json:"history"`
}

// ConversationUpdatedPayload announces metadata changes.
type ConversationUpdatedPayload struct {
	ConversationID   string `json:"conversation_id"`
	ConversationName string `json:"conversation_name,omitempty"`
	ServerID         string `json:"server_id,omitempty"`
	ServerName       string `json:"server_name,omitempty"`
}

type MessageDeletedPayload struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids"`
}

type ReactionPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
	UserID         string `json:"user_id"`
}

type HistoryFetchedPayload struct {
	ConversationID string           `json:"conversation_id"`
	History        []MessagePayload `json:"history"`
}

// PayloadFromCached converts a cache record to the wire shape, without
// attachment content.
func PayloadFromCached(msg *cache.CachedMessage, attCache *cache.AttachmentCache) MessagePayload {
	p := MessagePayload{
		MessageID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		ThreadID:       msg.ThreadID,
		Sender:         Sender{UserID: msg.SenderID, DisplayName: msg.SenderName},
		Text:           msg.Text,
		Mentions:       msg.Mentions,
		IsDirect:       msg.IsDirect,
		IsPinned:       msg.IsPinned,
		Timestamp:      msg.Timestamp,
		Edited:         msg.Edited,
		EditTimestamp:  msg.EditTimestamp,
	}
	ids := make([]string, 0, len(msg.Attachments))
	for id := range msg.Attachments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ap := AttachmentPayload{AttachmentID: id}
		if attCache != nil {
			if att := attCache.Get(id); att != nil {
				ap.AttachmentType = att.AttachmentType
				ap.FileExtension = att.FileExtension
				ap.Size = att.Size
				ap.Processable = att.Processable
			}
		}
		p.Attachments = append(p.Attachments, ap)
	}
	return p
}
