package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode"

	"github.com/dotsetgreg/chatbridge/pkg/attachments"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/conversation"
	"github.com/dotsetgreg/chatbridge/pkg/emoji"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
	"github.com/dotsetgreg/chatbridge/pkg/ratelimit"
)

// OutgoingRequest is one framework operation as it arrives off the bus.
type OutgoingRequest struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type sendMessageRequest struct {
	ConversationID string                     `json:"conversation_id"`
	Text           string                     `json:"text"`
	Attachments    []attachments.IncomingFile `json:"attachments,omitempty"`
}

type editMessageRequest struct {
	ConversationID string                     `json:"conversation_id"`
	MessageID      string                     `json:"message_id"`
	Text           string                     `json:"text"`
	Attachments    []attachments.IncomingFile `json:"attachments,omitempty"`
}

type messageRefRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type reactionRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Emoji          string `json:"emoji"`
}

type fetchHistoryRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
	Before         int64  `json:"before,omitempty"`
	After          int64  `json:"after,omitempty"`
}

type fetchAttachmentRequest struct {
	AttachmentID string `json:"attachment_id"`
}

// OutgoingProcessor executes framework requests against the platform:
// validation, rate limiting, length splitting, then the client call.
type OutgoingProcessor struct {
	client     platform.Client
	manager    *conversation.Manager
	limiter    *ratelimit.Limiter
	uploader   *attachments.Uploader
	downloader *attachments.Downloader
	history    *HistoryFetcher
	emoji      *emoji.Converter
	cfg        config.AdapterConfig
}

func NewOutgoingProcessor(
	client platform.Client,
	manager *conversation.Manager,
	limiter *ratelimit.Limiter,
	uploader *attachments.Uploader,
	downloader *attachments.Downloader,
	history *HistoryFetcher,
	emojiConv *emoji.Converter,
	cfg config.AdapterConfig,
) *OutgoingProcessor {
	return &OutgoingProcessor{
		client:     client,
		manager:    manager,
		limiter:    limiter,
		uploader:   uploader,
		downloader: downloader,
		history:    history,
		emoji:      emojiConv,
		cfg:        cfg,
	}
}

// Handle dispatches one request through the fixed operation table and
// returns the operation-specific success payload.
func (p *OutgoingProcessor) Handle(ctx context.Context, req OutgoingRequest) (any, error) {
	switch req.EventType {
	case OpSendMessage:
		return p.sendMessage(ctx, req.Data)
	case OpEditMessage:
		return p.editMessage(ctx, req.Data)
	case OpDeleteMessage:
		return p.deleteMessage(ctx, req.Data)
	case OpAddReaction:
		return p.reaction(ctx, req.Data, true)
	case OpRemoveReaction:
		return p.reaction(ctx, req.Data, false)
	case OpFetchHistory:
		return p.fetchHistory(ctx, req.Data)
	case OpFetchAttachment:
		return p.fetchAttachment(req.Data)
	case OpPinMessage:
		return p.pin(ctx, req.Data, true)
	case OpUnpinMessage:
		return p.pin(ctx, req.Data, false)
	default:
		return nil, platform.Validationf("unknown event_type %q", req.EventType)
	}
}

// resolve maps the framework's conversation id to the platform's and
// fails for conversations the adapter has never observed.
func (p *OutgoingProcessor) resolve(conversationID string) (string, error) {
	if conversationID == "" {
		return "", platform.Validationf("conversation_id is required")
	}
	platformID, ok := p.manager.PlatformID(conversationID)
	if !ok {
		return "", fmt.Errorf("%w: %s", platform.ErrConversationNotFound, conversationID)
	}
	return platformID, nil
}

// SplitMessage cuts text into chunks of at most maxLen codepoints,
// breaking at whitespace near the boundary when one is close enough.
// Concatenating the chunks reproduces the input exactly.
func SplitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if maxLen <= 0 || len(runes) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		// Only back up for a word boundary when it costs little.
		for i := maxLen; i > maxLen-maxLen/10 && i > 0; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func (p *OutgoingProcessor) sendMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var req sendMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("send_message: %v", err)
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		return nil, platform.Validationf("send_message requires text or attachments")
	}
	platformID, err := p.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}

	// Decode attachments up front so a bad payload fails before any
	// chunk is posted.
	files := make([]platform.OutgoingFile, 0, len(req.Attachments))
	for _, f := range req.Attachments {
		out, err := p.uploader.Decode(f)
		if err != nil {
			return nil, err
		}
		files = append(files, out)
	}

	var messageIDs []string
	chunks := []string{""}
	if req.Text != "" {
		chunks = SplitMessage(req.Text, p.cfg.MaxMessageLength)
	}

	for i, chunk := range chunks {
		if err := p.limiter.Wait(ctx, ratelimit.ClassMessage, req.ConversationID); err != nil {
			return nil, err
		}
		// Attachments ride on the final chunk.
		var chunkFiles []platform.OutgoingFile
		if i == len(chunks)-1 {
			chunkFiles = files
		}
		if chunk == "" && len(chunkFiles) == 0 {
			continue
		}
		ids, err := p.client.SendMessage(ctx, platformID, chunk, chunkFiles)
		if err != nil {
			return nil, err
		}
		messageIDs = append(messageIDs, ids...)

		if !p.client.Capabilities().EchoesOwnMessages {
			for _, id := range ids {
				p.manager.RecordOutgoing(req.ConversationID, id, chunk, p.client.BotUserID())
			}
		}
	}

	logger.InfoCF("outgoing", "Message sent", map[string]any{
		"conversation_id": req.ConversationID,
		"chunks":          len(messageIDs),
	})
	return map[string]any{"message_ids": messageIDs}, nil
}

func (p *OutgoingProcessor) editMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var req editMessageRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("edit_message: %v", err)
	}
	if req.MessageID == "" {
		return nil, platform.Validationf("edit_message requires message_id")
	}
	// Edits never split: an over-long edit is the caller's error.
	if len([]rune(req.Text)) > p.cfg.MaxMessageLength {
		return nil, platform.Validationf("edit_message text exceeds %d characters", p.cfg.MaxMessageLength)
	}
	if len(req.Attachments) > 0 && !p.client.Capabilities().AttachmentsOnEdit {
		return nil, platform.Validationf("platform does not support attachments on edit")
	}
	platformID, err := p.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx, ratelimit.ClassMessage, req.ConversationID); err != nil {
		return nil, err
	}
	if err := p.client.EditMessage(ctx, platformID, req.MessageID, req.Text); err != nil {
		return nil, err
	}
	return map[string]any{"message_id": req.MessageID}, nil
}

func (p *OutgoingProcessor) deleteMessage(ctx context.Context, data json.RawMessage) (any, error) {
	var req messageRefRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("delete_message: %v", err)
	}
	if req.MessageID == "" {
		return nil, platform.Validationf("delete_message requires message_id")
	}
	platformID, err := p.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx, ratelimit.ClassGeneral, req.ConversationID); err != nil {
		return nil, err
	}
	if err := p.client.DeleteMessage(ctx, platformID, req.MessageID); err != nil {
		return nil, err
	}
	p.manager.DeleteFromConversation(platformID, []string{req.MessageID})
	return map[string]any{"message_id": req.MessageID}, nil
}

func (p *OutgoingProcessor) reaction(ctx context.Context, data json.RawMessage, add bool) (any, error) {
	var req reactionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("reaction: %v", err)
	}
	if req.MessageID == "" || req.Emoji == "" {
		return nil, platform.Validationf("reaction requires message_id and emoji")
	}
	platformID, err := p.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx, ratelimit.ClassGeneral, req.ConversationID); err != nil {
		return nil, err
	}

	emojiChar := p.emoji.PlatformToUnicode(req.Emoji)
	if emojiChar == "" {
		emojiChar = req.Emoji
	}
	if add {
		err = p.client.AddReaction(ctx, platformID, req.MessageID, emojiChar)
	} else {
		err = p.client.RemoveReaction(ctx, platformID, req.MessageID, emojiChar)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": req.MessageID}, nil
}

func (p *OutgoingProcessor) pin(ctx context.Context, data json.RawMessage, pin bool) (any, error) {
	var req messageRefRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("pin: %v", err)
	}
	if req.MessageID == "" {
		return nil, platform.Validationf("pin requires message_id")
	}
	if !p.client.Capabilities().SupportsPinning {
		op := "pin_message"
		if !pin {
			op = "unpin_message"
		}
		return nil, platform.Unsupportedf(op, "platform has no pin api")
	}
	platformID, err := p.resolve(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx, ratelimit.ClassGeneral, req.ConversationID); err != nil {
		return nil, err
	}
	if pin {
		err = p.client.PinMessage(ctx, platformID, req.MessageID)
	} else {
		err = p.client.UnpinMessage(ctx, platformID, req.MessageID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"message_id": req.MessageID}, nil
}

func (p *OutgoingProcessor) fetchHistory(ctx context.Context, data json.RawMessage) (any, error) {
	var req fetchHistoryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("fetch_history: %v", err)
	}
	if _, err := p.resolve(req.ConversationID); err != nil {
		return nil, err
	}
	if err := p.limiter.Wait(ctx, ratelimit.ClassGeneral, req.ConversationID); err != nil {
		return nil, err
	}
	history, err := p.history.Fetch(ctx, req.ConversationID, req.Limit, req.Before, req.After)
	if err != nil {
		return nil, err
	}
	return map[string]any{"history": history}, nil
}

// fetchAttachment is cache-only: it never touches the platform.
func (p *OutgoingProcessor) fetchAttachment(data json.RawMessage) (any, error) {
	var req fetchAttachmentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, platform.Validationf("fetch_attachment: %v", err)
	}
	if req.AttachmentID == "" {
		return nil, platform.Validationf("fetch_attachment requires attachment_id")
	}

	payload, att, err := p.downloader.Read(req.AttachmentID)
	if err != nil {
		return nil, err
	}
	content := base64.StdEncoding.EncodeToString(payload)
	return map[string]any{
		"attachment": AttachmentPayload{
			AttachmentID:   att.AttachmentID,
			AttachmentType: att.AttachmentType,
			FileExtension:  att.FileExtension,
			Size:           att.Size,
			Processable:    att.Processable,
			Content:        &content,
		},
	}, nil
}
