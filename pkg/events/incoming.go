package events

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/attachments"
	"github.com/dotsetgreg/chatbridge/pkg/cache"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/conversation"
	"github.com/dotsetgreg/chatbridge/pkg/emoji"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

// IncomingProcessor turns raw platform events into normalized framework
// events: preprocessing, manager dispatch, history-first bootstrap and the
// loopback filter, in that order.
type IncomingProcessor struct {
	client     platform.Client
	manager    *conversation.Manager
	attCache   *cache.AttachmentCache
	downloader *attachments.Downloader
	history    *HistoryFetcher
	emitter    Emitter
	emoji      *emoji.Converter
	cfg        config.AdapterConfig

	handlers map[platform.RawEventType]func(context.Context, platform.RawEvent)
}

func NewIncomingProcessor(
	client platform.Client,
	manager *conversation.Manager,
	attCache *cache.AttachmentCache,
	downloader *attachments.Downloader,
	history *HistoryFetcher,
	emitter Emitter,
	emojiConv *emoji.Converter,
	cfg config.AdapterConfig,
) *IncomingProcessor {
	p := &IncomingProcessor{
		client:     client,
		manager:    manager,
		attCache:   attCache,
		downloader: downloader,
		history:    history,
		emitter:    emitter,
		emoji:      emojiConv,
		cfg:        cfg,
	}
	p.handlers = map[platform.RawEventType]func(context.Context, platform.RawEvent){
		platform.RawNewMessage:          p.handleNewMessage,
		platform.RawEditedMessage:       p.handleEditedMessage,
		platform.RawDeletedMessage:      p.handleDeletedMessage,
		platform.RawReactionAdded:       p.handleReactionAdded,
		platform.RawReactionRemoved:     p.handleReactionRemoved,
		platform.RawPinnedMessage:       p.handlePinned,
		platform.RawUnpinnedMessage:     p.handleUnpinned,
		platform.RawConversationRenamed: p.handleRenamed,
		platform.RawChatMigrated:        p.handleMigrated,
	}
	return p
}

// Process dispatches one raw event. Unknown event types are logged and
// dropped.
func (p *IncomingProcessor) Process(ctx context.Context, ev platform.RawEvent) {
	handler, ok := p.handlers[ev.Type]
	if !ok {
		logger.DebugCF("incoming", "Unhandled raw event type", map[string]any{"type": string(ev.Type)})
		return
	}
	handler(ctx, ev)
}

// normalizeMentions rewrites platform mention markup to <@display_name>.
func normalizeMentions(text string, mentions []platform.RawUser) string {
	for _, u := range mentions {
		name := rawDisplayName(u)
		if u.ID != "" {
			text = strings.ReplaceAll(text, "<@!"+u.ID+">", "<@"+name+">")
			text = strings.ReplaceAll(text, "<@"+u.ID+">", "<@"+name+">")
		}
		if u.Username != "" {
			text = strings.ReplaceAll(text, "@"+u.Username, "<@"+name+">")
		}
	}
	return text
}

func (p *IncomingProcessor) handleNewMessage(ctx context.Context, ev platform.RawEvent) {
	raw := ev.Message
	if raw == nil {
		return
	}
	raw.Text = normalizeMentions(raw.Text, raw.Mentions)

	derived := conversation.DeriveConversationID(p.cfg.AdapterType, raw.ConversationID)
	attPayloads := p.fetchAttachments(ctx, derived, raw.Attachments, true)

	delta := p.manager.AddToConversation(raw)
	p.emitStartedIfNeeded(ctx, delta, raw.TimestampMS)

	for _, msg := range delta.Added {
		if msg.Origin == cache.OriginFramework {
			// Loopback: the platform echoed our own send.
			continue
		}
		payload := PayloadFromCached(msg, p.attCache)
		if len(attPayloads) > 0 {
			payload.Attachments = attPayloads
		}
		p.emitter.EmitBotRequest(TypeMessageReceived, payload)
	}
}

func (p *IncomingProcessor) handleEditedMessage(ctx context.Context, ev platform.RawEvent) {
	raw := ev.Message
	if raw == nil {
		return
	}
	raw.Text = normalizeMentions(raw.Text, raw.Mentions)

	derived := conversation.DeriveConversationID(p.cfg.AdapterType, raw.ConversationID)
	var attPayloads []AttachmentPayload
	if p.client.Capabilities().AttachmentsOnEdit {
		attPayloads = p.fetchAttachments(ctx, derived, raw.Attachments, true)
	}

	delta := p.manager.UpdateConversation(raw)
	p.emitStartedIfNeeded(ctx, delta, raw.TimestampMS)
	p.emitDelta(delta, attPayloads)
}

func (p *IncomingProcessor) handleDeletedMessage(_ context.Context, ev platform.RawEvent) {
	delta := p.manager.DeleteFromConversation(ev.ConversationID, ev.DeletedMessageIDs)
	if len(delta.Deleted) == 0 {
		return
	}
	p.emitter.EmitBotRequest(TypeMessageDeleted, MessageDeletedPayload{
		ConversationID: delta.ConversationID,
		MessageIDs:     delta.Deleted,
	})
}

func (p *IncomingProcessor) handleReactionAdded(_ context.Context, ev platform.RawEvent) {
	p.applyReaction(ev, true)
}

func (p *IncomingProcessor) handleReactionRemoved(_ context.Context, ev platform.RawEvent) {
	p.applyReaction(ev, false)
}

func (p *IncomingProcessor) applyReaction(ev platform.RawEvent, added bool) {
	raw := ev.Reaction
	if raw == nil {
		return
	}
	if raw.FromSelf && p.cfg.FilterBotReactions {
		return
	}

	delta := p.manager.ApplyReaction(raw, added)

	eventType := TypeReactionAdded
	changes := delta.ReactionsAdded
	if !added {
		eventType = TypeReactionRemoved
		changes = delta.ReactionsRemoved
	}
	for _, ch := range changes {
		if ch.Origin == cache.OriginFramework {
			// Reactions on the bot's own messages stay silent.
			continue
		}
		p.emitter.EmitBotRequest(eventType, ReactionPayload{
			ConversationID: delta.ConversationID,
			MessageID:      ch.MessageID,
			Emoji:          p.emoji.StandardName(ch.Emoji),
			UserID:         ch.UserID,
		})
	}
}

func (p *IncomingProcessor) handlePinned(ctx context.Context, ev platform.RawEvent) {
	p.applyPin(ctx, ev, true)
}

func (p *IncomingProcessor) handleUnpinned(ctx context.Context, ev platform.RawEvent) {
	p.applyPin(ctx, ev, false)
}

func (p *IncomingProcessor) applyPin(ctx context.Context, ev platform.RawEvent, pinned bool) {
	raw := ev.Message
	if raw == nil {
		return
	}
	delta := p.manager.ApplyPin(raw, pinned)
	p.emitStartedIfNeeded(ctx, delta, raw.TimestampMS)
	p.emitDelta(delta, nil)
}

func (p *IncomingProcessor) handleRenamed(_ context.Context, ev platform.RawEvent) {
	delta := p.manager.UpdateMetadata(ev.ConversationID, ev.ConversationName, ev.ServerID, ev.ServerName)
	p.emitMetadata(delta)
}

func (p *IncomingProcessor) handleMigrated(_ context.Context, ev platform.RawEvent) {
	delta := p.manager.Migrate(ev.ConversationID, ev.NewConversationID)
	p.emitMetadata(delta)
}

func (p *IncomingProcessor) emitMetadata(delta *conversation.Delta) {
	if !delta.MetadataChanged {
		return
	}
	ci := p.manager.Conversation(delta.ConversationID)
	if ci == nil {
		return
	}
	p.emitter.EmitBotRequest(TypeConversationUpdated, ConversationUpdatedPayload{
		ConversationID:   ci.ConversationID,
		ConversationName: ci.ConversationName,
		ServerID:         ci.ServerID,
		ServerName:       ci.ServerName,
	})
}

// emitDelta converts the remaining delta entries into events, applying the
// loopback filter per entry.
func (p *IncomingProcessor) emitDelta(delta *conversation.Delta, attPayloads []AttachmentPayload) {
	for _, msg := range delta.Added {
		if msg.Origin == cache.OriginFramework {
			continue
		}
		payload := PayloadFromCached(msg, p.attCache)
		if len(attPayloads) > 0 {
			payload.Attachments = attPayloads
		}
		p.emitter.EmitBotRequest(TypeMessageReceived, payload)
	}
	for _, ed := range delta.Edited {
		if ed.Message.Origin == cache.OriginFramework {
			continue
		}
		payload := PayloadFromCached(ed.Message, p.attCache)
		if len(attPayloads) > 0 {
			payload.Attachments = attPayloads
		}
		p.emitter.EmitBotRequest(TypeMessageUpdated, payload)
	}
	for _, msg := range delta.Pinned {
		if msg.Origin == cache.OriginFramework {
			continue
		}
		p.emitter.EmitBotRequest(TypeMessagePinned, PayloadFromCached(msg, p.attCache))
	}
	for _, msg := range delta.Unpinned {
		if msg.Origin == cache.OriginFramework {
			continue
		}
		p.emitter.EmitBotRequest(TypeMessageUnpinned, PayloadFromCached(msg, p.attCache))
	}
}

// emitStartedIfNeeded runs the history-first rule: a brand-new
// conversation delivers conversation_started with inlined history before
// any other event for it.
func (p *IncomingProcessor) emitStartedIfNeeded(ctx context.Context, delta *conversation.Delta, anchorMS int64) {
	if !delta.ConversationStarted {
		return
	}
	ci := p.manager.Conversation(delta.ConversationID)
	if ci == nil || !ci.JustStarted {
		return
	}

	if anchorMS == 0 {
		anchorMS = time.Now().UnixMilli()
	}
	var history []MessagePayload
	if delta.FetchHistoryNeeded {
		var err error
		history, err = p.history.Fetch(ctx, delta.ConversationID, p.cfg.MaxHistoryLimit, anchorMS, 0)
		if err != nil {
			// Best effort: an empty history still satisfies the ordering
			// contract.
			logger.WarnCF("incoming", "History fetch for new conversation failed", map[string]any{
				"conversation_id": delta.ConversationID,
				"error":           err.Error(),
			})
			history = nil
		}
	}
	if history == nil {
		history = []MessagePayload{}
	}

	p.emitter.EmitBotRequest(TypeConversationStarted, ConversationStartedPayload{
		ConversationID:   ci.ConversationID,
		ConversationName: ci.ConversationName,
		ConversationType: ci.ConversationType,
		ServerID:         ci.ServerID,
		ServerName:       ci.ServerName,
		History:          history,
	})
	p.manager.ClearJustStarted(delta.ConversationID)
}

// fetchAttachments downloads every reference and builds wire payloads.
// Content is inlined only for processable attachments when withContent is
// set.
func (p *IncomingProcessor) fetchAttachments(ctx context.Context, conversationID string, refs []platform.RawAttachmentRef, withContent bool) []AttachmentPayload {
	var out []AttachmentPayload
	for _, ref := range refs {
		att, err := p.downloader.Fetch(ctx, conversationID, ref)
		if err != nil {
			logger.ErrorCF("incoming", "Attachment download failed", map[string]any{
				"attachment_id": ref.ID,
				"error":         err.Error(),
			})
			out = append(out, AttachmentPayload{
				AttachmentID:  ref.ID,
				FileExtension: ref.Extension,
				Size:          ref.Size,
				Processable:   false,
			})
			continue
		}
		p.manager.RegisterAttachment(conversationID, att.AttachmentID)

		payload := AttachmentPayload{
			AttachmentID:   att.AttachmentID,
			AttachmentType: att.AttachmentType,
			FileExtension:  att.FileExtension,
			Size:           att.Size,
			Processable:    att.Processable,
		}
		if withContent && att.Processable {
			if data, _, err := p.downloader.Read(att.AttachmentID); err == nil {
				content := base64.StdEncoding.EncodeToString(data)
				payload.Content = &content
			}
		}
		out = append(out, payload)
	}
	return out
}
