package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

const (
	discordRequestTimeout = 10 * time.Second
	discordEpochMS        = 1420070400000
	discordEventBuffer    = 256
)

func init() {
	Register("discord", func(cfg *config.Config) (Client, error) {
		return NewDiscordClient(cfg)
	})
}

// DiscordClient drives a socket-mode Discord session.
type DiscordClient struct {
	session *discordgo.Session
	events  chan RawEvent
	http    *http.Client

	mu        sync.RWMutex
	connected bool
	botUserID string
}

func NewDiscordClient(cfg *config.Config) (*DiscordClient, error) {
	if strings.TrimSpace(cfg.Adapter.BotToken) == "" {
		return nil, fmt.Errorf("adapter.bot_token is required for discord")
	}

	session, err := discordgo.New("Bot " + cfg.Adapter.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentMessageContent

	c := &DiscordClient{
		session: session,
		events:  make(chan RawEvent, discordEventBuffer),
		http:    &http.Client{Timeout: 30 * time.Second},
	}

	session.AddHandler(c.handleMessageCreate)
	session.AddHandler(c.handleMessageUpdate)
	session.AddHandler(c.handleMessageDelete)
	session.AddHandler(c.handleReactionAdd)
	session.AddHandler(c.handleReactionRemove)
	session.AddHandler(c.handleChannelUpdate)

	return c, nil
}

func (c *DiscordClient) Connect(ctx context.Context) error {
	logger.InfoC("discord", "Opening Discord session")

	if err := c.session.Open(); err != nil {
		return &TransientError{Op: "connect", Err: err}
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return &TransientError{Op: "connect", Err: fmt.Errorf("get bot user: %w", err)}
	}

	c.mu.Lock()
	c.connected = true
	c.botUserID = botUser.ID
	c.mu.Unlock()

	logger.InfoCF("discord", "Discord session connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordClient) IsAlive(ctx context.Context) bool {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return false
	}
	// A gateway that stopped acking heartbeats is as good as dead.
	return c.session.HeartbeatLatency() < time.Minute
}

func (c *DiscordClient) Events() <-chan RawEvent {
	return c.events
}

func (c *DiscordClient) Capabilities() Capabilities {
	return Capabilities{
		SupportsPinning:   true,
		AttachmentsOnEdit: false,
		EchoesOwnMessages: true,
	}
}

func (c *DiscordClient) BotUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botUserID
}

// conversationID composes the platform conversation id. Guild channels are
// guild/channel; DMs are just the channel id.
func discordConversationID(guildID, channelID string) string {
	if guildID == "" {
		return channelID
	}
	return guildID + "/" + channelID
}

func splitDiscordConversationID(conversationID string) (guildID, channelID string) {
	if i := strings.IndexByte(conversationID, '/'); i >= 0 {
		return conversationID[:i], conversationID[i+1:]
	}
	return "", conversationID
}

func (c *DiscordClient) emit(ev RawEvent) {
	select {
	case c.events <- ev:
	default:
		logger.WarnCF("discord", "Dropping raw event, consumer too slow", map[string]any{
			"type": string(ev.Type),
		})
	}
}

func discordUser(u *discordgo.User) RawUser {
	if u == nil {
		return RawUser{}
	}
	return RawUser{ID: u.ID, Username: u.Username, IsBot: u.Bot}
}

func (c *DiscordClient) rawMessage(m *discordgo.Message) *RawMessage {
	raw := &RawMessage{
		MessageID:        m.ID,
		ConversationID:   discordConversationID(m.GuildID, m.ChannelID),
		ConversationType: "channel",
		ServerID:         m.GuildID,
		Sender:           discordUser(m.Author),
		Text:             m.Content,
		TimestampMS:      m.Timestamp.UnixMilli(),
		IsDirect:         m.GuildID == "",
		IsPinned:         m.Pinned,
		MentionsAll:      m.MentionEveryone,
		FromSelf:         m.Author != nil && m.Author.ID == c.BotUserID(),
	}
	if raw.IsDirect {
		raw.ConversationType = "dm"
	}
	if m.EditedTimestamp != nil {
		raw.Edited = true
		raw.EditTimestampMS = m.EditedTimestamp.UnixMilli()
	}
	if m.MessageReference != nil {
		raw.ReplyToID = m.MessageReference.MessageID
	}
	for _, u := range m.Mentions {
		raw.Mentions = append(raw.Mentions, discordUser(u))
	}
	for _, a := range m.Attachments {
		raw.Attachments = append(raw.Attachments, RawAttachmentRef{
			ID:          a.ID,
			Filename:    a.Filename,
			Extension:   extensionOf(a.Filename),
			ContentType: a.ContentType,
			Size:        int64(a.Size),
			URL:         a.URL,
		})
	}
	return raw
}

func extensionOf(filename string) string {
	if i := strings.LastIndexByte(filename, '.'); i >= 0 && i < len(filename)-1 {
		return strings.ToLower(filename[i+1:])
	}
	return ""
}

func (c *DiscordClient) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	c.emit(RawEvent{Type: RawNewMessage, Message: c.rawMessage(m.Message)})
}

func (c *DiscordClient) handleMessageUpdate(_ *discordgo.Session, m *discordgo.MessageUpdate) {
	if m == nil || m.Message == nil {
		return
	}
	c.emit(RawEvent{Type: RawEditedMessage, Message: c.rawMessage(m.Message)})
}

func (c *DiscordClient) handleMessageDelete(_ *discordgo.Session, m *discordgo.MessageDelete) {
	if m == nil || m.Message == nil {
		return
	}
	c.emit(RawEvent{
		Type:              RawDeletedMessage,
		ConversationID:    discordConversationID(m.GuildID, m.ChannelID),
		DeletedMessageIDs: []string{m.ID},
	})
}

func (c *DiscordClient) handleReactionAdd(_ *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if r == nil {
		return
	}
	c.emit(RawEvent{Type: RawReactionAdded, Reaction: c.rawReaction(r.MessageReaction)})
}

func (c *DiscordClient) handleReactionRemove(_ *discordgo.Session, r *discordgo.MessageReactionRemove) {
	if r == nil {
		return
	}
	c.emit(RawEvent{Type: RawReactionRemoved, Reaction: c.rawReaction(r.MessageReaction)})
}

func (c *DiscordClient) rawReaction(r *discordgo.MessageReaction) *RawReaction {
	return &RawReaction{
		MessageID:      r.MessageID,
		ConversationID: discordConversationID(r.GuildID, r.ChannelID),
		Emoji:          r.Emoji.Name,
		User:           RawUser{ID: r.UserID},
		FromSelf:       r.UserID == c.BotUserID(),
	}
}

func (c *DiscordClient) handleChannelUpdate(_ *discordgo.Session, ch *discordgo.ChannelUpdate) {
	if ch == nil || ch.Channel == nil {
		return
	}
	c.emit(RawEvent{
		Type:             RawConversationRenamed,
		ConversationID:   discordConversationID(ch.GuildID, ch.ID),
		ConversationName: ch.Name,
		ServerID:         ch.GuildID,
	})
}

func (c *DiscordClient) SendMessage(ctx context.Context, conversationID, text string, files []OutgoingFile) ([]string, error) {
	_, channelID := splitDiscordConversationID(conversationID)

	send := &discordgo.MessageSend{Content: text}
	for _, f := range files {
		send.Files = append(send.Files, &discordgo.File{
			Name:   f.Name,
			Reader: bytes.NewReader(f.Data),
		})
	}

	msg, err := do(ctx, "send_message", func() (*discordgo.Message, error) {
		return c.session.ChannelMessageSendComplex(channelID, send)
	})
	if err != nil {
		return nil, err
	}
	return []string{msg.ID}, nil
}

func (c *DiscordClient) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	_, channelID := splitDiscordConversationID(conversationID)
	_, err := do(ctx, "edit_message", func() (*discordgo.Message, error) {
		return c.session.ChannelMessageEdit(channelID, messageID, text)
	})
	return err
}

func (c *DiscordClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, channelID := splitDiscordConversationID(conversationID)
	_, err := do(ctx, "delete_message", func() (struct{}, error) {
		return struct{}{}, c.session.ChannelMessageDelete(channelID, messageID)
	})
	return err
}

func (c *DiscordClient) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	_, channelID := splitDiscordConversationID(conversationID)
	_, err := do(ctx, "add_reaction", func() (struct{}, error) {
		return struct{}{}, c.session.MessageReactionAdd(channelID, messageID, emoji)
	})
	return err
}

func (c *DiscordClient) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	_, channelID := splitDiscordConversationID(conversationID)
	_, err := do(ctx, "remove_reaction", func() (struct{}, error) {
		return struct{}{}, c.session.MessageReactionRemove(channelID, messageID, emoji, "@me")
	})
	return err
}

func (c *DiscordClient) PinMessage(ctx context.Context, conversationID, messageID string) error {
	_, channelID := splitDiscordConversationID(conversationID)
	_, err := do(ctx, "pin_message", func() (struct{}, error) {
		return struct{}{}, c.session.ChannelMessagePin(channelID, messageID)
	})
	return err
}

func (c *DiscordClient) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	_, channelID := splitDiscordConversationID(conversationID)
	_, err := do(ctx, "unpin_message", func() (struct{}, error) {
		return struct{}{}, c.session.ChannelMessageUnpin(channelID, messageID)
	})
	return err
}

// msToSnowflake converts a unix-ms timestamp into a synthetic Discord
// snowflake usable as a history anchor.
func msToSnowflake(ms int64) string {
	if ms <= discordEpochMS {
		return "0"
	}
	return strconv.FormatInt((ms-discordEpochMS)<<22, 10)
}

func (c *DiscordClient) FetchHistory(ctx context.Context, conversationID string, limit int, beforeMS, afterMS int64) ([]RawMessage, error) {
	_, channelID := splitDiscordConversationID(conversationID)

	var beforeID, afterID string
	if beforeMS > 0 {
		beforeID = msToSnowflake(beforeMS)
	}
	if afterMS > 0 {
		afterID = msToSnowflake(afterMS)
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	msgs, err := do(ctx, "fetch_history", func() ([]*discordgo.Message, error) {
		return c.session.ChannelMessages(channelID, limit, beforeID, afterID, "")
	})
	if err != nil {
		return nil, err
	}

	// Discord returns newest first; callers expect oldest first.
	out := make([]RawMessage, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		out = append(out, *c.rawMessage(msgs[i]))
	}
	return out, nil
}

func (c *DiscordClient) DownloadAttachment(ctx context.Context, ref RawAttachmentRef) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return nil, &AttachmentError{AttachmentID: ref.ID, Reason: "bad url", Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "download_attachment", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &AttachmentError{
			AttachmentID: ref.ID,
			Reason:       fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}
	return io.ReadAll(resp.Body)
}

func (c *DiscordClient) UploadAttachment(ctx context.Context, conversationID string, file OutgoingFile) (string, error) {
	ids, err := c.SendMessage(ctx, conversationID, "", []OutgoingFile{file})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// do wraps a blocking discordgo call with the request timeout and the error
// taxonomy. discordgo calls do not take contexts, so the call runs in its
// own goroutine and is abandoned on timeout.
func do[T any](ctx context.Context, op string, call func() (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithTimeout(ctx, discordRequestTimeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return zero, classifyDiscordError(op, r.err)
		}
		return r.val, nil
	case <-callCtx.Done():
		return zero, &TransientError{Op: op, Err: callCtx.Err()}
	}
}

func classifyDiscordError(op string, err error) error {
	var rerr *discordgo.RESTError
	if ok := errors.As(err, &rerr); ok && rerr.Response != nil {
		switch code := rerr.Response.StatusCode; {
		case code == http.StatusTooManyRequests || code >= 500:
			return &TransientError{Op: op, Err: err}
		case code >= 400:
			return &PermanentError{Op: op, Reason: http.StatusText(code), Err: err}
		}
	}
	return &TransientError{Op: op, Err: err}
}
