package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

const (
	telegramPollTimeout = 30
	telegramEventBuffer = 256
)

func init() {
	Register("telegram", func(cfg *config.Config) (Client, error) {
		return NewTelegramClient(cfg)
	})
}

// TelegramClient runs a long-polling Telegram bot. The Bot API never
// replays the bot's own sends and offers no history endpoint, so the
// outgoing side records sends itself and FetchHistory is unsupported.
type TelegramClient struct {
	bot    *tgbotapi.BotAPI
	token  string
	events chan RawEvent
	http   *http.Client

	mu        sync.RWMutex
	connected bool
	botUserID string

	stopPolling context.CancelFunc
	pollDone    chan struct{}
}

func NewTelegramClient(cfg *config.Config) (*TelegramClient, error) {
	token := strings.TrimSpace(cfg.Adapter.BotToken)
	if token == "" {
		return nil, fmt.Errorf("adapter.bot_token is required for telegram")
	}
	return &TelegramClient{
		token:  token,
		events: make(chan RawEvent, telegramEventBuffer),
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *TelegramClient) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(c.token)
	if err != nil {
		return &TransientError{Op: "connect", Err: err}
	}

	pollCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.bot = bot
	c.connected = true
	c.botUserID = strconv.FormatInt(bot.Self.ID, 10)
	c.stopPolling = cancel
	c.pollDone = make(chan struct{})
	c.mu.Unlock()

	logger.InfoCF("telegram", "Telegram bot authorized", map[string]any{
		"username": bot.Self.UserName,
		"user_id":  bot.Self.ID,
	})

	go c.poll(pollCtx, bot)
	return nil
}

func (c *TelegramClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	cancel := c.stopPolling
	done := c.pollDone
	bot := c.bot
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			logger.WarnC("telegram", "Poll loop did not stop in time")
		}
	}
	return nil
}

func (c *TelegramClient) IsAlive(ctx context.Context) bool {
	c.mu.RLock()
	bot := c.bot
	connected := c.connected
	c.mu.RUnlock()
	if !connected || bot == nil {
		return false
	}
	_, err := bot.GetMe()
	return err == nil
}

func (c *TelegramClient) Events() <-chan RawEvent {
	return c.events
}

func (c *TelegramClient) Capabilities() Capabilities {
	return Capabilities{
		SupportsPinning:   true,
		AttachmentsOnEdit: false,
		EchoesOwnMessages: false,
	}
}

func (c *TelegramClient) BotUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botUserID
}

func (c *TelegramClient) poll(ctx context.Context, bot *tgbotapi.BotAPI) {
	defer close(c.pollDone)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			c.dispatch(update)
		}
	}
}

func (c *TelegramClient) dispatch(update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		c.dispatchMessage(update.Message)
	case update.EditedMessage != nil:
		c.emit(RawEvent{Type: RawEditedMessage, Message: c.rawMessage(update.EditedMessage)})
	case update.ChannelPost != nil:
		c.dispatchMessage(update.ChannelPost)
	case update.EditedChannelPost != nil:
		c.emit(RawEvent{Type: RawEditedMessage, Message: c.rawMessage(update.EditedChannelPost)})
	}
}

// dispatchMessage routes service messages (title changes, pins, chat
// migrations) away from the new-message path.
func (c *TelegramClient) dispatchMessage(m *tgbotapi.Message) {
	switch {
	case m.MigrateToChatID != 0:
		c.emit(RawEvent{
			Type:              RawChatMigrated,
			ConversationID:    strconv.FormatInt(m.Chat.ID, 10),
			NewConversationID: strconv.FormatInt(m.MigrateToChatID, 10),
		})
	case m.NewChatTitle != "":
		c.emit(RawEvent{
			Type:             RawConversationRenamed,
			ConversationID:   strconv.FormatInt(m.Chat.ID, 10),
			ConversationName: m.NewChatTitle,
		})
	case m.PinnedMessage != nil:
		pinned := c.rawMessage(m.PinnedMessage)
		pinned.IsPinned = true
		c.emit(RawEvent{Type: RawPinnedMessage, Message: pinned})
	default:
		c.emit(RawEvent{Type: RawNewMessage, Message: c.rawMessage(m)})
	}
}

func (c *TelegramClient) emit(ev RawEvent) {
	select {
	case c.events <- ev:
	default:
		logger.WarnCF("telegram", "Dropping raw event, consumer too slow", map[string]any{
			"type": string(ev.Type),
		})
	}
}

func telegramUser(u *tgbotapi.User) RawUser {
	if u == nil {
		return RawUser{}
	}
	return RawUser{
		ID:        strconv.FormatInt(u.ID, 10),
		Username:  u.UserName,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
	}
}

func (c *TelegramClient) rawMessage(m *tgbotapi.Message) *RawMessage {
	raw := &RawMessage{
		MessageID:        strconv.Itoa(m.MessageID),
		ConversationID:   strconv.FormatInt(m.Chat.ID, 10),
		ConversationName: m.Chat.Title,
		ConversationType: m.Chat.Type,
		Sender:           telegramUser(m.From),
		Text:             m.Text,
		TimestampMS:      int64(m.Date) * 1000,
		IsDirect:         m.Chat.IsPrivate(),
		FromSelf:         m.From != nil && strconv.FormatInt(m.From.ID, 10) == c.BotUserID(),
	}
	if raw.Text == "" {
		raw.Text = m.Caption
	}
	if m.EditDate != 0 {
		raw.Edited = true
		raw.EditTimestampMS = int64(m.EditDate) * 1000
	}
	if m.ReplyToMessage != nil {
		raw.ReplyToID = strconv.Itoa(m.ReplyToMessage.MessageID)
	}
	for _, e := range m.Entities {
		if e.Type == "text_mention" && e.User != nil {
			raw.Mentions = append(raw.Mentions, telegramUser(e.User))
		} else if e.Type == "mention" {
			name := entityText(m.Text, e)
			raw.Mentions = append(raw.Mentions, RawUser{Username: strings.TrimPrefix(name, "@")})
		}
	}
	raw.Attachments = telegramAttachments(m)
	return raw
}

// entityText slices the UTF-16 offsets Telegram entities use.
func entityText(text string, e tgbotapi.MessageEntity) string {
	utf16Text := []uint16{}
	for _, r := range text {
		if r > 0xFFFF {
			utf16Text = append(utf16Text, 0, 0)
		} else {
			utf16Text = append(utf16Text, uint16(r))
		}
	}
	if e.Offset < 0 || e.Offset+e.Length > len(utf16Text) {
		return ""
	}
	// Mentions are plain ASCII, so the naive decode is fine here.
	out := make([]rune, 0, e.Length)
	for _, u := range utf16Text[e.Offset : e.Offset+e.Length] {
		if u != 0 {
			out = append(out, rune(u))
		}
	}
	return string(out)
}

func telegramAttachments(m *tgbotapi.Message) []RawAttachmentRef {
	var refs []RawAttachmentRef
	if m.Document != nil {
		refs = append(refs, RawAttachmentRef{
			ID:          m.Document.FileID,
			Filename:    m.Document.FileName,
			Extension:   extensionOf(m.Document.FileName),
			ContentType: m.Document.MimeType,
			Size:        int64(m.Document.FileSize),
		})
	}
	if len(m.Photo) > 0 {
		// Telegram sends every thumbnail size; keep only the largest.
		best := m.Photo[len(m.Photo)-1]
		refs = append(refs, RawAttachmentRef{
			ID:          best.FileID,
			Filename:    best.FileUniqueID + ".jpg",
			Extension:   "jpg",
			ContentType: "image/jpeg",
			Size:        int64(best.FileSize),
		})
	}
	if m.Audio != nil {
		refs = append(refs, RawAttachmentRef{
			ID:          m.Audio.FileID,
			Filename:    m.Audio.FileName,
			Extension:   extensionOf(m.Audio.FileName),
			ContentType: m.Audio.MimeType,
			Size:        int64(m.Audio.FileSize),
		})
	}
	if m.Video != nil {
		refs = append(refs, RawAttachmentRef{
			ID:          m.Video.FileID,
			Filename:    m.Video.FileName,
			Extension:   extensionOf(m.Video.FileName),
			ContentType: m.Video.MimeType,
			Size:        int64(m.Video.FileSize),
		})
	}
	if m.Voice != nil {
		refs = append(refs, RawAttachmentRef{
			ID:          m.Voice.FileID,
			Filename:    m.Voice.FileUniqueID + ".ogg",
			Extension:   "ogg",
			ContentType: m.Voice.MimeType,
			Size:        int64(m.Voice.FileSize),
		})
	}
	return refs
}

func (c *TelegramClient) api() (*tgbotapi.BotAPI, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bot == nil {
		return nil, &TransientError{Op: "api", Err: fmt.Errorf("not connected")}
	}
	return c.bot, nil
}

func parseChatID(conversationID string) (int64, error) {
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, Validationf("invalid telegram chat id %q", conversationID)
	}
	return id, nil
}

func parseMessageID(messageID string) (int, error) {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return 0, Validationf("invalid telegram message id %q", messageID)
	}
	return id, nil
}

func (c *TelegramClient) SendMessage(ctx context.Context, conversationID, text string, files []OutgoingFile) ([]string, error) {
	bot, err := c.api()
	if err != nil {
		return nil, err
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return nil, err
	}

	var ids []string
	if text != "" {
		sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
		if err != nil {
			return ids, classifyTelegramError("send_message", err)
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}
	for _, f := range files {
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: f.Name, Bytes: f.Data})
		sent, err := bot.Send(doc)
		if err != nil {
			return ids, classifyTelegramError("send_message", err)
		}
		ids = append(ids, strconv.Itoa(sent.MessageID))
	}
	return ids, nil
}

func (c *TelegramClient) EditMessage(ctx context.Context, conversationID, messageID, text string) error {
	bot, err := c.api()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		return classifyTelegramError("edit_message", err)
	}
	return nil
}

func (c *TelegramClient) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	bot, err := c.api()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return classifyTelegramError("delete_message", err)
	}
	return nil
}

func (c *TelegramClient) AddReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return Unsupportedf("add_reaction", "telegram bot api does not expose reactions")
}

func (c *TelegramClient) RemoveReaction(ctx context.Context, conversationID, messageID, emoji string) error {
	return Unsupportedf("remove_reaction", "telegram bot api does not expose reactions")
}

func (c *TelegramClient) PinMessage(ctx context.Context, conversationID, messageID string) error {
	bot, err := c.api()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	cfg := tgbotapi.PinChatMessageConfig{
		ChatID:              chatID,
		MessageID:           msgID,
		DisableNotification: true,
	}
	if _, err := bot.Request(cfg); err != nil {
		return classifyTelegramError("pin_message", err)
	}
	return nil
}

func (c *TelegramClient) UnpinMessage(ctx context.Context, conversationID, messageID string) error {
	bot, err := c.api()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(conversationID)
	if err != nil {
		return err
	}
	msgID, err := parseMessageID(messageID)
	if err != nil {
		return err
	}
	cfg := tgbotapi.UnpinChatMessageConfig{ChatID: chatID, MessageID: msgID}
	if _, err := bot.Request(cfg); err != nil {
		return classifyTelegramError("unpin_message", err)
	}
	return nil
}

func (c *TelegramClient) FetchHistory(ctx context.Context, conversationID string, limit int, beforeMS, afterMS int64) ([]RawMessage, error) {
	return nil, Unsupportedf("fetch_history", "telegram bot api has no history endpoint")
}

func (c *TelegramClient) DownloadAttachment(ctx context.Context, ref RawAttachmentRef) ([]byte, error) {
	bot, err := c.api()
	if err != nil {
		return nil, err
	}
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: ref.ID})
	if err != nil {
		return nil, classifyTelegramError("download_attachment", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(c.token), nil)
	if err != nil {
		return nil, &AttachmentError{AttachmentID: ref.ID, Reason: "bad file link", Err: err}
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

func (c *TelegramClient) UploadAttachment(ctx context.Context, conversationID string, file OutgoingFile) (string, error) {
	ids, err := c.SendMessage(ctx, conversationID, "", []OutgoingFile{file})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", &TransientError{Op: "upload_attachment", Err: fmt.Errorf("no message id returned")}
	}
	return ids[0], nil
}

func classifyTelegramError(op string, err error) error {
	var apiErr *tgbotapi.Error
	if ok := errors.As(err, &apiErr); ok {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return &TransientError{Op: op, Err: err}
		case apiErr.Code >= 400:
			return &PermanentError{Op: op, Reason: apiErr.Message, Err: err}
		}
	}
	return &TransientError{Op: op, Err: err}
}
