package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

// Origin records which side of the bridge produced a message.
type Origin string

const (
	OriginPlatform  Origin = "platform"
	OriginFramework Origin = "framework"
)

// CachedMessage is the in-memory record for one platform message.
type CachedMessage struct {
	MessageID      string
	ConversationID string
	ThreadID       string
	SenderID       string
	SenderName     string
	Text           string
	// Timestamp is milliseconds since epoch.
	Timestamp     int64
	EditTimestamp int64
	Edited        bool
	Origin        Origin
	ReplyToID     string
	IsDirect      bool
	IsPinned      bool
	Mentions      []string
	// Reactions maps emoji name to the set of user ids that placed it.
	Reactions   map[string]map[string]struct{}
	Attachments map[string]struct{}
}

func (m *CachedMessage) ageAt(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.Timestamp))
}

// AddReaction records one user's reaction. Reports whether it was new.
func (m *CachedMessage) AddReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string]map[string]struct{})
	}
	users, ok := m.Reactions[emoji]
	if !ok {
		users = make(map[string]struct{})
		m.Reactions[emoji] = users
	}
	if _, exists := users[userID]; exists {
		return false
	}
	users[userID] = struct{}{}
	return true
}

// RemoveReaction removes one user's reaction. Reports whether it was present.
func (m *CachedMessage) RemoveReaction(emoji, userID string) bool {
	users, ok := m.Reactions[emoji]
	if !ok {
		return false
	}
	if _, exists := users[userID]; !exists {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	}
	return true
}

// MessageCache tracks messages per conversation with age and capacity
// bounds enforced by a background sweep.
type MessageCache struct {
	cfg config.CachingConfig

	mu       sync.RWMutex
	messages map[string]map[string]*CachedMessage // conversation -> message id -> message
}

func NewMessageCache(cfg config.CachingConfig) *MessageCache {
	return &MessageCache{
		cfg:      cfg,
		messages: make(map[string]map[string]*CachedMessage),
	}
}

// Add inserts a message, returning the cached copy. If the message id is
// already present the existing entry wins and added is false.
func (c *MessageCache) Add(msg *CachedMessage) (cached *CachedMessage, added bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.messages[msg.ConversationID]
	if !ok {
		conv = make(map[string]*CachedMessage)
		c.messages[msg.ConversationID] = conv
	}
	if existing, ok := conv[msg.MessageID]; ok {
		return existing, false
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]map[string]struct{})
	}
	if msg.Attachments == nil {
		msg.Attachments = make(map[string]struct{})
	}
	conv[msg.MessageID] = msg
	return msg, true
}

// Get returns the cached message or nil.
func (c *MessageCache) Get(conversationID, messageID string) *CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messages[conversationID][messageID]
}

// Delete removes a message. Reports whether it was present.
func (c *MessageCache) Delete(conversationID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.messages[conversationID]
	if !ok {
		return false
	}
	if _, ok := conv[messageID]; !ok {
		return false
	}
	delete(conv, messageID)
	if len(conv) == 0 {
		delete(c.messages, conversationID)
	}
	return true
}

// Migrate moves a message between conversation keys. Used when a platform
// renumbers a chat (e.g. a group upgraded to a supergroup).
func (c *MessageCache) Migrate(oldConversationID, newConversationID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, ok := c.messages[oldConversationID]
	if !ok {
		return
	}
	msg, ok := old[messageID]
	if !ok {
		return
	}

	dst, ok := c.messages[newConversationID]
	if !ok {
		dst = make(map[string]*CachedMessage)
		c.messages[newConversationID] = dst
	}
	msg.ConversationID = newConversationID
	dst[messageID] = msg
	delete(old, messageID)
	if len(old) == 0 {
		delete(c.messages, oldConversationID)
	}
}

// ByConversation returns the conversation's messages ordered by timestamp.
func (c *MessageCache) ByConversation(conversationID string) []*CachedMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conv := c.messages[conversationID]
	out := make([]*CachedMessage, 0, len(conv))
	for _, msg := range conv {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Count returns the number of cached messages for one conversation.
func (c *MessageCache) Count(conversationID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[conversationID])
}

// TotalCount returns the number of cached messages across conversations.
func (c *MessageCache) TotalCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, conv := range c.messages {
		total += len(conv)
	}
	return total
}

// StartMaintenance runs the periodic sweep until ctx is cancelled.
func (c *MessageCache) StartMaintenance(ctx context.Context) {
	interval := time.Duration(c.cfg.MaintenanceInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(time.Now())
				logger.DebugCF("cache", "Message cache maintenance completed", map[string]any{
					"total": c.TotalCount(),
				})
			}
		}
	}()
}

// Sweep applies age and capacity eviction, oldest first.
func (c *MessageCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxAge := time.Duration(c.cfg.MaxAgeHours) * time.Hour
	for convID, conv := range c.messages {
		if maxAge > 0 {
			for id, msg := range conv {
				if msg.ageAt(now) > maxAge {
					delete(conv, id)
				}
			}
		}
		c.enforceConversationLimitLocked(convID)
		if len(conv) == 0 {
			delete(c.messages, convID)
		}
	}
	c.enforceTotalLimitLocked()
}

func (c *MessageCache) enforceConversationLimitLocked(conversationID string) {
	limit := c.cfg.MaxMessagesPerConversation
	conv := c.messages[conversationID]
	if limit <= 0 || len(conv) <= limit {
		return
	}

	sorted := make([]*CachedMessage, 0, len(conv))
	for _, msg := range conv {
		sorted = append(sorted, msg)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	for _, msg := range sorted[:len(sorted)-limit] {
		delete(conv, msg.MessageID)
	}
}

func (c *MessageCache) enforceTotalLimitLocked() {
	limit := c.cfg.MaxTotalMessages
	if limit <= 0 {
		return
	}
	total := 0
	for _, conv := range c.messages {
		total += len(conv)
	}
	if total <= limit {
		return
	}

	type entry struct {
		convID string
		msg    *CachedMessage
	}
	all := make([]entry, 0, total)
	for convID, conv := range c.messages {
		for _, msg := range conv {
			all = append(all, entry{convID, msg})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].msg.Timestamp < all[j].msg.Timestamp })

	for _, e := range all[:total-limit] {
		delete(c.messages[e.convID], e.msg.MessageID)
	}
	for convID, conv := range c.messages {
		if len(conv) == 0 {
			delete(c.messages, convID)
		}
	}
}
