package conversation

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/cache"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

const stripeCount = 64

// Manager is the authoritative mutator of conversation state. All message,
// thread and membership mutation funnels through it under a striped lock
// keyed by conversation id; everything else is a reader.
type Manager struct {
	adapterType string
	messages    *cache.MessageCache
	users       *cache.UserCache
	threads     *ThreadHandler

	stripes [stripeCount]sync.Mutex

	mu            sync.RWMutex
	conversations map[string]*ConversationInfo // derived id -> info
	byPlatform    map[string]string            // platform id -> derived id
}

func NewManager(adapterType string, messages *cache.MessageCache, users *cache.UserCache) *Manager {
	return &Manager{
		adapterType:   adapterType,
		messages:      messages,
		users:         users,
		threads:       NewThreadHandler(messages),
		conversations: make(map[string]*ConversationInfo),
		byPlatform:    make(map[string]string),
	}
}

func stripeIndex(conversationID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return h.Sum32() % stripeCount
}

func (m *Manager) stripe(conversationID string) *sync.Mutex {
	return &m.stripes[stripeIndex(conversationID)]
}

// Conversation returns the record for a derived conversation id, or nil.
func (m *Manager) Conversation(conversationID string) *ConversationInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversations[conversationID]
}

// PlatformID resolves a derived conversation id back to the platform's.
func (m *Manager) PlatformID(conversationID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ci, ok := m.conversations[conversationID]
	if !ok {
		return "", false
	}
	return ci.PlatformConversationID, true
}

// ConversationIDs lists the derived ids of every known conversation.
func (m *Manager) ConversationIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	return ids
}

// resolveLocked finds or creates the conversation for a platform id. The
// caller must hold the conversation's stripe lock. created reports whether
// this call brought the conversation into existence.
func (m *Manager) resolveLocked(platformID string, raw *platform.RawMessage) (ci *ConversationInfo, created bool) {
	derived := DeriveConversationID(m.adapterType, platformID)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ci, ok := m.conversations[derived]; ok {
		return ci, false
	}

	now := time.Now().UnixMilli()
	ci = &ConversationInfo{
		ConversationID:         derived,
		PlatformConversationID: platformID,
		CreatedAtMS:            now,
		LastActivityMS:         now,
		JustStarted:            true,
		KnownMembers:           make(map[string]struct{}),
		Threads:                make(map[string]*ThreadInfo),
		Attachments:            make(map[string]struct{}),
	}
	if raw != nil {
		ci.ConversationType = raw.ConversationType
		ci.ConversationName = raw.ConversationName
		ci.ServerID = raw.ServerID
		ci.ServerName = raw.ServerName
		if ci.ConversationName == "" && raw.IsDirect {
			ci.ConversationName = "DM with " + displayName(raw.Sender)
		}
	}
	m.conversations[derived] = ci
	m.byPlatform[platformID] = derived

	logger.InfoCF("conversation", "New conversation registered", map[string]any{
		"conversation_id":          derived,
		"platform_conversation_id": platformID,
	})
	return ci, true
}

func displayName(u platform.RawUser) string {
	switch {
	case u.Username != "":
		return u.Username
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	default:
		return "User " + u.ID
	}
}

func (m *Manager) upsertUser(d *Delta, u platform.RawUser) {
	if u.ID == "" && u.Username == "" {
		return
	}
	info := &cache.UserInfo{
		UserID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsBot:     u.IsBot,
		LastSeen:  time.Now(),
	}
	m.users.Add(info)
	d.Users = append(d.Users, info)
}

// buildMessage converts a raw platform message into the cache record.
// Mentions collapse to user ids, with "all" for channel-wide pings.
func (m *Manager) buildMessage(ci *ConversationInfo, raw *platform.RawMessage) *cache.CachedMessage {
	msg := &cache.CachedMessage{
		MessageID:      raw.MessageID,
		ConversationID: ci.ConversationID,
		SenderID:       raw.Sender.ID,
		SenderName:     displayName(raw.Sender),
		Text:           raw.Text,
		Timestamp:      raw.TimestampMS,
		EditTimestamp:  raw.EditTimestampMS,
		Edited:         raw.Edited,
		Origin:         cache.OriginPlatform,
		ReplyToID:      raw.ReplyToID,
		ThreadID:       raw.ThreadID,
		IsDirect:       raw.IsDirect,
		IsPinned:       raw.IsPinned,
		Attachments:    make(map[string]struct{}),
	}
	if raw.FromSelf {
		msg.Origin = cache.OriginFramework
	}
	if raw.MentionsAll {
		msg.Mentions = append(msg.Mentions, "all")
	}
	for _, u := range raw.Mentions {
		if u.ID != "" {
			msg.Mentions = append(msg.Mentions, u.ID)
		}
	}
	for _, a := range raw.Attachments {
		msg.Attachments[a.ID] = struct{}{}
	}
	return msg
}

// AddToConversation applies a new platform message. Re-delivery of an
// already-cached message id yields an empty delta.
func (m *Manager) AddToConversation(raw *platform.RawMessage) *Delta {
	derived := DeriveConversationID(m.adapterType, raw.ConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	ci, created := m.resolveLocked(raw.ConversationID, raw)
	d := &Delta{ConversationID: ci.ConversationID}
	if created {
		d.ConversationStarted = true
		d.FetchHistoryNeeded = true
	}

	msg := m.buildMessage(ci, raw)
	msg.ThreadID = m.threads.Place(ci, msg)

	cached, added := m.messages.Add(msg)
	if !added {
		// Already cached: the thread index gained a duplicate entry above
		// only when the id was genuinely new, so nothing to undo here
		// beyond dropping the placement.
		m.threads.Remove(ci, msg)
		if created {
			return d
		}
		return &Delta{ConversationID: ci.ConversationID}
	}

	ci.LastActivityMS = time.Now().UnixMilli()
	ci.addMember(msg.SenderID)
	for id := range msg.Attachments {
		ci.Attachments[id] = struct{}{}
	}
	if msg.IsPinned {
		ci.pin(msg.MessageID)
	}

	m.upsertUser(d, raw.Sender)
	for _, u := range raw.Mentions {
		m.upsertUser(d, u)
	}
	d.Added = append(d.Added, cached)
	return d
}

// UpdateConversation applies an edit event. Platforms fold pin flips and
// other changes into edits, so the incoming message is diffed against the
// cached one and only genuine changes surface. Unknown messages are
// inserted as if new.
func (m *Manager) UpdateConversation(raw *platform.RawMessage) *Delta {
	derived := DeriveConversationID(m.adapterType, raw.ConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	ci, created := m.resolveLocked(raw.ConversationID, raw)
	d := &Delta{ConversationID: ci.ConversationID}
	if created {
		d.ConversationStarted = true
		d.FetchHistoryNeeded = true
	}

	cached := m.messages.Get(ci.ConversationID, raw.MessageID)
	if cached == nil {
		msg := m.buildMessage(ci, raw)
		msg.ThreadID = m.threads.Place(ci, msg)
		inserted, added := m.messages.Add(msg)
		if added {
			ci.LastActivityMS = time.Now().UnixMilli()
			ci.addMember(msg.SenderID)
			m.upsertUser(d, raw.Sender)
			d.Added = append(d.Added, inserted)
		}
		return d
	}

	ci.LastActivityMS = time.Now().UnixMilli()

	if raw.Text != "" && raw.Text != cached.Text {
		cached.Text = raw.Text
		cached.Edited = true
		if raw.EditTimestampMS != 0 {
			cached.EditTimestamp = raw.EditTimestampMS
		} else {
			cached.EditTimestamp = time.Now().UnixMilli()
		}
		d.Edited = append(d.Edited, EditedMessage{Message: cached, NewText: raw.Text})
	}

	if raw.IsPinned != cached.IsPinned {
		cached.IsPinned = raw.IsPinned
		if raw.IsPinned {
			ci.pin(cached.MessageID)
			d.Pinned = append(d.Pinned, cached)
		} else {
			ci.unpin(cached.MessageID)
			d.Unpinned = append(d.Unpinned, cached)
		}
	}
	return d
}

// DeleteFromConversation removes messages. Unknown ids are ignored, so the
// result may be an empty delta.
func (m *Manager) DeleteFromConversation(platformConversationID string, messageIDs []string) *Delta {
	derived := DeriveConversationID(m.adapterType, platformConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	d := &Delta{ConversationID: derived}

	m.mu.RLock()
	ci := m.conversations[derived]
	m.mu.RUnlock()
	if ci == nil {
		return d
	}

	for _, id := range messageIDs {
		cached := m.messages.Get(ci.ConversationID, id)
		if cached == nil {
			continue
		}
		m.threads.Remove(ci, cached)
		ci.unpin(id)
		m.messages.Delete(ci.ConversationID, id)
		if cached.Origin == cache.OriginFramework {
			// Deletions of the bot's own messages stay silent.
			continue
		}
		d.Deleted = append(d.Deleted, id)
	}
	if len(d.Deleted) > 0 {
		ci.LastActivityMS = time.Now().UnixMilli()
	}
	return d
}

// ApplyReaction records a reaction add or remove. Double-adds and removes
// of absent reactions yield an empty delta.
func (m *Manager) ApplyReaction(raw *platform.RawReaction, added bool) *Delta {
	derived := DeriveConversationID(m.adapterType, raw.ConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	d := &Delta{ConversationID: derived}

	m.mu.RLock()
	ci := m.conversations[derived]
	m.mu.RUnlock()
	if ci == nil {
		return d
	}

	cached := m.messages.Get(ci.ConversationID, raw.MessageID)
	if cached == nil {
		return d
	}

	change := ReactionChange{
		MessageID: raw.MessageID,
		Emoji:     raw.Emoji,
		UserID:    raw.User.ID,
		Origin:    cached.Origin,
		FromSelf:  raw.FromSelf,
	}
	if added {
		if cached.AddReaction(raw.Emoji, raw.User.ID) {
			d.ReactionsAdded = append(d.ReactionsAdded, change)
		}
	} else {
		if cached.RemoveReaction(raw.Emoji, raw.User.ID) {
			d.ReactionsRemoved = append(d.ReactionsRemoved, change)
		}
	}
	if !d.Empty() {
		ci.LastActivityMS = time.Now().UnixMilli()
		ci.addMember(raw.User.ID)
		m.upsertUser(d, raw.User)
	}
	return d
}

// ApplyPin records a standalone pin or unpin event.
func (m *Manager) ApplyPin(raw *platform.RawMessage, pinned bool) *Delta {
	derived := DeriveConversationID(m.adapterType, raw.ConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	ci, created := m.resolveLocked(raw.ConversationID, raw)
	d := &Delta{ConversationID: ci.ConversationID}
	if created {
		d.ConversationStarted = true
		d.FetchHistoryNeeded = true
	}

	cached := m.messages.Get(ci.ConversationID, raw.MessageID)
	if cached == nil {
		msg := m.buildMessage(ci, raw)
		msg.IsPinned = false
		var added bool
		cached, added = m.messages.Add(msg)
		if added {
			d.Added = append(d.Added, cached)
		}
	}

	if pinned {
		if cached.IsPinned {
			return d
		}
		cached.IsPinned = true
		ci.pin(cached.MessageID)
		d.Pinned = append(d.Pinned, cached)
	} else {
		if !cached.IsPinned {
			return d
		}
		cached.IsPinned = false
		ci.unpin(cached.MessageID)
		d.Unpinned = append(d.Unpinned, cached)
	}
	ci.LastActivityMS = time.Now().UnixMilli()
	return d
}

// UpdateMetadata applies a rename or server change without message
// traffic. Unknown conversations are created so renames observed before
// any message still register.
func (m *Manager) UpdateMetadata(platformConversationID, name, serverID, serverName string) *Delta {
	derived := DeriveConversationID(m.adapterType, platformConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	ci, created := m.resolveLocked(platformConversationID, nil)
	d := &Delta{ConversationID: ci.ConversationID}
	if created {
		d.ConversationStarted = true
		d.FetchHistoryNeeded = true
	}

	changed := false
	if name != "" && name != ci.ConversationName {
		ci.ConversationName = name
		changed = true
	}
	if serverID != "" && serverID != ci.ServerID {
		ci.ServerID = serverID
		changed = true
	}
	if serverName != "" && serverName != ci.ServerName {
		ci.ServerName = serverName
		changed = true
	}
	if changed {
		ci.LastActivityMS = time.Now().UnixMilli()
		d.MetadataChanged = true
	}
	return d
}

// Migrate re-keys a conversation onto a new platform id, carrying the
// cached messages along. Telegram does this when a group upgrades to a
// supergroup.
func (m *Manager) Migrate(oldPlatformID, newPlatformID string) *Delta {
	oldDerived := DeriveConversationID(m.adapterType, oldPlatformID)
	newDerived := DeriveConversationID(m.adapterType, newPlatformID)

	// Lock ordering by stripe index avoids deadlock with a concurrent
	// migration in the opposite direction.
	oldIdx, newIdx := stripeIndex(oldDerived), stripeIndex(newDerived)
	if oldIdx == newIdx {
		m.stripes[oldIdx].Lock()
		defer m.stripes[oldIdx].Unlock()
	} else {
		lo, hi := oldIdx, newIdx
		if lo > hi {
			lo, hi = hi, lo
		}
		m.stripes[lo].Lock()
		defer m.stripes[lo].Unlock()
		m.stripes[hi].Lock()
		defer m.stripes[hi].Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ci, ok := m.conversations[oldDerived]
	if !ok {
		return &Delta{ConversationID: newDerived}
	}

	delete(m.conversations, oldDerived)
	delete(m.byPlatform, oldPlatformID)

	for _, msg := range m.messages.ByConversation(oldDerived) {
		m.messages.Migrate(oldDerived, newDerived, msg.MessageID)
	}

	ci.ConversationID = newDerived
	ci.PlatformConversationID = newPlatformID
	ci.LastActivityMS = time.Now().UnixMilli()
	m.conversations[newDerived] = ci
	m.byPlatform[newPlatformID] = newDerived

	logger.InfoCF("conversation", "Conversation migrated", map[string]any{
		"old_platform_id": oldPlatformID,
		"new_platform_id": newPlatformID,
		"conversation_id": newDerived,
	})
	return &Delta{ConversationID: newDerived, MetadataChanged: true}
}

// RecordOutgoing inserts a message the framework itself sent. Used on
// platforms whose incoming stream never echoes the bot's own writes.
func (m *Manager) RecordOutgoing(conversationID, messageID, text string, botUserID string) {
	lock := m.stripe(conversationID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	ci := m.conversations[conversationID]
	m.mu.RUnlock()
	if ci == nil {
		return
	}

	msg := &cache.CachedMessage{
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       botUserID,
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
		Origin:         cache.OriginFramework,
	}
	m.messages.Add(msg)
	ci.LastActivityMS = msg.Timestamp
}

// CacheHistory inserts fetched history messages without producing deltas.
// Existing entries win, so replayed history never clobbers live state.
func (m *Manager) CacheHistory(platformConversationID string, raws []platform.RawMessage) {
	derived := DeriveConversationID(m.adapterType, platformConversationID)
	lock := m.stripe(derived)
	lock.Lock()
	defer lock.Unlock()

	ci, _ := m.resolveLocked(platformConversationID, nil)
	for i := range raws {
		msg := m.buildMessage(ci, &raws[i])
		if _, added := m.messages.Add(msg); added {
			ci.addMember(msg.SenderID)
		}
	}
}

// ClearJustStarted flips the flag after conversation_started went out.
func (m *Manager) ClearJustStarted(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ci, ok := m.conversations[conversationID]; ok {
		ci.JustStarted = false
	}
}

// RegisterAttachment links a downloaded attachment to its conversation.
func (m *Manager) RegisterAttachment(conversationID, attachmentID string) {
	lock := m.stripe(conversationID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	ci := m.conversations[conversationID]
	m.mu.RUnlock()
	if ci != nil {
		ci.Attachments[attachmentID] = struct{}{}
	}
}
