package conversation

import (
	"github.com/dotsetgreg/chatbridge/pkg/cache"
)

// ThreadInfo groups the replies hanging off one root message.
type ThreadInfo struct {
	ThreadID   string
	RootID     string
	MessageIDs []string
	Pinned     bool
}

// ConversationInfo is the authoritative record for one platform
// conversation. Mutated only by the Manager under the conversation's
// stripe lock.
type ConversationInfo struct {
	ConversationID         string
	PlatformConversationID string
	ConversationType       string
	ConversationName       string
	ServerID               string
	ServerName             string
	CreatedAtMS            int64
	LastActivityMS         int64

	// JustStarted flips false exactly once, after conversation_started
	// has gone out.
	JustStarted bool

	KnownMembers map[string]struct{}
	Threads      map[string]*ThreadInfo
	Attachments  map[string]struct{}
	PinnedIDs    []string
}

func (ci *ConversationInfo) addMember(userID string) {
	if userID == "" {
		return
	}
	if ci.KnownMembers == nil {
		ci.KnownMembers = make(map[string]struct{})
	}
	ci.KnownMembers[userID] = struct{}{}
}

func (ci *ConversationInfo) pin(messageID string) bool {
	for _, id := range ci.PinnedIDs {
		if id == messageID {
			return false
		}
	}
	ci.PinnedIDs = append(ci.PinnedIDs, messageID)
	return true
}

func (ci *ConversationInfo) unpin(messageID string) bool {
	for i, id := range ci.PinnedIDs {
		if id == messageID {
			ci.PinnedIDs = append(ci.PinnedIDs[:i], ci.PinnedIDs[i+1:]...)
			return true
		}
	}
	return false
}

// EditedMessage pairs a cached message with the text it changed to.
type EditedMessage struct {
	Message *cache.CachedMessage
	NewText string
}

// ReactionChange is one emoji/user pair added to or removed from a message.
type ReactionChange struct {
	MessageID string
	Emoji     string
	UserID    string
	// Origin of the message the reaction landed on.
	Origin cache.Origin
	// FromSelf marks reactions the bot account placed itself.
	FromSelf bool
}

// Delta is the set of state changes synthesized from one platform event.
// The incoming processor turns each entry into one normalized event.
type Delta struct {
	ConversationID string

	// ConversationStarted is set when this event created the conversation;
	// the processor must deliver history before the triggering message.
	ConversationStarted bool
	FetchHistoryNeeded  bool

	// MetadataChanged is set when conversation attributes (name, server)
	// changed without any message traffic.
	MetadataChanged bool

	Added            []*cache.CachedMessage
	Edited           []EditedMessage
	Deleted          []string
	ReactionsAdded   []ReactionChange
	ReactionsRemoved []ReactionChange
	Pinned           []*cache.CachedMessage
	Unpinned         []*cache.CachedMessage
	Users            []*cache.UserInfo
}

// Empty reports whether the delta carries no observable change.
func (d *Delta) Empty() bool {
	return !d.ConversationStarted &&
		!d.MetadataChanged &&
		len(d.Added) == 0 &&
		len(d.Edited) == 0 &&
		len(d.Deleted) == 0 &&
		len(d.ReactionsAdded) == 0 &&
		len(d.ReactionsRemoved) == 0 &&
		len(d.Pinned) == 0 &&
		len(d.Unpinned) == 0
}
