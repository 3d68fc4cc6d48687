package conversation

import (
	"github.com/dotsetgreg/chatbridge/pkg/cache"
)

// ThreadHandler maintains the reply groupings inside each conversation.
// All methods run under the owning conversation's stripe lock.
type ThreadHandler struct {
	messages *cache.MessageCache
}

func NewThreadHandler(messages *cache.MessageCache) *ThreadHandler {
	return &ThreadHandler{messages: messages}
}

// Place locates or registers the thread a message belongs to and returns
// its thread id, or "" for top-level messages. Platforms with native
// threads supply ThreadID on the message; reply-based platforms are
// grouped under the reply root.
func (h *ThreadHandler) Place(ci *ConversationInfo, msg *cache.CachedMessage) string {
	threadID := msg.ThreadID
	rootID := threadID

	if threadID == "" {
		if msg.ReplyToID == "" {
			return ""
		}
		// Replying into an existing thread joins it; replying to a
		// top-level message roots a new thread at that message.
		if parent := h.messages.Get(msg.ConversationID, msg.ReplyToID); parent != nil && parent.ThreadID != "" {
			threadID = parent.ThreadID
		} else {
			threadID = msg.ReplyToID
		}
		rootID = threadID
	}

	if ci.Threads == nil {
		ci.Threads = make(map[string]*ThreadInfo)
	}
	info, ok := ci.Threads[threadID]
	if !ok {
		info = &ThreadInfo{ThreadID: threadID, RootID: rootID}
		ci.Threads[threadID] = info
	}
	info.MessageIDs = append(info.MessageIDs, msg.MessageID)
	return threadID
}

// Remove drops a message from its thread index and deletes the thread
// when it holds no members anymore.
func (h *ThreadHandler) Remove(ci *ConversationInfo, msg *cache.CachedMessage) {
	if msg.ThreadID == "" || ci.Threads == nil {
		return
	}
	info, ok := ci.Threads[msg.ThreadID]
	if !ok {
		return
	}
	for i, id := range info.MessageIDs {
		if id == msg.MessageID {
			info.MessageIDs = append(info.MessageIDs[:i], info.MessageIDs[i+1:]...)
			break
		}
	}
	if len(info.MessageIDs) == 0 {
		delete(ci.Threads, msg.ThreadID)
	}
}
