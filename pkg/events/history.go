package events

import (
	"context"
	"sort"

	"github.com/dotsetgreg/chatbridge/pkg/attachments"
	"github.com/dotsetgreg/chatbridge/pkg/cache"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/conversation"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

// HistoryFetcher serves history windows cache-first, falling back to
// paginated platform fetches.
type HistoryFetcher struct {
	client   platform.Client
	manager  *conversation.Manager
	messages *cache.MessageCache
	attCache *cache.AttachmentCache

	maxLimit      int
	maxIterations int
	cacheFetched  bool
}

func NewHistoryFetcher(
	client platform.Client,
	manager *conversation.Manager,
	messages *cache.MessageCache,
	attCache *cache.AttachmentCache,
	adapterCfg config.AdapterConfig,
	cachingCfg config.CachingConfig,
) *HistoryFetcher {
	return &HistoryFetcher{
		client:        client,
		manager:       manager,
		messages:      messages,
		attCache:      attCache,
		maxLimit:      adapterCfg.MaxHistoryLimit,
		maxIterations: adapterCfg.MaxPaginationIterations,
		cacheFetched:  cachingCfg.CacheFetchedHistory,
	}
}

// Fetch returns up to limit messages inside the window, oldest first. One
// of beforeMS/afterMS must be set.
func (f *HistoryFetcher) Fetch(ctx context.Context, conversationID string, limit int, beforeMS, afterMS int64) ([]MessagePayload, error) {
	if beforeMS == 0 && afterMS == 0 {
		return nil, platform.Validationf("fetch_history requires before or after")
	}
	if limit <= 0 || limit > f.maxLimit {
		limit = f.maxLimit
	}

	if cached, ok := f.fromCache(conversationID, limit, beforeMS, afterMS); ok {
		logger.DebugCF("history", "History served from cache", map[string]any{
			"conversation_id": conversationID,
			"count":           len(cached),
		})
		return cached, nil
	}
	return f.fromPlatform(ctx, conversationID, limit, beforeMS, afterMS)
}

// fromCache reports ok only when the cache fully covers the request.
func (f *HistoryFetcher) fromCache(conversationID string, limit int, beforeMS, afterMS int64) ([]MessagePayload, bool) {
	msgs := f.messages.ByConversation(conversationID)

	var window []*cache.CachedMessage
	for _, m := range msgs {
		if beforeMS > 0 && m.Timestamp >= beforeMS {
			continue
		}
		if afterMS > 0 && m.Timestamp <= afterMS {
			continue
		}
		window = append(window, m)
	}
	if len(window) < limit {
		return nil, false
	}

	// Windows anchored on "before" want the newest messages preceding the
	// anchor; "after" windows want the oldest following it.
	if beforeMS > 0 {
		window = window[len(window)-limit:]
	} else {
		window = window[:limit]
	}

	out := make([]MessagePayload, 0, len(window))
	for _, m := range window {
		out = append(out, PayloadFromCached(m, f.attCache))
	}
	return out, true
}

func (f *HistoryFetcher) fromPlatform(ctx context.Context, conversationID string, limit int, beforeMS, afterMS int64) ([]MessagePayload, error) {
	platformID, ok := f.manager.PlatformID(conversationID)
	if !ok {
		return nil, platform.ErrConversationNotFound
	}

	var collected []platform.RawMessage
	seen := make(map[string]struct{})
	before := beforeMS
	for iter := 0; iter < f.maxIterations && len(collected) < limit; iter++ {
		batch, err := f.client.FetchHistory(ctx, platformID, limit-len(collected), before, afterMS)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		fresh := 0
		oldest := batch[0].TimestampMS
		for _, m := range batch {
			if m.TimestampMS < oldest {
				oldest = m.TimestampMS
			}
			if _, dup := seen[m.MessageID]; dup {
				continue
			}
			seen[m.MessageID] = struct{}{}
			collected = append(collected, m)
			fresh++
		}
		// Page backwards from the oldest message seen so far; a page with
		// nothing new means the platform has no more to give.
		if fresh == 0 || (before != 0 && oldest >= before) {
			break
		}
		before = oldest
	}

	sort.Slice(collected, func(i, j int) bool {
		return collected[i].TimestampMS < collected[j].TimestampMS
	})
	if len(collected) > limit {
		if beforeMS > 0 {
			collected = collected[len(collected)-limit:]
		} else {
			collected = collected[:limit]
		}
	}

	if f.cacheFetched {
		f.manager.CacheHistory(platformID, collected)
	}

	out := make([]MessagePayload, 0, len(collected))
	for i := range collected {
		out = append(out, f.payloadFromRaw(conversationID, &collected[i]))
	}
	return out, nil
}

func (f *HistoryFetcher) payloadFromRaw(conversationID string, raw *platform.RawMessage) MessagePayload {
	p := MessagePayload{
		MessageID:      raw.MessageID,
		ConversationID: conversationID,
		ThreadID:       raw.ThreadID,
		Sender:         Sender{UserID: raw.Sender.ID, DisplayName: rawDisplayName(raw.Sender)},
		Text:           raw.Text,
		IsDirect:       raw.IsDirect,
		IsPinned:       raw.IsPinned,
		Timestamp:      raw.TimestampMS,
		Edited:         raw.Edited,
		EditTimestamp:  raw.EditTimestampMS,
	}
	if raw.MentionsAll {
		p.Mentions = append(p.Mentions, "all")
	}
	for _, u := range raw.Mentions {
		if u.ID != "" {
			p.Mentions = append(p.Mentions, u.ID)
		}
	}
	for _, a := range raw.Attachments {
		p.Attachments = append(p.Attachments, AttachmentPayload{
			AttachmentID:   a.ID,
			AttachmentType: attachments.TypeOf(a.ContentType, a.Extension),
			FileExtension:  a.Extension,
			Size:           a.Size,
			Processable:    false,
		})
	}
	return p
}

func rawDisplayName(u platform.RawUser) string {
	switch {
	case u.Username != "":
		return u.Username
	case u.FirstName != "":
		return u.FirstName
	default:
		return "User " + u.ID
	}
}
