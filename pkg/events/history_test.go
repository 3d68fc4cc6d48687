package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

func TestHistoryFetcher_RequiresAnchor(t *testing.T) {
	f := newFixture(t, platform.Capabilities{EchoesOwnMessages: true})
	f.incoming.Process(context.Background(), newMessageEvent("m1", "C1", "hi", "U1"))
	convID := f.manager.ConversationIDs()[0]

	_, err := f.incoming.history.Fetch(context.Background(), convID, 10, 0, 0)
	require.Error(t, err)
	assert.True(t, platform.IsValidation(err))
}

func TestHistoryFetcher_FallsBackToPlatform(t *testing.T) {
	f := newFixture(t, platform.Capabilities{EchoesOwnMessages: true})
	f.incoming.Process(context.Background(), newMessageEvent("m1", "C1", "hi", "U1"))
	convID := f.manager.ConversationIDs()[0]

	f.client.history = []platform.RawMessage{
		{MessageID: "h2", ConversationID: "C1", Text: "second", TimestampMS: 2000, Sender: platform.RawUser{ID: "U1"}},
		{MessageID: "h1", ConversationID: "C1", Text: "first", TimestampMS: 1000, Sender: platform.RawUser{ID: "U2"}},
	}
	f.client.histCalls = 0

	out, err := f.incoming.history.Fetch(context.Background(), convID, 5, 1700000000000, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, f.client.histCalls, 1, "cache miss must hit the platform")
	require.Len(t, out, 2)

	// Oldest first, regardless of platform ordering.
	assert.Equal(t, "h1", out[0].MessageID)
	assert.Equal(t, "h2", out[1].MessageID)
	assert.Equal(t, convID, out[0].ConversationID)
}

func TestHistoryFetcher_CachesFetched(t *testing.T) {
	f := newFixture(t, platform.Capabilities{EchoesOwnMessages: true})
	f.incoming.Process(context.Background(), newMessageEvent("m1", "C1", "hi", "U1"))
	convID := f.manager.ConversationIDs()[0]

	f.client.history = []platform.RawMessage{
		{MessageID: "h1", ConversationID: "C1", Text: "old", TimestampMS: 1000, Sender: platform.RawUser{ID: "U1"}},
	}
	emittedBefore := len(f.rec.types)
	_, err := f.incoming.history.Fetch(context.Background(), convID, 5, 1700000000000, 0)
	require.NoError(t, err)
	assert.Len(t, f.rec.types, emittedBefore, "caching history must not emit events")

	// The fetched message now serves follow-up windows from cache.
	calls := f.client.histCalls
	out, err := f.incoming.history.Fetch(context.Background(), convID, 1, 1700000000000, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "h1", out[0].MessageID)
	assert.Equal(t, calls, f.client.histCalls, "second fetch should be cache-served")
}
