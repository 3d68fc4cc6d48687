package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/dotsetgreg/chatbridge/pkg/config"
)

func testCachingConfig() config.CachingConfig {
	return config.CachingConfig{
		MaxMessagesPerConversation: 3,
		MaxTotalMessages:           5,
		MaxAgeHours:                1,
		MaintenanceInterval:        300,
	}
}

func msg(conv, id string, ts int64) *CachedMessage {
	return &CachedMessage{
		MessageID:      id,
		ConversationID: conv,
		SenderID:       "u1",
		SenderName:     "User One",
		Text:           "text " + id,
		Timestamp:      ts,
		Origin:         OriginPlatform,
	}
}

func TestAdd_DuplicateKeepsExisting(t *testing.T) {
	c := NewMessageCache(testCachingConfig())

	first, added := c.Add(msg("c1", "m1", 100))
	if !added {
		t.Fatal("first add should report added")
	}
	first.Text = "mutated"

	second, added := c.Add(msg("c1", "m1", 200))
	if added {
		t.Error("duplicate add should not report added")
	}
	if second != first {
		t.Error("duplicate add should return the existing entry")
	}
	if second.Text != "mutated" {
		t.Error("existing entry should win over re-delivery")
	}
}

func TestSweep_PerConversationCap(t *testing.T) {
	c := NewMessageCache(testCachingConfig())

	now := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		c.Add(msg("c1", fmt.Sprintf("m%d", i), now+int64(i)))
	}
	c.Sweep(time.Now())

	if got := c.Count("c1"); got != 3 {
		t.Fatalf("Count = %d, want 3", got)
	}
	// Oldest evicted first.
	if c.Get("c1", "m0") != nil || c.Get("c1", "m1") != nil {
		t.Error("oldest messages should have been evicted")
	}
	if c.Get("c1", "m4") == nil {
		t.Error("newest message should survive")
	}
}

func TestSweep_GlobalCap(t *testing.T) {
	c := NewMessageCache(testCachingConfig())

	now := time.Now().UnixMilli()
	for conv := 0; conv < 3; conv++ {
		for i := 0; i < 3; i++ {
			c.Add(msg(fmt.Sprintf("c%d", conv), fmt.Sprintf("m%d-%d", conv, i), now+int64(conv*10+i)))
		}
	}
	c.Sweep(time.Now())

	if got := c.TotalCount(); got != 5 {
		t.Fatalf("TotalCount = %d, want 5", got)
	}
}

func TestSweep_AgeEviction(t *testing.T) {
	c := NewMessageCache(testCachingConfig())

	stale := time.Now().Add(-2 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	c.Add(msg("c1", "old", stale))
	c.Add(msg("c1", "new", fresh))
	c.Sweep(time.Now())

	if c.Get("c1", "old") != nil {
		t.Error("stale message should have been evicted")
	}
	if c.Get("c1", "new") == nil {
		t.Error("fresh message should survive")
	}
}

func TestMigrate(t *testing.T) {
	c := NewMessageCache(testCachingConfig())

	c.Add(msg("old", "m1", 100))
	c.Migrate("old", "new", "m1")

	if c.Get("old", "m1") != nil {
		t.Error("message should be gone from the old conversation")
	}
	moved := c.Get("new", "m1")
	if moved == nil {
		t.Fatal("message should exist under the new conversation")
	}
	if moved.ConversationID != "new" {
		t.Errorf("ConversationID = %q, want %q", moved.ConversationID, "new")
	}
}

func TestByConversation_Ordered(t *testing.T) {
	c := NewMessageCache(testCachingConfig())

	c.Add(msg("c1", "b", 200))
	c.Add(msg("c1", "a", 100))
	c.Add(msg("c1", "c", 300))

	got := c.ByConversation("c1")
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Timestamp > got[i].Timestamp {
			t.Fatal("messages not ordered by timestamp")
		}
	}
}

func TestReactions(t *testing.T) {
	m := msg("c1", "m1", 100)

	if !m.AddReaction("thumbsup", "u1") {
		t.Error("first AddReaction should report new")
	}
	if m.AddReaction("thumbsup", "u1") {
		t.Error("repeat AddReaction should not report new")
	}
	if !m.RemoveReaction("thumbsup", "u1") {
		t.Error("RemoveReaction should report present")
	}
	if m.RemoveReaction("thumbsup", "u1") {
		t.Error("second RemoveReaction should report absent")
	}
	if len(m.Reactions) != 0 {
		t.Error("empty reaction sets should be pruned")
	}
}
