package conversation

import (
	"strings"
	"testing"

	"github.com/dotsetgreg/chatbridge/pkg/cache"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.CachingConfig{
		MaxMessagesPerConversation: 100,
		MaxTotalMessages:           1000,
		MaxAgeHours:                24,
		MaxUsers:                   100,
		UserTTLHours:               1,
	}
	return NewManager("discord", cache.NewMessageCache(cfg), cache.NewUserCache(cfg))
}

func rawMsg(id, conv, text, userID string) *platform.RawMessage {
	return &platform.RawMessage{
		MessageID:      id,
		ConversationID: conv,
		Text:           text,
		TimestampMS:    1700000000000,
		Sender:         platform.RawUser{ID: userID, Username: "u-" + userID},
	}
}

func TestDeriveConversationID(t *testing.T) {
	a := DeriveConversationID("discord", "guild/chan")
	b := DeriveConversationID("discord", "guild/chan")
	if a != b {
		t.Fatal("derivation must be deterministic")
	}
	if !strings.HasPrefix(a, "discord_") {
		t.Errorf("id %q missing adapter prefix", a)
	}
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("id %q contains unsanitized base64 characters", a)
	}
	if a == DeriveConversationID("discord", "guild/other") {
		t.Error("distinct platform ids must not collide")
	}
	if a == DeriveConversationID("telegram", "guild/chan") {
		t.Error("adapter type must partition the id space")
	}
}

func TestAddToConversation_NewConversation(t *testing.T) {
	m := newTestManager(t)

	d := m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))
	if !d.ConversationStarted || !d.FetchHistoryNeeded {
		t.Error("first message must start the conversation")
	}
	if len(d.Added) != 1 || d.Added[0].MessageID != "m1" {
		t.Fatalf("Added = %+v", d.Added)
	}

	ci := m.Conversation(d.ConversationID)
	if ci == nil {
		t.Fatal("conversation not registered")
	}
	if !ci.JustStarted {
		t.Error("JustStarted should hold until conversation_started is emitted")
	}
	if ci.PlatformConversationID != "g/c" {
		t.Errorf("platform id = %q", ci.PlatformConversationID)
	}
	if _, ok := ci.KnownMembers["U1"]; !ok {
		t.Error("sender must join known_members")
	}

	d2 := m.AddToConversation(rawMsg("m2", "g/c", "again", "U1"))
	if d2.ConversationStarted {
		t.Error("second message must not restart the conversation")
	}
}

func TestAddToConversation_Idempotent(t *testing.T) {
	m := newTestManager(t)

	m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))
	d := m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))
	if !d.Empty() {
		t.Errorf("re-delivery must yield empty delta, got %+v", d)
	}
}

func TestUpdateConversation_DiffsEditAndPin(t *testing.T) {
	m := newTestManager(t)
	m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))

	edit := rawMsg("m1", "g/c", "hi there", "U1")
	edit.Edited = true
	edit.EditTimestampMS = 1700000001000
	d := m.UpdateConversation(edit)
	if len(d.Edited) != 1 || d.Edited[0].NewText != "hi there" {
		t.Fatalf("Edited = %+v", d.Edited)
	}

	// Same payload again: nothing changed.
	d = m.UpdateConversation(edit)
	if !d.Empty() {
		t.Errorf("identical edit must be empty, got %+v", d)
	}

	pin := rawMsg("m1", "g/c", "hi there", "U1")
	pin.IsPinned = true
	d = m.UpdateConversation(pin)
	if len(d.Pinned) != 1 {
		t.Fatalf("Pinned = %+v", d.Pinned)
	}
	if len(d.Edited) != 0 {
		t.Error("pin flip must not synthesize an edit")
	}
}

func TestUpdateConversation_UnknownMessageInserts(t *testing.T) {
	m := newTestManager(t)
	m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))

	d := m.UpdateConversation(rawMsg("m9", "g/c", "late edit", "U2"))
	if len(d.Added) != 1 || d.Added[0].MessageID != "m9" {
		t.Fatalf("unknown edited message should insert, got %+v", d)
	}
}

func TestDeleteFromConversation(t *testing.T) {
	m := newTestManager(t)
	d0 := m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))

	d := m.DeleteFromConversation("g/c", []string{"m1", "missing"})
	if len(d.Deleted) != 1 || d.Deleted[0] != "m1" {
		t.Fatalf("Deleted = %v", d.Deleted)
	}

	d = m.DeleteFromConversation("g/c", []string{"m1"})
	if !d.Empty() {
		t.Error("deleting an unknown message must be an empty delta")
	}

	ci := m.Conversation(d0.ConversationID)
	if ci == nil {
		t.Fatal("conversation should survive message deletion")
	}
}

func TestDelete_FrameworkOriginStaysSilent(t *testing.T) {
	m := newTestManager(t)
	self := rawMsg("m1", "g/c", "bot says", "BOT")
	self.FromSelf = true
	m.AddToConversation(self)

	d := m.DeleteFromConversation("g/c", []string{"m1"})
	if len(d.Deleted) != 0 {
		t.Error("deleting a framework-origin message must not surface")
	}
}

func TestApplyReaction(t *testing.T) {
	m := newTestManager(t)
	m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))

	r := &platform.RawReaction{
		MessageID:      "m1",
		ConversationID: "g/c",
		Emoji:          "thumbsup",
		User:           platform.RawUser{ID: "U2"},
	}
	d := m.ApplyReaction(r, true)
	if len(d.ReactionsAdded) != 1 {
		t.Fatalf("ReactionsAdded = %+v", d.ReactionsAdded)
	}

	if d := m.ApplyReaction(r, true); !d.Empty() {
		t.Error("double-add must be empty")
	}

	d = m.ApplyReaction(r, false)
	if len(d.ReactionsRemoved) != 1 {
		t.Fatalf("ReactionsRemoved = %+v", d.ReactionsRemoved)
	}
	if d := m.ApplyReaction(r, false); !d.Empty() {
		t.Error("removing an absent reaction must be empty")
	}
}

func TestApplyPin_Standalone(t *testing.T) {
	m := newTestManager(t)
	m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))

	pin := rawMsg("m1", "g/c", "hi", "U1")
	d := m.ApplyPin(pin, true)
	if len(d.Pinned) != 1 {
		t.Fatalf("Pinned = %+v", d.Pinned)
	}
	if d := m.ApplyPin(pin, true); !d.Empty() {
		t.Error("re-pin must be empty")
	}

	d = m.ApplyPin(pin, false)
	if len(d.Unpinned) != 1 {
		t.Fatalf("Unpinned = %+v", d.Unpinned)
	}
}

func TestUpdateMetadata(t *testing.T) {
	m := newTestManager(t)
	d0 := m.AddToConversation(rawMsg("m1", "g/c", "hi", "U1"))

	d := m.UpdateMetadata("g/c", "general", "", "")
	if !d.MetadataChanged {
		t.Fatal("rename must flag metadata change")
	}
	if m.Conversation(d0.ConversationID).ConversationName != "general" {
		t.Error("name not applied")
	}

	if d := m.UpdateMetadata("g/c", "general", "", ""); d.MetadataChanged {
		t.Error("unchanged rename must be empty")
	}
}

func TestMigrate(t *testing.T) {
	m := newTestManager(t)
	d0 := m.AddToConversation(rawMsg("m1", "-100", "hi", "U1"))

	d := m.Migrate("-100", "-200")
	if d.ConversationID == d0.ConversationID {
		t.Fatal("migration must re-key the conversation")
	}
	ci := m.Conversation(d.ConversationID)
	if ci == nil || ci.PlatformConversationID != "-200" {
		t.Fatalf("migrated info = %+v", ci)
	}
	if m.Conversation(d0.ConversationID) != nil {
		t.Error("old key must be gone")
	}
}

func TestRecordOutgoing(t *testing.T) {
	m := newTestManager(t)
	d0 := m.AddToConversation(rawMsg("m1", "12345", "hi", "U1"))

	m.RecordOutgoing(d0.ConversationID, "m2", "reply", "BOT")

	d := m.AddToConversation(&platform.RawMessage{
		MessageID:      "m2",
		ConversationID: "12345",
		Text:           "reply",
		Sender:         platform.RawUser{ID: "BOT"},
	})
	if !d.Empty() {
		t.Error("an echo of a recorded send must be an empty delta")
	}
}

func TestThreadPlacement(t *testing.T) {
	m := newTestManager(t)
	m.AddToConversation(rawMsg("root", "g/c", "root", "U1"))

	reply := rawMsg("r1", "g/c", "reply", "U2")
	reply.ReplyToID = "root"
	d := m.AddToConversation(reply)
	if d.Added[0].ThreadID != "root" {
		t.Fatalf("ThreadID = %q, want root", d.Added[0].ThreadID)
	}

	// A reply to the reply joins the same thread.
	nested := rawMsg("r2", "g/c", "nested", "U3")
	nested.ReplyToID = "r1"
	d = m.AddToConversation(nested)
	if d.Added[0].ThreadID != "root" {
		t.Errorf("nested ThreadID = %q, want root", d.Added[0].ThreadID)
	}

	ci := m.Conversation(d.ConversationID)
	th := ci.Threads["root"]
	if th == nil || len(th.MessageIDs) != 2 {
		t.Fatalf("thread index = %+v", ci.Threads)
	}
}
