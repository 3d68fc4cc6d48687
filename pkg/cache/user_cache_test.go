package cache

import (
	"fmt"
	"testing"

	"github.com/dotsetgreg/chatbridge/pkg/config"
)

func TestUserCache_AddAndGet(t *testing.T) {
	c := NewUserCache(config.CachingConfig{MaxUsers: 10, UserTTLHours: 1})

	c.Add(&UserInfo{UserID: "u1", Username: "alice"})
	got := c.Get("u1")
	if got == nil || got.Username != "alice" {
		t.Fatalf("Get = %+v, want alice", got)
	}
	if c.Get("nope") != nil {
		t.Error("unknown user should be nil")
	}
}

func TestUserCache_UpsertMergesFields(t *testing.T) {
	c := NewUserCache(config.CachingConfig{MaxUsers: 10, UserTTLHours: 1})

	c.Add(&UserInfo{UserID: "u1", FirstName: "Alice"})
	c.Add(&UserInfo{UserID: "u1", Username: "alice"})

	got := c.Get("u1")
	if got.Username != "alice" || got.FirstName != "Alice" {
		t.Errorf("merge lost fields: %+v", got)
	}
}

func TestUserCache_LRUEviction(t *testing.T) {
	c := NewUserCache(config.CachingConfig{MaxUsers: 2, UserTTLHours: 1})

	for i := 0; i < 3; i++ {
		c.Add(&UserInfo{UserID: fmt.Sprintf("u%d", i)})
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if c.Get("u0") != nil {
		t.Error("least recently used entry should be evicted")
	}
}

func TestDisplayName(t *testing.T) {
	cases := []struct {
		user UserInfo
		want string
	}{
		{UserInfo{UserID: "1", Username: "alice"}, "alice"},
		{UserInfo{UserID: "2", FirstName: "Bob", LastName: "Jones"}, "Bob Jones"},
		{UserInfo{UserID: "3", Email: "c@example.com"}, "c@example.com"},
		{UserInfo{UserID: "4"}, "User 4"},
	}
	for _, tc := range cases {
		if got := tc.user.DisplayName(); got != tc.want {
			t.Errorf("DisplayName(%+v) = %q, want %q", tc.user, got, tc.want)
		}
	}
}
