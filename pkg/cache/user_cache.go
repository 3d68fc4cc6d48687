package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dotsetgreg/chatbridge/pkg/config"
)

// UserInfo is the cached record for a platform user.
type UserInfo struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Email     string
	IsBot     bool
	LastSeen  time.Time
}

// DisplayName picks the best human-readable name available.
func (u *UserInfo) DisplayName() string {
	if u.Username != "" {
		return u.Username
	}
	var parts []string
	if u.FirstName != "" {
		parts = append(parts, u.FirstName)
	}
	if u.LastName != "" {
		parts = append(parts, u.LastName)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if u.Email != "" {
		return u.Email
	}
	return "User " + u.UserID
}

// UserCache keeps recently seen users under an LRU with TTL expiry.
type UserCache struct {
	lru *expirable.LRU[string, *UserInfo]
}

func NewUserCache(cfg config.CachingConfig) *UserCache {
	size := cfg.MaxUsers
	if size <= 0 {
		size = 5000
	}
	ttl := time.Duration(cfg.UserTTLHours) * time.Hour
	return &UserCache{
		lru: expirable.NewLRU[string, *UserInfo](size, nil, ttl),
	}
}

// Add upserts a user, refreshing LastSeen. Returns the cached record.
func (c *UserCache) Add(user *UserInfo) *UserInfo {
	if existing, ok := c.lru.Get(user.UserID); ok {
		if user.Username != "" {
			existing.Username = user.Username
		}
		if user.FirstName != "" {
			existing.FirstName = user.FirstName
		}
		if user.LastName != "" {
			existing.LastName = user.LastName
		}
		if user.Email != "" {
			existing.Email = user.Email
		}
		existing.IsBot = user.IsBot
		existing.LastSeen = time.Now()
		return existing
	}

	user.LastSeen = time.Now()
	c.lru.Add(user.UserID, user)
	return user
}

// Get returns the cached user or nil.
func (c *UserCache) Get(userID string) *UserInfo {
	if user, ok := c.lru.Get(userID); ok {
		return user
	}
	return nil
}

// Delete removes a user.
func (c *UserCache) Delete(userID string) {
	c.lru.Remove(userID)
}

// Len reports how many users are cached.
func (c *UserCache) Len() int {
	return c.lru.Len()
}
