package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
)

// CachedAttachment mirrors the on-disk metadata sidecar. Attachment ids are
// stable across restarts; the cache rehydrates from the sidecars on start.
type CachedAttachment struct {
	AttachmentID   string    `json:"attachment_id"`
	AttachmentType string    `json:"attachment_type"`
	Filename       string    `json:"filename,omitempty"`
	FileExtension  string    `json:"file_extension,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	Size           int64     `json:"size"`
	Processable    bool      `json:"processable"`
	URL            string    `json:"url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`

	// Conversations is rebuilt at runtime and not persisted.
	Conversations map[string]struct{} `json:"-"`
}

// FilePath is the attachment's payload location relative to the storage dir.
func (a *CachedAttachment) FilePath() string {
	name := a.AttachmentID
	if a.FileExtension != "" {
		name += "." + a.FileExtension
	}
	return filepath.Join(a.AttachmentType, a.AttachmentID, name)
}

// MetadataPath is the sidecar location relative to the storage dir.
func (a *CachedAttachment) MetadataPath() string {
	return filepath.Join(a.AttachmentType, a.AttachmentID, a.AttachmentID+".json")
}

// AttachmentCache tracks downloaded attachments and owns the storage
// directory. All file deletion goes through here.
type AttachmentCache struct {
	cfg        config.AttachmentsConfig
	storageDir string

	mu          sync.RWMutex
	attachments map[string]*CachedAttachment
}

func NewAttachmentCache(cfg config.AttachmentsConfig, storageDir string) *AttachmentCache {
	c := &AttachmentCache{
		cfg:         cfg,
		storageDir:  storageDir,
		attachments: make(map[string]*CachedAttachment),
	}
	c.rehydrate()
	return c
}

// StorageDir returns the directory this cache owns.
func (c *AttachmentCache) StorageDir() string {
	return c.storageDir
}

// rehydrate scans storage_dir/<type>/<id>/<id>.json and repopulates the
// cache. Malformed or orphan directories are logged and skipped.
func (c *AttachmentCache) rehydrate() {
	entries, err := os.ReadDir(c.storageDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.ErrorCF("cache", "Error scanning attachment storage", map[string]any{
				"dir":   c.storageDir,
				"error": err.Error(),
			})
		}
		return
	}

	loaded := 0
	for _, typeEntry := range entries {
		if !typeEntry.IsDir() {
			continue
		}
		typeDir := filepath.Join(c.storageDir, typeEntry.Name())
		ids, err := os.ReadDir(typeDir)
		if err != nil {
			continue
		}
		for _, idEntry := range ids {
			if !idEntry.IsDir() {
				continue
			}
			id := idEntry.Name()
			metaPath := filepath.Join(typeDir, id, id+".json")
			data, err := os.ReadFile(metaPath)
			if err != nil {
				logger.WarnCF("cache", "Skipping attachment dir without metadata", map[string]any{
					"dir": filepath.Join(typeDir, id),
				})
				continue
			}
			var att CachedAttachment
			if err := json.Unmarshal(data, &att); err != nil || att.AttachmentID == "" {
				logger.WarnCF("cache", "Skipping malformed attachment metadata", map[string]any{
					"path": metaPath,
				})
				continue
			}
			att.Conversations = make(map[string]struct{})
			c.attachments[att.AttachmentID] = &att
			loaded++
		}
	}

	if loaded > 0 {
		logger.InfoCF("cache", "Rehydrated attachment cache from disk", map[string]any{
			"count": loaded,
		})
	}
}

// Add records an attachment and links it to a conversation. If the id is
// already known the existing entry is kept and linked.
func (c *AttachmentCache) Add(conversationID string, att *CachedAttachment) *CachedAttachment {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.attachments[att.AttachmentID]
	if !ok {
		if att.Conversations == nil {
			att.Conversations = make(map[string]struct{})
		}
		if att.CreatedAt.IsZero() {
			att.CreatedAt = time.Now()
		}
		c.attachments[att.AttachmentID] = att
		existing = att
	}
	if conversationID != "" {
		existing.Conversations[conversationID] = struct{}{}
	}
	return existing
}

// Get returns the cached attachment or nil.
func (c *AttachmentCache) Get(attachmentID string) *CachedAttachment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attachments[attachmentID]
}

// Count returns the number of cached attachments.
func (c *AttachmentCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.attachments)
}

// WriteMetadata persists the sidecar for an attachment already on disk.
func (c *AttachmentCache) WriteMetadata(att *CachedAttachment) error {
	dir := filepath.Join(c.storageDir, att.AttachmentType, att.AttachmentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create attachment dir: %w", err)
	}
	data, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(c.storageDir, att.MetadataPath()), data, 0o644); err != nil {
		return fmt.Errorf("write attachment metadata: %w", err)
	}
	return nil
}

// Remove drops the attachment from the cache and deletes its files.
func (c *AttachmentCache) Remove(attachmentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(attachmentID)
}

func (c *AttachmentCache) removeLocked(attachmentID string) {
	att, ok := c.attachments[attachmentID]
	if !ok {
		return
	}

	filePath := filepath.Join(c.storageDir, att.FilePath())
	metaPath := filepath.Join(c.storageDir, att.MetadataPath())
	for _, p := range []string{filePath, metaPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.ErrorCF("cache", "Error deleting attachment file", map[string]any{
				"path":  p,
				"error": err.Error(),
			})
		}
	}
	// Drop the now-empty id directory.
	_ = os.Remove(filepath.Dir(filePath))

	delete(c.attachments, attachmentID)
}

// StartMaintenance runs the periodic cleanup until ctx is cancelled. When
// cleanup_schedule is a valid cron expression it drives the timing;
// otherwise cleanup_interval_hours does.
func (c *AttachmentCache) StartMaintenance(ctx context.Context) {
	schedule := c.cfg.CleanupSchedule
	if schedule != "" && !gronx.New().IsValid(schedule) {
		logger.WarnCF("cache", "Invalid cleanup_schedule, falling back to interval", map[string]any{
			"schedule": schedule,
		})
		schedule = ""
	}

	go func() {
		for {
			var wait time.Duration
			if schedule != "" {
				next, err := gronx.NextTick(schedule, false)
				if err != nil {
					logger.ErrorCF("cache", "Error computing next cleanup tick", map[string]any{
						"error": err.Error(),
					})
					return
				}
				wait = time.Until(next)
			} else {
				wait = time.Duration(c.cfg.CleanupIntervalHours) * time.Hour
				if wait <= 0 {
					wait = 24 * time.Hour
				}
			}

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				c.Sweep(time.Now())
				logger.InfoC("cache", "Attachment cache maintenance completed")
			}
		}
	}()
}

// Sweep applies age and count eviction, oldest first.
func (c *AttachmentCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if maxAge := time.Duration(c.cfg.MaxAgeDays) * 24 * time.Hour; maxAge > 0 {
		cutoff := now.Add(-maxAge)
		var expired []string
		for id, att := range c.attachments {
			if att.CreatedAt.Before(cutoff) {
				expired = append(expired, id)
			}
		}
		for _, id := range expired {
			c.removeLocked(id)
		}
	}

	limit := c.cfg.MaxTotalAttachments
	if limit <= 0 || len(c.attachments) <= limit {
		return
	}

	sorted := make([]*CachedAttachment, 0, len(c.attachments))
	for _, att := range c.attachments {
		sorted = append(sorted, att)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	for _, att := range sorted[:len(sorted)-limit] {
		c.removeLocked(att.AttachmentID)
	}
}
