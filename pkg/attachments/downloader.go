package attachments

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dotsetgreg/chatbridge/pkg/cache"
	"github.com/dotsetgreg/chatbridge/pkg/config"
	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

// TypeOf buckets an attachment by content type, falling back to the file
// extension. The bucket names the first path segment on disk.
func TypeOf(contentType, extension string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	}
	switch strings.ToLower(extension) {
	case "jpg", "jpeg", "png", "gif", "webp", "bmp":
		return "image"
	case "mp4", "mov", "avi", "mkv", "webm":
		return "video"
	case "mp3", "ogg", "wav", "flac", "m4a":
		return "audio"
	case "tgs":
		return "sticker"
	}
	return "document"
}

// Downloader pulls platform attachments onto disk and registers them in
// the attachment cache. Concurrent requests for the same id share one
// download.
type Downloader struct {
	client  platform.Client
	cache   *cache.AttachmentCache
	maxSize int64
	group   singleflight.Group
}

func NewDownloader(client platform.Client, attCache *cache.AttachmentCache, cfg config.AttachmentsConfig) *Downloader {
	return &Downloader{
		client:  client,
		cache:   attCache,
		maxSize: int64(cfg.MaxFileSizeMB) * 1024 * 1024,
	}
}

// Fetch resolves one attachment reference. Oversize attachments are
// registered with processable=false and never downloaded; that is a
// success, not an error.
func (d *Downloader) Fetch(ctx context.Context, conversationID string, ref platform.RawAttachmentRef) (*cache.CachedAttachment, error) {
	if existing := d.cache.Get(ref.ID); existing != nil {
		d.cache.Add(conversationID, existing)
		return existing, nil
	}

	att := &cache.CachedAttachment{
		AttachmentID:   ref.ID,
		AttachmentType: TypeOf(ref.ContentType, ref.Extension),
		Filename:       ref.Filename,
		FileExtension:  ref.Extension,
		ContentType:    ref.ContentType,
		Size:           ref.Size,
		URL:            ref.URL,
		CreatedAt:      time.Now(),
	}

	if d.maxSize > 0 && ref.Size > d.maxSize {
		att.Processable = false
		logger.WarnCF("attachments", "Attachment exceeds size limit, skipping download", map[string]any{
			"attachment_id": ref.ID,
			"size":          ref.Size,
			"max_size":      d.maxSize,
		})
		stored := d.cache.Add(conversationID, att)
		if err := d.cache.WriteMetadata(stored); err != nil {
			logger.ErrorCF("attachments", "Failed to write attachment metadata", map[string]any{
				"attachment_id": ref.ID,
				"error":         err.Error(),
			})
		}
		return stored, nil
	}

	v, err, _ := d.group.Do(ref.ID, func() (any, error) {
		return d.download(ctx, att)
	})
	if err != nil {
		return nil, err
	}

	stored := d.cache.Add(conversationID, v.(*cache.CachedAttachment))
	return stored, nil
}

func (d *Downloader) download(ctx context.Context, att *cache.CachedAttachment) (*cache.CachedAttachment, error) {
	data, err := d.client.DownloadAttachment(ctx, platform.RawAttachmentRef{
		ID:          att.AttachmentID,
		Filename:    att.Filename,
		Extension:   att.FileExtension,
		ContentType: att.ContentType,
		Size:        att.Size,
		URL:         att.URL,
	})
	if err != nil {
		return nil, &platform.AttachmentError{AttachmentID: att.AttachmentID, Reason: "download failed", Err: err}
	}

	// Some platforms omit the size in the reference; gate again on the
	// actual payload.
	if d.maxSize > 0 && int64(len(data)) > d.maxSize {
		att.Size = int64(len(data))
		att.Processable = false
		if err := d.cache.WriteMetadata(att); err != nil {
			return nil, err
		}
		return att, nil
	}

	att.Size = int64(len(data))
	path := filepath.Join(d.cache.StorageDir(), att.FilePath())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &platform.AttachmentError{AttachmentID: att.AttachmentID, Reason: "mkdir failed", Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, &platform.AttachmentError{AttachmentID: att.AttachmentID, Reason: "write failed", Err: err}
	}

	att.Processable = true
	if err := d.cache.WriteMetadata(att); err != nil {
		return nil, err
	}

	logger.DebugCF("attachments", "Attachment downloaded", map[string]any{
		"attachment_id": att.AttachmentID,
		"type":          att.AttachmentType,
		"size":          att.Size,
	})
	return att, nil
}

// Read returns a processable attachment's payload from disk.
func (d *Downloader) Read(attachmentID string) ([]byte, *cache.CachedAttachment, error) {
	att := d.cache.Get(attachmentID)
	if att == nil {
		return nil, nil, &platform.AttachmentError{AttachmentID: attachmentID, Reason: "not cached"}
	}
	if !att.Processable {
		return nil, att, &platform.AttachmentError{AttachmentID: attachmentID, Reason: "not processable"}
	}
	data, err := os.ReadFile(filepath.Join(d.cache.StorageDir(), att.FilePath()))
	if err != nil {
		return nil, att, &platform.AttachmentError{AttachmentID: attachmentID, Reason: "unreadable", Err: err}
	}
	return data, att, nil
}
