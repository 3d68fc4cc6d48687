package attachments

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dotsetgreg/chatbridge/pkg/logger"
	"github.com/dotsetgreg/chatbridge/pkg/platform"
)

// IncomingFile is one base64-framed attachment from a framework request.
type IncomingFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Uploader decodes framework-supplied attachments and pushes them to the
// platform.
type Uploader struct {
	client  platform.Client
	tempDir string
	maxSize int64
}

func NewUploader(client platform.Client, tempDir string, maxSizeBytes int64) *Uploader {
	return &Uploader{client: client, tempDir: tempDir, maxSize: maxSizeBytes}
}

// Decode turns base64 content into an outgoing file, enforcing the size
// gate before any platform call.
func (u *Uploader) Decode(file IncomingFile) (platform.OutgoingFile, error) {
	if file.Filename == "" {
		return platform.OutgoingFile{}, platform.Validationf("attachment missing filename")
	}
	data, err := base64.StdEncoding.DecodeString(file.Content)
	if err != nil {
		return platform.OutgoingFile{}, platform.Validationf("attachment %s: invalid base64: %v", file.Filename, err)
	}
	if u.maxSize > 0 && int64(len(data)) > u.maxSize {
		return platform.OutgoingFile{}, &platform.AttachmentError{
			AttachmentID: file.Filename,
			Reason:       fmt.Sprintf("size %d exceeds limit %d", len(data), u.maxSize),
		}
	}
	return platform.OutgoingFile{Name: filepath.Base(file.Filename), Data: data}, nil
}

// Upload stages the decoded payload through a temp file and sends it. The
// temp file is removed on every exit path.
func (u *Uploader) Upload(ctx context.Context, conversationID string, file IncomingFile) (string, error) {
	out, err := u.Decode(file)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(u.tempDir, "upload-*-"+out.Name)
	if err != nil {
		return "", &platform.AttachmentError{AttachmentID: out.Name, Reason: "temp file", Err: err}
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(out.Data); err != nil {
		tmp.Close()
		return "", &platform.AttachmentError{AttachmentID: out.Name, Reason: "temp write", Err: err}
	}
	if err := tmp.Close(); err != nil {
		return "", &platform.AttachmentError{AttachmentID: out.Name, Reason: "temp close", Err: err}
	}

	messageID, err := u.client.UploadAttachment(ctx, conversationID, out)
	if err != nil {
		return "", err
	}

	logger.DebugCF("attachments", "Attachment uploaded", map[string]any{
		"filename":        out.Name,
		"conversation_id": conversationID,
		"message_id":      messageID,
	})
	return messageID, nil
}
