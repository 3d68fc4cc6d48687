package platform

import (
	"errors"
	"fmt"
)

// ErrConversationNotFound marks requests for conversations the adapter has
// never observed.
var ErrConversationNotFound = errors.New("conversation not found")

// ValidationError marks a malformed request from the framework.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

func Validationf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransientError marks a platform failure that is worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a platform rejection that retrying cannot fix
// (missing permission, unsupported operation).
type PermanentError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Unsupportedf builds the stable contract for operations a platform simply
// does not have (e.g. pinning on Zulip).
func Unsupportedf(op, format string, args ...any) error {
	return &PermanentError{Op: op, Reason: "unsupported: " + fmt.Sprintf(format, args...)}
}

// AttachmentError marks attachment failures: oversize, unreadable, or
// missing on fetch.
type AttachmentError struct {
	AttachmentID string
	Reason       string
	Err          error
}

func (e *AttachmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attachment %s: %s: %v", e.AttachmentID, e.Reason, e.Err)
	}
	return fmt.Sprintf("attachment %s: %s", e.AttachmentID, e.Reason)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// IsValidation reports whether err came from request validation.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
