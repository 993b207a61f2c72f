package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests rejected before any job exists.
	ErrValidation = errors.New("validation")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("not_found")
	// ErrInvalidCredential matches *CredentialError via errors.Is.
	ErrInvalidCredential = errors.New("invalid_credential")
	// ErrClosed is returned by Create and Submit after Close.
	ErrClosed = errors.New("registry closed")
)

// CredentialError reports a failed credential pre-check. Details is the
// endpoint's own answer and is safe to show to the submitter.
type CredentialError struct {
	Details map[string]any
}

func (e *CredentialError) Error() string {
	if msg := detailMessage(e.Details); msg != "" {
		return "invalid credential: " + msg
	}
	return "invalid credential"
}

func (e *CredentialError) Is(target error) bool { return target == ErrInvalidCredential }

func detailMessage(d map[string]any) string {
	if d == nil {
		return ""
	}
	if inner, ok := d["error"].(map[string]any); ok {
		if m, ok := inner["message"].(string); ok {
			return m
		}
	}
	if m, ok := d["message"].(string); ok {
		return m
	}
	if s, ok := d["error"].(string); ok {
		return s
	}
	return ""
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}
