package recorder

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyRecording is returned by Start while a session is active.
var ErrAlreadyRecording = errors.New("a recording session is already active")

// CaptureUnavailableError means the capture sources could not be acquired.
type CaptureUnavailableError struct {
	Err error
}

func (e *CaptureUnavailableError) Error() string {
	return fmt.Sprintf("capture unavailable: %v", e.Err)
}

func (e *CaptureUnavailableError) Unwrap() error { return e.Err }

// SessionCreateError means the collection server did not open a session.
type SessionCreateError struct {
	ServerURL string
	Err       error
}

func (e *SessionCreateError) Error() string {
	return fmt.Sprintf("create session on %s: %v", e.ServerURL, e.Err)
}

func (e *SessionCreateError) Unwrap() error { return e.Err }
