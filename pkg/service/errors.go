package service

import (
	"errors"
	"fmt"
)

var (
	ErrUpload           = errors.New("attachment upload failed")
	ErrRunFailed        = errors.New("assistant run failed")
	ErrPollTimeout      = errors.New("run did not finish before the poll timeout")
	ErrEmptyTurn        = errors.New("turn has no text and no attachments")
	ErrNoConversationID = errors.New("turn has no conversation id")
)

// UploadError aborts a turn before any conversation state is created.
type UploadError struct {
	Source string
	Err    error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Source, e.Err)
}

func (e *UploadError) Is(target error) bool { return target == ErrUpload }

func (e *UploadError) Unwrap() error { return e.Err }

// RunFailedError is a run that ended failed for a reason with no recovery.
type RunFailedError struct {
	ThreadID string
	RunID    string
	Code     string
	Message  string
}

func (e *RunFailedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("run %s on thread %s failed: %s: %s", e.RunID, e.ThreadID, e.Code, e.Message)
	}
	return fmt.Sprintf("run %s on thread %s failed: %s", e.RunID, e.ThreadID, e.Code)
}

func (e *RunFailedError) Unwrap() error { return ErrRunFailed }
