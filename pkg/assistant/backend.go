// Package assistant talks to the conversational backend that owns threads,
// runs and uploaded files.
package assistant

import (
	"context"
	"errors"
	"io"

	"github.com/coderschool/tabot/pkg/models"
)

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrRunNotFound    = errors.New("run not found")
	ErrFileNotFound   = errors.New("file not found")
	ErrRunNotWaiting  = errors.New("run is not waiting for tool outputs")
)

// Backend is the remote conversation service. Runs advance on the backend;
// callers observe them by polling RetrieveRun.
type Backend interface {
	// CreateThread starts a conversation seeded with msgs.
	CreateThread(ctx context.Context, msgs []models.TurnMessage) (threadID string, err error)
	AddMessage(ctx context.Context, threadID string, msg models.TurnMessage) error
	CreateRun(ctx context.Context, threadID string) (*models.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*models.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) error
	// ListMessages returns the messages a run produced, newest first.
	ListMessages(ctx context.Context, threadID, runID string) ([]models.OutputMessage, error)
	UploadFile(ctx context.Context, filename string, r io.Reader) (*models.FileInfo, error)
	RetrieveFile(ctx context.Context, fileID string) (*models.FileInfo, error)
}
