package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/coderschool/tabot/pkg/models"
)

// instantClock fires every timer immediately.
type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(1700000000, 0) }

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(1700000000, 0)
	return ch
}

type addedMessage struct {
	threadID string
	msg      models.TurnMessage
}

// fakeBackend scripts run statuses. Each run walks the statuses in script and
// then completes.
type fakeBackend struct {
	mu sync.Mutex

	script      []*models.Run
	neverFinish bool
	output      []models.OutputMessage
	files       map[string]string
	uploadErr   error

	threads     map[string][]models.TurnMessage
	added       []addedMessage
	uploads     []string
	submitted   [][]models.ToolOutput
	runPolls    map[string]int
	activeRuns  map[string]int
	maxActive   int
	nextID      int
	threadCalls int
}

func newFakeBackend(script ...*models.Run) *fakeBackend {
	return &fakeBackend{
		script:     script,
		threads:    make(map[string][]models.TurnMessage),
		runPolls:   make(map[string]int),
		activeRuns: make(map[string]int),
		files:      map[string]string{},
		output: []models.OutputMessage{{
			ID:      "msg_1",
			Role:    models.RoleAssistant,
			Content: []models.ContentBlock{{Type: "text", Text: &models.TextBlock{Value: "answer"}}},
		}},
	}
}

func (f *fakeBackend) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeBackend) CreateThread(_ context.Context, msgs []models.TurnMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadCalls++
	id := f.id("thread")
	f.threads[id] = append([]models.TurnMessage(nil), msgs...)
	return id, nil
}

func (f *fakeBackend) AddMessage(_ context.Context, threadID string, msg models.TurnMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.threads[threadID]; !ok {
		return errors.New("no such thread")
	}
	f.threads[threadID] = append(f.threads[threadID], msg)
	f.added = append(f.added, addedMessage{threadID: threadID, msg: msg})
	return nil
}

func (f *fakeBackend) CreateRun(_ context.Context, threadID string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeRuns[threadID]++
	if f.activeRuns[threadID] > f.maxActive {
		f.maxActive = f.activeRuns[threadID]
	}
	return &models.Run{ID: f.id("run"), ThreadID: threadID, Status: models.RunStatusQueued}, nil
}

func (f *fakeBackend) RetrieveRun(_ context.Context, threadID, runID string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.runPolls[runID]
	f.runPolls[runID] = n + 1

	var run models.Run
	switch {
	case f.neverFinish:
		run = models.Run{Status: models.RunStatusInProgress}
	case n < len(f.script):
		run = *f.script[n]
	default:
		run = models.Run{Status: models.RunStatusCompleted}
	}
	run.ID, run.ThreadID = runID, threadID
	if run.Status.IsTerminal() {
		f.activeRuns[threadID]--
	}
	return &run, nil
}

func (f *fakeBackend) SubmitToolOutputs(_ context.Context, _, _ string, outputs []models.ToolOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	return nil
}

func (f *fakeBackend) ListMessages(context.Context, string, string) ([]models.OutputMessage, error) {
	return f.output, nil
}

func (f *fakeBackend) UploadFile(_ context.Context, filename string, r io.Reader) (*models.FileInfo, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	f.uploads = append(f.uploads, filename)
	id := f.id("file")
	f.files[id] = filename
	return &models.FileInfo{ID: id, Filename: filename}, nil
}

func (f *fakeBackend) RetrieveFile(_ context.Context, fileID string) (*models.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.files[fileID]
	if !ok {
		return nil, errors.New("no such file")
	}
	return &models.FileInfo{ID: fileID, Filename: name}, nil
}
