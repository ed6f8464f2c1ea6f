package assistant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/utils"
)

// maxInlineFileBytes caps how much of a text attachment is inlined into the
// prompt of a local run.
const maxInlineFileBytes = 64 * 1024

// EinoBackend keeps threads locally and runs them against an eino chat model.
// A run executes on its own goroutine and parks in requires_action until the
// caller submits tool outputs, so it is observed the same way a hosted run is.
type EinoBackend struct {
	model        model.ToolCallingChatModel
	instructions string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	threads map[string]*localThread
	runs    map[string]*localRun
	files   map[string]*localFile

	logger *slog.Logger
}

type localThread struct {
	id      string
	history []*schema.Message
	outputs map[string][]models.OutputMessage // run id -> messages, oldest first
}

type localRun struct {
	id       string
	threadID string
	status   models.RunStatus
	pending  []models.ToolCall
	lastErr  *models.RunError
	resume   chan []models.ToolOutput
}

type localFile struct {
	info models.FileInfo
	mime string
	data []byte
}

// NewEinoBackend wraps a chat model that already has the tool schemas bound.
func NewEinoBackend(chatModel model.ToolCallingChatModel, instructions string) *EinoBackend {
	ctx, cancel := context.WithCancel(context.Background())
	return &EinoBackend{
		model:        chatModel,
		instructions: instructions,
		baseCtx:      ctx,
		cancel:       cancel,
		threads:      make(map[string]*localThread),
		runs:         make(map[string]*localRun),
		files:        make(map[string]*localFile),
		logger:       utils.GetLogger(),
	}
}

// Close stops every active run; they finish as failed.
func (b *EinoBackend) Close() error {
	b.cancel()
	return nil
}

func (b *EinoBackend) CreateThread(ctx context.Context, msgs []models.TurnMessage) (string, error) {
	t := &localThread{
		id:      "thread_" + uuid.NewString(),
		outputs: make(map[string][]models.OutputMessage),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		t.history = append(t.history, b.toSchemaMessage(m))
	}
	b.threads[t.id] = t
	return t.id, nil
}

func (b *EinoBackend) AddMessage(ctx context.Context, threadID string, msg models.TurnMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[threadID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	t.history = append(t.history, b.toSchemaMessage(msg))
	return nil
}

func (b *EinoBackend) CreateRun(ctx context.Context, threadID string) (*models.Run, error) {
	b.mu.Lock()
	if _, ok := b.threads[threadID]; !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	run := &localRun{
		id:       "run_" + uuid.NewString(),
		threadID: threadID,
		status:   models.RunStatusQueued,
		resume:   make(chan []models.ToolOutput, 1),
	}
	b.runs[run.id] = run
	snapshot := run.snapshot()
	b.mu.Unlock()

	go b.execute(run)
	return snapshot, nil
}

func (b *EinoBackend) RetrieveRun(ctx context.Context, threadID, runID string) (*models.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[runID]
	if !ok || run.threadID != threadID {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run.snapshot(), nil
}

func (b *EinoBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) error {
	b.mu.Lock()
	run, ok := b.runs[runID]
	if !ok || run.threadID != threadID {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if run.status != models.RunStatusRequiresAction {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrRunNotWaiting, runID, run.status)
	}
	run.status = models.RunStatusInProgress
	run.pending = nil
	b.mu.Unlock()

	run.resume <- outputs
	return nil
}

func (b *EinoBackend) ListMessages(ctx context.Context, threadID, runID string) ([]models.OutputMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	var src []models.OutputMessage
	if runID != "" {
		src = t.outputs[runID]
	} else {
		for _, msgs := range t.outputs {
			src = append(src, msgs...)
		}
	}
	out := make([]models.OutputMessage, len(src))
	for i, m := range src {
		out[len(src)-1-i] = m
	}
	return out, nil
}

func (b *EinoBackend) UploadFile(ctx context.Context, filename string, r io.Reader) (*models.FileInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	f := &localFile{
		info: models.FileInfo{ID: "file-" + uuid.NewString(), Filename: filename, Bytes: int64(len(data))},
		mime: mimetype.Detect(data).String(),
		data: data,
	}
	b.mu.Lock()
	b.files[f.info.ID] = f
	b.mu.Unlock()
	info := f.info
	return &info, nil
}

func (b *EinoBackend) RetrieveFile(ctx context.Context, fileID string) (*models.FileInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	info := f.info
	return &info, nil
}

// ========== Run execution ==========

func (r *localRun) snapshot() *models.Run {
	out := &models.Run{ID: r.id, ThreadID: r.threadID, Status: r.status}
	if len(r.pending) > 0 {
		out.PendingToolCalls = append([]models.ToolCall(nil), r.pending...)
	}
	if r.lastErr != nil {
		e := *r.lastErr
		out.LastError = &e
	}
	return out
}

func (b *EinoBackend) execute(run *localRun) {
	ctx := b.baseCtx
	b.setStatus(run, models.RunStatusInProgress)

	for {
		msgs := b.prompt(run.threadID)
		resp, err := b.model.Generate(ctx, msgs)
		if err != nil {
			b.fail(run, classifyModelError(err), err.Error())
			return
		}
		if resp == nil {
			b.fail(run, "server_error", "model returned no message")
			return
		}

		if len(resp.ToolCalls) == 0 {
			b.complete(run, resp)
			return
		}

		calls := make([]models.ToolCall, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			calls = append(calls, models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		b.mu.Lock()
		b.threads[run.threadID].history = append(b.threads[run.threadID].history, resp)
		run.pending = calls
		run.status = models.RunStatusRequiresAction
		b.mu.Unlock()

		var outputs []models.ToolOutput
		select {
		case outputs = <-run.resume:
		case <-ctx.Done():
			b.fail(run, "expired", "backend closed while waiting for tool outputs")
			return
		}

		b.mu.Lock()
		t := b.threads[run.threadID]
		for _, o := range outputs {
			t.history = append(t.history, schema.ToolMessage(o.Output, o.ToolCallID))
		}
		b.mu.Unlock()
	}
}

func (b *EinoBackend) prompt(threadID string) []*schema.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.threads[threadID]
	msgs := make([]*schema.Message, 0, len(t.history)+1)
	if b.instructions != "" {
		msgs = append(msgs, schema.SystemMessage(b.instructions))
	}
	return append(msgs, t.history...)
}

func (b *EinoBackend) setStatus(run *localRun, status models.RunStatus) {
	b.mu.Lock()
	run.status = status
	b.mu.Unlock()
}

func (b *EinoBackend) fail(run *localRun, code, message string) {
	b.logger.Warn("Local run failed", "runID", run.id, "code", code, "error", message)
	b.mu.Lock()
	run.status = models.RunStatusFailed
	run.pending = nil
	run.lastErr = &models.RunError{Code: code, Message: message}
	b.mu.Unlock()
}

func (b *EinoBackend) complete(run *localRun, resp *schema.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.threads[run.threadID]
	t.history = append(t.history, resp)
	t.outputs[run.id] = append(t.outputs[run.id], models.OutputMessage{
		ID:        "msg_" + uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   []models.ContentBlock{{Type: "text", Text: &models.TextBlock{Value: resp.Content}}},
		CreatedAt: time.Now(),
	})
	run.status = models.RunStatusCompleted
}

// classifyModelError maps provider failures onto hosted run error codes so
// quota exhaustion is handled the same way for both backends.
func classifyModelError(err error) string {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "expired"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, models.RunErrorQuota):
		return models.RunErrorQuota
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, models.RunErrorRateLimit):
		return models.RunErrorRateLimit
	default:
		return "server_error"
	}
}

// toSchemaMessage must be called with b.mu held.
func (b *EinoBackend) toSchemaMessage(m models.TurnMessage) *schema.Message {
	text := m.Text
	for _, ref := range m.Attachments {
		f, ok := b.files[ref.FileID]
		if !ok {
			continue
		}
		text += "\n\n" + describeFile(f)
	}

	switch m.Role {
	case models.RoleSystem:
		return schema.SystemMessage(text)
	case models.RoleAssistant:
		return schema.AssistantMessage(text, nil)
	}

	if len(m.ImageURLs) == 0 {
		return schema.UserMessage(text)
	}
	parts := []schema.ChatMessagePart{{Type: schema.ChatMessagePartTypeText, Text: text}}
	for _, u := range m.ImageURLs {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: u, Detail: "auto"},
		})
	}
	return &schema.Message{Role: schema.User, MultiContent: parts}
}

func describeFile(f *localFile) string {
	if !strings.HasPrefix(f.mime, "text/") && !strings.Contains(f.mime, "json") && !strings.Contains(f.mime, "xml") {
		return fmt.Sprintf("[Attached file %s (%s, %d bytes) cannot be read as text]", f.info.Filename, f.mime, f.info.Bytes)
	}
	data := f.data
	truncated := ""
	if len(data) > maxInlineFileBytes {
		data = data[:maxInlineFileBytes]
		truncated = "\n[truncated]"
	}
	return fmt.Sprintf("[Attached file %s]\n%s%s", f.info.Filename, bytes.ToValidUTF8(data, nil), truncated)
}
