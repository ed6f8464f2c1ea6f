package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coderschool/tabot/pkg/assistant"
	"github.com/coderschool/tabot/pkg/db"
	"github.com/coderschool/tabot/pkg/metrics"
	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/utils"
)

// QuotaAdvisory replaces the answer when a run fails on rate or quota
// exhaustion, which in practice means the model pulled in too much code.
const QuotaAdvisory = "Your GitHub link is too general. Please specify a specific folder in your GitHub repository."

const DefaultPollInterval = 5 * time.Second

// ToolInvoker resolves one tool call to the string handed back to the model.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, arguments string) string
}

// TurnRequest is one learner message destined for a conversation.
type TurnRequest struct {
	// LocalID is the chat-platform post id the conversation is keyed by.
	LocalID string
	Text    string
	// ForumID routes a new conversation; it is sent ahead of the first
	// message so the model can look up the responsible TA role.
	ForumID   string
	ImageURLs []string
	// FileURLs are downloaded and uploaded to the backend.
	FileURLs []string
	// FilePaths are local files uploaded to the backend.
	FilePaths []string
}

// RunHandle identifies a started run. It holds the conversation's turn slot
// until PollUntilDone returns or Release is called.
type RunHandle struct {
	LocalID  string
	ThreadID string
	RunID    string
	Created  bool
	started  time.Time
	release  func()
}

// Release frees the conversation for the next turn. It is idempotent.
func (h *RunHandle) Release() {
	if h != nil && h.release != nil {
		h.release()
	}
}

// RunResult is a run that reached a terminal state without a fatal error.
type RunResult struct {
	ThreadID string
	RunID    string
	// Messages produced by the run, newest first.
	Messages []models.OutputMessage
	// Advisory is set instead of Messages when a known failure was recovered.
	Advisory string
}

type RunDriverOptions struct {
	Backend      assistant.Backend
	Tools        ToolInvoker
	Store        db.ConversationStore
	Clock        Clock
	PollInterval time.Duration
	// PollTimeout bounds a single run; zero polls until a terminal state.
	PollTimeout time.Duration
	HTTPClient  *http.Client
	Metrics     *metrics.Metrics
}

// RunDriver owns the create, append, run, poll and tool-dispatch sequence of
// every conversation.
type RunDriver struct {
	backend      assistant.Backend
	tools        ToolInvoker
	store        db.ConversationStore
	clock        Clock
	pollInterval time.Duration
	pollTimeout  time.Duration
	httpClient   *http.Client
	metrics      *metrics.Metrics
	extractor    *ResponseExtractor
	logger       *slog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{} // local id -> turn slot
}

func NewRunDriver(opts RunDriverOptions) *RunDriver {
	d := &RunDriver{
		backend:      opts.Backend,
		tools:        opts.Tools,
		store:        opts.Store,
		clock:        opts.Clock,
		pollInterval: opts.PollInterval,
		pollTimeout:  opts.PollTimeout,
		httpClient:   opts.HTTPClient,
		metrics:      opts.Metrics,
		logger:       utils.GetLogger(),
		slots:        make(map[string]chan struct{}),
	}
	if d.store == nil {
		d.store = db.NewMemoryConversationStore()
	}
	if d.clock == nil {
		d.clock = RealClock
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	d.extractor = NewResponseExtractor(opts.Backend)
	return d
}

// Store exposes the conversation table for status reporting.
func (d *RunDriver) Store() db.ConversationStore { return d.store }

// HasConversation reports whether localID is mapped to a remote thread.
func (d *RunDriver) HasConversation(localID string) bool {
	_, ok := d.store.Get(localID)
	return ok
}

// Ask runs one full turn and extracts the answer.
func (d *RunDriver) Ask(ctx context.Context, req TurnRequest) (*models.Answer, error) {
	h, err := d.StartTurn(ctx, req)
	if err != nil {
		return nil, err
	}
	res, err := d.PollUntilDone(ctx, h)
	if err != nil {
		return nil, err
	}
	return d.extractor.Extract(ctx, res), nil
}

// StartTurn uploads the attachments, then creates the remote conversation on
// first contact or appends to it, and starts a run. It waits for any earlier
// turn of the same conversation to finish first.
func (d *RunDriver) StartTurn(ctx context.Context, req TurnRequest) (*RunHandle, error) {
	if req.LocalID == "" {
		return nil, ErrNoConversationID
	}
	if strings.TrimSpace(req.Text) == "" && len(req.ImageURLs)+len(req.FileURLs)+len(req.FilePaths) == 0 {
		return nil, ErrEmptyTurn
	}

	release, err := d.acquire(ctx, req.LocalID)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			release()
		}
	}()

	files, err := d.uploadAttachments(ctx, req)
	if err != nil {
		return nil, err
	}

	msg := models.TurnMessage{
		Role:        models.RoleUser,
		Text:        req.Text,
		ImageURLs:   req.ImageURLs,
		Attachments: files,
	}

	h := &RunHandle{LocalID: req.LocalID, release: release}
	if conv, found := d.store.Get(req.LocalID); found {
		if err := d.backend.AddMessage(ctx, conv.RemoteID, msg); err != nil {
			return nil, err
		}
		h.ThreadID = conv.RemoteID
	} else {
		msgs := make([]models.TurnMessage, 0, 2)
		if req.ForumID != "" {
			msgs = append(msgs, models.TurnMessage{Role: models.RoleSystem, Text: RoutingMessage(req.ForumID)})
		}
		msgs = append(msgs, msg)

		threadID, err := d.backend.CreateThread(ctx, msgs)
		if err != nil {
			return nil, err
		}
		d.store.Put(&db.Conversation{LocalID: req.LocalID, RemoteID: threadID, ForumID: req.ForumID})
		h.ThreadID = threadID
		h.Created = true
		d.logger.Info("Created conversation", "localID", req.LocalID, "threadID", threadID, "forumID", req.ForumID)
	}

	run, err := d.backend.CreateRun(ctx, h.ThreadID)
	if err != nil {
		return nil, err
	}
	h.RunID = run.ID
	h.started = d.clock.Now()
	ok = true
	return h, nil
}

// RoutingMessage is the context sent ahead of a new conversation.
func RoutingMessage(forumID string) string {
	return "Forum ID: " + forumID
}

// PollUntilDone polls the run at a fixed interval until it completes or
// fails, resolving tool calls whenever the run requires action. A run that
// failed on rate or quota exhaustion yields the advisory; any other failure
// is a *RunFailedError.
func (d *RunDriver) PollUntilDone(ctx context.Context, h *RunHandle) (*RunResult, error) {
	defer h.Release()

	var deadline <-chan time.Time
	if d.pollTimeout > 0 {
		deadline = d.clock.After(d.pollTimeout)
	}

	for {
		run, err := d.backend.RetrieveRun(ctx, h.ThreadID, h.RunID)
		if err != nil {
			return nil, err
		}

		switch run.Status {
		case models.RunStatusCompleted:
			d.logger.Info("Run completed", "threadID", h.ThreadID, "runID", h.RunID)
			d.metrics.RunFinished("completed", d.clock.Now().Sub(h.started))
			msgs, err := d.backend.ListMessages(ctx, h.ThreadID, h.RunID)
			if err != nil {
				return nil, err
			}
			return &RunResult{ThreadID: h.ThreadID, RunID: h.RunID, Messages: msgs}, nil

		case models.RunStatusFailed:
			return d.handleFailure(ctx, h, run)

		case models.RunStatusRequiresAction:
			d.logger.Info("Run requires action", "threadID", h.ThreadID, "runID", h.RunID, "toolCalls", len(run.PendingToolCalls))
			if err := d.resolveToolCalls(ctx, h, run.PendingToolCalls); err != nil {
				return nil, err
			}
			// Poll again right away; the run has new input.
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			d.metrics.RunFinished("timeout", d.clock.Now().Sub(h.started))
			return nil, fmt.Errorf("%w: run %s", ErrPollTimeout, h.RunID)
		case <-d.clock.After(d.pollInterval):
		}
	}
}

func (d *RunDriver) handleFailure(ctx context.Context, h *RunHandle, run *models.Run) (*RunResult, error) {
	code, message := "unknown", ""
	if run.LastError != nil {
		code, message = run.LastError.Code, run.LastError.Message
	}
	d.logger.Error("Run failed", "threadID", h.ThreadID, "runID", h.RunID, "code", code, "message", message)

	if code != models.RunErrorRateLimit && code != models.RunErrorQuota {
		d.metrics.RunFinished("failed", d.clock.Now().Sub(h.started))
		return nil, &RunFailedError{ThreadID: h.ThreadID, RunID: h.RunID, Code: code, Message: message}
	}

	d.metrics.RunFinished("advisory", d.clock.Now().Sub(h.started))
	advisory := models.TurnMessage{Role: models.RoleAssistant, Text: QuotaAdvisory}
	if err := d.backend.AddMessage(ctx, h.ThreadID, advisory); err != nil {
		// The advisory still reaches the learner through the chat surface.
		d.logger.Warn("Failed to record advisory in conversation", "threadID", h.ThreadID, "error", err)
	}
	return &RunResult{ThreadID: h.ThreadID, RunID: h.RunID, Advisory: QuotaAdvisory}, nil
}

// resolveToolCalls answers every pending call and submits them as one batch.
func (d *RunDriver) resolveToolCalls(ctx context.Context, h *RunHandle, calls []models.ToolCall) error {
	outputs := make([]models.ToolOutput, 0, len(calls))
	for _, call := range calls {
		var out string
		if d.tools == nil {
			out = "Error: no tools are available"
		} else {
			out = d.tools.Invoke(ctx, call.Name, call.Arguments)
		}
		outcome := "ok"
		if strings.HasPrefix(out, "Error: ") {
			outcome = "error"
		}
		d.metrics.ToolCalled(call.Name, outcome)
		outputs = append(outputs, models.ToolOutput{ToolCallID: call.ID, Output: out})
	}
	if len(outputs) == 0 {
		return nil
	}
	d.logger.Info("Submitting tool outputs", "threadID", h.ThreadID, "runID", h.RunID, "count", len(outputs))
	return d.backend.SubmitToolOutputs(ctx, h.ThreadID, h.RunID, outputs)
}

// ========== Turn serialization ==========

func (d *RunDriver) acquire(ctx context.Context, localID string) (func(), error) {
	d.mu.Lock()
	slot, ok := d.slots[localID]
	if !ok {
		slot = make(chan struct{}, 1)
		d.slots[localID] = slot
	}
	d.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-slot }) }, nil
}

// ========== Attachments ==========

func (d *RunDriver) uploadAttachments(ctx context.Context, req TurnRequest) ([]models.FileRef, error) {
	var refs []models.FileRef
	for _, u := range req.FileURLs {
		ref, err := d.uploadURL(ctx, u)
		if err != nil {
			d.metrics.Upload("error")
			return nil, &UploadError{Source: u, Err: err}
		}
		d.metrics.Upload("ok")
		refs = append(refs, ref)
	}
	for _, p := range req.FilePaths {
		ref, err := d.uploadPath(ctx, p)
		if err != nil {
			d.metrics.Upload("error")
			return nil, &UploadError{Source: p, Err: err}
		}
		d.metrics.Upload("ok")
		refs = append(refs, ref)
	}
	return refs, nil
}

func (d *RunDriver) uploadURL(ctx context.Context, rawURL string) (models.FileRef, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.FileRef{}, err
	}
	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		return models.FileRef{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.FileRef{}, fmt.Errorf("download: %s", resp.Status)
	}
	return d.upload(ctx, FilenameFromURL(rawURL), resp.Body)
}

func (d *RunDriver) uploadPath(ctx context.Context, p string) (models.FileRef, error) {
	f, err := os.Open(p)
	if err != nil {
		return models.FileRef{}, err
	}
	defer f.Close()
	return d.upload(ctx, filepath.Base(p), f)
}

func (d *RunDriver) upload(ctx context.Context, name string, r io.Reader) (models.FileRef, error) {
	info, err := d.backend.UploadFile(ctx, name, r)
	if err != nil {
		return models.FileRef{}, err
	}
	d.logger.Info("Uploaded attachment", "fileID", info.ID, "filename", name)
	return models.FileRef{FileID: info.ID, Filename: name}, nil
}

// FilenameFromURL returns the last path segment of rawURL without its query.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "attachment"
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "attachment"
	}
	return name
}
