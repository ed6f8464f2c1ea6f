package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/utils"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	assistantsBetaHeader = "assistants=v2"
)

// APIError is a non-2xx response from the OpenAI API.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("openai: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openai: %d: %s", e.StatusCode, e.Message)
}

// OpenAIBackend drives the hosted Assistants v2 threads and runs API.
type OpenAIBackend struct {
	baseURL     string
	apiKey      string
	assistantID string
	httpClient  *http.Client
	logger      *slog.Logger
}

type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	AssistantID string
	HTTPClient  *http.Client
}

func NewOpenAIBackend(opts OpenAIOptions) *OpenAIBackend {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 2 * time.Minute}
	}
	return &OpenAIBackend{
		baseURL:     baseURL,
		apiKey:      opts.APIKey,
		assistantID: opts.AssistantID,
		httpClient:  hc,
		logger:      utils.GetLogger(),
	}
}

// AssistantID returns the assistant runs are started with.
func (b *OpenAIBackend) AssistantID() string { return b.assistantID }

// ========== Wire types ==========

type wireContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

type wireToolType struct {
	Type string `json:"type"`
}

type wireAttachment struct {
	FileID string         `json:"file_id"`
	Tools  []wireToolType `json:"tools"`
}

type wireMessageIn struct {
	Role        string            `json:"role"`
	Content     []wireContentPart `json:"content"`
	Attachments []wireAttachment  `json:"attachments,omitempty"`
}

type wireRun struct {
	ID             string `json:"id"`
	ThreadID       string `json:"thread_id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		Type              string `json:"type"`
		SubmitToolOutputs struct {
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

type wireFileRef struct {
	FileID string `json:"file_id"`
}

type wireAnnotation struct {
	Type         string       `json:"type"`
	Text         string       `json:"text"`
	FileCitation *wireFileRef `json:"file_citation,omitempty"`
	FilePath     *wireFileRef `json:"file_path,omitempty"`
}

type wireMessageOut struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	CreatedAt int64  `json:"created_at"`
	Content   []struct {
		Type string `json:"type"`
		Text *struct {
			Value       string           `json:"value"`
			Annotations []wireAnnotation `json:"annotations"`
		} `json:"text,omitempty"`
	} `json:"content"`
}

type wireFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Bytes    int64  `json:"bytes"`
}

// ========== Backend ==========

func (b *OpenAIBackend) CreateThread(ctx context.Context, msgs []models.TurnMessage) (string, error) {
	body := map[string]any{"messages": toWireMessages(msgs)}
	var out struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, "/threads", body, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return out.ID, nil
}

func (b *OpenAIBackend) AddMessage(ctx context.Context, threadID string, msg models.TurnMessage) error {
	in := toWireMessage(msg)
	if err := b.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", in, nil); err != nil {
		return fmt.Errorf("add message to thread %s: %w", threadID, err)
	}
	return nil
}

func (b *OpenAIBackend) CreateRun(ctx context.Context, threadID string) (*models.Run, error) {
	if b.assistantID == "" {
		return nil, fmt.Errorf("create run: no assistant configured")
	}
	var out wireRun
	body := map[string]string{"assistant_id": b.assistantID}
	if err := b.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body, &out); err != nil {
		return nil, fmt.Errorf("create run on thread %s: %w", threadID, err)
	}
	return out.toRun(), nil
}

func (b *OpenAIBackend) RetrieveRun(ctx context.Context, threadID, runID string) (*models.Run, error) {
	var out wireRun
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("retrieve run %s: %w", runID, err)
	}
	return out.toRun(), nil
}

func (b *OpenAIBackend) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []models.ToolOutput) error {
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/submit_tool_outputs"
	body := map[string]any{"tool_outputs": outputs}
	if err := b.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("submit tool outputs for run %s: %w", runID, err)
	}
	return nil
}

func (b *OpenAIBackend) ListMessages(ctx context.Context, threadID, runID string) ([]models.OutputMessage, error) {
	q := url.Values{"order": {"desc"}}
	if runID != "" {
		q.Set("run_id", runID)
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages?" + q.Encode()

	var out struct {
		Data []wireMessageOut `json:"data"`
	}
	if err := b.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages of thread %s: %w", threadID, err)
	}

	msgs := make([]models.OutputMessage, 0, len(out.Data))
	for _, m := range out.Data {
		msgs = append(msgs, m.toOutputMessage())
	}
	return msgs, nil
}

// UploadFile streams r to the files endpoint with purpose "assistants".
func (b *OpenAIBackend) UploadFile(ctx context.Context, filename string, r io.Reader) (*models.FileInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := mw.WriteField("purpose", "assistants")
		if err == nil {
			var part io.Writer
			part, err = mw.CreateFormFile("file", filename)
			if err == nil {
				_, err = io.Copy(part, r)
			}
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/files", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out wireFile
	if err := b.send(req, &out); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	return &models.FileInfo{ID: out.ID, Filename: out.Filename, Bytes: out.Bytes}, nil
}

func (b *OpenAIBackend) RetrieveFile(ctx context.Context, fileID string) (*models.FileInfo, error) {
	var out wireFile
	if err := b.do(ctx, http.MethodGet, "/files/"+url.PathEscape(fileID), nil, &out); err != nil {
		return nil, fmt.Errorf("retrieve file %s: %w", fileID, err)
	}
	return &models.FileInfo{ID: out.ID, Filename: out.Filename, Bytes: out.Bytes}, nil
}

// ========== Transport ==========

func (b *OpenAIBackend) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.send(req, out)
}

func (b *OpenAIBackend) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+b.apiKey)
	req.Header.Set("OpenAI-Beta", assistantsBetaHeader)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var envelope struct {
			Error struct {
				Message string `json:"message"`
				Type    string `json:"type"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Message = envelope.Error.Message
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ========== Conversions ==========

var attachmentTools = []wireToolType{{Type: "file_search"}, {Type: "code_interpreter"}}

func toWireMessages(msgs []models.TurnMessage) []wireMessageIn {
	out := make([]wireMessageIn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWireMessage(m))
	}
	return out
}

func toWireMessage(m models.TurnMessage) wireMessageIn {
	// Thread messages only accept user and assistant; routing context is
	// delivered as a user message.
	role := string(m.Role)
	if m.Role != models.RoleAssistant {
		role = string(models.RoleUser)
	}

	content := []wireContentPart{{Type: "text", Text: m.Text}}
	for _, u := range m.ImageURLs {
		content = append(content, wireContentPart{Type: "image_url", ImageURL: &wireImageURL{URL: u}})
	}

	var attachments []wireAttachment
	for _, f := range m.Attachments {
		attachments = append(attachments, wireAttachment{FileID: f.FileID, Tools: attachmentTools})
	}
	return wireMessageIn{Role: role, Content: content, Attachments: attachments}
}

func (w *wireRun) toRun() *models.Run {
	run := &models.Run{
		ID:       w.ID,
		ThreadID: w.ThreadID,
		Status:   mapRunStatus(w.Status),
	}
	if w.LastError != nil {
		run.LastError = &models.RunError{Code: w.LastError.Code, Message: w.LastError.Message}
	}
	if run.Status == models.RunStatusFailed && run.LastError == nil {
		run.LastError = &models.RunError{Code: w.Status, Message: "run ended with status " + w.Status}
	}
	if run.Status == models.RunStatusRequiresAction && w.RequiredAction != nil {
		for _, tc := range w.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.PendingToolCalls = append(run.PendingToolCalls, models.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return run
}

// mapRunStatus folds the hosted run states into the five the driver knows.
// cancelled, expired and incomplete have no recovery and count as failed.
func mapRunStatus(s string) models.RunStatus {
	switch s {
	case "queued":
		return models.RunStatusQueued
	case "in_progress", "cancelling":
		return models.RunStatusInProgress
	case "requires_action":
		return models.RunStatusRequiresAction
	case "completed":
		return models.RunStatusCompleted
	default:
		return models.RunStatusFailed
	}
}

func (w *wireMessageOut) toOutputMessage() models.OutputMessage {
	msg := models.OutputMessage{
		ID:        w.ID,
		Role:      models.Role(w.Role),
		CreatedAt: time.Unix(w.CreatedAt, 0),
	}
	for _, c := range w.Content {
		block := models.ContentBlock{Type: c.Type}
		if c.Text != nil {
			tb := &models.TextBlock{Value: c.Text.Value}
			for _, a := range c.Text.Annotations {
				ann := models.Annotation{Type: a.Type, Text: a.Text}
				switch {
				case a.FileCitation != nil:
					ann.FileID = a.FileCitation.FileID
				case a.FilePath != nil:
					ann.FileID = a.FilePath.FileID
				}
				tb.Annotations = append(tb.Annotations, ann)
			}
			block.Text = tb
		}
		msg.Content = append(msg.Content, block)
	}
	return msg
}
