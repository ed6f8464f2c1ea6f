package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"

	"github.com/coderschool/tabot/pkg/models"
)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *OpenAIBackend {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("missing bearer token on %s", r.URL.Path)
		}
		if r.Header.Get("OpenAI-Beta") != "assistants=v2" {
			t.Errorf("missing beta header on %s", r.URL.Path)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewOpenAIBackend(OpenAIOptions{
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/v1",
		AssistantID: "asst_1",
		HTTPClient:  srv.Client(),
	})
}

func TestOpenAIBackend_CreateThreadMapsMessages(t *testing.T) {
	var got struct {
		Messages []wireMessageIn `json:"messages"`
	}
	b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/threads" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"thread_abc"}`))
	})

	id, err := b.CreateThread(context.Background(), []models.TurnMessage{
		{Role: models.RoleSystem, Text: "Forum ID: 42"},
		{
			Role:        models.RoleUser,
			Text:        "help",
			ImageURLs:   []string{"https://cdn.example/x.png"},
			Attachments: []models.FileRef{{FileID: "file-1"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateThread() error = %v", err)
	}
	if id != "thread_abc" {
		t.Fatalf("thread id = %q", id)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[0].Role != "user" || got.Messages[0].Content[0].Text != "Forum ID: 42" {
		t.Fatalf("routing message = %+v", got.Messages[0])
	}
	second := got.Messages[1]
	if len(second.Content) != 2 || second.Content[1].ImageURL == nil || second.Content[1].ImageURL.URL != "https://cdn.example/x.png" {
		t.Fatalf("content = %+v", second.Content)
	}
	if len(second.Attachments) != 1 || second.Attachments[0].FileID != "file-1" || len(second.Attachments[0].Tools) != 2 {
		t.Fatalf("attachments = %+v", second.Attachments)
	}
}

func TestOpenAIBackend_RetrieveRun(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		status    models.RunStatus
		calls     int
		errorCode string
	}{
		{
			name:   "requires action",
			body:   `{"id":"run_1","thread_id":"t","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"extract_owner","arguments":"{\"text\":\"x\"}"}}]}}}`,
			status: models.RunStatusRequiresAction,
			calls:  1,
		},
		{
			name:      "failed with rate limit",
			body:      `{"id":"run_1","thread_id":"t","status":"failed","last_error":{"code":"rate_limit_exceeded","message":"slow down"}}`,
			status:    models.RunStatusFailed,
			errorCode: models.RunErrorRateLimit,
		},
		{
			name:      "expired folds to failed",
			body:      `{"id":"run_1","thread_id":"t","status":"expired"}`,
			status:    models.RunStatusFailed,
			errorCode: "expired",
		},
		{
			name:   "cancelling is still running",
			body:   `{"id":"run_1","thread_id":"t","status":"cancelling"}`,
			status: models.RunStatusInProgress,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/threads/t/runs/run_1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			})
			run, err := b.RetrieveRun(context.Background(), "t", "run_1")
			if err != nil {
				t.Fatalf("RetrieveRun() error = %v", err)
			}
			if run.Status != tt.status {
				t.Fatalf("Status = %s, want %s", run.Status, tt.status)
			}
			if len(run.PendingToolCalls) != tt.calls {
				t.Fatalf("PendingToolCalls = %+v", run.PendingToolCalls)
			}
			if tt.calls > 0 && run.PendingToolCalls[0].Arguments != `{"text":"x"}` {
				t.Fatalf("Arguments = %q", run.PendingToolCalls[0].Arguments)
			}
			if tt.errorCode != "" && (run.LastError == nil || run.LastError.Code != tt.errorCode) {
				t.Fatalf("LastError = %+v, want code %s", run.LastError, tt.errorCode)
			}
		})
	}
}

func TestOpenAIBackend_ListMessagesAnnotations(t *testing.T) {
	b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("run_id") != "run_9" || r.URL.Query().Get("order") != "desc" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"msg_1","role":"assistant","created_at":1700000000,"content":[{"type":"text","text":{"value":"See notes【4:0†source】.","annotations":[{"type":"file_citation","text":"【4:0†source】","file_citation":{"file_id":"file-9"}}]}}]}]}`))
	})

	msgs, err := b.ListMessages(context.Background(), "t", "run_9")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].Content) != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	text := msgs[0].Content[0].Text
	if text == nil || len(text.Annotations) != 1 {
		t.Fatalf("text block = %+v", text)
	}
	ann := text.Annotations[0]
	if ann.Type != models.AnnotationFileCitation || ann.FileID != "file-9" || ann.Text != "【4:0†source】" {
		t.Fatalf("annotation = %+v", ann)
	}
}

func TestOpenAIBackend_SubmitToolOutputs(t *testing.T) {
	var body struct {
		ToolOutputs []models.ToolOutput `json:"tool_outputs"`
	}
	b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threads/t/runs/run_1/submit_tool_outputs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, _ = w.Write([]byte(`{"id":"run_1","status":"queued"}`))
	})
	outputs := []models.ToolOutput{{ToolCallID: "call_1", Output: "acme"}, {ToolCallID: "call_2", Output: "Error: boom"}}
	if err := b.SubmitToolOutputs(context.Background(), "t", "run_1", outputs); err != nil {
		t.Fatalf("SubmitToolOutputs() error = %v", err)
	}
	if len(body.ToolOutputs) != 2 || body.ToolOutputs[1].Output != "Error: boom" {
		t.Fatalf("submitted = %+v", body.ToolOutputs)
	}
}

func TestOpenAIBackend_UploadFile(t *testing.T) {
	b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
			return
		}
		if r.FormValue("purpose") != "assistants" {
			t.Errorf("purpose = %q", r.FormValue("purpose"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
			return
		}
		data, _ := io.ReadAll(f)
		_, _ = w.Write([]byte(`{"id":"file-1","filename":"` + hdr.Filename + `","bytes":` + jsonInt(len(data)) + `}`))
	})

	info, err := b.UploadFile(context.Background(), "hw.ipynb", strings.NewReader("{}\n"))
	if err != nil {
		t.Fatalf("UploadFile() error = %v", err)
	}
	if info.ID != "file-1" || info.Filename != "hw.ipynb" || info.Bytes != 3 {
		t.Fatalf("info = %+v", info)
	}
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestOpenAIBackend_APIError(t *testing.T) {
	b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"No file with id","type":"invalid_request_error","code":"not_found"}}`))
	})
	_, err := b.RetrieveFile(context.Background(), "file-x")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" || apiErr.Message != "No file with id" {
		t.Fatalf("APIError = %+v", apiErr)
	}
}

func TestOpenAIBackend_BootstrapDeclaresTools(t *testing.T) {
	var created map[string]any
	b := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/assistants" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&created)
		_, _ = w.Write([]byte(`{"id":"asst_new"}`))
	})

	id, err := b.Bootstrap(context.Background(), BootstrapOptions{
		Name:         "Data Science Teaching Assistant",
		Model:        "gpt-4o",
		Instructions: "Be helpful.",
		Tools: []*schema.ToolInfo{{
			Name: "extract_owner",
			Desc: "Extracts GitHub repository owner from a thread post.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"text": {Type: schema.String, Required: true},
			}),
		}},
	})
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if id != "asst_new" || b.AssistantID() != "asst_new" {
		t.Fatalf("assistant id = %q / %q", id, b.AssistantID())
	}
	tools, _ := created["tools"].([]any)
	if len(tools) != 3 {
		t.Fatalf("tools = %+v", created["tools"])
	}
	fn, _ := tools[2].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "extract_owner" {
		t.Fatalf("function tool = %+v", tools[2])
	}
	params, _ := fn["parameters"].(map[string]any)
	if params["type"] != "object" {
		t.Fatalf("parameters = %+v", fn["parameters"])
	}
	if _, ok := created["tool_resources"]; ok {
		t.Fatalf("no documents were given, tool_resources should be absent")
	}
}
