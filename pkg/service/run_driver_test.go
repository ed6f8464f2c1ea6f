package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/tools"
)

type failingRepos struct{}

func (failingRepos) FetchAllCode(context.Context, string, string, string) (string, error) {
	return "", errors.New("GET https://api.github.com/repos/a/b/contents: 404 Not Found")
}

func newTestDriver(t *testing.T, b *fakeBackend, opts ...func(*RunDriverOptions)) *RunDriver {
	t.Helper()
	reg, err := tools.NewRegistry(&tools.ToolContext{
		Repos: failingRepos{},
		Roles: tools.NewRoleTable(map[string]string{"100": "200"}),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	o := RunDriverOptions{Backend: b, Tools: reg, Clock: instantClock{}}
	for _, fn := range opts {
		fn(&o)
	}
	return NewRunDriver(o)
}

func TestRunDriver_CreatesConversationOnce(t *testing.T) {
	b := newFakeBackend()
	d := newTestDriver(t, b)
	ctx := context.Background()

	first, err := d.Ask(ctx, TurnRequest{LocalID: "post-1", Text: "What is a DataFrame?", ForumID: "100"})
	if err != nil {
		t.Fatalf("first Ask() error = %v", err)
	}
	if first.Text != "answer" {
		t.Fatalf("first answer = %q", first.Text)
	}
	conv, ok := d.Store().Get("post-1")
	if !ok {
		t.Fatalf("expected mapping for post-1")
	}

	if _, err := d.Ask(ctx, TurnRequest{LocalID: "post-1", Text: "And a Series?"}); err != nil {
		t.Fatalf("second Ask() error = %v", err)
	}
	if b.threadCalls != 1 {
		t.Fatalf("CreateThread called %d times, want 1", b.threadCalls)
	}
	again, _ := d.Store().Get("post-1")
	if again.RemoteID != conv.RemoteID {
		t.Fatalf("remote id changed from %s to %s", conv.RemoteID, again.RemoteID)
	}
	if d.Store().Len() != 1 {
		t.Fatalf("store has %d mappings, want 1", d.Store().Len())
	}

	msgs := b.threads[conv.RemoteID]
	if len(msgs) != 3 {
		t.Fatalf("thread has %d messages, want 3", len(msgs))
	}
	if msgs[0].Role != models.RoleSystem || msgs[0].Text != "Forum ID: 100" {
		t.Fatalf("routing message = %+v", msgs[0])
	}
	if msgs[1].Text != "What is a DataFrame?" || msgs[2].Text != "And a Series?" {
		t.Fatalf("thread order = %+v", msgs)
	}
}

func TestRunDriver_NoRoutingMessageWithoutForum(t *testing.T) {
	b := newFakeBackend()
	d := newTestDriver(t, b)
	if _, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "hi"}); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	conv, _ := d.Store().Get("p")
	if msgs := b.threads[conv.RemoteID]; len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("thread = %+v", msgs)
	}
}

func TestRunDriver_ResolvesEveryToolCall(t *testing.T) {
	b := newFakeBackend(
		&models.Run{Status: models.RunStatusQueued},
		&models.Run{Status: models.RunStatusRequiresAction, PendingToolCalls: []models.ToolCall{
			{ID: "call_ok", Name: "extract_owner", Arguments: `{"text":"https://github.com/acme/widgets"}`},
			{ID: "call_err", Name: "fetch_all_code_from_repo", Arguments: `{"owner":"a","repo":"b"}`},
		}},
		&models.Run{Status: models.RunStatusInProgress},
	)
	d := newTestDriver(t, b)

	answer, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "review my repo"})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if answer.Text != "answer" {
		t.Fatalf("answer = %q", answer.Text)
	}
	if len(b.submitted) != 1 {
		t.Fatalf("submitted %d batches, want 1", len(b.submitted))
	}
	batch := b.submitted[0]
	if len(batch) != 2 {
		t.Fatalf("batch has %d outputs, want 2", len(batch))
	}
	if batch[0].ToolCallID != "call_ok" || batch[0].Output != "acme" {
		t.Fatalf("first output = %+v", batch[0])
	}
	if batch[1].ToolCallID != "call_err" || !strings.HasPrefix(batch[1].Output, "Error: ") || !strings.Contains(batch[1].Output, "404") {
		t.Fatalf("second output = %+v", batch[1])
	}
}

func TestRunDriver_UnknownToolKeepsRunAlive(t *testing.T) {
	b := newFakeBackend(
		&models.Run{Status: models.RunStatusRequiresAction, PendingToolCalls: []models.ToolCall{
			{ID: "c1", Name: "send_email", Arguments: `{}`},
		}},
	)
	d := newTestDriver(t, b)
	if _, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "x"}); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if got := b.submitted[0][0].Output; got != "Error: unsupported tool: send_email" {
		t.Fatalf("output = %q", got)
	}
}

func TestRunDriver_Failures(t *testing.T) {
	tests := []struct {
		name         string
		code         string
		wantAdvisory bool
	}{
		{name: "rate limit", code: models.RunErrorRateLimit, wantAdvisory: true},
		{name: "quota", code: models.RunErrorQuota, wantAdvisory: true},
		{name: "server error", code: "server_error"},
		{name: "expired", code: "expired"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend(
				&models.Run{Status: models.RunStatusInProgress},
				&models.Run{Status: models.RunStatusFailed, LastError: &models.RunError{Code: tt.code, Message: "boom"}},
			)
			d := newTestDriver(t, b)

			answer, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "x"})
			if tt.wantAdvisory {
				if err != nil {
					t.Fatalf("Ask() error = %v, want advisory", err)
				}
				if answer.Text != QuotaAdvisory || !answer.Advisory || len(answer.Citations) != 0 {
					t.Fatalf("answer = %+v", answer)
				}
				if len(b.added) != 1 || b.added[0].msg.Role != models.RoleAssistant || b.added[0].msg.Text != QuotaAdvisory {
					t.Fatalf("advisory not posted to conversation: %+v", b.added)
				}
				return
			}

			if !errors.Is(err, ErrRunFailed) {
				t.Fatalf("Ask() error = %v, want ErrRunFailed", err)
			}
			var runErr *RunFailedError
			if !errors.As(err, &runErr) || runErr.Code != tt.code {
				t.Fatalf("error = %#v", err)
			}
			if len(b.added) != 0 {
				t.Fatalf("no message should be posted on fatal failure")
			}
		})
	}
}

func TestRunDriver_UploadFailureLeavesNoState(t *testing.T) {
	b := newFakeBackend()
	b.uploadErr = errors.New("connection reset")
	d := newTestDriver(t, b)

	path := filepath.Join(t.TempDir(), "hw.py")
	if err := os.WriteFile(path, []byte("x = 1"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "check", FilePaths: []string{path}})
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("Ask() error = %v, want ErrUpload", err)
	}
	var upErr *UploadError
	if !errors.As(err, &upErr) || upErr.Source != path {
		t.Fatalf("error = %#v", err)
	}
	if b.threadCalls != 0 || d.Store().Len() != 0 {
		t.Fatalf("upload failure created state: threads=%d mappings=%d", b.threadCalls, d.Store().Len())
	}

	// The conversation is free for the next turn.
	b.uploadErr = nil
	if _, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "retry"}); err != nil {
		t.Fatalf("retry Ask() error = %v", err)
	}
}

func TestRunDriver_UploadsURLAttachments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/attachments/notebook.ipynb" {
			_, _ = w.Write([]byte(`{"cells":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := newFakeBackend()
	d := newTestDriver(t, b, func(o *RunDriverOptions) { o.HTTPClient = srv.Client() })
	ctx := context.Background()

	_, err := d.Ask(ctx, TurnRequest{
		LocalID:   "p",
		Text:      "why does this fail",
		FileURLs:  []string{srv.URL + "/attachments/notebook.ipynb?ex=abc&is=def"},
		ImageURLs: []string{"https://cdn.example/err.png"},
	})
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if len(b.uploads) != 1 || b.uploads[0] != "notebook.ipynb" {
		t.Fatalf("uploads = %v", b.uploads)
	}
	conv, _ := d.Store().Get("p")
	msg := b.threads[conv.RemoteID][0]
	if len(msg.Attachments) != 1 || msg.Attachments[0].Filename != "notebook.ipynb" || len(msg.ImageURLs) != 1 {
		t.Fatalf("message = %+v", msg)
	}

	_, err = d.Ask(ctx, TurnRequest{LocalID: "q", Text: "x", FileURLs: []string{srv.URL + "/missing.txt"}})
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("Ask() with missing attachment error = %v, want ErrUpload", err)
	}
}

func TestRunDriver_SerializesTurnsPerConversation(t *testing.T) {
	b := newFakeBackend(
		&models.Run{Status: models.RunStatusInProgress},
		&models.Run{Status: models.RunStatusInProgress},
	)
	d := newTestDriver(t, b)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Ask(context.Background(), TurnRequest{LocalID: "same-post", Text: "hello"}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Ask() error = %v", err)
	}

	if b.threadCalls != 1 {
		t.Fatalf("CreateThread called %d times, want 1", b.threadCalls)
	}
	if b.maxActive != 1 {
		t.Fatalf("max concurrent runs on one conversation = %d, want 1", b.maxActive)
	}
}

func TestRunDriver_PollTimeout(t *testing.T) {
	b := newFakeBackend()
	b.neverFinish = true
	d := newTestDriver(t, b, func(o *RunDriverOptions) { o.PollTimeout = time.Minute })

	_, err := d.Ask(context.Background(), TurnRequest{LocalID: "p", Text: "x"})
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("Ask() error = %v, want ErrPollTimeout", err)
	}
}

func TestRunDriver_ContextCancelled(t *testing.T) {
	b := newFakeBackend()
	b.neverFinish = true
	d := newTestDriver(t, b, func(o *RunDriverOptions) { o.Clock = RealClock; o.PollInterval = time.Hour })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Ask(ctx, TurnRequest{LocalID: "p", Text: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ask() error = %v, want deadline exceeded", err)
	}
}

func TestRunDriver_RejectsEmptyTurn(t *testing.T) {
	d := newTestDriver(t, newFakeBackend())
	if _, err := d.StartTurn(context.Background(), TurnRequest{LocalID: "p", Text: "  "}); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if _, err := d.StartTurn(context.Background(), TurnRequest{Text: "x"}); !errors.Is(err, ErrNoConversationID) {
		t.Fatalf("StartTurn() error = %v", err)
	}
}

func TestFilenameFromURL(t *testing.T) {
	tests := map[string]string{
		"https://cdn.discordapp.com/attachments/1/2/main.py?ex=1&is=2": "main.py",
		"https://example.com/":   "attachment",
		"https://example.com":    "attachment",
		"https://example.com/a/": "a",
	}
	for in, want := range tests {
		if got := FilenameFromURL(in); got != want {
			t.Errorf("FilenameFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
