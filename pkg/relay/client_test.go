package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderschool/tabot/pkg/event"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func collect(e *event.Emitter, types ...string) <-chan event.Notification {
	ch := make(chan event.Notification, 16)
	for _, typ := range types {
		e.On(typ, func(_ context.Context, ev event.Event) {
			ch <- ev.(event.Notification)
		})
	}
	return ch
}

func next(t *testing.T, ch <-chan event.Notification) event.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for notification")
		return event.Notification{}
	}
}

func TestClient_ReconnectsAfterClose(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		switch conns.Add(1) {
		case 1:
			_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"submission","content":{"exam_name":"M1.2","email":"a@b.c"}}`))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		default:
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"new_submission","content":{"count":2}}`))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	emitter := event.NewEmitter()
	got := collect(emitter, event.Submission, event.NewSubmission)
	c := NewClient(Options{Name: "grading", URL: wsURL(srv), ReconnectInterval: 20 * time.Millisecond, Emitter: emitter})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	first := next(t, got)
	if first.Type != event.Submission || first.Source != "grading" || first.Content["exam_name"] != "M1.2" {
		t.Fatalf("first notification = %+v", first)
	}
	second := next(t, got)
	if second.Type != event.NewSubmission {
		t.Fatalf("second notification = %+v, want new_submission after reconnect", second)
	}

	st := c.Status()
	if st.Connects != 2 || st.State != StateConnected || st.Malformed != 1 || st.Events != 2 {
		t.Fatalf("Status() = %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}

func TestClient_RetriesFailedDial(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"help_request","content":{"email":"a@b.c"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	emitter := event.NewEmitter()
	got := collect(emitter, event.HelpRequest)
	c := NewClient(Options{URL: wsURL(srv), ReconnectInterval: 10 * time.Millisecond, Emitter: emitter})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	if n := next(t, got); n.Type != event.HelpRequest {
		t.Fatalf("notification = %+v", n)
	}
	if attempts.Load() < 3 {
		t.Fatalf("attempts = %d, want at least 3", attempts.Load())
	}
	if st := c.Status(); st.Connects != 1 || st.Source != wsURL(srv) {
		t.Fatalf("Status() = %+v", st)
	}
}

func TestGroup_Statuses(t *testing.T) {
	g := NewGroup(
		NewClient(Options{Name: "a", URL: "ws://127.0.0.1:1/ws"}),
		NewClient(Options{Name: "b", URL: "ws://127.0.0.1:1/ws"}),
	)
	st := g.Statuses()
	if g.Len() != 2 || len(st) != 2 || st[0].Source != "a" || st[1].State != StateDisconnected {
		t.Fatalf("Statuses() = %+v", st)
	}
}
