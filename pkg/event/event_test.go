package event

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func TestEmitter_DispatchAndUnsubscribe(t *testing.T) {
	e := NewEmitter()
	var got []string
	off := e.On(Submission, func(_ context.Context, ev Event) { got = append(got, "specific:"+ev.EventName()) })
	e.OnAny(func(_ context.Context, ev Event) { got = append(got, "any:"+ev.EventName()) })

	if n := e.Emit(context.Background(), Notification{Type: Submission}); n != 1 {
		t.Fatalf("Emit() handled by %d listeners, want 1", n)
	}
	if n := e.Emit(context.Background(), Notification{Type: "grade_released"}); n != 0 {
		t.Fatalf("Emit(unknown) handled by %d listeners, want 0", n)
	}
	off()
	e.Emit(context.Background(), Notification{Type: Submission})

	want := []string{"specific:submission", "any:submission", "any:grade_released", "any:submission"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestEmitter_ListenerPanicIsContained(t *testing.T) {
	e := NewEmitter()
	reached := false
	e.On(HelpRequest, func(context.Context, Event) { panic("boom") })
	e.On(HelpRequest, func(context.Context, Event) { reached = true })

	e.Emit(context.Background(), Notification{Type: HelpRequest})
	if !reached {
		t.Fatalf("second listener not called after first panicked")
	}
}

func TestNotification_Decode(t *testing.T) {
	n := Notification{
		Type: Submission,
		Content: map[string]any{
			"exam_name": "M1.2",
			"email":     "learner@example.com",
			"urls":      []any{"https://github.com/acme/widgets"},
			"answers": []any{
				map[string]any{"question": "Q1", "answer": "42"},
				map[string]any{
					"question": "Q2",
					"answer":   "see file",
					"files":    []any{map[string]any{"name": "q2.py", "data": "cHJpbnQoMSk="}},
				},
				map[string]any{"question": "Q3", "answer": "data:image/png;base64,iVBORw0KGgo="},
			},
		},
	}
	var p SubmissionPayload
	if err := n.Decode(&p); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.ExamName != "M1.2" || p.Email != "learner@example.com" || len(p.URLs) != 1 {
		t.Fatalf("decoded payload = %+v", p)
	}
	files := p.InlineFiles()
	if len(files) != 2 {
		t.Fatalf("InlineFiles() = %+v, want 2 files", files)
	}
	if files[0].Name != "q2.py" || files[1].Name != "answer_3" {
		t.Fatalf("InlineFiles() names = %q, %q", files[0].Name, files[1].Name)
	}

	var h NewSubmissionPayload
	if err := (Notification{Type: NewSubmission, Content: map[string]any{"count": "3"}}).Decode(&h); err != nil {
		t.Fatalf("Decode() weak typing error = %v", err)
	}
	if h.Count != 3 {
		t.Fatalf("Count = %d, want 3", h.Count)
	}
}

func TestWSHandler_StreamsEvents(t *testing.T) {
	gin.SetMode(gin.TestMode)
	e := NewEmitter()
	r := gin.New()
	r.GET("/ws", NewWSHandler(e).Handle)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?events=relay.connected", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		e.mu.RLock()
		n := len(e.allListeners)
		e.mu.RUnlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	e.Emit(context.Background(), RelayStateEvent{Source: "grading", Connected: false})
	e.Emit(context.Background(), RelayStateEvent{Source: "grading", Connected: true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Event != RelayConnected || msg.Data["source"] != "grading" {
		t.Fatalf("message = %+v, want filtered relay.connected", msg)
	}
}
