package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coderschool/tabot/pkg/db"
	"github.com/coderschool/tabot/pkg/metrics"
	"github.com/coderschool/tabot/pkg/relay"
	"github.com/coderschool/tabot/pkg/tools"
)

type staticRelays []relay.Status

func (s staticRelays) Statuses() []relay.Status { return s }

func newStatusServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := db.NewMemoryConversationStore()
	store.Put(&db.Conversation{LocalID: "post-1", RemoteID: "thread_1", ForumID: "100"})
	reg := prometheus.NewRegistry()
	metrics.New(reg).RunFinished("completed", 0)

	h := NewStatusHandler(store, staticRelays{{Source: "grading", State: relay.StateConnected, Connects: 3}}, reg, slog.Default())
	toolReg, err := tools.NewRegistry(nil, tools.ToolSearchDB)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h.Catalog = tools.NewCatalog(toolReg)
	r := gin.New()
	r.GET("/healthz", h.Health)
	r.GET("/metrics", h.Metrics())
	r.GET("/api/conversations", h.Conversations)
	r.GET("/api/relays", h.RelayStatus)
	r.GET("/api/tools", h.ListTools)
	r.GET("/api/tools/:id", h.GetTool)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestStatusHandler_Routes(t *testing.T) {
	srv := newStatusServer(t)

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/healthz", contains: `"message":"OK"`},
		{path: "/metrics", contains: `tabot_runs_total{outcome="completed"} 1`},
		{path: "/api/relays", contains: `"connects":3`},
		{path: "/api/tools?category=routing", contains: `"id":"get_ta_role_for_forum","description"`},
		{path: "/api/tools/search_db", contains: `"enabled":true`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, srv.URL+tt.path)
			if code != http.StatusOK {
				t.Fatalf("status = %d", code)
			}
			if !strings.Contains(string(body), tt.contains) {
				t.Fatalf("body %s does not contain %s", body, tt.contains)
			}
		})
	}
}

func TestStatusHandler_Conversations(t *testing.T) {
	srv := newStatusServer(t)
	code, body := get(t, srv.URL+"/api/conversations")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	var resp struct {
		Code int                      `json:"code"`
		Data ConversationListResponse `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Total != 1 || resp.Data.Conversations[0].RemoteID != "thread_1" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestStatusHandler_UnknownTool(t *testing.T) {
	srv := newStatusServer(t)
	code, _ := get(t, srv.URL+"/api/tools/rm_rf")
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}
