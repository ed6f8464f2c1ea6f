package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coderschool/tabot/pkg/db"
	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/relay"
	"github.com/coderschool/tabot/pkg/tools"
)

// RelayStatuser reports the state of every relay source.
type RelayStatuser interface {
	Statuses() []relay.Status
}

// StatusHandler exposes health, metrics and read-only runtime state.
type StatusHandler struct {
	Store    db.ConversationStore
	Relays   RelayStatuser
	Gatherer prometheus.Gatherer
	// Catalog is optional; ListTools reports 503 without it.
	Catalog  *tools.Catalog
	Logger   *slog.Logger
}

func NewStatusHandler(store db.ConversationStore, relays RelayStatuser, gatherer prometheus.Gatherer, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{Store: store, Relays: relays, Gatherer: gatherer, Logger: logger}
}

// ConversationListResponse is the payload of GET /api/conversations.
type ConversationListResponse struct {
	Conversations []*db.Conversation `json:"conversations"`
	Total         int                `json:"total"`
}

// Health handles liveness checks
func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK"})
}

// Metrics serves the Prometheus exposition format
func (h *StatusHandler) Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))
}

// Conversations lists every post that is mapped to a remote conversation
func (h *StatusHandler) Conversations(c *gin.Context) {
	if h.Store == nil {
		c.JSON(http.StatusServiceUnavailable, models.Response{Code: 503, Message: "conversation store not configured"})
		return
	}
	list := h.Store.List()
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: ConversationListResponse{Conversations: list, Total: len(list)}})
}

// RelayStatus reports connection state per relay source
func (h *StatusHandler) RelayStatus(c *gin.Context) {
	statuses := []relay.Status{}
	if h.Relays != nil {
		statuses = h.Relays.Statuses()
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: statuses})
}

// ListTools lists the built-in tools, optionally filtered by ?category=
func (h *StatusHandler) ListTools(c *gin.Context) {
	if h.Catalog == nil {
		c.JSON(http.StatusServiceUnavailable, models.Response{Code: 503, Message: "tool catalog not configured"})
		return
	}
	list := h.Catalog.ListAll()
	if category := c.Query("category"); category != "" {
		list = h.Catalog.ListByCategory(category)
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: list})
}

// GetTool describes one built-in tool
func (h *StatusHandler) GetTool(c *gin.Context) {
	if h.Catalog == nil {
		c.JSON(http.StatusServiceUnavailable, models.Response{Code: 503, Message: "tool catalog not configured"})
		return
	}
	info, err := h.Catalog.GetToolInfo(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, models.Response{Code: 404, Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, models.Response{Code: 200, Message: "OK", Data: info})
}
