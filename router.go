package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coderschool/tabot/pkg/event"
	"github.com/coderschool/tabot/pkg/handler"
	"github.com/coderschool/tabot/pkg/utils"
)

// Server exposes the operator API: health, metrics, conversations, relay
// state and the live event stream.
type Server struct {
	ginEngine *gin.Engine
	logger    *slog.Logger
	addr      string
}

func NewServer(host string, port int) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	return &Server{
		ginEngine: ginEngine,
		logger:    utils.GetLogger(),
		addr:      net.JoinHostPort(host, fmt.Sprint(port)),
	}
}

func (s *Server) SetupRoutes(status *handler.StatusHandler, emitter *event.Emitter) {
	s.ginEngine.GET("/healthz", status.Health)
	s.ginEngine.GET("/metrics", status.Metrics())

	api := s.ginEngine.Group("/api")
	api.GET("/conversations", status.Conversations)
	api.GET("/relays", status.RelayStatus)
	api.GET("/tools", status.ListTools)
	api.GET("/tools/:id", status.GetTool)
	api.GET("/events/ws", event.NewWSHandler(emitter).Handle)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.ginEngine,
	}

	// Listen first so an occupied port fails immediately.
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("HTTP server stopped")
		return nil
	}
}
