// Package relay keeps a websocket connection open to each external
// notification source and republishes its frames as events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/coderschool/tabot/pkg/event"
	"github.com/coderschool/tabot/pkg/metrics"
	"github.com/coderschool/tabot/pkg/utils"
)

const DefaultReconnectInterval = 5 * time.Second

// State is the connection lifecycle of one relay source.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

// Status is a point-in-time snapshot of a relay source.
type Status struct {
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	State       State     `json:"state"`
	Connects    int       `json:"connects"`
	Events      int       `json:"events"`
	Malformed   int       `json:"malformed"`
	LastError   string    `json:"lastError,omitempty"`
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
}

type Options struct {
	Name              string
	URL               string
	ReconnectInterval time.Duration
	Header            http.Header
	Dialer            *websocket.Dialer
	Emitter           *event.Emitter
	Metrics           *metrics.Metrics
}

// Client supervises one relay source. It moves between Disconnected and
// Connected forever, waiting a fixed interval after every drop.
type Client struct {
	name     string
	url      string
	interval time.Duration
	header   http.Header
	dialer   *websocket.Dialer
	emitter  *event.Emitter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	status Status
}

func NewClient(opts Options) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Emitter == nil {
		opts.Emitter = event.NewEmitter()
	}
	if opts.Name == "" {
		opts.Name = opts.URL
	}
	return &Client{
		name:     opts.Name,
		url:      opts.URL,
		interval: opts.ReconnectInterval,
		header:   opts.Header,
		dialer:   opts.Dialer,
		emitter:  opts.Emitter,
		metrics:  opts.Metrics,
		logger:   utils.GetLogger().With("relay", opts.Name),
		status: Status{
			Source: opts.Name,
			URL:    opts.URL,
			State:  StateDisconnected,
		},
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run connects and reconnects until ctx is cancelled. It only returns when
// ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("Relay disconnected, reconnecting", "error", err, "in", c.interval)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.interval):
		}
	}
}

// session dials once and pumps frames until the connection drops.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	c.metrics.RelayConnect(c.name, err == nil)
	if err != nil {
		c.setDisconnected(err)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()

	c.setConnected()
	c.logger.Info("Relay connected", "url", c.url)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = errors.New("closed by peer")
			}
			c.setDisconnected(err)
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var frame event.Frame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type == "" {
		c.mu.Lock()
		c.status.Malformed++
		c.mu.Unlock()
		c.logger.Warn("Skipping malformed relay frame", "error", err, "bytes", len(data))
		return
	}

	now := time.Now()
	c.mu.Lock()
	c.status.Events++
	c.status.LastEventAt = now
	c.mu.Unlock()
	c.metrics.RelayEvent(c.name, frame.Type)

	n := c.emitter.Emit(ctx, event.Notification{
		Source:     c.name,
		Type:       frame.Type,
		Content:    frame.Content,
		ReceivedAt: now,
	})
	if n == 0 {
		c.logger.Debug("Ignoring relay event with no handler", "type", frame.Type)
	}
}

func (c *Client) setConnected() {
	c.mu.Lock()
	c.status.State = StateConnected
	c.status.Connects++
	c.status.ConnectedAt = time.Now()
	c.status.LastError = ""
	c.mu.Unlock()
	c.metrics.RelayConnected(c.name, true)
	c.emitter.Emit(context.Background(), event.RelayStateEvent{Source: c.name, Connected: true})
}

func (c *Client) setDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.status.State == StateConnected
	c.status.State = StateDisconnected
	if err != nil {
		c.status.LastError = err.Error()
	}
	c.mu.Unlock()
	c.metrics.RelayConnected(c.name, false)
	if wasConnected {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		c.emitter.Emit(context.Background(), event.RelayStateEvent{Source: c.name, Error: msg})
	}
}
