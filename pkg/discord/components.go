package discord

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/coderschool/tabot/pkg/utils"
)

var ErrNoComponentHandler = errors.New("no handler for component")

type InteractionKind int

const (
	InteractionButton InteractionKind = iota + 1
	InteractionModal
)

// TextInput is a single paragraph field in a modal.
type TextInput struct {
	CustomID    string
	Label       string
	Placeholder string
	Required    bool
}

type Modal struct {
	CustomID string
	Title    string
	Inputs   []TextInput
}

// Responder answers an interaction. Exactly one response is allowed.
type Responder interface {
	Ephemeral(ctx context.Context, content string) error
	OpenModal(ctx context.Context, modal Modal) error
	// Acknowledge defers without a visible reply.
	Acknowledge(ctx context.Context) error
}

// Interaction is a button click or modal submission.
type Interaction struct {
	Kind           InteractionKind
	CustomID       string
	ChannelID      string
	MessageID      string
	MessageContent string
	UserID         string
	UserName       string
	Values         map[string]string
	Responder
}

// Mention formats the acting user for message text.
func (i *Interaction) Mention() string {
	return "<@" + i.UserID + ">"
}

type ComponentHandler func(ctx context.Context, in *Interaction) error

type prefixHandler struct {
	prefix string
	fn     ComponentHandler
}

// Components routes interactions by custom id. Handlers are registered for
// an exact id, or for a prefix such as "return_" whose suffix carries a key.
// It also records claims so only the first user to act on an item wins.
type Components struct {
	mu       sync.RWMutex
	exact    map[string]ComponentHandler
	prefixes []prefixHandler
	claims   map[string]string
	logger   *slog.Logger
}

func NewComponents() *Components {
	return &Components{
		exact:  make(map[string]ComponentHandler),
		claims: make(map[string]string),
		logger: utils.GetLogger(),
	}
}

func (c *Components) Register(customID string, fn ComponentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exact[customID] = fn
}

func (c *Components) RegisterPrefix(prefix string, fn ComponentHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixes = append(c.prefixes, prefixHandler{prefix: prefix, fn: fn})
	// longest prefix first
	sort.SliceStable(c.prefixes, func(i, j int) bool {
		return len(c.prefixes[i].prefix) > len(c.prefixes[j].prefix)
	})
}

func (c *Components) Unregister(customIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range customIDs {
		delete(c.exact, id)
	}
}

func (c *Components) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.exact) + len(c.prefixes)
}

// Dispatch runs the handler bound to in.CustomID.
func (c *Components) Dispatch(ctx context.Context, in *Interaction) error {
	c.mu.RLock()
	fn, ok := c.exact[in.CustomID]
	if !ok {
		for _, p := range c.prefixes {
			if strings.HasPrefix(in.CustomID, p.prefix) {
				fn, ok = p.fn, true
				break
			}
		}
	}
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug("Interaction without handler", "customID", in.CustomID)
		return ErrNoComponentHandler
	}
	return fn(ctx, in)
}

// Claim records userID as the owner of key. It returns the owner and whether
// this call made the claim.
func (c *Components) Claim(key, userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.claims[key]; ok {
		return owner, false
	}
	c.claims[key] = userID
	return userID, true
}

// Release forgets a claim, e.g. after the claimed item is returned.
func (c *Components) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
}
