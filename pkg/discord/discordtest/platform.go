// Package discordtest provides an in-memory discord.Platform for tests.
package discordtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/coderschool/tabot/pkg/discord"
)

// SentFile is a file as it was read at send time.
type SentFile struct {
	Name        string
	ContentType string
	Data        []byte
}

type Sent struct {
	ChannelID string
	MessageID string
	Content   string
	Buttons   []discord.Button
	Files     []SentFile
}

type Edit struct {
	ChannelID string
	MessageID string
	Content   string
}

type Thread struct {
	ParentID  string
	MessageID string
	Name      string
	TagIDs    []string
}

// Platform records every call. Set the *Err fields to make calls fail.
type Platform struct {
	mu sync.Mutex

	BotID    string
	Messages map[string][]discord.Message // channel -> newest first
	Tags     map[string]string            // tag id -> name

	SendErr     error
	SendFileErr error
	DMErr       error
	EditErr     error

	Sent      []Sent
	DMs       map[string][]Sent
	Edits     []Edit
	Threads   []Thread
	Reactions []string
	nextID    int
}

func NewPlatform() *Platform {
	return &Platform{
		BotID:    "bot",
		Messages: make(map[string][]discord.Message),
		Tags:     make(map[string]string),
		DMs:      make(map[string][]Sent),
	}
}

func (p *Platform) id(prefix string) string {
	p.nextID++
	return fmt.Sprintf("%s-%d", prefix, p.nextID)
}

func (p *Platform) record(channelID string, msg discord.OutboundMessage) (Sent, error) {
	s := Sent{ChannelID: channelID, Content: msg.Content, Buttons: msg.Buttons}
	for _, f := range msg.Files {
		data, err := io.ReadAll(f.Reader)
		if err != nil {
			return s, err
		}
		s.Files = append(s.Files, SentFile{Name: f.Name, ContentType: f.ContentType, Data: data})
	}
	return s, nil
}

func (p *Platform) Send(_ context.Context, channelID string, msg discord.OutboundMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SendErr != nil {
		return "", p.SendErr
	}
	if len(msg.Files) > 0 && p.SendFileErr != nil {
		return "", p.SendFileErr
	}
	s, err := p.record(channelID, msg)
	if err != nil {
		return "", err
	}
	s.MessageID = p.id("msg")
	p.Sent = append(p.Sent, s)
	p.Messages[channelID] = append([]discord.Message{{
		ID: s.MessageID, ChannelID: channelID, AuthorID: p.BotID, AuthorBot: true, Content: msg.Content,
	}}, p.Messages[channelID]...)
	return s.MessageID, nil
}

func (p *Platform) Edit(_ context.Context, channelID, messageID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EditErr != nil {
		return p.EditErr
	}
	p.Edits = append(p.Edits, Edit{ChannelID: channelID, MessageID: messageID, Content: content})
	return nil
}

func (p *Platform) DirectMessage(_ context.Context, userID string, msg discord.OutboundMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DMErr != nil {
		return "", p.DMErr
	}
	s, err := p.record("dm-"+userID, msg)
	if err != nil {
		return "", err
	}
	s.MessageID = p.id("dm")
	p.DMs[userID] = append(p.DMs[userID], s)
	return s.MessageID, nil
}

func (p *Platform) StartThread(_ context.Context, channelID, messageID, name string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Threads = append(p.Threads, Thread{ParentID: channelID, MessageID: messageID, Name: name})
	return p.id("thread"), nil
}

func (p *Platform) CreateForumPost(_ context.Context, forumID, name string, msg discord.OutboundMessage, tagIDs []string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.record(forumID, msg)
	if err != nil {
		return "", err
	}
	id := p.id("post")
	s.MessageID = id
	p.Sent = append(p.Sent, s)
	p.Threads = append(p.Threads, Thread{ParentID: forumID, Name: name, TagIDs: tagIDs})
	return id, nil
}

func (p *Platform) React(_ context.Context, channelID, messageID, emoji string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reactions = append(p.Reactions, emoji)
	return nil
}

func (p *Platform) History(_ context.Context, channelID string, limit int) ([]discord.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.Messages[channelID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return append([]discord.Message(nil), msgs...), nil
}

func (p *Platform) TagName(_ context.Context, _, tagID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.Tags[tagID]
	if !ok {
		return "", discord.ErrNotFound
	}
	return name, nil
}

func (p *Platform) BotUserID() string { return p.BotID }

// Post seeds a message as if a user sent it, newest first.
func (p *Platform) Post(m discord.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages[m.ChannelID] = append([]discord.Message{m}, p.Messages[m.ChannelID]...)
}

// SentTo returns the messages sent to channelID in send order.
func (p *Platform) SentTo(channelID string) []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Sent
	for _, s := range p.Sent {
		if s.ChannelID == channelID {
			out = append(out, s)
		}
	}
	return out
}

// Responder records interaction replies.
type Responder struct {
	Ephemerals []string
	Modals     []discord.Modal
	Acks       int
}

func (r *Responder) Ephemeral(_ context.Context, content string) error {
	r.Ephemerals = append(r.Ephemerals, content)
	return nil
}

func (r *Responder) OpenModal(_ context.Context, modal discord.Modal) error {
	r.Modals = append(r.Modals, modal)
	return nil
}

func (r *Responder) Acknowledge(context.Context) error {
	r.Acks++
	return nil
}

// Click builds a button interaction from userID.
func Click(customID, userID string) (*discord.Interaction, *Responder) {
	r := &Responder{}
	return &discord.Interaction{Kind: discord.InteractionButton, CustomID: customID, UserID: userID, Responder: r}, r
}

// Submit builds a modal submission from userID.
func Submit(customID, userID string, values map[string]string) (*discord.Interaction, *Responder) {
	r := &Responder{}
	return &discord.Interaction{Kind: discord.InteractionModal, CustomID: customID, UserID: userID, Values: values, Responder: r}, r
}
