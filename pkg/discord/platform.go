// Package discord is the chat platform boundary. Services talk to the
// Platform interface; Session implements it on top of discordgo.
package discord

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrForbidden is returned when the platform refuses the action, most
	// often a DM to a user who has them disabled.
	ErrForbidden = errors.New("forbidden by chat platform")
	ErrNotFound  = errors.New("not found on chat platform")
)

type ButtonStyle int

const (
	ButtonPrimary ButtonStyle = iota + 1
	ButtonSecondary
	ButtonSuccess
	ButtonDanger
)

type Button struct {
	Label    string
	CustomID string
	Style    ButtonStyle
}

type File struct {
	Name        string
	ContentType string
	Reader      io.Reader
}

// OutboundMessage is everything the bot can put in a single message.
type OutboundMessage struct {
	Content string
	Buttons []Button
	Files   []File
}

type Attachment struct {
	URL         string
	Filename    string
	ContentType string
}

type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	AuthorBot   bool
	AuthorRoles []string
	Content     string
	Attachments []Attachment
}

// Thread describes a newly created thread or forum post.
type Thread struct {
	ID         string
	ParentID   string
	GuildID    string
	Name       string
	OwnerID    string
	AppliedTag []string
}

type Reaction struct {
	ChannelID string
	MessageID string
	UserID    string
	UserName  string
	UserBot   bool
	Emoji     string
	GuildID   string
}

// Platform is the subset of the chat platform the bot needs.
type Platform interface {
	Send(ctx context.Context, channelID string, msg OutboundMessage) (string, error)
	// Edit replaces the message text and removes its components.
	Edit(ctx context.Context, channelID, messageID, content string) error
	DirectMessage(ctx context.Context, userID string, msg OutboundMessage) (string, error)
	StartThread(ctx context.Context, channelID, messageID, name string) (string, error)
	CreateForumPost(ctx context.Context, forumID, name string, msg OutboundMessage, tagIDs []string) (string, error)
	React(ctx context.Context, channelID, messageID, emoji string) error
	// History returns up to limit messages, newest first.
	History(ctx context.Context, channelID string, limit int) ([]Message, error)
	TagName(ctx context.Context, forumID, tagID string) (string, error)
	BotUserID() string
}
