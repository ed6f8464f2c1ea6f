package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/coderschool/tabot/pkg/utils"
)

// EventSink receives the gateway events the bot reacts to.
type EventSink interface {
	ThreadCreated(ctx context.Context, t Thread)
	MessageCreated(ctx context.Context, m Message)
	ReactionAdded(ctx context.Context, r Reaction)
}

// Session implements Platform on a discordgo gateway session.
type Session struct {
	dg     *discordgo.Session
	logger *slog.Logger
}

func NewSession(token string) (*Session, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Session{dg: dg, logger: utils.GetLogger()}, nil
}

// Bind routes gateway events to sink and interactions to components. It must
// be called before Open.
func (s *Session) Bind(ctx context.Context, sink EventSink, components *Components) {
	s.dg.AddHandler(func(_ *discordgo.Session, e *discordgo.ThreadCreate) {
		if !e.NewlyCreated {
			return
		}
		go sink.ThreadCreated(ctx, Thread{
			ID:         e.ID,
			ParentID:   e.ParentID,
			GuildID:    e.GuildID,
			Name:       e.Name,
			OwnerID:    e.OwnerID,
			AppliedTag: e.AppliedTags,
		})
	})
	s.dg.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageCreate) {
		go sink.MessageCreated(ctx, toMessage(e.Message))
	})
	s.dg.AddHandler(func(_ *discordgo.Session, e *discordgo.MessageReactionAdd) {
		r := Reaction{
			ChannelID: e.ChannelID,
			MessageID: e.MessageID,
			UserID:    e.UserID,
			Emoji:     e.Emoji.Name,
			GuildID:   e.GuildID,
		}
		if e.Member != nil && e.Member.User != nil {
			r.UserName = e.Member.User.Username
			r.UserBot = e.Member.User.Bot
		}
		go sink.ReactionAdded(ctx, r)
	})
	s.dg.AddHandler(func(_ *discordgo.Session, e *discordgo.InteractionCreate) {
		in := s.toInteraction(e.Interaction)
		if in == nil {
			return
		}
		go func() {
			if err := components.Dispatch(ctx, in); err != nil && !errors.Is(err, ErrNoComponentHandler) {
				s.logger.Error("Interaction handler failed", "customID", in.CustomID, "error", err)
			}
		}()
	})
}

func (s *Session) Open() error {
	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	s.logger.Info("Discord session opened", "user", s.BotUserID())
	return nil
}

func (s *Session) Close() error {
	return s.dg.Close()
}

func (s *Session) BotUserID() string {
	if s.dg.State == nil || s.dg.State.User == nil {
		return ""
	}
	return s.dg.State.User.ID
}

func (s *Session) Send(ctx context.Context, channelID string, msg OutboundMessage) (string, error) {
	m, err := s.dg.ChannelMessageSendComplex(channelID, toMessageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return m.ID, nil
}

func (s *Session) Edit(ctx context.Context, channelID, messageID, content string) error {
	components := []discordgo.MessageComponent{}
	_, err := s.dg.ChannelMessageEditComplex(&discordgo.MessageEdit{
		ID:         messageID,
		Channel:    channelID,
		Content:    &content,
		Components: &components,
	}, discordgo.WithContext(ctx))
	return mapError(err)
}

func (s *Session) DirectMessage(ctx context.Context, userID string, msg OutboundMessage) (string, error) {
	ch, err := s.dg.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return s.Send(ctx, ch.ID, msg)
}

func (s *Session) StartThread(ctx context.Context, channelID, messageID, name string) (string, error) {
	th, err := s.dg.MessageThreadStartComplex(channelID, messageID, &discordgo.ThreadStart{
		Name:                name,
		AutoArchiveDuration: 1440,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return th.ID, nil
}

func (s *Session) CreateForumPost(ctx context.Context, forumID, name string, msg OutboundMessage, tagIDs []string) (string, error) {
	th, err := s.dg.ForumThreadStartComplex(forumID, &discordgo.ThreadStart{
		Name:        name,
		AppliedTags: tagIDs,
	}, toMessageSend(msg), discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return th.ID, nil
}

func (s *Session) React(ctx context.Context, channelID, messageID, emoji string) error {
	return mapError(s.dg.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)))
}

func (s *Session) History(ctx context.Context, channelID string, limit int) ([]Message, error) {
	msgs, err := s.dg.ChannelMessages(channelID, limit, "", "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(m))
	}
	return out, nil
}

func (s *Session) TagName(ctx context.Context, forumID, tagID string) (string, error) {
	ch, err := s.dg.State.Channel(forumID)
	if err != nil {
		ch, err = s.dg.Channel(forumID, discordgo.WithContext(ctx))
		if err != nil {
			return "", mapError(err)
		}
	}
	for _, tag := range ch.AvailableTags {
		if tag.ID == tagID {
			return tag.Name, nil
		}
	}
	return "", ErrNotFound
}

func (s *Session) toInteraction(i *discordgo.Interaction) *Interaction {
	in := &Interaction{
		ChannelID: i.ChannelID,
		Responder: &interactionResponder{dg: s.dg, i: i},
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		in.UserID, in.UserName = i.Member.User.ID, i.Member.User.Username
	case i.User != nil:
		in.UserID, in.UserName = i.User.ID, i.User.Username
	}
	if i.Message != nil {
		in.MessageID = i.Message.ID
		in.MessageContent = i.Message.Content
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		in.Kind = InteractionButton
		in.CustomID = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		in.Kind = InteractionModal
		in.CustomID = data.CustomID
		in.Values = make(map[string]string)
		for _, row := range data.Components {
			ar, ok := row.(*discordgo.ActionsRow)
			if !ok {
				continue
			}
			for _, c := range ar.Components {
				if ti, ok := c.(*discordgo.TextInput); ok {
					in.Values[ti.CustomID] = ti.Value
				}
			}
		}
	default:
		return nil
	}
	return in
}

type interactionResponder struct {
	dg *discordgo.Session
	i  *discordgo.Interaction
}

func (r *interactionResponder) Ephemeral(ctx context.Context, content string) error {
	return mapError(r.dg.InteractionRespond(r.i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}, discordgo.WithContext(ctx)))
}

func (r *interactionResponder) OpenModal(ctx context.Context, modal Modal) error {
	rows := make([]discordgo.MessageComponent, 0, len(modal.Inputs))
	for _, in := range modal.Inputs {
		rows = append(rows, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.TextInput{
				CustomID:    in.CustomID,
				Label:       in.Label,
				Placeholder: in.Placeholder,
				Required:    in.Required,
				Style:       discordgo.TextInputParagraph,
			},
		}})
	}
	return mapError(r.dg.InteractionRespond(r.i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID:   modal.CustomID,
			Title:      modal.Title,
			Components: rows,
		},
	}, discordgo.WithContext(ctx)))
}

func (r *interactionResponder) Acknowledge(ctx context.Context) error {
	return mapError(r.dg.InteractionRespond(r.i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	}, discordgo.WithContext(ctx)))
}

func toMessage(m *discordgo.Message) Message {
	out := Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
		out.AuthorName = m.Author.Username
		out.AuthorBot = m.Author.Bot
	}
	if m.Member != nil {
		out.AuthorRoles = m.Member.Roles
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, Attachment{URL: a.URL, Filename: a.Filename, ContentType: a.ContentType})
	}
	return out
}

func toMessageSend(msg OutboundMessage) *discordgo.MessageSend {
	send := &discordgo.MessageSend{Content: msg.Content}
	if len(msg.Buttons) > 0 {
		buttons := make([]discordgo.MessageComponent, 0, len(msg.Buttons))
		for _, b := range msg.Buttons {
			buttons = append(buttons, discordgo.Button{
				Label:    b.Label,
				CustomID: b.CustomID,
				Style:    toButtonStyle(b.Style),
			})
		}
		send.Components = []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
	}
	for _, f := range msg.Files {
		send.Files = append(send.Files, &discordgo.File{Name: f.Name, ContentType: f.ContentType, Reader: f.Reader})
	}
	return send
}

func toButtonStyle(s ButtonStyle) discordgo.ButtonStyle {
	switch s {
	case ButtonSuccess:
		return discordgo.SuccessButton
	case ButtonDanger:
		return discordgo.DangerButton
	case ButtonSecondary:
		return discordgo.SecondaryButton
	default:
		return discordgo.PrimaryButton
	}
}

// mapError folds REST errors onto the package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		if rest.Message != nil && rest.Message.Code == discordgo.ErrCodeCannotSendMessagesToThisUser {
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}
