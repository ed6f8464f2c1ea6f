package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/coderschool/tabot/pkg/discord"
	"github.com/coderschool/tabot/pkg/event"
	"github.com/coderschool/tabot/pkg/utils"
)

const (
	acceptPrefix       = "accept_"
	returnPrefix       = "return_"
	returnReasonPrefix = "return_reason_"
	helpPrefix         = "help_"
	reasonInputID      = "reason"

	dmFailedText        = "Could not send DM. Please check your privacy settings."
	acceptedText        = "Submission accepted successfully"
	helpClaimedText     = "Help request claimed successfully"
	returnedText        = "Submission returned"
	defaultGradingURL   = "https://nauqh.dev"
	maxThreadNameLength = 100
)

// NotificationOptions wires the relay handlers to their destinations.
type NotificationOptions struct {
	Platform            discord.Platform
	Components          *discord.Components
	SubmissionChannelID string
	HelpChannelID       string
	BroadcastChannelID  string
	GradingURL          string
	// TempDir holds decoded attachments while they upload. Empty uses the
	// system temp dir.
	TempDir string
}

type reviewKind int

const (
	reviewSubmission reviewKind = iota + 1
	reviewHelp
)

// reviewItem is a posted notification waiting for a TA.
type reviewItem struct {
	kind       reviewKind
	channelID  string
	messageID  string
	content    string
	submission event.SubmissionPayload
	help       event.HelpRequestPayload
}

// NotificationService turns relay notifications into Discord messages and
// handles the buttons on them.
type NotificationService struct {
	platform   discord.Platform
	components *discord.Components
	opts       NotificationOptions
	logger     *slog.Logger

	mu    sync.RWMutex
	items map[string]*reviewItem // button key or message id -> item
}

func NewNotificationService(opts NotificationOptions) *NotificationService {
	if opts.GradingURL == "" {
		opts.GradingURL = defaultGradingURL
	}
	if opts.Components == nil {
		opts.Components = discord.NewComponents()
	}
	s := &NotificationService{
		platform:   opts.Platform,
		components: opts.Components,
		opts:       opts,
		logger:     utils.GetLogger(),
		items:      make(map[string]*reviewItem),
	}
	s.components.RegisterPrefix(acceptPrefix, s.onAccept)
	s.components.RegisterPrefix(returnPrefix, s.onReturn)
	s.components.RegisterPrefix(returnReasonPrefix, s.onReturnReason)
	s.components.RegisterPrefix(helpPrefix, s.onHelp)
	return s
}

// Subscribe attaches the handlers to emitter and returns an unsubscribe func.
func (s *NotificationService) Subscribe(emitter *event.Emitter) func() {
	offs := []func(){
		emitter.On(event.Submission, s.listen(s.HandleSubmission)),
		emitter.On(event.HelpRequest, s.listen(s.HandleHelpRequest)),
		emitter.On(event.NewSubmission, s.listen(s.HandleNewSubmission)),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (s *NotificationService) listen(fn func(context.Context, event.Notification) error) event.Listener {
	return func(ctx context.Context, ev event.Event) {
		n, ok := ev.(event.Notification)
		if !ok {
			return
		}
		if err := fn(ctx, n); err != nil {
			s.logger.Error("Failed to handle notification", "type", n.Type, "source", n.Source, "error", err)
		}
	}
}

// HandleSubmission posts the review message with Accept and Return buttons
// and uploads any embedded files into a thread under it.
func (s *NotificationService) HandleSubmission(ctx context.Context, n event.Notification) error {
	var p event.SubmissionPayload
	if err := n.Decode(&p); err != nil {
		return err
	}

	key := uuid.NewString()
	content := fmt.Sprintf("@everyone\n- Exam: %s\n- Email: %s\n- Urls: %s", p.ExamName, p.Email, s.urls(p.URLs))
	msgID, err := s.platform.Send(ctx, s.opts.SubmissionChannelID, discord.OutboundMessage{
		Content: content,
		Buttons: []discord.Button{
			{Label: "Accept", CustomID: acceptPrefix + key, Style: discord.ButtonSuccess},
			{Label: "Return", CustomID: returnPrefix + key, Style: discord.ButtonDanger},
		},
	})
	if err != nil {
		return fmt.Errorf("post submission: %w", err)
	}
	s.track(key, &reviewItem{
		kind:       reviewSubmission,
		channelID:  s.opts.SubmissionChannelID,
		messageID:  msgID,
		content:    content,
		submission: p,
	})

	files := p.InlineFiles()
	if len(files) == 0 {
		return nil
	}
	name := truncate(fmt.Sprintf("%s - %s", p.ExamName, p.Email), maxThreadNameLength)
	threadID, err := s.platform.StartThread(ctx, s.opts.SubmissionChannelID, msgID, name)
	if err != nil {
		return fmt.Errorf("start submission thread: %w", err)
	}
	return s.uploadInlineFiles(ctx, threadID, files)
}

// HandleHelpRequest posts a help request with a single claim button.
func (s *NotificationService) HandleHelpRequest(ctx context.Context, n event.Notification) error {
	var p event.HelpRequestPayload
	if err := n.Decode(&p); err != nil {
		return err
	}

	key := uuid.NewString()
	content := fmt.Sprintf("@everyone\n**Help request**\n- Exam: %s\n- Email: %s", p.ExamName, p.Email)
	if p.Question != "" {
		content += "\n- Question: " + p.Question
	}
	if p.Message != "" {
		content += "\n- Message: " + p.Message
	}
	msgID, err := s.platform.Send(ctx, s.helpChannel(), discord.OutboundMessage{
		Content: content,
		Buttons: []discord.Button{{Label: "Help", CustomID: helpPrefix + key, Style: discord.ButtonPrimary}},
	})
	if err != nil {
		return fmt.Errorf("post help request: %w", err)
	}
	s.track(key, &reviewItem{
		kind:      reviewHelp,
		channelID: s.helpChannel(),
		messageID: msgID,
		content:   content,
		help:      p,
	})
	return nil
}

// HandleNewSubmission posts a broadcast notice without any buttons.
func (s *NotificationService) HandleNewSubmission(ctx context.Context, n event.Notification) error {
	var p event.NewSubmissionPayload
	if err := n.Decode(&p); err != nil {
		return err
	}
	content := fmt.Sprintf("New submission received\n- Exam: %s\n- Email: %s", p.ExamName, p.Email)
	if p.Count > 0 {
		content += fmt.Sprintf("\n- Pending submissions: %d", p.Count)
	}
	channel := s.opts.BroadcastChannelID
	if channel == "" {
		channel = s.opts.SubmissionChannelID
	}
	if _, err := s.platform.Send(ctx, channel, discord.OutboundMessage{Content: content}); err != nil {
		return fmt.Errorf("post new submission notice: %w", err)
	}
	return nil
}

func (s *NotificationService) onAccept(ctx context.Context, in *discord.Interaction) error {
	item := s.lookup(strings.TrimPrefix(in.CustomID, acceptPrefix))
	if item == nil {
		return in.Ephemeral(ctx, "This submission is no longer available.")
	}
	if owner, ok := s.components.Claim(item.messageID, in.UserID); !ok {
		return in.Ephemeral(ctx, fmt.Sprintf("This submission has already been claimed by <@%s>.", owner))
	}

	p := item.submission
	_, err := s.platform.DirectMessage(ctx, in.UserID, discord.OutboundMessage{
		Content: fmt.Sprintf("Grading assignment:\n- Exam: %s\n- Email: %s\n- Urls: %s", p.ExamName, p.Email, s.urls(p.URLs)),
		Buttons: []discord.Button{{Label: "Return", CustomID: returnPrefix + item.messageID, Style: discord.ButtonDanger}},
	})
	if err != nil {
		s.components.Release(item.messageID)
		if errors.Is(err, discord.ErrForbidden) {
			return in.Ephemeral(ctx, dmFailedText)
		}
		return fmt.Errorf("dm grading assignment: %w", err)
	}

	if err := s.platform.Edit(ctx, item.channelID, item.messageID, fmt.Sprintf("%s\n**Accepted by TA %s**", item.content, in.Mention())); err != nil {
		s.logger.Warn("Failed to mark submission accepted", "messageID", item.messageID, "error", err)
	}
	s.logger.Info("Submission accepted", "exam", p.ExamName, "ta", in.UserID)
	return in.Ephemeral(ctx, acceptedText)
}

func (s *NotificationService) onReturn(ctx context.Context, in *discord.Interaction) error {
	item := s.lookup(strings.TrimPrefix(in.CustomID, returnPrefix))
	if item == nil {
		return in.Ephemeral(ctx, "This submission is no longer available.")
	}
	if owner, ok := s.components.Claim(item.messageID, in.UserID); !ok && owner != in.UserID {
		return in.Ephemeral(ctx, fmt.Sprintf("This submission has already been claimed by <@%s>.", owner))
	}
	return in.OpenModal(ctx, discord.Modal{
		CustomID: returnReasonPrefix + item.messageID,
		Title:    "Return Submission",
		Inputs: []discord.TextInput{{
			CustomID:    reasonInputID,
			Label:       "Reason for return",
			Placeholder: "Enter reason for returning the submission",
			Required:    true,
		}},
	})
}

func (s *NotificationService) onReturnReason(ctx context.Context, in *discord.Interaction) error {
	item := s.lookup(strings.TrimPrefix(in.CustomID, returnReasonPrefix))
	if item == nil {
		return in.Ephemeral(ctx, "This submission is no longer available.")
	}
	reason := strings.TrimSpace(in.Values[reasonInputID])
	p := item.submission

	_, err := s.platform.DirectMessage(ctx, in.UserID, discord.OutboundMessage{
		Content: fmt.Sprintf("Submission returned:\n- Exam: %s\n- Email: %s\n- Reason: %s", p.ExamName, p.Email, reason),
	})
	if err != nil && !errors.Is(err, discord.ErrForbidden) {
		return fmt.Errorf("dm return reason: %w", err)
	}

	content := fmt.Sprintf("%s\n**Returned by TA %s**\nReason: %s", item.content, in.Mention(), reason)
	if err := s.platform.Edit(ctx, item.channelID, item.messageID, content); err != nil {
		return fmt.Errorf("mark submission returned: %w", err)
	}
	s.forget(item)
	s.logger.Info("Submission returned", "exam", p.ExamName, "ta", in.UserID)
	return in.Ephemeral(ctx, returnedText)
}

func (s *NotificationService) onHelp(ctx context.Context, in *discord.Interaction) error {
	item := s.lookup(strings.TrimPrefix(in.CustomID, helpPrefix))
	if item == nil {
		return in.Ephemeral(ctx, "This help request is no longer available.")
	}
	if owner, ok := s.components.Claim(item.messageID, in.UserID); !ok {
		return in.Ephemeral(ctx, fmt.Sprintf("This help request has already been claimed by <@%s>.", owner))
	}

	p := item.help
	dm := fmt.Sprintf("Help request:\n- Exam: %s\n- Email: %s", p.ExamName, p.Email)
	if p.Question != "" {
		dm += "\n- Question: " + p.Question
	}
	if p.Message != "" {
		dm += "\n- Message: " + p.Message
	}
	if _, err := s.platform.DirectMessage(ctx, in.UserID, discord.OutboundMessage{Content: dm}); err != nil {
		s.components.Release(item.messageID)
		if errors.Is(err, discord.ErrForbidden) {
			return in.Ephemeral(ctx, dmFailedText)
		}
		return fmt.Errorf("dm help request: %w", err)
	}
	if err := s.platform.Edit(ctx, item.channelID, item.messageID, fmt.Sprintf("%s\n**Claimed by TA %s**", item.content, in.Mention())); err != nil {
		s.logger.Warn("Failed to mark help request claimed", "messageID", item.messageID, "error", err)
	}
	return in.Ephemeral(ctx, helpClaimedText)
}

// uploadInlineFiles decodes every payload to a temp file, posts them to
// channelID in one message and removes the temp files on every path.
func (s *NotificationService) uploadInlineFiles(ctx context.Context, channelID string, files []event.InlineFile) error {
	var paths []string
	defer func() {
		for _, p := range paths {
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				s.logger.Warn("Failed to remove temp file", "path", p, "error", rmErr)
			}
		}
	}()

	var out []discord.File
	for _, f := range files {
		path, name, ctype, mErr := materialize(s.opts.TempDir, f)
		if path != "" {
			paths = append(paths, path)
		}
		if mErr != nil {
			s.logger.Warn("Skipping undecodable attachment", "name", f.Name, "error", mErr)
			continue
		}
		fh, oErr := os.Open(path)
		if oErr != nil {
			return fmt.Errorf("open temp file: %w", oErr)
		}
		defer fh.Close()
		out = append(out, discord.File{Name: name, ContentType: ctype, Reader: fh})
	}
	if len(out) == 0 {
		return nil
	}

	names := lo.Map(out, func(f discord.File, _ int) string { return f.Name })
	if _, err := s.platform.Send(ctx, channelID, discord.OutboundMessage{Content: "Attached files:", Files: out}); err != nil {
		return &UploadError{Source: strings.Join(names, ", "), Err: err}
	}
	s.logger.Info("Uploaded submission files", "thread", channelID, "files", names)
	return nil
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// materialize writes one base64 payload to a temp file. The returned path is
// set whenever a file was created, even on error, so the caller can clean up.
func materialize(dir string, f event.InlineFile) (path, name, contentType string, err error) {
	data, err := decodeInline(f.Data)
	if err != nil {
		return "", "", "", err
	}
	mt := mimetype.Detect(data)

	name = unsafeFileChars.ReplaceAllString(filepath.Base(f.Name), "_")
	if name == "" || name == "." || name == "_" {
		name = "attachment"
	}
	if filepath.Ext(name) == "" {
		name += mt.Extension()
	}

	tmp, err := os.CreateTemp(dir, "tabot-*-"+name)
	if err != nil {
		return "", "", "", fmt.Errorf("create temp file: %w", err)
	}
	path = tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return path, "", "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return path, "", "", fmt.Errorf("close temp file: %w", err)
	}
	return path, name, mt.String(), nil
}

func decodeInline(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+len(";base64,"):]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty payload")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}

func (s *NotificationService) urls(urls []string) string {
	if len(urls) == 0 {
		return s.opts.GradingURL
	}
	return strings.Join(urls, ", ")
}

func (s *NotificationService) helpChannel() string {
	if s.opts.HelpChannelID != "" {
		return s.opts.HelpChannelID
	}
	return s.opts.SubmissionChannelID
}

func (s *NotificationService) track(key string, item *reviewItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = item
	s.items[item.messageID] = item
}

func (s *NotificationService) lookup(key string) *reviewItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

func (s *NotificationService) forget(item *reviewItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.items {
		if v == item {
			delete(s.items, k)
		}
	}
	s.components.Release(item.messageID)
}

// Pending returns how many notifications still wait for a TA.
func (s *NotificationService) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(lo.Uniq(lo.Values(s.items)))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
