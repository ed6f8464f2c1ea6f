package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/coderschool/tabot/pkg/config"
	"github.com/coderschool/tabot/pkg/discord"
	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/service"
)

const (
	codeReviewTag    = "Code review"
	codeReviewPrefix = "Please review the following code:\n\n"
	historyLimit     = 100
	maxMessageLength = 2000
	turnFailedText   = "Sorry, I could not answer this right now. A TA will take a look."
)

var ratingEmojis = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣"}

// TurnRunner is the part of the run driver the question handlers need.
type TurnRunner interface {
	Ask(ctx context.Context, req service.TurnRequest) (*models.Answer, error)
	HasConversation(localID string) bool
}

type QuestionHandlerOptions struct {
	Platform          discord.Platform
	Runner            TurnRunner
	Centers           map[string]config.QuestionCenter
	FeedbackChannelID string
	Mirrors           []config.ForumMirror
	// DedupSize bounds the set of handled message ids.
	DedupSize int
	Logger    *slog.Logger
}

// QuestionHandler answers learner posts in the question-center forums.
type QuestionHandler struct {
	platform discord.Platform
	runner   TurnRunner
	centers  map[string]config.QuestionCenter // forum id -> center
	taRoles  []string
	feedback string
	mirrors  []config.ForumMirror
	handled  *lru.Cache[string, struct{}]
	prompts  *lru.Cache[string, string] // feedback prompt id -> thread id
	Logger   *slog.Logger
}

func NewQuestionHandler(opts QuestionHandlerOptions) (*QuestionHandler, error) {
	if opts.DedupSize <= 0 {
		opts.DedupSize = 4096
	}
	handled, err := lru.New[string, struct{}](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	prompts, err := lru.New[string, string](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("create prompt cache: %w", err)
	}
	centers := make(map[string]config.QuestionCenter, len(opts.Centers))
	for _, qc := range opts.Centers {
		centers[qc.ForumID] = qc
	}
	roles := lo.Uniq(lo.Compact(lo.MapToSlice(centers, func(_ string, qc config.QuestionCenter) string { return qc.TARoleID })))
	return &QuestionHandler{
		platform: opts.Platform,
		runner:   opts.Runner,
		centers:  centers,
		taRoles:  roles,
		feedback: opts.FeedbackChannelID,
		mirrors:  opts.Mirrors,
		handled:  handled,
		prompts:  prompts,
		Logger:   lo.Ternary(opts.Logger != nil, opts.Logger, slog.Default()),
	}, nil
}

// ThreadCreated answers the opening message of a new question-center post
// and mirrors posts from configured source forums.
func (h *QuestionHandler) ThreadCreated(ctx context.Context, t discord.Thread) {
	h.mirror(ctx, t)

	center, ok := h.centers[t.ParentID]
	if !ok {
		return
	}
	first, err := h.firstMessage(ctx, t.ID)
	if err != nil {
		h.Logger.Error("Failed to read opening message", "thread", t.ID, "error", err)
		return
	}
	if _, seen, _ := h.handled.PeekOrAdd(first.ID, struct{}{}); seen {
		return
	}

	text := first.Content
	if len(t.AppliedTag) > 0 {
		if name, err := h.platform.TagName(ctx, t.ParentID, t.AppliedTag[0]); err == nil && name == codeReviewTag {
			text = codeReviewPrefix + text
		}
	}
	images, files := partitionAttachments(first.Attachments)

	answer, err := h.runner.Ask(ctx, service.TurnRequest{
		LocalID:   t.ID,
		Text:      text,
		ForumID:   t.ParentID,
		ImageURLs: images,
		FileURLs:  files,
	})
	if err != nil {
		h.turnFailed(ctx, t.ID, center, err)
		return
	}
	if _, err := h.platform.Send(ctx, t.ID, discord.OutboundMessage{Content: clip(answer.Text)}); err != nil {
		h.Logger.Error("Failed to send answer", "thread", t.ID, "error", err)
		return
	}
	h.Logger.Info("Answered new question", "thread", t.ID, "forum", t.ParentID, "citations", answer.Citations)
}

// MessageCreated runs one follow-up turn when the learner replies to the
// bot's first answer, then asks for a rating.
func (h *QuestionHandler) MessageCreated(ctx context.Context, m discord.Message) {
	bot := h.platform.BotUserID()
	if m.AuthorBot || m.AuthorID == bot {
		return
	}
	if !h.runner.HasConversation(m.ChannelID) {
		return
	}
	if lo.Some(m.AuthorRoles, h.taRoles) {
		return
	}
	if _, seen, _ := h.handled.PeekOrAdd(m.ID, struct{}{}); seen {
		h.Logger.Debug("Dropping duplicate message delivery", "message", m.ID)
		return
	}

	history, err := h.platform.History(ctx, m.ChannelID, historyLimit)
	if err != nil {
		h.Logger.Error("Failed to read thread history", "thread", m.ChannelID, "error", err)
		return
	}
	if len(history) <= 1 {
		return
	}
	if botReplies := lo.CountBy(history, func(x discord.Message) bool { return x.AuthorID == bot }); botReplies != 1 {
		return
	}

	images, files := partitionAttachments(m.Attachments)
	answer, err := h.runner.Ask(ctx, service.TurnRequest{
		LocalID:   m.ChannelID,
		Text:      m.Content,
		ImageURLs: images,
		FileURLs:  files,
	})
	if err != nil {
		h.turnFailed(ctx, m.ChannelID, config.QuestionCenter{}, err)
		return
	}

	latest, err := h.platform.History(ctx, m.ChannelID, 1)
	if err == nil && len(latest) > 0 && latest[0].AuthorID == bot {
		h.Logger.Warn("Skipping follow-up, thread already has a newer bot reply", "thread", m.ChannelID)
		return
	}
	if _, err := h.platform.Send(ctx, m.ChannelID, discord.OutboundMessage{Content: clip(answer.Text)}); err != nil {
		h.Logger.Error("Failed to send follow-up", "thread", m.ChannelID, "error", err)
		return
	}

	prompt := fmt.Sprintf("<@%s> How helpful was this response? React with 1️⃣ to 5️⃣ to rate it.", m.AuthorID)
	promptID, err := h.platform.Send(ctx, m.ChannelID, discord.OutboundMessage{Content: prompt})
	if err != nil {
		h.Logger.Error("Failed to send feedback prompt", "thread", m.ChannelID, "error", err)
		return
	}
	h.prompts.Add(promptID, m.ChannelID)
	for _, emoji := range ratingEmojis {
		if err := h.platform.React(ctx, m.ChannelID, promptID, emoji); err != nil {
			h.Logger.Warn("Failed to add rating reaction", "emoji", emoji, "error", err)
		}
	}
}

// ReactionAdded forwards learner ratings to the feedback channel.
func (h *QuestionHandler) ReactionAdded(ctx context.Context, r discord.Reaction) {
	if r.UserBot || r.UserID == h.platform.BotUserID() || h.feedback == "" {
		return
	}
	score := lo.IndexOf(ratingEmojis, r.Emoji) + 1
	if score == 0 {
		return
	}
	if _, ok := h.prompts.Get(r.MessageID); !ok {
		return
	}
	name := r.UserName
	if name == "" {
		name = "<@" + r.UserID + ">"
	}
	link := fmt.Sprintf("https://discord.com/channels/%s/%s", r.GuildID, r.ChannelID)
	content := fmt.Sprintf("`%s` rated the response with a score of %d in thread %s", name, score, link)
	if _, err := h.platform.Send(ctx, h.feedback, discord.OutboundMessage{Content: content}); err != nil {
		h.Logger.Error("Failed to post rating", "thread", r.ChannelID, "error", err)
	}
}

func (h *QuestionHandler) mirror(ctx context.Context, t discord.Thread) {
	for _, m := range h.mirrors {
		if !lo.Contains(m.SourceForumIDs, t.ParentID) || m.TargetForumID == "" {
			continue
		}
		first, err := h.firstMessage(ctx, t.ID)
		if err != nil {
			h.Logger.Error("Failed to read post to mirror", "thread", t.ID, "error", err)
			return
		}
		content := first.Content
		for _, a := range first.Attachments {
			content += "\n" + a.URL
		}
		if _, err := h.platform.CreateForumPost(ctx, m.TargetForumID, t.Name, discord.OutboundMessage{Content: clip(content)}, m.TagIDs); err != nil {
			h.Logger.Error("Failed to mirror post", "thread", t.ID, "target", m.TargetForumID, "error", err)
			continue
		}
		h.Logger.Info("Mirrored post", "thread", t.ID, "target", m.TargetForumID)
	}
}

func (h *QuestionHandler) firstMessage(ctx context.Context, threadID string) (discord.Message, error) {
	history, err := h.platform.History(ctx, threadID, historyLimit)
	if err != nil {
		return discord.Message{}, err
	}
	if len(history) == 0 {
		return discord.Message{}, discord.ErrNotFound
	}
	return history[len(history)-1], nil
}

func (h *QuestionHandler) turnFailed(ctx context.Context, threadID string, center config.QuestionCenter, err error) {
	h.Logger.Error("Turn failed", "thread", threadID, "error", err)
	if _, sendErr := h.platform.Send(ctx, threadID, discord.OutboundMessage{Content: turnFailedText}); sendErr != nil {
		h.Logger.Error("Failed to send turn failure notice", "thread", threadID, "error", sendErr)
	}
	if center.StaffChannelID == "" {
		return
	}
	alert := fmt.Sprintf("<@&%s> the assistant could not answer <#%s>: %v", center.TARoleID, threadID, err)
	if _, sendErr := h.platform.Send(ctx, center.StaffChannelID, discord.OutboundMessage{Content: alert}); sendErr != nil {
		h.Logger.Error("Failed to alert staff", "channel", center.StaffChannelID, "error", sendErr)
	}
}

// partitionAttachments splits attachments into image URLs and file URLs.
func partitionAttachments(atts []discord.Attachment) (images, files []string) {
	img, other := lo.FilterReject(atts, func(a discord.Attachment, _ int) bool {
		return strings.HasPrefix(a.ContentType, "image/")
	})
	url := func(a discord.Attachment, _ int) string { return a.URL }
	return lo.Map(img, url), lo.Map(other, url)
}

// clip keeps a message within the platform length limit.
func clip(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageLength {
		return s
	}
	return string(r[:maxMessageLength-1]) + "…"
}
