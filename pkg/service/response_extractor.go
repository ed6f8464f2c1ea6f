package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/coderschool/tabot/pkg/models"
	"github.com/coderschool/tabot/pkg/utils"
)

// FileResolver looks up uploaded file metadata.
type FileResolver interface {
	RetrieveFile(ctx context.Context, fileID string) (*models.FileInfo, error)
}

// ResponseExtractor turns run output into displayable text plus the names of
// the cited files.
type ResponseExtractor struct {
	files  FileResolver
	logger *slog.Logger
}

func NewResponseExtractor(files FileResolver) *ResponseExtractor {
	return &ResponseExtractor{files: files, logger: utils.GetLogger()}
}

// Extract takes the first text block of the newest message, removes every
// annotation marker from it and resolves file citations to filenames.
// An advisory result, or output without a text block, is passed through
// with no citations.
func (x *ResponseExtractor) Extract(ctx context.Context, res *RunResult) *models.Answer {
	if res == nil {
		return &models.Answer{}
	}
	if res.Advisory != "" {
		return &models.Answer{Text: res.Advisory, Advisory: true}
	}
	if len(res.Messages) == 0 {
		return &models.Answer{}
	}

	block := firstTextBlock(res.Messages[0])
	if block == nil {
		return &models.Answer{}
	}

	text := block.Value
	cited := make(map[string]struct{})
	resolved := make(map[string]string)
	for _, ann := range block.Annotations {
		if ann.Text != "" {
			text = strings.ReplaceAll(text, ann.Text, "")
		}
		if ann.Type != models.AnnotationFileCitation || ann.FileID == "" {
			continue
		}
		name, ok := resolved[ann.FileID]
		if !ok {
			name = x.resolve(ctx, ann.FileID)
			resolved[ann.FileID] = name
		}
		if name != "" {
			cited[name] = struct{}{}
		}
	}

	citations := lo.Keys(cited)
	sort.Strings(citations)
	if len(citations) == 0 {
		citations = nil
	}
	return &models.Answer{Text: text, Citations: citations}
}

// resolve returns "" when the file cannot be looked up.
func (x *ResponseExtractor) resolve(ctx context.Context, fileID string) string {
	if x.files == nil {
		return ""
	}
	info, err := x.files.RetrieveFile(ctx, fileID)
	if err != nil {
		x.logger.Warn("Failed to resolve cited file", "fileID", fileID, "error", err)
		return ""
	}
	return info.Filename
}

func firstTextBlock(msg models.OutputMessage) *models.TextBlock {
	for _, c := range msg.Content {
		if c.Text != nil {
			return c.Text
		}
	}
	return nil
}
