package tools

import (
	"context"

	"github.com/coderschool/tabot/pkg/models"
)

// RepoFetcher fetches source code from a hosted repository.
type RepoFetcher interface {
	FetchAllCode(ctx context.Context, owner, repo, path string) (string, error)
}

// KnowledgeSearcher runs a similarity search over the course material index.
// An empty index returns no passages and no error.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, k int) ([]models.Passage, error)
}

// VideoSearcher finds tutorial videos.
type VideoSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]string, error)
}

// ToolContext carries the collaborators the built-in tools call into.
// Nil members are allowed; the affected tool reports that it is unavailable.
type ToolContext struct {
	Repos     RepoFetcher
	Roles     *RoleTable
	Knowledge KnowledgeSearcher
	Videos    VideoSearcher
}
