package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/coderschool/tabot/pkg/tools/github"
)

// absent is the output for a lookup that found nothing.
const absent = "null"

const (
	defaultSearchK     = 5
	defaultVideoLimit  = 5
	knowledgeDisabled  = "The course knowledge base is not configured, so no course material can be searched."
	knowledgeEmptyText = "The course knowledge base is empty. No course material has been indexed yet."
)

// ========== GitHub tools ==========

type FetchAllCodeInput struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
	Path  string `json:"path,omitempty"`
}

func newFetchAllCodeTool(tc *ToolContext) tool.InvokableTool {
	repos := tc.Repos
	return utils.NewTool(&schema.ToolInfo{
		Name: string(ToolFetchAllCode),
		Desc: "Fetches all code files from a GitHub repository.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"owner": {
				Type:     schema.String,
				Desc:     "The owner of the GitHub repository.",
				Required: true,
			},
			"repo": {
				Type:     schema.String,
				Desc:     "The name of the GitHub repository.",
				Required: true,
			},
			"path": {
				Type: schema.String,
				Desc: "The directory path within the repository to fetch files from. Defaults to the root directory.",
			},
		}),
	}, func(ctx context.Context, input *FetchAllCodeInput) (string, error) {
		if repos == nil {
			return "", errors.New("repository access is not configured")
		}
		if input.Owner == "" || input.Repo == "" {
			return "", errors.New("owner and repo are required")
		}
		return repos.FetchAllCode(ctx, input.Owner, input.Repo, input.Path)
	})
}

type TextInput struct {
	Text string `json:"text"`
}

func textParams(desc string) *schema.ParamsOneOf {
	return schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
		"text": {
			Type:     schema.String,
			Desc:     desc,
			Required: true,
		},
	})
}

func newExtractOwnerTool(_ *ToolContext) tool.InvokableTool {
	return utils.NewTool(&schema.ToolInfo{
		Name:        string(ToolExtractOwner),
		Desc:        "Extracts GitHub repository owner from a thread post.",
		ParamsOneOf: textParams("The input text to extract the repository owner from."),
	}, func(ctx context.Context, input *TextInput) (string, error) {
		if owner, ok := github.ExtractOwner(input.Text); ok {
			return owner, nil
		}
		return absent, nil
	})
}

func newExtractRepoTool(_ *ToolContext) tool.InvokableTool {
	return utils.NewTool(&schema.ToolInfo{
		Name:        string(ToolExtractRepo),
		Desc:        "Extracts GitHub repository name from a thread post.",
		ParamsOneOf: textParams("The input text to extract the repository name from."),
	}, func(ctx context.Context, input *TextInput) (string, error) {
		if repo, ok := github.ExtractRepo(input.Text); ok {
			return repo, nil
		}
		return absent, nil
	})
}

// ========== Routing ==========

// FlexID accepts a snowflake id sent either as a JSON string or a number.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("forum id must be a string or integer: %w", err)
	}
	if _, err := strconv.ParseUint(n.String(), 10, 64); err != nil {
		return fmt.Errorf("forum id must be a string or integer: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

type TARoleInput struct {
	ForumID FlexID `json:"forum_id"`
}

func newTARoleTool(tc *ToolContext) tool.InvokableTool {
	roles := tc.Roles
	return utils.NewTool(&schema.ToolInfo{
		Name: string(ToolTARoleForForum),
		Desc: "Gets the Discord role id of the TAs responsible for a forum channel. Returns null when the forum has no TA role.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"forum_id": {
				Type:     schema.String,
				Desc:     "The id of the forum channel the question was posted in.",
				Required: true,
			},
		}),
	}, func(ctx context.Context, input *TARoleInput) (string, error) {
		if role, ok := roles.Lookup(string(input.ForumID)); ok {
			return role, nil
		}
		return absent, nil
	})
}

// ========== Knowledge ==========

type SearchDBInput struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

func newSearchDBTool(tc *ToolContext) tool.InvokableTool {
	searcher := tc.Knowledge
	return utils.NewTool(&schema.ToolInfo{
		Name: string(ToolSearchDB),
		Desc: "Searches the course documents for passages relevant to a question. Returns the passages with their source file and relevance score.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "What to look for in the course documents.",
				Required: true,
			},
			"k": {
				Type: schema.Integer,
				Desc: "Maximum number of passages to return. Default: 5",
			},
		}),
	}, func(ctx context.Context, input *SearchDBInput) (string, error) {
		if searcher == nil {
			return knowledgeDisabled, nil
		}
		if strings.TrimSpace(input.Query) == "" {
			return "", errors.New("query is required")
		}
		k := input.K
		if k <= 0 {
			k = defaultSearchK
		}
		passages, err := searcher.Search(ctx, input.Query, k)
		if err != nil {
			return "", err
		}
		if len(passages) == 0 {
			return knowledgeEmptyText, nil
		}

		var sb strings.Builder
		for i, p := range passages {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			fmt.Fprintf(&sb, "[%d] Source: %s (relevance: %.3f)\n%s", i+1, p.Source, p.Relevance, p.Content)
		}
		return sb.String(), nil
	})
}

type SearchYouTubeInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

func newSearchYouTubeTool(tc *ToolContext) tool.InvokableTool {
	videos := tc.Videos
	return utils.NewTool(&schema.ToolInfo{
		Name: string(ToolSearchYouTube),
		Desc: "Searches YouTube and returns a JSON list of video links for a query.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "The search term or phrase.",
				Required: true,
			},
			"max_results": {
				Type: schema.Integer,
				Desc: "Maximum number of video links to return. Default: 5",
			},
		}),
	}, func(ctx context.Context, input *SearchYouTubeInput) (string, error) {
		if videos == nil {
			return "", errors.New("video search is not configured")
		}
		limit := input.MaxResults
		if limit <= 0 {
			limit = defaultVideoLimit
		}
		links, err := videos.Search(ctx, input.Query, limit)
		if err != nil {
			return "", err
		}
		if links == nil {
			links = []string{}
		}
		b, err := json.Marshal(links)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
}
