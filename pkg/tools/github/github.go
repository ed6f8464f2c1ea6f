// Package github fetches source files from GitHub repositories and parses
// repository links out of free text.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/coderschool/tabot/pkg/utils"
)

// ErrUpstream is wrapped by every UpstreamError.
var ErrUpstream = errors.New("upstream request failed")

// UpstreamError reports a non-2xx response from the code-hosting API.
type UpstreamError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

func (e *UpstreamError) Unwrap() error { return ErrUpstream }

var repoURLPattern = regexp.MustCompile(`https?://github\.com/([^/]+)/([^/\s]+)`)

// CodeExtensions lists the file suffixes FetchAllCode collects.
var CodeExtensions = []string{".py", ".js", ".jsx", ".ts", ".tsx", ".html", ".css"}

// ExtractOwner returns the owner of the first GitHub repository link in text.
func ExtractOwner(text string) (string, bool) {
	m := repoURLPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractRepo returns the repository name of the first GitHub link in text.
func ExtractRepo(text string) (string, bool) {
	m := repoURLPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[2], true
}

type contentItem struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	DownloadURL string `json:"download_url"`
}

// Client talks to the GitHub contents API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. httpClient may be nil.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     utils.GetLogger(),
	}
}

// FetchAllCode walks the directory tree rooted at path and concatenates every
// file whose extension is in CodeExtensions. Each file is prefixed with a
// "# File: <path>" header.
func (c *Client) FetchAllCode(ctx context.Context, owner, repo, path string) (string, error) {
	var sb strings.Builder
	if err := c.walk(ctx, owner, repo, strings.Trim(path, "/"), &sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (c *Client) walk(ctx context.Context, owner, repo, path string, sb *strings.Builder) error {
	items, err := c.listContents(ctx, owner, repo, path)
	if err != nil {
		return err
	}
	c.logger.Info("Fetching repository directory", "owner", owner, "repo", repo, "path", path, "entries", len(items))

	for _, item := range items {
		switch item.Type {
		case "file":
			if !hasCodeExtension(item.Name) || item.DownloadURL == "" {
				continue
			}
			body, err := c.get(ctx, item.DownloadURL, "")
			if err != nil {
				return err
			}
			sb.WriteString("\n\n# File: ")
			sb.WriteString(item.Path)
			sb.WriteString("\n")
			sb.Write(body)
		case "dir":
			if err := c.walk(ctx, owner, repo, item.Path, sb); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) listContents(ctx context.Context, owner, repo, path string) ([]contentItem, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/contents", c.baseURL, url.PathEscape(owner), url.PathEscape(repo))
	if path != "" {
		segs := strings.Split(path, "/")
		for i, s := range segs {
			segs[i] = url.PathEscape(s)
		}
		u += "/" + strings.Join(segs, "/")
	}

	body, err := c.get(ctx, u, "application/vnd.github+json")
	if err != nil {
		return nil, err
	}

	var items []contentItem
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	// A file path returns a single object instead of a listing.
	var single contentItem
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("decode contents of %s: %w", u, err)
	}
	return []contentItem{single}, nil
}

func (c *Client) get(ctx context.Context, u, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{URL: u, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	return body, nil
}

func hasCodeExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range CodeExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}
