// Package youtube finds video links by scraping the public search results page.
package youtube

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/coderschool/tabot/pkg/utils"
)

const (
	DefaultBaseURL    = "https://www.youtube.com"
	DefaultMaxResults = 5

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/109.0.0.0 Safari/537.36"
	watchURL = "https://www.youtube.com/watch?v="
)

var (
	// The script-terminated form is tried first since the lazy match can stop
	// at a "};" inside a string literal.
	initialDataScript = regexp.MustCompile(`var ytInitialData = (\{.*?\});\s*</script>`)
	initialData       = regexp.MustCompile(`var ytInitialData = (\{.*?\});`)
)

// Client searches YouTube.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     utils.GetLogger(),
	}
}

// Search returns up to maxResults watch URLs for query. A page that cannot be
// parsed yields an empty result; only transport failures return an error.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]string, error) {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	u := c.baseURL + "/results?search_query=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search youtube: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read youtube results: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("YouTube search returned non-OK status", "status", resp.StatusCode, "query", query)
		return []string{}, nil
	}

	return ParseResults(string(body), maxResults), nil
}

// ParseResults extracts watch URLs from a search results page.
func ParseResults(page string, maxResults int) []string {
	data := extractInitialData(page)
	if data == "" {
		return []string{}
	}

	sections := gjson.Get(data, "contents.twoColumnSearchResultsRenderer.primaryContents.sectionListRenderer.contents")
	if !sections.IsArray() {
		return []string{}
	}

	links := []string{}
	for _, section := range sections.Array() {
		for _, item := range section.Get("itemSectionRenderer.contents").Array() {
			id := item.Get("videoRenderer.videoId")
			if !id.Exists() || id.String() == "" {
				continue
			}
			links = append(links, watchURL+id.String())
			if len(links) >= maxResults {
				return links
			}
		}
	}
	return links
}

func extractInitialData(page string) string {
	for _, re := range []*regexp.Regexp{initialDataScript, initialData} {
		m := re.FindStringSubmatch(page)
		if m != nil && gjson.Valid(m[1]) {
			return m[1]
		}
	}
	return ""
}
