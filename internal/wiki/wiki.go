// Package wiki resolves encyclopedia extracts: author biographies with
// portrait links, and genre descriptions. Both lookups degrade
// gracefully; the genre path always returns usable text because a
// deterministic placeholder stands in for missing pages.
package wiki

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/parableapp/parable-ingest/internal/cache"
	"github.com/parableapp/parable-ingest/internal/ingest"
	"github.com/parableapp/parable-ingest/internal/ratelimit"
	"log/slog"
)

// Package-level variables for HTTP access.
// These can be overridden in tests for dependency injection.
var (
	httpClient    *http.Client
	clientOnce    sync.Once
	httpClientNew = func() *http.Client {
		return &http.Client{Timeout: 10 * time.Second}
	}
	apiBaseURL  = "https://en.wikipedia.org/w/api.php"
	restBaseURL = "https://en.wikipedia.org/api/rest_v1"
)

const userAgent = "ParableIngestBot/1.0 (ingest@parable.app)"

const maxGenreDescription = 2500

func getHTTPClient() *http.Client {
	clientOnce.Do(func() {
		httpClient = httpClientNew()
	})
	return httpClient
}

// Client is the encyclopedia source adapter.
type Client struct {
	limiter *ratelimit.Limiter
}

// NewClient creates an encyclopedia client with the default rate budget.
func NewClient() *Client {
	return &Client{limiter: ratelimit.ForSource("wikipedia")}
}

// FetchAuthorDetails resolves a biography, portrait and short
// descriptor for an author name. The zero value means nothing was
// found; the caller substitutes its own defaults.
func (c *Client) FetchAuthorDetails(ctx context.Context, name string) ingest.AuthorDetails {
	title, ok := c.resolveTitle(ctx, name)
	if !ok {
		return ingest.AuthorDetails{}
	}

	summary, ok := c.pageSummary(ctx, title)
	if !ok {
		return ingest.AuthorDetails{}
	}

	return ingest.AuthorDetails{
		Bio:         summary.Extract,
		PictureURL:  summary.Thumbnail.Source,
		Nationality: summary.Description,
	}
}

// FetchGenreDescription returns an encyclopedia extract for a genre
// name, bounded in length. When no page exists the placeholder keeps
// genre documents uniform.
func (c *Client) FetchGenreDescription(ctx context.Context, genre string) string {
	placeholder := fmt.Sprintf("A collection of books under the %s category.", genre)

	title, ok := c.resolveTitle(ctx, genre)
	if !ok {
		return placeholder
	}

	extract, ok := c.pageExtract(ctx, title)
	if !ok || strings.TrimSpace(extract) == "" {
		return placeholder
	}

	return ingest.Truncate(strings.TrimSpace(extract), maxGenreDescription)
}

// resolveTitle runs an opensearch query and returns the first matching
// page title. The opensearch payload is a positional JSON array
// [query, [titles], [descriptions], [urls]].
func (c *Client) resolveTitle(ctx context.Context, term string) (string, bool) {
	key := "opensearch|" + term
	body, ok := c.fetchJSON(ctx, key, fmt.Sprintf(
		"%s?action=opensearch&search=%s&limit=1&namespace=0&format=json",
		apiBaseURL, url.QueryEscape(term)))
	if !ok {
		return "", false
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(body), &parts); err != nil || len(parts) < 2 {
		return "", false
	}

	var titles []string
	if err := json.Unmarshal(parts[1], &titles); err != nil || len(titles) == 0 {
		return "", false
	}
	return titles[0], true
}

type summaryResponse struct {
	Extract     string `json:"extract"`
	Description string `json:"description"`
	Thumbnail   struct {
		Source string `json:"source"`
	} `json:"thumbnail"`
}

func (c *Client) pageSummary(ctx context.Context, title string) (*summaryResponse, bool) {
	key := "summary|" + title
	body, ok := c.fetchJSON(ctx, key, fmt.Sprintf(
		"%s/page/summary/%s", restBaseURL, url.PathEscape(title)))
	if !ok {
		return nil, false
	}

	var summary summaryResponse
	if err := json.Unmarshal([]byte(body), &summary); err != nil {
		return nil, false
	}
	return &summary, true
}

type extractResponse struct {
	Query struct {
		Pages map[string]struct {
			Extract string `json:"extract"`
		} `json:"pages"`
	} `json:"query"`
}

// pageExtract fetches the plaintext intro extract for a page title.
func (c *Client) pageExtract(ctx context.Context, title string) (string, bool) {
	key := "extract|" + title
	body, ok := c.fetchJSON(ctx, key, fmt.Sprintf(
		"%s?action=query&prop=extracts&exintro=1&explaintext=1&format=json&titles=%s",
		apiBaseURL, url.QueryEscape(title)))
	if !ok {
		return "", false
	}

	var parsed extractResponse
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return "", false
	}
	for _, page := range parsed.Query.Pages {
		if page.Extract != "" {
			return page.Extract, true
		}
	}
	return "", false
}

// fetchJSON fetches one API response body through the cache and rate
// limiter. Failures are absence at this boundary.
func (c *Client) fetchJSON(ctx context.Context, key, reqURL string) (string, bool) {
	body, _, err := cache.GetOrFetch("wikipedia_cache", key, func() (string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := getHTTPClient().Do(req)
		if err != nil {
			return "", fmt.Errorf("encyclopedia request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("encyclopedia returned status %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading response: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		slog.Debug("Encyclopedia fetch failed", "url", reqURL, "error", err)
		return "", false
	}
	return body, true
}
