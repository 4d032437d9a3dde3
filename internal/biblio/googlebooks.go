// Package biblio resolves bibliographic facts (publication year, ISBN,
// aggregate rating, description) for a title/author pair from Google
// Books with OpenLibrary and archive-page fallbacks.
//
// Every lookup reports absence through ok booleans or zero values;
// transport failures are logged and swallowed at this boundary so a
// flaky source never aborts a book's ingestion.
package biblio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
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
	googleBooksBaseURL = "https://www.googleapis.com/books/v1"
	openLibraryBaseURL = "https://openlibrary.org"
	archiveBaseURL     = "https://www.gutenberg.org"
)

func getHTTPClient() *http.Client {
	clientOnce.Do(func() {
		httpClient = httpClientNew()
	})
	return httpClient
}

// Client is the bibliographic source adapter.
type Client struct {
	googleLimiter  *ratelimit.Limiter
	openLibLimiter *ratelimit.Limiter
	archiveLimiter *ratelimit.Limiter
}

// NewClient creates a bibliographic client with default rate budgets.
func NewClient() *Client {
	return &Client{
		googleLimiter:  ratelimit.ForSource("googlebooks"),
		openLibLimiter: ratelimit.ForSource("openlibrary"),
		archiveLimiter: ratelimit.ForSource("gutenberg"),
	}
}

type volumesResponse struct {
	TotalItems int      `json:"totalItems"`
	Items      []volume `json:"items"`
}

type volume struct {
	VolumeInfo volumeInfo `json:"volumeInfo"`
}

type volumeInfo struct {
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	PublishedDate       string            `json:"publishedDate"`
	AverageRating       *float64          `json:"averageRating"`
	RatingsCount        int               `json:"ratingsCount"`
	IndustryIdentifiers []industryID      `json:"industryIdentifiers"`
	ImageLinks          map[string]string `json:"imageLinks"`
}

type industryID struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

var yearPattern = regexp.MustCompile(`\b(\d{4})\b`)

// ExtractYear pulls a 4-digit year token out of any date string a
// source may return ("1925", "July 1925", "1925-07-10"). No date
// format is assumed.
func ExtractYear(dateStr string) (string, bool) {
	match := yearPattern.FindStringSubmatch(dateStr)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// cleanSearchTitle drops subtitle noise ("A Novel", "Vol 1") after the
// first colon or semicolon for better API matching.
func cleanSearchTitle(title string) string {
	if i := strings.IndexAny(title, ":;"); i >= 0 {
		title = title[:i]
	}
	return strings.TrimSpace(title)
}

// FetchSocialStats resolves the aggregate rating through a query
// waterfall: strict title+author, fuzzy, then title-only. The first
// response item that carries a rating wins; exhaustion yields zero
// stats so the caller can apply its own fallback.
func (c *Client) FetchSocialStats(ctx context.Context, title, author string) ingest.SocialStats {
	cleanTitle := cleanSearchTitle(title)

	queries := []string{
		fmt.Sprintf("intitle:%q+inauthor:%q", cleanTitle, author), // strict
		fmt.Sprintf("%s %s", cleanTitle, author),                  // fuzzy
		fmt.Sprintf("intitle:%q", cleanTitle),                     // title only, last resort
	}

	for _, q := range queries {
		result, err := c.searchVolumes(ctx, q)
		if err != nil {
			slog.Debug("Google Books query failed", "query", q, "error", err)
			continue
		}
		for _, item := range result.Items {
			if item.VolumeInfo.AverageRating != nil {
				slog.Debug("Social stats found", "title", title, "query", q)
				return ingest.SocialStats{
					AverageRating: *item.VolumeInfo.AverageRating,
					NumReviews:    item.VolumeInfo.RatingsCount,
				}
			}
		}
	}

	return ingest.SocialStats{}
}

// FetchPublicationYear resolves a 4-digit publication year: Google
// Books first, then OpenLibrary, then the archive page's release-date
// row as a guaranteed-coverage fallback.
func (c *Client) FetchPublicationYear(ctx context.Context, title, author string, archiveID int) (string, bool) {
	if result, err := c.searchVolumes(ctx, strictQuery(title, author)); err == nil && len(result.Items) > 0 {
		if year, ok := ExtractYear(result.Items[0].VolumeInfo.PublishedDate); ok {
			return year, true
		}
	}

	if doc, ok := c.searchOpenLibrary(ctx, title, author); ok && doc.FirstPublishYear > 0 {
		if year, ok := ExtractYear(fmt.Sprintf("%d", doc.FirstPublishYear)); ok {
			return year, true
		}
	}

	if archiveID > 0 {
		if year, ok := c.archiveReleaseYear(ctx, archiveID); ok {
			return year, true
		}
	}

	return "", false
}

// FetchISBN resolves an ISBN, preferring ISBN_13 over ISBN_10 from
// Google Books and falling back to OpenLibrary's first listed ISBN.
func (c *Client) FetchISBN(ctx context.Context, title, author string) (string, bool) {
	if result, err := c.searchVolumes(ctx, strictQuery(title, author)); err == nil && len(result.Items) > 0 {
		ids := result.Items[0].VolumeInfo.IndustryIdentifiers
		for _, wanted := range []string{"ISBN_13", "ISBN_10"} {
			for _, id := range ids {
				if id.Type == wanted {
					return id.Identifier, true
				}
			}
		}
	}

	if doc, ok := c.searchOpenLibrary(ctx, title, author); ok && len(doc.ISBN) > 0 {
		return doc.ISBN[0], true
	}

	return "", false
}

// FetchDescription returns the first Google Books volume description.
func (c *Client) FetchDescription(ctx context.Context, title, author string) (string, bool) {
	result, err := c.searchVolumes(ctx, strictQuery(title, author))
	if err != nil || len(result.Items) == 0 {
		return "", false
	}
	desc := result.Items[0].VolumeInfo.Description
	return desc, desc != ""
}

// CoverImageURL returns the best Google Books cover image link
// (large, then medium, then thumbnail), upgraded to https.
func (c *Client) CoverImageURL(ctx context.Context, title, author string) (string, bool) {
	result, err := c.searchVolumes(ctx, strictQuery(title, author))
	if err != nil || len(result.Items) == 0 {
		return "", false
	}
	links := result.Items[0].VolumeInfo.ImageLinks
	for _, size := range []string{"large", "medium", "thumbnail"} {
		if link := links[size]; link != "" {
			return strings.Replace(link, "http://", "https://", 1), true
		}
	}
	return "", false
}

// OpenLibraryCoverID returns the OpenLibrary cover identifier for the
// best search match, if any.
func (c *Client) OpenLibraryCoverID(ctx context.Context, title, author string) (int64, bool) {
	doc, ok := c.searchOpenLibrary(ctx, title, author)
	if !ok || doc.CoverID == 0 {
		return 0, false
	}
	return doc.CoverID, true
}

func strictQuery(title, author string) string {
	return fmt.Sprintf("intitle:%s+inauthor:%s", cleanSearchTitle(title), author)
}

func (c *Client) searchVolumes(ctx context.Context, query string) (*volumesResponse, error) {
	result, _, err := cache.GetOrFetch("googlebooks_cache", query, func() (*volumesResponse, error) {
		if err := c.googleLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqURL := fmt.Sprintf("%s/volumes?q=%s", googleBooksBaseURL, url.QueryEscape(query))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		resp, err := getHTTPClient().Do(req)
		if err != nil {
			return nil, fmt.Errorf("google Books request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("google Books returned status %d", resp.StatusCode)
		}

		var out volumesResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &out, nil
	})
	return result, err
}

type olSearchResponse struct {
	Docs []olDoc `json:"docs"`
}

type olDoc struct {
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	CoverID          int64    `json:"cover_i"`
}

// searchOpenLibrary returns the first matching OpenLibrary document.
func (c *Client) searchOpenLibrary(ctx context.Context, title, author string) (*olDoc, bool) {
	key := "search|" + title + "|" + author
	result, _, err := cache.GetOrFetch("openlibrary_cache", key, func() (*olSearchResponse, error) {
		if err := c.openLibLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		reqURL := fmt.Sprintf("%s/search.json?title=%s&author=%s",
			openLibraryBaseURL, url.QueryEscape(title), url.QueryEscape(author))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}

		resp, err := getHTTPClient().Do(req)
		if err != nil {
			return nil, fmt.Errorf("openLibrary request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("openLibrary returned status %d", resp.StatusCode)
		}

		var out olSearchResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		slog.Debug("OpenLibrary search failed", "title", title, "error", err)
		return nil, false
	}
	if len(result.Docs) == 0 {
		return nil, false
	}
	return &result.Docs[0], true
}

var releaseDatePattern = regexp.MustCompile(`Release Date</th>\s*<td>([^<]+)</td>`)

// archiveReleaseYear scrapes the release-date row off the archive's
// catalog page, the terminal step of the year waterfall.
func (c *Client) archiveReleaseYear(ctx context.Context, archiveID int) (string, bool) {
	key := fmt.Sprintf("release-date|%d", archiveID)
	body, _, err := cache.GetOrFetch("gutenberg_cache", key, func() (string, error) {
		if err := c.archiveLimiter.Wait(ctx); err != nil {
			return "", err
		}

		reqURL := fmt.Sprintf("%s/ebooks/%d", archiveBaseURL, archiveID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}

		resp, err := getHTTPClient().Do(req)
		if err != nil {
			return "", fmt.Errorf("archive page request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("archive page returned status %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading archive page: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		slog.Debug("Archive release-date scrape failed", "id", archiveID, "error", err)
		return "", false
	}

	match := releaseDatePattern.FindStringSubmatch(body)
	if match == nil {
		return "", false
	}
	return ExtractYear(match[1])
}
