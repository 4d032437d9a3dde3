// Package social scrapes community signals (shelved genres, review
// snippets, rating fallbacks) and resolves modern cover art for a book.
//
// The site serves HTML only, so everything here is goquery selectors
// over cached pages. Absence is reported through empty slices and zero
// stats; the cover resolution never comes back empty because the
// archive's own cached cover is the terminal fallback.
package social

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/disintegration/imaging"
	"github.com/parableapp/parable-ingest/internal/archive"
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
		return &http.Client{Timeout: 15 * time.Second}
	}
	goodreadsBaseURL = "https://www.goodreads.com"
	coversBaseURL    = "https://covers.openlibrary.org"
)

// The site blocks obvious bot agents, so requests carry a browser UA.
const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func getHTTPClient() *http.Client {
	clientOnce.Do(func() {
		httpClient = httpClientNew()
	})
	return httpClient
}

// shelfBlacklist holds user-shelf names that leak into the genre list
// but are not genres.
var shelfBlacklist = map[string]bool{
	"to-read":           true,
	"currently-reading": true,
	"favorites":         true,
	"owned":             true,
	"kindle":            true,
	"books-i-own":       true,
}

const (
	maxGenres          = 5
	maxReviews         = 3
	maxReviewLength    = 1000
	defaultRatingCount = 100
)

// CoverHints supplies API-served cover leads for the modern-cover
// waterfall. The bibliographic client satisfies it.
type CoverHints interface {
	OpenLibraryCoverID(ctx context.Context, title, author string) (int64, bool)
	CoverImageURL(ctx context.Context, title, author string) (string, bool)
}

// Client is the social-reading source adapter. Cover resolution
// consults the bibliographic hints for API-served image links before
// falling back to the archive's own cover.
type Client struct {
	limiter *ratelimit.Limiter
	hints   CoverHints
}

// NewClient creates a social client sharing the given bibliographic
// hints for the cover waterfall.
func NewClient(hints CoverHints) *Client {
	return &Client{
		limiter: ratelimit.ForSource("goodreads"),
		hints:   hints,
	}
}

// FetchGenres returns up to five shelved genres for a book, with
// non-genre user shelves filtered out. An empty slice means the book
// page could not be found or carried no genre shelves.
func (c *Client) FetchGenres(ctx context.Context, title, author string) []string {
	doc, ok := c.bookPage(ctx, title, author)
	if !ok {
		return nil
	}

	var genres []string
	doc.Find(`a[href*="/genres/"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name := strings.TrimSpace(sel.Text())
		if name == "" || shelfBlacklist[strings.ToLower(name)] {
			return true
		}
		for _, existing := range genres {
			if strings.EqualFold(existing, name) {
				return true
			}
		}
		genres = append(genres, name)
		return len(genres) < maxGenres
	})
	return genres
}

// FetchReviews returns up to three review snippets, each truncated to a
// bounded length so the store never holds unbounded scraped text.
func (c *Client) FetchReviews(ctx context.Context, title, author string) []string {
	doc, ok := c.bookPage(ctx, title, author)
	if !ok {
		return nil
	}

	var reviews []string
	doc.Find("section.ReviewText").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return true
		}
		reviews = append(reviews, ingest.Truncate(text, maxReviewLength))
		return len(reviews) < maxReviews
	})
	return reviews
}

var (
	avgRatingPattern   = regexp.MustCompile(`(\d+\.\d+)\s+avg`)
	ratingCountPattern = regexp.MustCompile(`([\d,]+)\s+ratings`)
)

// FetchRatingFallback scrapes the mini-rating widget off the search
// results page. When the widget shows a rating but no count, a nominal
// count stands in so downstream engagement math has a base.
func (c *Client) FetchRatingFallback(ctx context.Context, title, author string) ingest.SocialStats {
	body, ok := c.searchPage(ctx, title, author)
	if !ok {
		return ingest.SocialStats{}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ingest.SocialStats{}
	}

	text := strings.TrimSpace(doc.Find("span.minirating").First().Text())
	if text == "" {
		return ingest.SocialStats{}
	}

	match := avgRatingPattern.FindStringSubmatch(text)
	if match == nil {
		return ingest.SocialStats{}
	}
	rating, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return ingest.SocialStats{}
	}

	count := defaultRatingCount
	if m := ratingCountPattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			count = n
		}
	}

	return ingest.SocialStats{AverageRating: rating, NumReviews: count}
}

// ResolveModernCover walks the cover waterfall: an OpenLibrary cover
// validated by decoding its bytes, then the bibliographic API's image
// link, then the archive's own cached cover. The last step always
// yields a URL.
func (c *Client) ResolveModernCover(ctx context.Context, title, author string, archiveID int) string {
	if coverID, ok := c.hints.OpenLibraryCoverID(ctx, title, author); ok {
		coverURL := fmt.Sprintf("%s/b/id/%d-L.jpg", coversBaseURL, coverID)
		if c.coverIsUsable(ctx, coverURL) {
			slog.Debug("Modern cover resolved from OpenLibrary", "title", title, "coverID", coverID)
			return coverURL
		}
	}

	if link, ok := c.hints.CoverImageURL(ctx, title, author); ok {
		slog.Debug("Modern cover resolved from Google Books", "title", title)
		return link
	}

	return archive.CachedCoverURL(archiveID)
}

// coverIsUsable fetches the candidate image and decodes it. OpenLibrary
// serves a 1x1 stub for ids without artwork, so tiny images count as
// unusable.
func (c *Client) coverIsUsable(ctx context.Context, coverURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, coverURL, nil)
	if err != nil {
		return false
	}

	resp, err := getHTTPClient().Do(req)
	if err != nil {
		slog.Debug("Cover candidate fetch failed", "url", coverURL, "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	if err != nil {
		return false
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		slog.Debug("Cover candidate not decodable", "url", coverURL, "error", err)
		return false
	}
	bounds := img.Bounds()
	return bounds.Dx() >= 10 && bounds.Dy() >= 10
}

// bookPage resolves the search results into the first book page and
// parses it. Both pages come through the response cache.
func (c *Client) bookPage(ctx context.Context, title, author string) (*goquery.Document, bool) {
	body, ok := c.searchPage(ctx, title, author)
	if !ok {
		return nil, false
	}

	searchDoc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, false
	}

	href, exists := searchDoc.Find("a.bookTitle").First().Attr("href")
	if !exists || href == "" {
		return nil, false
	}
	// Strip query noise (from_search tokens) so the cache key is stable.
	if i := strings.Index(href, "?"); i >= 0 {
		href = href[:i]
	}

	pageBody, ok := c.fetchPage(ctx, "book|"+href, goodreadsBaseURL+href)
	if !ok {
		return nil, false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageBody))
	if err != nil {
		return nil, false
	}
	return doc, true
}

func (c *Client) searchPage(ctx context.Context, title, author string) (string, bool) {
	query := url.QueryEscape(title + " " + author)
	key := "search|" + title + "|" + author
	return c.fetchPage(ctx, key, fmt.Sprintf("%s/search?q=%s", goodreadsBaseURL, query))
}

// fetchPage fetches one HTML page through the cache and rate limiter.
func (c *Client) fetchPage(ctx context.Context, key, pageURL string) (string, bool) {
	body, _, err := cache.GetOrFetch("goodreads_cache", key, func() (string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return "", fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := getHTTPClient().Do(req)
		if err != nil {
			return "", fmt.Errorf("page request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("page %s returned status %d", pageURL, resp.StatusCode)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("reading page: %w", err)
		}
		return string(raw), nil
	})
	if err != nil {
		slog.Debug("Social page fetch failed", "url", pageURL, "error", err)
		return "", false
	}
	return body, true
}
