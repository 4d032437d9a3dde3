// Package archive scrapes the public archive's catalog pages into raw
// per-book extractions.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/parableapp/parable-ingest/internal/cache"
	"github.com/parableapp/parable-ingest/internal/ingest"
	"github.com/parableapp/parable-ingest/internal/ratelimit"
)

// Package-level variables for the archive HTTP client.
// These can be overridden in tests for dependency injection.
var (
	httpClient    *http.Client
	clientOnce    sync.Once
	httpClientNew = func() *http.Client {
		return &http.Client{Timeout: 15 * time.Second}
	}
	baseURL = "https://www.gutenberg.org"
)

const userAgent = "ParableIngestBot/1.0 (ingest@parable.app)"

func getHTTPClient() *http.Client {
	clientOnce.Do(func() {
		httpClient = httpClientNew()
	})
	return httpClient
}

// Client fetches catalog entries from the archive.
type Client struct {
	limiter *ratelimit.Limiter
}

// NewClient creates an archive client with the default rate budget.
func NewClient() *Client {
	return &Client{limiter: ratelimit.ForSource("gutenberg")}
}

// cachedEntry wraps a RawExtraction with metadata for caching.
type cachedEntry struct {
	Data     *ingest.RawExtraction `json:"data"`
	NotFound bool                  `json:"not_found"`
}

// FetchCatalogEntry fetches and parses the catalog page for a book id.
// A missing page is absence (nil, nil); transport failures return an
// error so the id stays incomplete and is retried on a later run.
func (c *Client) FetchCatalogEntry(ctx context.Context, id int) (*ingest.RawExtraction, error) {
	cached, _, err := cache.GetOrFetchWithTTL("gutenberg_cache", strconv.Itoa(id), func() (*cachedEntry, error) {
		return c.fetchFromSite(ctx, id)
	}, cache.SelectNegativeCacheTTL(func(e *cachedEntry) bool {
		return e.NotFound
	}))
	if err != nil {
		return nil, err
	}
	if cached.NotFound {
		return nil, nil
	}
	return cached.Data, nil
}

func (c *Client) fetchFromSite(ctx context.Context, id int) (*cachedEntry, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/ebooks/%d", baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request for id %d: %w", id, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return &cachedEntry{NotFound: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog page for id %d returned status %d", id, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog page for id %d: %w", id, err)
	}

	return &cachedEntry{Data: parseCatalogPage(doc, id)}, nil
}

func parseCatalogPage(doc *goquery.Document, id int) *ingest.RawExtraction {
	raw := &ingest.RawExtraction{
		ArchiveID:  id,
		Title:      "Unknown Title",
		AuthorName: "Unknown Author",
		Language:   "English",
		Publisher:  "Project Gutenberg",
		EpubURL:    EpubURL(id),
		CoverURL:   CachedCoverURL(id),
	}

	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		raw.Title = h1
	}

	doc.Find("table.bibrec tr").Each(func(_ int, row *goquery.Selection) {
		label := strings.TrimSpace(row.Find("th").First().Text())
		value := strings.TrimSpace(row.Find("td").First().Text())
		if label == "" || value == "" {
			return
		}

		switch {
		case strings.Contains(label, "Author"):
			raw.AuthorName = parseAuthorField(value)
		case strings.Contains(label, "Subject"), strings.Contains(label, "Categories"):
			raw.Subjects = appendSubjects(raw.Subjects, value)
		case strings.Contains(label, "Language"):
			raw.Language = value
		}
	})

	return raw
}

// EpubURL returns the archive's epub-with-images download URL for an id.
func EpubURL(id int) string {
	return fmt.Sprintf("%s/ebooks/%d.epub.images", baseURL, id)
}

// CachedCoverURL returns the archive's own cached cover image URL,
// the terminal fallback of the modern-cover waterfall.
func CachedCoverURL(id int) string {
	return fmt.Sprintf("%s/cache/epub/%d/pg%d.cover.medium.jpg", baseURL, id, id)
}

var (
	parentheticalPattern = regexp.MustCompile(`\(.*?\)`)
	subjectSplitPattern  = regexp.MustCompile(`--|;`)
	digitPattern         = regexp.MustCompile(`\d`)
)

// CleanAuthorName strips parenthetical qualifiers and surplus
// whitespace so downstream text searches get a plain name:
// "Wirt, Mildred A. (Mildred Augustine)" -> "Wirt, Mildred A."
func CleanAuthorName(name string) string {
	name = parentheticalPattern.ReplaceAllString(name, "")
	name = strings.Join(strings.Fields(name), " ")
	return strings.TrimRight(strings.TrimSpace(name), ",")
}

// parseAuthorField normalizes the catalog author value: parenthetical
// qualifiers and life dates are dropped and "Last, First" ordering is
// inverted to "First Last". The result feeds every downstream text
// search, so it must come out clean here.
func parseAuthorField(value string) string {
	value = CleanAuthorName(value)
	// The catalog appends birth/death years ("Dickens, Charles, 1812-1870").
	if loc := digitPattern.FindStringIndex(value); loc != nil {
		value = value[:loc[0]]
	}
	value = strings.TrimRight(strings.TrimSpace(value), ",")
	if value == "" {
		return "Unknown Author"
	}

	if i := strings.Index(value, ","); i >= 0 {
		last := strings.TrimSpace(value[:i])
		first := strings.TrimSpace(value[i+1:])
		if first != "" && last != "" {
			return first + " " + last
		}
	}
	return value
}

// appendSubjects splits a subject row on "--" and ";", dropping
// digit-bearing terms (dates, catalog codes) and duplicates.
func appendSubjects(subjects []string, value string) []string {
	for _, part := range subjectSplitPattern.Split(value, -1) {
		s := strings.TrimSpace(part)
		if s == "" || digitPattern.MatchString(s) {
			continue
		}
		duplicate := false
		for _, existing := range subjects {
			if existing == s {
				duplicate = true
				break
			}
		}
		if !duplicate {
			subjects = append(subjects, s)
		}
	}
	return subjects
}
