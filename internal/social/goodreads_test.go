package social

import (
	"bytes"
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/parableapp/parable-ingest/internal/cache"
	"github.com/parableapp/parable-ingest/internal/ingest"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

const searchPage = `<html><body>
<a class="bookTitle" href="/book/show/4671.The_Great_Gatsby?from_search=true">The Great Gatsby</a>
<span class="minirating">4.11 avg rating — 4,213,876 ratings</span>
</body></html>`

const bookPage = `<html><body>
<a href="/genres/classics">Classics</a>
<a href="/genres/fiction">Fiction</a>
<a href="/genres/to-read">to-read</a>
<a href="/genres/classics">Classics</a>
<a href="/genres/literature">Literature</a>
<section class="ReviewText">An unforgettable portrait of the Jazz Age.</section>
<section class="ReviewText">Gatsby believed in the green light.</section>
<section class="ReviewText">Overrated, but the prose is gorgeous.</section>
<section class="ReviewText">A fourth review that must be ignored.</section>
</body></html>`

type fakeHints struct {
	coverID   int64
	coverIDOK bool
	imageURL  string
	imageOK   bool
}

func (f *fakeHints) OpenLibraryCoverID(context.Context, string, string) (int64, bool) {
	return f.coverID, f.coverIDOK
}

func (f *fakeHints) CoverImageURL(context.Context, string, string) (string, bool) {
	return f.imageURL, f.imageOK
}

func useTestServer(t *testing.T, handler http.Handler, hints CoverHints) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	origBase, origCovers := goodreadsBaseURL, coversBaseURL
	goodreadsBaseURL = server.URL
	coversBaseURL = server.URL

	clientOnce = sync.Once{}
	httpClient = nil
	origFactory := httpClientNew
	httpClientNew = func() *http.Client { return server.Client() }

	t.Cleanup(func() {
		goodreadsBaseURL, coversBaseURL = origBase, origCovers
		httpClientNew = origFactory
		clientOnce = sync.Once{}
		httpClient = nil
	})

	require.NoError(t, cache.ResetGlobalCache())
	viper.Set("cache.dbfile", filepath.Join(t.TempDir(), "cache.db"))
	viper.Set("cache.ttl", "720h")
	t.Cleanup(func() {
		_ = cache.ResetGlobalCache()
		viper.Set("cache.dbfile", "")
	})

	if hints == nil {
		hints = &fakeHints{}
	}
	return NewClient(hints)
}

func goodreadsHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search":
			_, _ = w.Write([]byte(searchPage))
		case strings.HasPrefix(r.URL.Path, "/book/show/"):
			require.Empty(t, r.URL.RawQuery, "tracking params must be stripped from book URLs")
			_, _ = w.Write([]byte(bookPage))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestFetchGenres(t *testing.T) {
	client := useTestServer(t, goodreadsHandler(t), nil)

	genres := client.FetchGenres(context.Background(), "The Great Gatsby", "F. Scott Fitzgerald")
	// Blacklisted shelves and duplicates are dropped.
	require.Equal(t, []string{"Classics", "Fiction", "Literature"}, genres)
}

func TestFetchGenresNoResults(t *testing.T) {
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>no matches</body></html>`))
	}), nil)

	require.Nil(t, client.FetchGenres(context.Background(), "Nothing", "Nobody"))
}

func TestFetchReviewsCapsAndTruncates(t *testing.T) {
	long := strings.Repeat("x", 2000)
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			_, _ = w.Write([]byte(searchPage))
			return
		}
		_, _ = w.Write([]byte(`<html><body><section class="ReviewText">` + long + `</section></body></html>`))
	}), nil)

	reviews := client.FetchReviews(context.Background(), "T", "A")
	require.Len(t, reviews, 1)
	require.Len(t, reviews[0], maxReviewLength)
}

func TestFetchReviewsTruncationKeepsValidUTF8(t *testing.T) {
	// A multibyte rune straddles the truncation bound.
	long := strings.Repeat("a", maxReviewLength-1) + "éé"
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			_, _ = w.Write([]byte(searchPage))
			return
		}
		_, _ = w.Write([]byte(`<html><body><section class="ReviewText">` + long + `</section></body></html>`))
	}), nil)

	reviews := client.FetchReviews(context.Background(), "T", "A")
	require.Len(t, reviews, 1)
	require.True(t, utf8.ValidString(reviews[0]))
	require.LessOrEqual(t, len(reviews[0]), maxReviewLength)
}

func TestFetchReviewsLimit(t *testing.T) {
	client := useTestServer(t, goodreadsHandler(t), nil)

	reviews := client.FetchReviews(context.Background(), "The Great Gatsby", "F. Scott Fitzgerald")
	require.Len(t, reviews, maxReviews)
	require.Equal(t, "An unforgettable portrait of the Jazz Age.", reviews[0])
}

func TestFetchRatingFallback(t *testing.T) {
	client := useTestServer(t, goodreadsHandler(t), nil)

	stats := client.FetchRatingFallback(context.Background(), "The Great Gatsby", "F. Scott Fitzgerald")
	require.InDelta(t, 4.11, stats.AverageRating, 0.001)
	require.Equal(t, 4213876, stats.NumReviews)
}

func TestFetchRatingFallbackDefaultCount(t *testing.T) {
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><span class="minirating">3.75 avg rating</span></body></html>`))
	}), nil)

	stats := client.FetchRatingFallback(context.Background(), "T", "A")
	require.InDelta(t, 3.75, stats.AverageRating, 0.001)
	require.Equal(t, defaultRatingCount, stats.NumReviews)
}

func TestFetchRatingFallbackAbsent(t *testing.T) {
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}), nil)

	require.Equal(t, ingest.SocialStats{}, client.FetchRatingFallback(context.Background(), "T", "A"))
}

func coverJPEG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(120, 180, color.NRGBA{R: 40, G: 40, B: 80, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func TestResolveModernCoverFromOpenLibrary(t *testing.T) {
	jpeg := coverJPEG(t)
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/b/id/") {
			_, _ = w.Write(jpeg)
			return
		}
		http.NotFound(w, r)
	}), &fakeHints{coverID: 12345, coverIDOK: true})

	got := client.ResolveModernCover(context.Background(), "T", "A", 967)
	require.Contains(t, got, "/b/id/12345-L.jpg")
}

func TestResolveModernCoverRejectsStubImage(t *testing.T) {
	// OpenLibrary serves a 1x1 stub for missing artwork.
	stub := func() []byte {
		img := imaging.New(1, 1, color.NRGBA{A: 255})
		var buf bytes.Buffer
		require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
		return buf.Bytes()
	}()

	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(stub)
	}), &fakeHints{
		coverID: 12345, coverIDOK: true,
		imageURL: "https://books.example/large.jpg", imageOK: true,
	})

	got := client.ResolveModernCover(context.Background(), "T", "A", 967)
	require.Equal(t, "https://books.example/large.jpg", got)
}

func TestResolveModernCoverTerminalFallback(t *testing.T) {
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}), &fakeHints{})

	got := client.ResolveModernCover(context.Background(), "T", "A", 967)
	require.Contains(t, got, "pg967.cover.medium.jpg")
}

func TestSearchPageIsCached(t *testing.T) {
	var hits int
	client := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search" {
			hits++
		}
		_, _ = w.Write([]byte(searchPage))
	}), nil)

	ctx := context.Background()
	client.FetchRatingFallback(ctx, "T", "A")
	client.FetchRatingFallback(ctx, "T", "A")
	require.Equal(t, 1, hits)
}
