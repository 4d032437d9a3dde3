package assets

import (
	"archive/zip"
	"bytes"
	"context"
	"image/color"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func useTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	clientOnce = sync.Once{}
	httpClient = nil
	origFactory := httpClientNew
	httpClientNew = func() *http.Client { return server.Client() }

	origDelay := retryDelay
	retryDelay = 0

	t.Cleanup(func() {
		httpClientNew = origFactory
		clientOnce = sync.Once{}
		httpClient = nil
		retryDelay = origDelay
	})

	return server
}

func TestDownloadKeepsURLFileName(t *testing.T) {
	server := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("epub bytes"))
	}))

	dir := t.TempDir()
	localPath, err := NewFetcher().Download(context.Background(), server.URL+"/ebooks/967.epub.images", dir, false)
	require.NoError(t, err)
	require.Equal(t, "967.epub.images", filepath.Base(localPath))

	data, err := os.ReadFile(localPath)
	require.NoError(t, err)
	require.Equal(t, "epub bytes", string(data))
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var hits int
	server := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			http.Error(w, "flaky", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	_, err := NewFetcher().Download(context.Background(), server.URL+"/file.epub", t.TempDir(), false)
	require.NoError(t, err)
	require.Equal(t, 3, hits)
}

func TestDownloadExhaustsRetries(t *testing.T) {
	var hits int
	server := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	_, err := NewFetcher().Download(context.Background(), server.URL+"/file.epub", t.TempDir(), false)
	require.ErrorIs(t, err, ErrDownloadFailed)
	require.Equal(t, downloadAttempts, hits)
}

func TestDownloadCoverIsNormalized(t *testing.T) {
	// A big landscape source must come out fitted inside 400x600.
	src := imaging.New(1600, 1000, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, src, imaging.JPEG))

	server := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))

	localPath, err := NewFetcher().Download(context.Background(), server.URL+"/cover.jpg", t.TempDir(), true)
	require.NoError(t, err)

	base := filepath.Base(localPath)
	require.True(t, strings.HasPrefix(base, "cover_"), "got %q", base)
	require.True(t, strings.HasSuffix(base, ".jpg"), "got %q", base)

	img, err := imaging.Open(localPath)
	require.NoError(t, err)
	require.LessOrEqual(t, img.Bounds().Dx(), coverWidth)
	require.LessOrEqual(t, img.Bounds().Dy(), coverHeight)
}

func TestDownloadCoverRejectsNonImage(t *testing.T) {
	server := useTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	}))

	_, err := NewFetcher().Download(context.Background(), server.URL+"/cover.jpg", t.TempDir(), true)
	require.ErrorIs(t, err, ErrDownloadFailed)
}

type epubEntry struct {
	name    string
	content string
}

func writeEpub(t *testing.T, entries []epubEntry) string {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, entry := range entries {
		f, err := w.Create(entry.name)
		require.NoError(t, err)
		_, err = f.Write([]byte(entry.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

const containerEntry = `<?xml version="1.0"?>
<container><rootfiles><rootfile full-path="OEBPS/content.opf"/></rootfiles></container>`

func TestParseEpubSpineOrder(t *testing.T) {
	longPara := strings.Repeat("It was the best of times, it was the worst of times. ", 40)
	path := writeEpub(t, []epubEntry{
		{"META-INF/container.xml", containerEntry},
		{"OEBPS/content.opf", `<?xml version="1.0"?>
<package>
  <manifest>
    <item id="ch2" href="chapter2.xhtml"/>
    <item id="ch1" href="chapter1.xhtml"/>
  </manifest>
  <spine>
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`},
		// Archive order is deliberately reversed to prove the spine wins.
		{"OEBPS/chapter2.xhtml", `<html><body><h2>Chapter Two</h2><p>short</p></body></html>`},
		{"OEBPS/chapter1.xhtml", `<html><body><h1>Chapter One</h1><p>` + longPara + `</p></body></html>`},
	})

	chapters, pageCount, excerpt := NewFetcher().ParseEpub(path)
	require.Equal(t, "Chapter One", chapters[0].Title)
	require.Equal(t, "Chapter Two", chapters[1].Title)
	require.GreaterOrEqual(t, pageCount, 1)
	require.NotEmpty(t, excerpt)
	require.LessOrEqual(t, len(excerpt), maxExcerptLength+len("…"))
	require.True(t, strings.HasPrefix(excerpt, "It was the best of times"))
}

func TestParseEpubZipOrderFallback(t *testing.T) {
	path := writeEpub(t, []epubEntry{
		{"a.xhtml", `<html><body><h1>First</h1></body></html>`},
		{"b.xhtml", `<html><body><h1>Second</h1></body></html>`},
	})

	chapters, pageCount, _ := NewFetcher().ParseEpub(path)
	require.Len(t, chapters, 2)
	require.Equal(t, "First", chapters[0].Title)
	require.Equal(t, 1, pageCount)
}

func TestParseEpubNoHeadings(t *testing.T) {
	path := writeEpub(t, []epubEntry{
		{"text.xhtml", `<html><body><p>Just prose with no chapter headings at all.</p></body></html>`},
	})

	chapters, pageCount, _ := NewFetcher().ParseEpub(path)
	require.Equal(t, fallbackChapters, chapters)
	require.Equal(t, 1, pageCount)
}

func TestParseEpubCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.epub")
	require.NoError(t, os.WriteFile(path, []byte("not a zip archive"), 0o644))

	chapters, pageCount, excerpt := NewFetcher().ParseEpub(path)
	require.Equal(t, fallbackChapters, chapters)
	require.Zero(t, pageCount)
	require.Empty(t, excerpt)
}

func TestParseEpubSkipsShortExcerptCandidates(t *testing.T) {
	long := strings.Repeat("A genuinely substantial paragraph of narrative prose. ", 10)
	path := writeEpub(t, []epubEntry{
		{"text.xhtml", `<html><body><p>Short credit line.</p><p>` + long + `</p></body></html>`},
	})

	_, _, excerpt := NewFetcher().ParseEpub(path)
	require.True(t, strings.HasPrefix(excerpt, "A genuinely substantial"))
}

func TestParseEpubExcerptTruncationKeepsValidUTF8(t *testing.T) {
	// A multibyte rune straddles the excerpt bound.
	long := strings.Repeat("a", maxExcerptLength-1) + "éé"
	path := writeEpub(t, []epubEntry{
		{"text.xhtml", `<html><body><p>` + long + `</p></body></html>`},
	})

	_, _, excerpt := NewFetcher().ParseEpub(path)
	require.True(t, utf8.ValidString(excerpt))
	require.True(t, strings.HasSuffix(excerpt, "…"))
	require.LessOrEqual(t, len(excerpt), maxExcerptLength+len("…"))
}

func TestFileNameFromURL(t *testing.T) {
	require.Equal(t, "967.epub.images", fileNameFromURL("https://example.org/ebooks/967.epub.images"))
	require.Equal(t, "pg967.cover.medium.jpg", fileNameFromURL("https://example.org/cache/epub/967/pg967.cover.medium.jpg"))
	require.True(t, strings.HasPrefix(fileNameFromURL("https://example.org/"), "download_"))
}
