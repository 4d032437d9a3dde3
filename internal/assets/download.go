// Package assets downloads binary book assets and transforms them:
// covers are normalized to a fixed JPEG frame, epubs are parsed for
// chapter structure, page estimates and an excerpt.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"log/slog"
)

// ErrDownloadFailed marks a download that exhausted all retry attempts.
var ErrDownloadFailed = errors.New("download failed after retries")

// Package-level variables for HTTP access and retry pacing.
// These can be overridden in tests for dependency injection.
var (
	httpClient    *http.Client
	clientOnce    sync.Once
	httpClientNew = func() *http.Client {
		return &http.Client{Timeout: 20 * time.Second}
	}
	retryDelay = 2 * time.Second
)

const (
	downloadAttempts = 3

	coverWidth  = 400
	coverHeight = 600
	jpegQuality = 80
)

const userAgent = "ParableIngestBot/1.0 (ingest@parable.app)"

func getHTTPClient() *http.Client {
	clientOnce.Do(func() {
		httpClient = httpClientNew()
	})
	return httpClient
}

// Fetcher downloads and transforms binary assets into a working
// directory owned by the caller.
type Fetcher struct{}

// NewFetcher creates an asset fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{}
}

// Download fetches a URL into dir, retrying transient failures with a
// fixed delay. Cover downloads are re-encoded into the canonical cover
// frame; everything else keeps the URL's file name. Exhausted retries
// return an error wrapping ErrDownloadFailed.
func (f *Fetcher) Download(ctx context.Context, rawURL, dir string, cover bool) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating download dir: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		localPath, err := f.fetchOnce(ctx, rawURL, dir, cover)
		if err == nil {
			return localPath, nil
		}
		lastErr = err
		slog.Debug("Download attempt failed", "url", rawURL, "attempt", attempt, "error", err)
	}

	return "", fmt.Errorf("%w: %s: %v", ErrDownloadFailed, rawURL, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, dir string, cover bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := getHTTPClient().Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	if cover {
		return saveCover(resp.Body, dir)
	}
	return saveFile(resp.Body, dir, fileNameFromURL(rawURL))
}

// saveCover decodes the image, fits it into the canonical cover frame
// and writes it out as JPEG under a collision-free name.
func saveCover(r io.Reader, dir string) (string, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decoding cover image: %w", err)
	}

	fitted := imaging.Fit(img, coverWidth, coverHeight, imaging.Lanczos)

	name := fmt.Sprintf("cover_%s.jpg", strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
	localPath := filepath.Join(dir, name)
	if err := imaging.Save(fitted, localPath, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("saving cover image: %w", err)
	}
	return localPath, nil
}

func saveFile(r io.Reader, dir, name string) (string, error) {
	localPath := filepath.Join(dir, name)
	out, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}

	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		_ = os.Remove(localPath)
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing file: %w", err)
	}
	return localPath, nil
}

// fileNameFromURL keeps the URL path's base name, falling back to a
// generated name for opaque URLs.
func fileNameFromURL(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		if base := path.Base(parsed.Path); base != "" && base != "/" && base != "." {
			return base
		}
	}
	return fmt.Sprintf("download_%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:10])
}
