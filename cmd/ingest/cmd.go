// Package ingest drives a batch run: it wires the source adapters, the
// asset pipeline and the persistence layer together, fans the id range
// out over a bounded worker pool and records completions for resume.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parableapp/parable-ingest/internal/archive"
	"github.com/parableapp/parable-ingest/internal/assets"
	"github.com/parableapp/parable-ingest/internal/biblio"
	"github.com/parableapp/parable-ingest/internal/blob"
	"github.com/parableapp/parable-ingest/internal/config"
	"github.com/parableapp/parable-ingest/internal/ingest"
	"github.com/parableapp/parable-ingest/internal/progress"
	"github.com/parableapp/parable-ingest/internal/social"
	"github.com/parableapp/parable-ingest/internal/store"
	"github.com/parableapp/parable-ingest/internal/wiki"
	"golang.org/x/sync/errgroup"
	"log/slog"
)

// Options carries the resolved CLI flags for one batch run.
type Options struct {
	StartID      int
	EndID        int
	IDs          []int
	Workers      int
	ProgressFile string
	TempDir      string
	IDTimeout    string
}

// Run executes one batch ingestion. Individual book failures are
// counted and logged but never abort the batch; only setup problems
// (config, store, storage) are returned.
func Run(opts Options) error {
	if err := config.Validate(); err != nil {
		return err
	}

	idTimeout, err := time.ParseDuration(opts.IDTimeout)
	if err != nil {
		return fmt.Errorf("invalid id timeout %q: %w", opts.IDTimeout, err)
	}

	ids, err := candidateIDs(opts)
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, err := store.Connect(ctx, config.MongoURI, config.MongoDatabase)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			slog.Warn("Closing document store failed", "error", err)
		}
	}()

	blobs, err := blob.New(ctx, blob.Config{
		Endpoint:  config.S3Endpoint,
		AccessKey: config.S3AccessKey,
		SecretKey: config.S3SecretKey,
		Bucket:    config.S3Bucket,
		Region:    config.S3Region,
		UseSSL:    config.S3UseSSL,
	})
	if err != nil {
		return err
	}

	biblioClient := biblio.NewClient()
	pipeline := &ingest.Pipeline{
		Catalog: archive.NewClient(),
		Biblio:  biblioClient,
		Social:  social.NewClient(biblioClient),
		Wiki:    wiki.NewClient(),
		Assets:  assets.NewFetcher(),
		Blobs:   blobs,
		Store:   st,
		TempDir: opts.TempDir,
	}

	done, err := progress.Load(opts.ProgressFile)
	if err != nil {
		return err
	}

	pending := pendingIDs(ids, done)
	slog.Info("Starting batch ingestion",
		"candidates", len(ids),
		"alreadyDone", len(ids)-len(pending),
		"pending", len(pending),
		"workers", opts.Workers)

	results := &tally{progressFile: opts.ProgressFile}

	var g errgroup.Group
	g.SetLimit(opts.Workers)

	for _, id := range pending {
		g.Go(func() error {
			runOne(ctx, pipeline, id, idTimeout, results)
			// Per-book failures never abort the batch.
			return nil
		})
	}

	_ = g.Wait()

	slog.Info("Batch ingestion finished",
		"succeeded", results.succeeded.Load(),
		"skipped", results.skipped.Load(),
		"failed", results.failed.Load())
	return nil
}

// tally classifies per-id outcomes and records completions. Only a full
// success marks the id complete; skips and failures leave it pending so
// a later run retries it.
type tally struct {
	succeeded atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64

	progressFile string
	progressMu   sync.Mutex
}

func (t *tally) record(id int, outcome error) {
	switch {
	case outcome == nil:
		t.succeeded.Add(1)
		t.progressMu.Lock()
		defer t.progressMu.Unlock()
		if err := progress.Append(t.progressFile, id); err != nil {
			slog.Error("Recording completion failed", "id", id, "error", err)
		}
	case errors.Is(outcome, ingest.ErrSkipped):
		t.skipped.Add(1)
		slog.Info("Book skipped", "id", id, "reason", outcome)
	default:
		t.failed.Add(1)
		slog.Error("Book ingestion failed", "id", id, "error", outcome)
	}
}

// runOne executes one id under its own timeout and always cleans up its
// working directory.
func runOne(ctx context.Context, p *ingest.Pipeline, id int, timeout time.Duration, results *tally) {
	idCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if err := os.RemoveAll(p.TempDirFor(id)); err != nil {
			slog.Warn("Temp cleanup failed", "id", id, "error", err)
		}
	}()

	results.record(id, p.Run(idCtx, id))
}

// candidateIDs resolves the explicit id list or the inclusive range.
func candidateIDs(opts Options) ([]int, error) {
	if len(opts.IDs) > 0 {
		return opts.IDs, nil
	}
	if opts.StartID <= 0 || opts.EndID < opts.StartID {
		return nil, fmt.Errorf("no ids to ingest: provide --ids or a valid --start-id/--end-id range")
	}

	ids := make([]int, 0, opts.EndID-opts.StartID+1)
	for id := opts.StartID; id <= opts.EndID; id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// pendingIDs filters out ids already recorded as complete.
func pendingIDs(ids []int, done map[int]bool) []int {
	pending := make([]int, 0, len(ids))
	for _, id := range ids {
		if !done[id] {
			pending = append(pending, id)
		}
	}
	return pending
}
