package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ebookFolder         = "books/ebook-files"
	coverFolder         = "books/covers"
	authorPictureFolder = "authors/profiles"

	defaultAuthorPicture = "https://assets.parable.app/placeholders/author-default.jpg"

	fallbackGenre = "Classics"
)

// Pipeline wires the source adapters, the asset pipeline and the
// persistence reconciler into the per-id enrichment waterfall.
type Pipeline struct {
	Catalog CatalogSource
	Biblio  BiblioSource
	Social  SocialSource
	Wiki    WikiSource
	Assets  AssetFetcher
	Blobs   BlobStore
	Store   Reconciler

	// TempDir is the root for per-id working directories. The driver
	// removes TempDirFor(id) after each run regardless of outcome.
	TempDir string

	now func() time.Time
}

// TempDirFor returns the working directory owned by one id's run.
func (p *Pipeline) TempDirFor(id int) string {
	return filepath.Join(p.TempDir, strconv.Itoa(id))
}

func (p *Pipeline) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Run executes the full enrichment waterfall for one archive id. Phases
// are strictly sequential; any error aborts this id only. Absence of
// the catalog entry returns ErrSkipped so the driver can tell skips
// from failures.
func (p *Pipeline) Run(ctx context.Context, id int) error {
	tempDir := p.TempDirFor(id)

	// Phase 1: extract the raw catalog record.
	raw, err := p.Catalog.FetchCatalogEntry(ctx, id)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: id %d", ErrSkipped, id)
	}

	rec := &EnrichedRecord{Raw: *raw}

	// Phase 2: normalize the title before any downstream text search.
	rec.Title = CleanTitle(raw.Title)
	slog.Debug("Extracted catalog entry", "id", id, "title", rec.Title, "author", raw.AuthorName)

	// Phase 3: resolve enrichment fields. Each resolution is
	// independent, but all complete before asset processing because
	// the cover resolution feeds the download step.
	if year, ok := p.Biblio.FetchPublicationYear(ctx, rec.Title, raw.AuthorName, id); ok {
		rec.PublicationYear = year
	}
	rec.PublicationDate = publicationDate(rec.PublicationYear, p.clock())

	rec.Genres = normalizeGenres(p.Social.FetchGenres(ctx, rec.Title, raw.AuthorName))
	if len(rec.Genres) == 0 {
		rec.Genres = normalizeGenres(raw.Subjects)
	}
	if len(rec.Genres) == 0 {
		rec.Genres = []string{fallbackGenre}
	}

	rec.CoverURL = p.Social.ResolveModernCover(ctx, rec.Title, raw.AuthorName, id)

	if isbn, ok := p.Biblio.FetchISBN(ctx, rec.Title, raw.AuthorName); ok {
		rec.ISBN = isbn
	}

	rec.Stats = p.Biblio.FetchSocialStats(ctx, rec.Title, raw.AuthorName)
	if rec.Stats.AverageRating == 0 {
		slog.Debug("Bibliographic rating absent, trying social fallback", "id", id)
		rec.Stats = p.Social.FetchRatingFallback(ctx, rec.Title, raw.AuthorName)
	}

	// Phase 4: asset processing. A failed ebook download is fatal for
	// this id; a failed cover degrades to the remote URL.
	epubPath, err := p.Assets.Download(ctx, raw.EpubURL, filepath.Join(tempDir, "epubs"), false)
	if err != nil {
		return fmt.Errorf("ebook download for id %d: %w", id, err)
	}

	coverPath := ""
	if rec.CoverURL != "" {
		coverPath, err = p.Assets.Download(ctx, rec.CoverURL, filepath.Join(tempDir, "covers"), true)
		if err != nil {
			slog.Warn("Cover download failed, continuing without cover", "id", id, "error", err)
			coverPath = ""
		}
	}

	rec.Chapters, rec.PageCount, rec.Excerpt = p.Assets.ParseEpub(epubPath)

	// Phase 5: description resolution.
	biblioDesc, biblioOK := p.Biblio.FetchDescription(ctx, rec.Title, raw.AuthorName)
	rec.Description = resolveDescription(biblioDesc, biblioOK, rec.Excerpt)

	// Phase 6: derived flags.
	rec.EditorPick = IsEditorPick(rec.Title, rec.Stats.AverageRating)

	// Phase 7: persistence. Authors and genres are upserted strictly
	// before the book so every reference resolves at write time.
	authorID, err := p.persistAuthor(ctx, raw.AuthorName, tempDir)
	if err != nil {
		return fmt.Errorf("author upsert for id %d: %w", id, err)
	}

	genreIDs := make([]string, 0, len(rec.Genres))
	for _, name := range rec.Genres {
		gid, err := p.Store.UpsertGenre(ctx, GenrePayload{
			Name:        name,
			Description: p.Wiki.FetchGenreDescription(ctx, name),
		})
		if err != nil {
			return fmt.Errorf("genre upsert %q for id %d: %w", name, id, err)
		}
		genreIDs = append(genreIDs, gid)
	}

	rec.EbookObjectURL, err = p.Blobs.Upload(ctx, epubPath, ebookFolder)
	if err != nil {
		return fmt.Errorf("ebook upload for id %d: %w", id, err)
	}
	if coverPath != "" {
		uploaded, err := p.Blobs.Upload(ctx, coverPath, coverFolder)
		if err != nil {
			slog.Warn("Cover upload failed, keeping remote URL", "id", id, "error", err)
		} else {
			rec.CoverObjectURL = uploaded
		}
	}

	coverImage := rec.CoverObjectURL
	if coverImage == "" {
		coverImage = rec.CoverURL
	}

	bookID, err := p.Store.UpsertBook(ctx, BookPayload{
		Title:           rec.Title,
		Description:     rec.Description,
		AuthorID:        authorID,
		GenreIDs:        genreIDs,
		CoverImage:      coverImage,
		EbookFileURL:    rec.EbookObjectURL,
		Publisher:       raw.Publisher,
		Language:        raw.Language,
		PageCount:       rec.PageCount,
		Chapters:        rec.Chapters,
		ISBN:            rec.ISBN,
		PublicationDate: rec.PublicationDate,
		EditorPick:      rec.EditorPick,
		Stats:           rec.Stats,
	})
	if err != nil {
		return fmt.Errorf("book upsert for id %d: %w", id, err)
	}

	if err := p.Store.LinkBookToAuthor(ctx, authorID, bookID); err != nil {
		return fmt.Errorf("author link for id %d: %w", id, err)
	}

	// Phase 8: social proof against the now-durable book identity.
	if err := p.Store.RecordSocialStats(ctx, bookID, rec.Stats); err != nil {
		return fmt.Errorf("social stats for id %d: %w", id, err)
	}
	if err := p.Store.SeedEngagement(ctx, bookID, rec.Stats); err != nil {
		return fmt.Errorf("engagement seed for id %d: %w", id, err)
	}

	reviewRating := rec.Stats.AverageRating
	if reviewRating == 0 {
		reviewRating = 4.0
	}
	for _, snippet := range p.Social.FetchReviews(ctx, rec.Title, raw.AuthorName) {
		if err := p.Store.AppendReview(ctx, bookID, reviewRating, snippet); err != nil {
			return fmt.Errorf("review append for id %d: %w", id, err)
		}
	}

	slog.Info("Book ingested", "id", id, "title", rec.Title, "book", bookID, "editorPick", rec.EditorPick)
	return nil
}

// persistAuthor upserts the author identity, mirroring the encyclopedia
// profile picture to object storage when one exists. Picture failures
// degrade to the remote URL or the placeholder.
func (p *Pipeline) persistAuthor(ctx context.Context, name, tempDir string) (string, error) {
	details := p.Wiki.FetchAuthorDetails(ctx, name)

	bio := details.Bio
	if bio == "" {
		bio = fmt.Sprintf("%s is an author featured on Project Gutenberg.", name)
	}
	nationality := details.Nationality
	if nationality == "" {
		nationality = "Unknown"
	}

	picture := details.PictureURL
	if strings.HasPrefix(picture, "http") {
		local, err := p.Assets.Download(ctx, picture, filepath.Join(tempDir, "authors"), true)
		if err == nil {
			if uploaded, err := p.Blobs.Upload(ctx, local, authorPictureFolder); err == nil {
				picture = uploaded
			} else {
				slog.Warn("Author picture upload failed", "author", name, "error", err)
			}
		} else {
			slog.Warn("Author picture download failed", "author", name, "error", err)
		}
	}
	if picture == "" {
		picture = defaultAuthorPicture
	}

	return p.Store.UpsertAuthor(ctx, AuthorPayload{
		Name:        name,
		Bio:         bio,
		PictureURL:  picture,
		Nationality: nationality,
	})
}
