// Package ingest implements the per-book enrichment waterfall: it
// sequences the external sources and the asset pipeline for one archive
// id, merges their answers into a single record and hands the result to
// the persistence layer.
package ingest

import (
	"context"
	"errors"
	"time"
)

// ErrSkipped marks an id whose catalog entry does not exist. The driver
// counts it separately from failures and does not mark it complete.
var ErrSkipped = errors.New("catalog entry not found")

// RawExtraction is the field bag scraped from the archive catalog page.
// It is produced once per id and never mutated afterwards; the pipeline
// merges enrichment on top of a copy of its values.
type RawExtraction struct {
	ArchiveID  int
	Title      string
	AuthorName string
	Subjects   []string
	Language   string
	// Description is usually empty on the catalog page; enrichment
	// fills it in later.
	Description string
	EpubURL     string
	CoverURL    string
	Publisher   string
}

// Chapter is one entry of a book's chapter list.
type Chapter struct {
	Title string
}

// SocialStats carries the aggregate rating signals resolved for a book.
type SocialStats struct {
	AverageRating float64
	NumReviews    int
}

// AuthorDetails is the encyclopedia lookup result for an author name.
// Zero value means nothing was found.
type AuthorDetails struct {
	Bio         string
	PictureURL  string
	Nationality string
}

// EnrichedRecord is the merged in-memory result of all resolution
// phases for one book. It exists only for the duration of a single
// pipeline run; the reconciler decomposes it into per-collection
// documents.
type EnrichedRecord struct {
	Raw RawExtraction

	// Title after suffix normalization ("Title by Author" -> "Title").
	Title string

	// PublicationYear is the resolved 4-digit year, empty if unresolved.
	PublicationYear string
	PublicationDate time.Time

	Genres      []string
	CoverURL    string
	ISBN        string
	Description string

	Chapters  []Chapter
	PageCount int
	Excerpt   string

	EditorPick bool
	Stats      SocialStats

	// Object storage references filled in during persistence.
	EbookObjectURL string
	CoverObjectURL string
}

// AuthorPayload is the upsert input for one author identity.
type AuthorPayload struct {
	Name        string
	Bio         string
	PictureURL  string
	Nationality string
}

// GenrePayload is the upsert input for one genre identity.
type GenrePayload struct {
	Name        string
	Description string
}

// BookPayload is the upsert input for one book document.
type BookPayload struct {
	Title           string
	Description     string
	AuthorID        string
	GenreIDs        []string
	CoverImage      string
	EbookFileURL    string
	Publisher       string
	Language        string
	PageCount       int
	Chapters        []Chapter
	ISBN            string
	PublicationDate time.Time
	EditorPick      bool
	Stats           SocialStats
}

// CatalogSource fetches the raw archive record for a book id.
type CatalogSource interface {
	// FetchCatalogEntry returns ErrNotFound-equivalent absence as an
	// error satisfying errors.Is(err, ErrSkipped) via the pipeline.
	FetchCatalogEntry(ctx context.Context, id int) (*RawExtraction, error)
}

// BiblioSource resolves bibliographic facts for a (title, author) pair.
// All lookups report absence through ok booleans or zero values, never
// through errors.
type BiblioSource interface {
	FetchSocialStats(ctx context.Context, title, author string) SocialStats
	FetchPublicationYear(ctx context.Context, title, author string, archiveID int) (string, bool)
	FetchISBN(ctx context.Context, title, author string) (string, bool)
	FetchDescription(ctx context.Context, title, author string) (string, bool)
}

// SocialSource resolves community signals from the social-reading site.
type SocialSource interface {
	FetchGenres(ctx context.Context, title, author string) []string
	FetchReviews(ctx context.Context, title, author string) []string
	FetchRatingFallback(ctx context.Context, title, author string) SocialStats
	// ResolveModernCover never returns an empty URL: the archive's own
	// cached cover is the terminal fallback.
	ResolveModernCover(ctx context.Context, title, author string, archiveID int) string
}

// WikiSource resolves encyclopedia extracts for authors and genres.
type WikiSource interface {
	FetchAuthorDetails(ctx context.Context, name string) AuthorDetails
	// FetchGenreDescription always returns a usable description; a
	// deterministic placeholder stands in when no page is found.
	FetchGenreDescription(ctx context.Context, genre string) string
}

// AssetFetcher downloads and transforms binary assets.
type AssetFetcher interface {
	// Download is the one pipeline call allowed to return a terminal
	// error after exhausting retries.
	Download(ctx context.Context, url, dir string, cover bool) (string, error)
	// ParseEpub tolerates corrupt containers and never fails.
	ParseEpub(path string) (chapters []Chapter, pageCount int, excerpt string)
}

// BlobStore mirrors a local file to object storage and returns its
// retrievable URL.
type BlobStore interface {
	Upload(ctx context.Context, localPath, folder string) (string, error)
}

// Reconciler maps merged records onto idempotent document-store writes.
type Reconciler interface {
	UpsertAuthor(ctx context.Context, p AuthorPayload) (string, error)
	UpsertGenre(ctx context.Context, p GenrePayload) (string, error)
	UpsertBook(ctx context.Context, p BookPayload) (string, error)
	LinkBookToAuthor(ctx context.Context, authorID, bookID string) error
	RecordSocialStats(ctx context.Context, bookID string, stats SocialStats) error
	SeedEngagement(ctx context.Context, bookID string, stats SocialStats) error
	AppendReview(ctx context.Context, bookID string, rating float64, comment string) error
}
