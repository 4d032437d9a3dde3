package ingest

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// minDescriptionLength is the shortest bibliographic description
	// accepted before falling back to the epub excerpt.
	minDescriptionLength = 100

	// defaultDescription is persisted when every source came up empty.
	defaultDescription = "No description available."

	// editorPickThreshold promotes any book rated at or above it.
	editorPickThreshold = 4.2

	maxGenres = 5
)

// canonicalClassics promotes well-known titles regardless of rating,
// matched case-insensitively as substrings of the normalized title.
var canonicalClassics = []string{"gatsby", "dracula", "pride", "war and peace"}

var titleSuffixPattern = regexp.MustCompile(`(?i)\s+by\s+|;`)

var titleCaser = cases.Title(language.English)

// CleanTitle isolates the book title from author suffixes the archive
// sometimes embeds in the title field ("Oliver Twist by Charles
// Dickens", "Mansfield Park; a novel").
func CleanTitle(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Unknown Title"
	}
	return strings.TrimSpace(titleSuffixPattern.Split(raw, 2)[0])
}

// IsEditorPick derives the editorial-pick flag from the resolved rating
// and the canonical-classics allow list.
func IsEditorPick(title string, rating float64) bool {
	if rating >= editorPickThreshold {
		return true
	}
	lower := strings.ToLower(title)
	for _, classic := range canonicalClassics {
		if strings.Contains(lower, classic) {
			return true
		}
	}
	return false
}

// resolveDescription picks the persisted description: a bibliographic
// description of useful length wins, then the epub excerpt, then the
// documented default. The result is never empty.
func resolveDescription(biblioDesc string, biblioOK bool, excerpt string) string {
	if biblioOK && len(biblioDesc) >= minDescriptionLength {
		return biblioDesc
	}
	if strings.TrimSpace(excerpt) != "" {
		return excerpt
	}
	if biblioOK && strings.TrimSpace(biblioDesc) != "" {
		return biblioDesc
	}
	return defaultDescription
}

// normalizeGenres dedupes, title-cases and caps the genre list.
func normalizeGenres(genres []string) []string {
	seen := make(map[string]bool, len(genres))
	out := make([]string, 0, maxGenres)
	for _, g := range genres {
		name := titleCaser.String(strings.TrimSpace(g))
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
		if len(out) == maxGenres {
			break
		}
	}
	return out
}

// Truncate bounds scraped text to at most limit bytes without splitting
// a multibyte rune, so persisted fields stay valid UTF-8.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// publicationDate maps a resolved year onto January 1st of that year
// for stable sorting; an unresolved year falls back to ingestion time.
func publicationDate(year string, now time.Time) time.Time {
	if len(year) == 4 {
		var y int
		for _, r := range year {
			y = y*10 + int(r-'0')
		}
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return now.UTC()
}
