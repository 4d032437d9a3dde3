package ingest

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"author suffix", "Oliver Twist by Charles Dickens", "Oliver Twist"},
		{"semicolon subtitle", "Mansfield Park; a novel", "Mansfield Park"},
		{"plain", "Middlemarch", "Middlemarch"},
		{"case insensitive by", "Emma BY Jane Austen", "Emma"},
		{"by inside a word survives", "Goodbye to All That", "Goodbye to All That"},
		{"empty", "", "Unknown Title"},
		{"whitespace only", "   ", "Unknown Title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CleanTitle(tt.in))
		})
	}
}

func TestIsEditorPick(t *testing.T) {
	tests := []struct {
		name   string
		title  string
		rating float64
		want   bool
	}{
		{"high rating", "Obscure Novel", 4.2, true},
		{"below threshold", "Obscure Novel", 4.19, false},
		{"zero rating classic", "The Great Gatsby", 0, true},
		{"classic substring", "Dracula's Guest", 0, true},
		{"classic case insensitive", "PRIDE AND PREJUDICE", 0, true},
		{"nothing special", "A Minor Work", 3.0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsEditorPick(tt.title, tt.rating))
		})
	}
}

func TestResolveDescription(t *testing.T) {
	longDesc := "A sweeping portrait of ambition and decay in the roaring twenties, told through the eyes of a midwestern outsider drawn into the orbit of his mysterious neighbor."
	require.GreaterOrEqual(t, len(longDesc), minDescriptionLength)

	t.Run("long bibliographic description wins", func(t *testing.T) {
		require.Equal(t, longDesc, resolveDescription(longDesc, true, "an excerpt"))
	})

	t.Run("short description loses to excerpt", func(t *testing.T) {
		require.Equal(t, "an excerpt", resolveDescription("Too short.", true, "an excerpt"))
	})

	t.Run("short description kept when no excerpt", func(t *testing.T) {
		require.Equal(t, "Too short.", resolveDescription("Too short.", true, ""))
	})

	t.Run("default when everything is empty", func(t *testing.T) {
		require.Equal(t, defaultDescription, resolveDescription("", false, ""))
	})
}

func TestNormalizeGenres(t *testing.T) {
	t.Run("title cased and deduped", func(t *testing.T) {
		got := normalizeGenres([]string{"gothic fiction", "Gothic Fiction", " horror ", ""})
		require.Equal(t, []string{"Gothic Fiction", "Horror"}, got)
	})

	t.Run("capped", func(t *testing.T) {
		got := normalizeGenres([]string{"a", "b", "c", "d", "e", "f", "g"})
		require.Len(t, got, maxGenres)
	})

	t.Run("empty input", func(t *testing.T) {
		require.Empty(t, normalizeGenres(nil))
	})
}

func TestTruncate(t *testing.T) {
	t.Run("short string untouched", func(t *testing.T) {
		require.Equal(t, "héllo", Truncate("héllo", 100))
	})

	t.Run("ascii cut exactly at limit", func(t *testing.T) {
		require.Equal(t, strings.Repeat("a", 10), Truncate(strings.Repeat("a", 15), 10))
	})

	t.Run("never splits a rune", func(t *testing.T) {
		// "é" is 2 bytes; the limit lands in the middle of it.
		in := strings.Repeat("a", 999) + "é"
		got := Truncate(in, 1000)
		require.True(t, utf8.ValidString(got))
		require.Equal(t, strings.Repeat("a", 999), got)
	})

	t.Run("multibyte only", func(t *testing.T) {
		got := Truncate(strings.Repeat("日", 10), 8) // 3 bytes per rune
		require.True(t, utf8.ValidString(got))
		require.Equal(t, "日日", got)
	})
}

func TestPublicationDate(t *testing.T) {
	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.FixedZone("EET", 2*3600))

	t.Run("resolved year pins january first", func(t *testing.T) {
		got := publicationDate("1925", now)
		require.Equal(t, time.Date(1925, time.January, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("unresolved year falls back to now in UTC", func(t *testing.T) {
		got := publicationDate("", now)
		require.Equal(t, now.UTC(), got)
	})
}
