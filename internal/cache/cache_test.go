package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *CacheDB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := NewCacheDB(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	for _, schema := range AllCacheSchemas {
		require.NoError(t, db.CreateTable(schema))
	}
	return db
}

func useTestGlobalCache(t *testing.T) {
	t.Helper()

	require.NoError(t, ResetGlobalCache())
	viper.Set("cache.dbfile", filepath.Join(t.TempDir(), "cache.db"))
	viper.Set("cache.ttl", "720h")
	t.Cleanup(func() {
		_ = ResetGlobalCache()
		viper.Set("cache.dbfile", "")
	})
}

func TestSetAndGet(t *testing.T) {
	db := newTestCache(t)

	require.NoError(t, db.Set("googlebooks_cache", "key1", `{"value":1}`))

	data, found, err := db.Get("googlebooks_cache", "key1", time.Hour)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, `{"value":1}`, data)
}

func TestGetMissing(t *testing.T) {
	db := newTestCache(t)

	_, found, err := db.Get("googlebooks_cache", "nope", time.Hour)
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetExpired(t *testing.T) {
	db := newTestCache(t)

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, db.SetWithTimestamp("goodreads_cache", "key1", "data", old))

	_, found, err := db.Get("goodreads_cache", "key1", time.Hour)
	require.NoError(t, err)
	require.False(t, found)
}

func TestInvalidTableName(t *testing.T) {
	db := newTestCache(t)

	err := db.Set("books; DROP TABLE goodreads_cache", "key", "data")
	require.Error(t, err)
}

func TestInvalidateSource(t *testing.T) {
	db := newTestCache(t)

	require.NoError(t, db.Set("wikipedia_cache", "a", "1"))
	require.NoError(t, db.Set("wikipedia_cache", "b", "2"))

	deleted, err := db.InvalidateSource("wikipedia_cache")
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
}

func TestGetOrFetchCachesResult(t *testing.T) {
	useTestGlobalCache(t)

	fetches := 0
	fetch := func() (map[string]int, error) {
		fetches++
		return map[string]int{"pages": 100}, nil
	}

	first, cached, err := GetOrFetch("openlibrary_cache", "title|author", fetch)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, 100, first["pages"])

	second, cached, err := GetOrFetch("openlibrary_cache", "title|author", fetch)
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, first, second)
	require.Equal(t, 1, fetches)
}

func TestGetOrFetchWithNegativeTTL(t *testing.T) {
	useTestGlobalCache(t)

	type result struct {
		NotFound bool `json:"not_found"`
	}

	_, cached, err := GetOrFetchWithTTL("gutenberg_cache", "404", func() (result, error) {
		return result{NotFound: true}, nil
	}, SelectNegativeCacheTTL(func(r result) bool { return r.NotFound }))
	require.NoError(t, err)
	require.False(t, cached)

	// The negative entry is stored backdated but still fresh within the
	// negative TTL window.
	got, cached, err := GetOrFetchWithTTL("gutenberg_cache", "404", func() (result, error) {
		t.Fatal("fetch should not be called on a fresh negative entry")
		return result{}, nil
	}, SelectNegativeCacheTTL(func(r result) bool { return r.NotFound }))
	require.NoError(t, err)
	require.True(t, cached)
	require.True(t, got.NotFound)
}
