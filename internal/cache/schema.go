package cache

// SQL schemas for cache tables
// All cache tables use "cache_key" as the primary key column for consistency

// GutenbergCacheSchema defines the schema for archive catalog page cache
const GutenbergCacheSchema = `
CREATE TABLE IF NOT EXISTS gutenberg_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_gutenberg_cached_at ON gutenberg_cache(cached_at);
`

// GoogleBooksCacheSchema defines the schema for Google Books API cache
const GoogleBooksCacheSchema = `
CREATE TABLE IF NOT EXISTS googlebooks_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_googlebooks_cached_at ON googlebooks_cache(cached_at);
`

// OpenLibraryCacheSchema defines the schema for OpenLibrary search cache
const OpenLibraryCacheSchema = `
CREATE TABLE IF NOT EXISTS openlibrary_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_openlibrary_cached_at ON openlibrary_cache(cached_at);
`

// GoodreadsCacheSchema defines the schema for social-reading page cache
const GoodreadsCacheSchema = `
CREATE TABLE IF NOT EXISTS goodreads_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_goodreads_cached_at ON goodreads_cache(cached_at);
`

// WikipediaCacheSchema defines the schema for encyclopedia extract cache
const WikipediaCacheSchema = `
CREATE TABLE IF NOT EXISTS wikipedia_cache (
	cache_key TEXT PRIMARY KEY NOT NULL,
	data TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_wikipedia_cached_at ON wikipedia_cache(cached_at);
`

// AllCacheSchemas contains all cache table schemas for easy initialization
var AllCacheSchemas = []string{
	GutenbergCacheSchema,
	GoogleBooksCacheSchema,
	OpenLibraryCacheSchema,
	GoodreadsCacheSchema,
	WikipediaCacheSchema,
}

// ValidCacheTableNames is the whitelist of allowed cache table names
// Used to prevent SQL injection when interpolating table names
var ValidCacheTableNames = map[string]bool{
	"gutenberg_cache":   true,
	"googlebooks_cache": true,
	"openlibrary_cache": true,
	"goodreads_cache":   true,
	"wikipedia_cache":   true,
}
