package cmd

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/lepinkainen/humanlog"
	"github.com/parableapp/parable-ingest/cmd/ingest"
	"github.com/parableapp/parable-ingest/internal/cache"
	"github.com/parableapp/parable-ingest/internal/config"
	"github.com/spf13/viper"
)

var runIngestion = ingest.Run

// CLI represents the complete command structure for the parable-ingest application
type CLI struct {
	// Global flags
	Verbose bool `help:"Enable debug logging"`

	// Cache flags
	CacheDBFile string `help:"Path to cache SQLite database file" default:"./cache.db"`
	CacheTTL    string `help:"Cache time-to-live duration (e.g., 720h for 30 days)" default:"720h"`

	Ingest IngestCmd `cmd:"" help:"Ingest a range of archive book ids into the store"`
	Cache  CacheCmd  `cmd:"" help:"Response cache maintenance"`
}

// IngestCmd represents the ingest command
type IngestCmd struct {
	StartID      int    `help:"First archive book id of the range (inclusive)"`
	EndID        int    `help:"Last archive book id of the range (inclusive)"`
	IDs          []int  `help:"Explicit archive book ids (overrides the range)"`
	Workers      int    `help:"Number of concurrent ingestion workers" default:"5"`
	ProgressFile string `help:"Path to the completed-ids file" default:"./data/processed.txt"`
	TempDir      string `help:"Directory for per-book temporary assets" default:"./data/temp"`
	IDTimeout    string `help:"Overall timeout for a single book id" default:"300s"`
}

// Execute runs the Kong-based CLI
func Execute() {
	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("parable-ingest"),
		kong.Description("Batch ingestion of public-archive books into the Parable store."),
		kong.UsageOnError(),
	)

	initLogging(cli.Verbose)
	initConfig(&cli)

	err := ctx.Run()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func initConfig(cli *CLI) {
	// Cache defaults
	viper.SetDefault("cache.dbfile", "./cache.db")
	viper.SetDefault("cache.ttl", "720h") // 30 days

	viper.SetDefault("mongo.database", "parable")

	// Enable environment variable support
	viper.AutomaticEnv()
	// Bind connection settings and secrets to environment variables
	for key, env := range map[string]string{
		"mongo.uri":      "MONGO_URI",
		"mongo.database": "MONGO_DB",
		"s3.endpoint":    "S3_ENDPOINT",
		"s3.accesskey":   "S3_ACCESS_KEY",
		"s3.secretkey":   "S3_SECRET_KEY",
		"s3.bucket":      "S3_BUCKET",
		"s3.region":      "S3_REGION",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			slog.Error("Failed to bind environment variable", "env", env, "error", err)
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Debug("Config file not found, using environment and defaults")
		} else {
			slog.Error("Fatal error config file", "error", err)
			os.Exit(1)
		}
	}

	// Update cache config based on CLI flags
	viper.Set("cache.dbfile", cli.CacheDBFile)
	viper.Set("cache.ttl", cli.CacheTTL)

	config.InitConfig()
}

// CacheCmd groups cache maintenance subcommands
type CacheCmd struct {
	Invalidate InvalidateCmd `cmd:"" help:"Clear cached responses for one source table, or all of them"`
}

// InvalidateCmd clears cached source responses
type InvalidateCmd struct {
	Source string `arg:"" help:"Cache table name (e.g. gutenberg_cache) or 'all'"`
}

// Run executes the cache invalidate command
func (c *InvalidateCmd) Run() error {
	db, err := cache.GetGlobalCache()
	if err != nil {
		return err
	}

	tables := []string{c.Source}
	if c.Source == "all" {
		tables = tables[:0]
		for name := range cache.ValidCacheTableNames {
			tables = append(tables, name)
		}
	}

	for _, table := range tables {
		deleted, err := db.InvalidateSource(table)
		if err != nil {
			return err
		}
		slog.Info("Cache table cleared", "table", table, "deleted", deleted)
	}
	return nil
}

// Run executes the ingest command
func (c *IngestCmd) Run() error {
	return runIngestion(ingest.Options{
		StartID:      c.StartID,
		EndID:        c.EndID,
		IDs:          c.IDs,
		Workers:      c.Workers,
		ProgressFile: c.ProgressFile,
		TempDir:      c.TempDir,
		IDTimeout:    c.IDTimeout,
	})
}

func initLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	handler := humanlog.NewHandler(os.Stdout, &humanlog.Options{
		Level: level,
	})

	slog.SetDefault(slog.New(handler))
}
