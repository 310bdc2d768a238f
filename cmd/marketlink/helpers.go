package main

import (
	"fmt"
	"os"
	"path/filepath"

	marketlink "github.com/MarketLink-HQ/marketlink-go"
)

// getClient creates a MarketLink client from the CLI config, backed by the
// durable SQLite cache.
func getClient() *marketlink.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'marketlink config set default.base_url <url>' first.")
		os.Exit(1)
	}

	cachePath := cfg.Cache.Path
	if cachePath == "" {
		dir, err := configDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve cache path: %v\n", err)
			os.Exit(1)
		}
		cachePath = filepath.Join(dir, "cache.db")
	}
	storage, err := marketlink.OpenSQLiteStorage(cachePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
		os.Exit(1)
	}

	// The client owns the database handle; every subcommand's Close
	// releases it.
	opts := []marketlink.ClientOption{marketlink.WithOwnedStorage(storage)}
	if cfg.Default.RealtimeURL != "" {
		opts = append(opts, marketlink.WithRealtimeURL(cfg.Default.RealtimeURL))
	}
	if cfg.Default.Version != "" {
		opts = append(opts, marketlink.WithVersion(cfg.Default.Version))
	}
	if cfg.Cache.QueueRetries > 0 {
		opts = append(opts, marketlink.WithQueueRetries(cfg.Cache.QueueRetries))
	}

	client, err := marketlink.NewClient(cfg.Default.BaseURL, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}
	return client
}

// valueOrDefault returns value, or fallback when value is empty.
func valueOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
