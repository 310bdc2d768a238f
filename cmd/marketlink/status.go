package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, cache regions, and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Version:  %s\n", valueOrDefault(cfg.Default.Version, "(default)"))

		if cfg.Default.BaseURL == "" {
			return nil
		}

		client := getClient()
		defer client.Close()

		fmt.Println()
		fmt.Println("Cache regions:")
		regions, err := client.Storage().Regions()
		if err != nil {
			return fmt.Errorf("list regions: %w", err)
		}
		for _, region := range regions {
			keys, err := client.Storage().CacheKeys(region)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			fmt.Printf("  %-16s %d entries\n", region, len(keys))
		}

		fmt.Println()
		fmt.Printf("Sync queue: %d pending\n", client.Queue().Len())
		return nil
	},
}
