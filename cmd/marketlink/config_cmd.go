package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value (dot notation, e.g. default.base_url)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Set %s\n", args[0])
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println("[default]")
		fmt.Printf("  base_url     = %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  realtime_url = %s\n", valueOrDefault(cfg.Default.RealtimeURL, "(derived from base_url)"))
		fmt.Printf("  version      = %s\n", valueOrDefault(cfg.Default.Version, "(default)"))
		fmt.Println("[cache]")
		fmt.Printf("  path          = %s\n", valueOrDefault(cfg.Cache.Path, "(default)"))
		if cfg.Cache.QueueRetries > 0 {
			fmt.Printf("  queue_retries = %d\n", cfg.Cache.QueueRetries)
		} else {
			fmt.Println("  queue_retries = (default)")
		}
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}
