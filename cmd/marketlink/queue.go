package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var queueDrain bool

func init() {
	queueCmd.Flags().BoolVar(&queueDrain, "drain", false, "replay pending entries now")
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the offline write queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		defer client.Close()

		entries, err := client.Queue().Entries()
		if err != nil {
			return fmt.Errorf("list queue: %w", err)
		}
		if len(entries) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		fmt.Printf("%d pending entries:\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  %s  %-6s %s  (enqueued %s, retries %d)\n",
				e.ID[:8], e.Method, e.URL, e.EnqueuedAt.Format(time.RFC3339), e.Retries)
			if e.LastError != "" {
				fmt.Printf("          last error: %s\n", e.LastError)
			}
		}

		if queueDrain {
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			fmt.Println("Draining...")
			if err := client.Queue().Drain(ctx); err != nil {
				return err
			}
			fmt.Printf("Done. %d entries remain.\n", client.Queue().Len())
		}
		return nil
	},
}
