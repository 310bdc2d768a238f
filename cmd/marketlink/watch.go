package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	marketlink "github.com/MarketLink-HQ/marketlink-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <symbol> [symbol...]",
	Short: "Stream realtime price updates for symbols",
	Long:  "Subscribe to realtime price updates. The connection reconnects automatically with backoff; while it is down, prices are polled through the cache router instead.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		defer client.Close()

		ch := client.Realtime()
		ch.OnStateChange(func(state marketlink.ChannelState) {
			fmt.Printf("-- channel %s\n", state)
		})
		ch.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("-- reconnect attempt %d in %s\n", attempt, delay)
		})

		ctx := context.Background()
		if err := ch.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "initial connect failed: %v\n", err)
		}

		facade := marketlink.NewRealtimeFacade(marketlink.FacadeConfig{
			Channel: ch,
			Refresh: func(ctx context.Context) {
				for _, sym := range args {
					resp, err := client.Get(ctx, "/api/price/"+strings.ToUpper(sym))
					if err != nil {
						continue
					}
					fmt.Printf("%s (poll, %s): %s\n", strings.ToUpper(sym), resp.Source, string(resp.Body))
				}
			},
		})
		defer facade.Close()

		for _, sym := range args {
			sub := ch.SubscribePrice(sym, func(topic string, data json.RawMessage) {
				var p marketlink.PriceUpdate
				if json.Unmarshal(data, &p) == nil {
					fmt.Printf("%s: %.2f (%+.2f%%)\n", p.Symbol, p.Price, p.ChangePercent)
				}
			})
			defer sub.Unsubscribe()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}
