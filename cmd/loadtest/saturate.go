package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/dm/loadtest/client"
	"github.com/whisper/dm/loadtest/stats"
)

// saturateCmd opens many authenticated connections, then holds them while
// pinging, to find the connection capacity before the server starts
// rejecting or dropping sessions.
func saturateCmd() *cobra.Command {
	var (
		connections int
		ramp        time.Duration
		hold        time.Duration
		concurrency int
		pingEvery   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "saturate",
		Short: "Open N idle authenticated connections and hold them",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Saturate test: %d connections to %s (ramp=%s, hold=%s, concurrency=%d)\n",
				connections, wsURL, ramp, hold, concurrency)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := stats.NewCollector()
			api := client.NewHTTP(baseURL)

			fmt.Println("\n--- Ramp-up phase ---")
			rampStart := time.Now()
			users := connectUsers(ctx, api, collector, connections, ramp, concurrency, nil)
			defer closeUsers(users)
			fmt.Printf("\nRamp-up complete: %d/%d connections in %s (%d errors)\n",
				collector.ConnectionCount(), connections,
				time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())

			if ctx.Err() == nil {
				fmt.Println("\n--- Hold phase ---")
				holdConnections(ctx, users, hold, pingEvery)
			}

			collector.Report()
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&connections, "connections", 1000, "number of connections to open")
	f.DurationVar(&ramp, "ramp", 10*time.Second, "ramp-up duration")
	f.DurationVar(&hold, "hold", 30*time.Second, "hold duration after all connections are open")
	f.IntVar(&concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
	f.DurationVar(&pingEvery, "ping", 15*time.Second, "application ping interval during hold")
	return cmd
}

func holdConnections(ctx context.Context, users []*user, hold, pingEvery time.Duration) {
	initial := 0
	for _, u := range users {
		if u != nil {
			initial++
		}
	}
	fmt.Printf("Holding %d connections for %s...\n", initial, hold)

	holdTimer := time.NewTimer(hold)
	defer holdTimer.Stop()
	pingTicker := time.NewTicker(pingEvery)
	defer pingTicker.Stop()
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-holdTimer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-pingTicker.C:
			for _, u := range users {
				if u != nil {
					_ = u.ws.Ping()
				}
			}
		case <-statusTicker.C:
			alive := 0
			for _, u := range users {
				if u == nil {
					continue
				}
				select {
				case <-u.ws.Done():
				default:
					alive++
				}
			}
			fmt.Printf("  [hold] alive: %d/%d  dropped: %d\n", alive, initial, initial-alive)
		}
	}
}
