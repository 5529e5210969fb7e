package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/messaging"
	"github.com/whisper/dm/loadtest/client"
	"github.com/whisper/dm/loadtest/stats"
)

// dmCmd pairs users up; both sides of a pair POST messages to each other at a
// fixed interval while connected, and the receiver measures how long each
// message took to arrive live.
func dmCmd() *cobra.Command {
	var (
		pairs          int
		ramp           time.Duration
		duration       time.Duration
		msgInterval    time.Duration
		msgSize        int
		concurrency    int
		metricsURL     string
		scrapeInterval time.Duration
		natsURL        string
	)

	cmd := &cobra.Command{
		Use:   "dm",
		Short: "Exchange direct messages between connected pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			total := pairs * 2
			fmt.Printf("DM test: %d pairs (%d users) (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
				pairs, total, ramp, duration, msgInterval, msgSize)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			collector := stats.NewCollector()
			scraper := stats.NewScraper(metricsURL, scrapeInterval)
			collector.SetScraper(scraper)
			scraper.Start(ctx)
			defer scraper.Stop()

			if natsURL != "" {
				tap, err := tapMessages(natsURL, collector)
				if err != nil {
					return err
				}
				defer tap.Close()
			}

			api := client.NewHTTP(baseURL)

			fmt.Println("\n--- Phase 1: Register and connect ---")
			users := connectUsers(ctx, api, collector, total, ramp, concurrency,
				func(i int, c *client.Client) {
					c.On(client.TypeMessage, func(raw json.RawMessage) {
						var ev struct {
							Content string `json:"content"`
						}
						if err := json.Unmarshal(raw, &ev); err != nil {
							return
						}
						if at, ok := sentAt(ev.Content); ok {
							collector.AddDelivery(time.Since(at))
						}
					})
				})
			defer closeUsers(users)

			if ctx.Err() != nil {
				collector.Report()
				return nil
			}

			fmt.Println("\n--- Phase 2: Exchange messages ---")
			runCtx, cancel := context.WithTimeout(ctx, duration)
			defer cancel()

			var wg sync.WaitGroup
			for i := 0; i+1 < total; i += 2 {
				a, b := users[i], users[i+1]
				if a == nil || b == nil {
					continue
				}
				wg.Add(2)
				go sendLoop(runCtx, &wg, api, collector, a, b, msgInterval, msgSize)
				go sendLoop(runCtx, &wg, api, collector, b, a, msgInterval, msgSize)
			}

			progress := time.NewTicker(5 * time.Second)
			defer progress.Stop()
			waitDone := make(chan struct{})
			go func() {
				wg.Wait()
				close(waitDone)
			}()
		wait:
			for {
				select {
				case <-waitDone:
					break wait
				case <-progress.C:
					sent, delivered := collector.Counts()
					fmt.Printf("  [dm] sent: %d  delivered: %d  published: %d  errors: %d\n",
						sent, delivered, collector.Published(), collector.ErrorCount())
				}
			}

			// Let in-flight deliveries land before reporting.
			time.Sleep(time.Second)
			collector.Report()
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVar(&pairs, "pairs", 100, "number of user pairs")
	f.DurationVar(&ramp, "ramp", 10*time.Second, "ramp-up duration for registration and connect")
	f.DurationVar(&duration, "duration", 30*time.Second, "how long each pair exchanges messages")
	f.DurationVar(&msgInterval, "msg-interval", 2*time.Second, "interval between messages per user")
	f.IntVar(&msgSize, "msg-size", 128, "message content size in bytes")
	f.IntVar(&concurrency, "concurrency", 50, "maximum simultaneous connection attempts")
	f.StringVar(&metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint")
	f.DurationVar(&scrapeInterval, "scrape-interval", 2*time.Second, "interval between metrics scrapes")
	f.StringVar(&natsURL, "nats-url", "", "count dm.message events on this NATS server (server must run with NATS_URL)")
	return cmd
}

// tapMessages subscribes to every dm.message event and counts the ones this
// run produced.
func tapMessages(url string, collector *stats.Collector) (*messaging.NATSClient, error) {
	cfg := messaging.DefaultNATSConfig()
	cfg.URL = url
	cfg.Name = "whisper-dm-loadtest"
	nc, err := messaging.NewNATSClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := nc.SubscribeMessages("*", func(m chat.Message) {
		if _, ok := sentAt(m.Content); ok {
			collector.AddPublished()
		}
	}); err != nil {
		nc.Close()
		return nil, err
	}
	return nc, nil
}

func sendLoop(ctx context.Context, wg *sync.WaitGroup, api *client.HTTPClient, collector *stats.Collector,
	from, to *user, interval time.Duration, size int) {

	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if _, err := api.SendMessage(ctx, from.account.Token, to.account.UserID, payload(size, start)); err != nil {
				if ctx.Err() == nil {
					collector.AddError()
				}
				continue
			}
			collector.AddSend(time.Since(start))
		}
	}
}
