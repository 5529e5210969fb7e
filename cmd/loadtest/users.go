package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/dm/loadtest/client"
	"github.com/whisper/dm/loadtest/stats"
)

// user is a registered account with its live connection.
type user struct {
	account *client.Account
	ws      *client.Client
}

// connectUsers registers n users and connects each over WebSocket, ramping
// launches evenly over ramp with at most concurrency attempts in flight.
// setup, if set, runs on each client before it starts reading. Failed users
// are counted as errors and left nil.
func connectUsers(ctx context.Context, api *client.HTTPClient, collector *stats.Collector,
	n int, ramp time.Duration, concurrency int, setup func(i int, c *client.Client)) []*user {

	users := make([]*user, n)

	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [connect] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()
	defer close(progressStop)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return users
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			name := fmt.Sprintf("%s_%d", prefix, i)
			acct, err := api.Register(connCtx, name, name+"@loadtest.local", "loadtest-password")
			if err != nil {
				collector.AddError()
				return
			}

			c, err := client.Dial(connCtx, wsURL, acct.Token)
			if err != nil {
				collector.AddError()
				return
			}
			if setup != nil {
				setup(i, c)
			}
			c.Start()
			if err := c.WaitForSession(connCtx); err != nil {
				collector.AddError()
				c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().SessionLatency)
			users[i] = &user{account: acct, ws: c}
		}(i)
	}
	wg.Wait()
	return users
}

func closeUsers(users []*user) {
	for _, u := range users {
		if u != nil {
			u.ws.Close()
		}
	}
}
