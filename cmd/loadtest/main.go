// Command loadtest drives a running whisperdm server:
//
//   - saturate: open N authenticated idle connections and hold them
//   - dm:       pairs of users exchange direct messages over REST while
//     connected over WebSocket, measuring durable-ack and live delivery latency
//
// The server's per-IP connect limit applies to a single load generator host;
// run it against a server without REDIS_ADDR to measure raw capacity.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	wsURL   string
	prefix  string
)

func main() {
	root := &cobra.Command{
		Use:          "loadtest",
		Short:        "Load generator for the Whisper DM server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "api", "http://localhost:8080", "REST API base URL")
	root.PersistentFlags().StringVar(&wsURL, "url", "ws://localhost:8080/ws", "WebSocket URL")
	root.PersistentFlags().StringVar(&prefix, "prefix", fmt.Sprintf("lt%d", time.Now().Unix()), "username prefix for registered users")

	root.AddCommand(saturateCmd(), dmCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// payload returns content of exactly size bytes carrying the send time.
func payload(size int, sent time.Time) string {
	s := fmt.Sprintf("lt:%d:", sent.UnixNano())
	if pad := size - len(s); pad > 0 {
		s += strings.Repeat("x", pad)
	}
	return s
}

// sentAt recovers the send time embedded by payload.
func sentAt(content string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(content, "lt:")
	if !ok {
		return time.Time{}, false
	}
	ns, _, ok := strings.Cut(rest, ":")
	if !ok {
		return time.Time{}, false
	}
	var n int64
	if _, err := fmt.Sscanf(ns, "%d", &n); err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
