package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whisper/dm/internal/api"
	"github.com/whisper/dm/internal/auth"
	"github.com/whisper/dm/internal/chat"
	"github.com/whisper/dm/internal/db"
	"github.com/whisper/dm/internal/db/migrate"
	"github.com/whisper/dm/internal/messaging"
	"github.com/whisper/dm/internal/presence"
	"github.com/whisper/dm/internal/protocol"
	"github.com/whisper/dm/internal/ratelimit"
	"github.com/whisper/dm/internal/relay"
	"github.com/whisper/dm/internal/session"
	"github.com/whisper/dm/internal/user"
	"github.com/whisper/dm/internal/ws"
)

func serveCmd() *cobra.Command {
	var skipMigrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !skipMigrate {
				if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
					return err
				}
			}
			return serve()
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
	return cmd
}

func serve() error {
	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	users := user.NewSQLRepository(conn)
	dir := session.NewDirectory()
	chatSvc := chat.NewService(chat.NewSQLStore(conn), relay.New(dir))

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATSConfig())
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()
		chatSvc.SetPublisher(natsClient)
		dir.Observe(natsClient.PresenceObserver())
	}

	// --- Redis (optional) ---
	var (
		limiter  api.RateLimiter
		lastSeen presence.LastSeenStore
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     100,
			MinIdleConns: 10,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb)
		lastSeen = presence.NewRedisLastSeen(rdb)
	}

	tracker := presence.NewTracker(dir, users, lastSeen)
	authSvc := auth.NewService(users,
		auth.NewHasher(cfg.BcryptCost),
		auth.NewTokenProvider([]byte(cfg.JWTSecret), auth.Issuer, cfg.JWTAccessTTL))

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.Register(protocol.TypeTyping, ws.TypingHandler(dir))

	server := ws.NewServer(cfg.ServerConfig(), dir, authSvc, dispatcher.Dispatch)

	router := api.NewRouter(api.Dependencies{
		Auth:        authSvc,
		Users:       users,
		Presence:    tracker,
		Chat:        chatSvc,
		WS:          server,
		Limiter:     limiter,
		CORSOrigins: cfg.CORSOrigins,
	})

	sc := cfg.ServerConfig()
	log.Printf("Whisper DM server starting")
	log.Printf("  listen_addr:     %s", sc.ListenAddr)
	log.Printf("  worker_pool:     %d", sc.WorkerPoolSize)
	log.Printf("  max_connections: %d", sc.MaxConnections)
	log.Printf("  send_queue:      %d", sc.SendQueueSize)
	log.Printf("  nats_url:        %s", orDisabled(cfg.NATSURL))
	log.Printf("  redis_addr:      %s", orDisabled(cfg.RedisAddr))
	log.Printf("  server_name:     %s", cfg.ServerName)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		dir.CloseAll()
	}()

	return server.Start(router)
}

func orDisabled(s string) string {
	if s == "" {
		return "(disabled)"
	}
	return s
}
