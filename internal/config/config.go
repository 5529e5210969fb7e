// Package config builds and validates the server configuration from the
// environment using Viper. A .env file, if any, is loaded by the binary
// before Load is called.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/whisper/dm/internal/db"
	"github.com/whisper/dm/internal/messaging"
	"github.com/whisper/dm/internal/ws"
)

// MinSecretLength is the shortest JWT_SECRET accepted.
const MinSecretLength = 16

// Config holds application configuration loaded from the environment.
type Config struct {
	// ListenAddr is the HTTP and WebSocket listen address.
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	// DatabaseURL is a postgres:// or sqlite3:// DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// RedisAddr enables rate limiting and last-seen tracking when set.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// NATSURL enables publishing message and presence events when set.
	NATSURL string `mapstructure:"NATS_URL"`
	// JWTSecret is the HS256 signing key.
	JWTSecret string `mapstructure:"JWT_SECRET"`
	// JWTAccessTTL is the access token lifetime.
	JWTAccessTTL time.Duration `mapstructure:"JWT_ACCESS_TTL"`
	// BcryptCost is the bcrypt cost factor (4-31).
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	WorkerPoolSize int           `mapstructure:"WORKER_POOL_SIZE"`
	MaxConnections int           `mapstructure:"MAX_CONNECTIONS"`
	ReadTimeout    time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"`
	SendQueueSize  int           `mapstructure:"SEND_QUEUE_SIZE"`

	// CORSOrigins lists allowed browser origins, comma separated.
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	// ServerName identifies this node in logs and as the NATS client name.
	ServerName string `mapstructure:"SERVER_NAME"`
}

// Load builds and validates Config from the environment. Unset variables
// take their defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	def := ws.DefaultServerConfig()
	v.SetDefault("LISTEN_ADDR", def.ListenAddr)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_ACCESS_TTL", 30*time.Minute)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("WORKER_POOL_SIZE", def.WorkerPoolSize)
	v.SetDefault("MAX_CONNECTIONS", def.MaxConnections)
	v.SetDefault("READ_TIMEOUT", def.ReadTimeout)
	v.SetDefault("WRITE_TIMEOUT", def.WriteTimeout)
	v.SetDefault("SEND_QUEUE_SIZE", def.SendQueueSize)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("SERVER_NAME", "whisper-dm")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: LISTEN_ADDR must be set")
	}
	if _, err := db.Dialect(c.DatabaseURL); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if len(c.JWTSecret) < MinSecretLength {
		return fmt.Errorf("config: JWT_SECRET must be at least %d bytes", MinSecretLength)
	}
	if c.JWTAccessTTL <= 0 {
		return errors.New("config: JWT_ACCESS_TTL must be positive")
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.WorkerPoolSize <= 0 || c.MaxConnections <= 0 || c.SendQueueSize <= 0 {
		return errors.New("config: WORKER_POOL_SIZE, MAX_CONNECTIONS and SEND_QUEUE_SIZE must be positive")
	}
	return nil
}

// ServerConfig returns the WebSocket server settings.
func (c *Config) ServerConfig() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	sc.WorkerPoolSize = c.WorkerPoolSize
	sc.MaxConnections = c.MaxConnections
	sc.ReadTimeout = c.ReadTimeout
	sc.WriteTimeout = c.WriteTimeout
	sc.SendQueueSize = c.SendQueueSize
	return sc
}

// NATSConfig returns the NATS client settings.
func (c *Config) NATSConfig() messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = c.ServerName
	return nc
}
