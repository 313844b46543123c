// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Config holds every recognized option with its default.
type Config struct {
	// Connection.
	Host           string        `envconfig:"HOST" default:"0.0.0.0"`
	Port           int           `envconfig:"PORT" default:"4000" validate:"min=1,max=65535"`
	APIPort        int           `envconfig:"API_PORT" default:"4080" validate:"min=0,max=65535"`
	CORSOrigins    []string      `envconfig:"CORS_ORIGINS" default:"*"`
	PingTimeout    time.Duration `envconfig:"PING_TIMEOUT" default:"10s"`
	PingInterval   time.Duration `envconfig:"PING_INTERVAL" default:"25s"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"500"`
	PerIPLimit     int           `envconfig:"PER_IP_LIMIT" default:"10"`

	// Limits.
	RoomMaxParticipants int           `envconfig:"ROOM_MAX_PARTICIPANTS" default:"5" validate:"min=2"`
	PlaybackRateMin     float64       `envconfig:"PLAYBACK_RATE_MIN" default:"0.1" validate:"gt=0"`
	PlaybackRateMax     float64       `envconfig:"PLAYBACK_RATE_MAX" default:"4.0" validate:"gt=0"`
	RateLimitPerSec     int           `envconfig:"RATE_LIMIT_PER_SEC" default:"10" validate:"min=1"`
	ChatRateWindow      time.Duration `envconfig:"CHAT_RATE_LIMIT_WINDOW" default:"60s"`
	ChatRateMax         int           `envconfig:"CHAT_RATE_LIMIT_MAX" default:"30" validate:"min=1"`

	// TTLs.
	RoomStateTTL time.Duration `envconfig:"ROOM_STATE_TTL" default:"24h"`

	// State backend.
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix     string `envconfig:"KEY_PREFIX" default:"syncwatch:"`

	// CRUD collaborator (room directory).
	DBPath string `envconfig:"DB_PATH" default:"syncwatch.db"`

	// Auth.
	JWTSecret string `envconfig:"JWT_SECRET" default:"" validate:"required"`

	// Logging.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads SYNCWATCH_* variables, applies defaults, and validates ranges.
func Load() (Config, error) {
	var c Config
	if err := envconfig.Process("syncwatch", &c); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.PlaybackRateMin >= c.PlaybackRateMax {
		return fmt.Errorf("validate config: playback rate min %.2f must be below max %.2f",
			c.PlaybackRateMin, c.PlaybackRateMax)
	}
	return nil
}

// ListenAddr is the websocket listen address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// APIAddr is the REST/metrics listen address; empty disables the API server.
func (c Config) APIAddr() string {
	if c.APIPort == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Host, c.APIPort)
}
