// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"

	"github.com/Tyrowin/linechat/internal/command"
	"github.com/Tyrowin/linechat/internal/filter"
)

var validate = validator.New()

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" validate:"gte=1"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" validate:"gt=0"`
}

// Config holds the server configuration settings.
type Config struct {
	Addr           string   `env:"CHAT_ADDR" validate:"required"`
	HTTPAddr       string   `env:"CHAT_HTTP_ADDR"`
	AllowedOrigins []string // ALLOWED_ORIGINS, comma separated

	DefaultRoom       string `env:"DEFAULT_ROOM" validate:"required"`
	MaxFrameLength    int    `env:"MAX_FRAME_LENGTH" validate:"gte=16"`
	MaxNameLength     int    `env:"MAX_NAME_LENGTH" validate:"gte=1"`
	MaxRoomNameLength int    `env:"MAX_ROOM_NAME_LENGTH" validate:"gte=1"`
	MaxUsers          int    `env:"MAX_USERS" validate:"gte=1"`
	MaxRooms          int    `env:"MAX_ROOMS" validate:"gte=1"`
	HandshakeAttempts int    `env:"HANDSHAKE_ATTEMPTS" validate:"gte=1"`
	OutboundQueueSize int    `env:"OUTBOUND_QUEUE_SIZE" validate:"gte=1"`

	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" validate:"gt=0"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" validate:"gte=0"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`

	RateLimit RateLimitConfig

	MOTD          string   `env:"MOTD"`
	Prompt        string   `env:"PROMPT"`
	LegacyFrames  bool     `env:"LEGACY_FRAMES"`
	CensoredWords []string // CENSORED_WORDS, comma separated
	CensorChar    string   `env:"CENSOR_CHAR"`
	LogLevel      string   `env:"LOG_LEVEL" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
}

func defaultConfig() Config {
	return Config{
		Addr: "127.0.0.1:8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		DefaultRoom:       "lobby",
		MaxFrameLength:    512,
		MaxNameLength:     32,
		MaxRoomNameLength: 32,
		MaxUsers:          100,
		MaxRooms:          50,
		HandshakeAttempts: 3,
		OutboundQueueSize: 256,
		HandshakeTimeout:  30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Prompt:     "Enter your username:",
		CensorChar: string(filter.DefaultCensorChar),
		LogLevel:   "INFO",
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Unset variables keep their default value.
func NewConfigFromEnv() (*Config, error) {
	cfg := defaultConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseList(origins)
	}
	if words := os.Getenv("CENSORED_WORDS"); words != "" {
		cfg.CensoredWords = parseList(words)
	}

	cfg = sanitizeConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// sanitizeConfig replaces non-positive limits with their defaults.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if strings.TrimSpace(cfg.DefaultRoom) == "" {
		cfg.DefaultRoom = def.DefaultRoom
	}
	cfg.DefaultRoom = strings.TrimPrefix(strings.TrimSpace(cfg.DefaultRoom), "#")

	positive := []struct {
		value *int
		def   int
	}{
		{&cfg.MaxFrameLength, def.MaxFrameLength},
		{&cfg.MaxNameLength, def.MaxNameLength},
		{&cfg.MaxRoomNameLength, def.MaxRoomNameLength},
		{&cfg.MaxUsers, def.MaxUsers},
		{&cfg.MaxRooms, def.MaxRooms},
		{&cfg.HandshakeAttempts, def.HandshakeAttempts},
		{&cfg.OutboundQueueSize, def.OutboundQueueSize},
		{&cfg.RateLimit.Burst, def.RateLimit.Burst},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*p.value = p.def
		}
	}

	durations := []struct {
		value *time.Duration
		def   time.Duration
	}{
		{&cfg.HandshakeTimeout, def.HandshakeTimeout},
		{&cfg.WriteTimeout, def.WriteTimeout},
		{&cfg.ShutdownTimeout, def.ShutdownTimeout},
		{&cfg.RateLimit.RefillInterval, def.RateLimit.RefillInterval},
	}
	for _, d := range durations {
		if *d.value <= 0 {
			*d.value = d.def
		}
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}

	if cfg.CensorChar == "" {
		cfg.CensorChar = def.CensorChar
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	cfg.CensoredWords = append([]string(nil), cfg.CensoredWords...)
	return cfg
}

// Validate checks the constraints sanitizeConfig cannot repair.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if utf8.RuneCountInString(c.CensorChar) != 1 {
		return fmt.Errorf("invalid config: CENSOR_CHAR must be a single character, got %q", c.CensorChar)
	}
	if _, err := validateRoomName(c.DefaultRoom, c.MaxRoomNameLength); err != nil {
		return fmt.Errorf("invalid config: default room: %w", err)
	}
	return nil
}

// censorRune returns the configured mask character.
func (c Config) censorRune() rune {
	r, _ := utf8.DecodeRuneInString(c.CensorChar)
	if r == utf8.RuneError {
		return filter.DefaultCensorChar
	}
	return r
}

// NewDispatcher builds the command dispatcher with the built-in plugins.
func (c Config) NewDispatcher() (*command.Dispatcher, error) {
	d := command.NewDispatcher(command.WithLegacyFrames(c.LegacyFrames))
	if err := d.Register("me", command.Me()); err != nil {
		return nil, err
	}
	return d, nil
}

// NewFilterChain builds the message filters enabled by the configuration.
func (c Config) NewFilterChain() (*filter.Chain, error) {
	chain := filter.NewChain()
	if len(c.CensoredWords) > 0 {
		censor, err := filter.NewCensor(c.CensoredWords, c.censorRune())
		if err != nil {
			return nil, fmt.Errorf("censor filter: %w", err)
		}
		chain.Add(censor)
	}
	return chain, nil
}

func parseList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
