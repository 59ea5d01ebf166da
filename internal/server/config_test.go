package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	req := require.New(t)
	cfg := NewConfig()

	req.Equal("127.0.0.1:8080", cfg.Addr)
	req.Equal("lobby", cfg.DefaultRoom)
	req.Equal(512, cfg.MaxFrameLength)
	req.Equal(256, cfg.OutboundQueueSize)
	req.Equal(RateLimitConfig{Burst: 5, RefillInterval: time.Second}, cfg.RateLimit)
	req.Equal([]string{"http://localhost:8080"}, cfg.AllowedOrigins)
	req.NoError(cfg.Validate())
}

func TestNewConfigFromEnv(t *testing.T) {
	req := require.New(t)
	t.Setenv("CHAT_ADDR", "0.0.0.0:9000")
	t.Setenv("DEFAULT_ROOM", "#general")
	t.Setenv("MAX_USERS", "7")
	t.Setenv("IDLE_TIMEOUT", "2m")
	t.Setenv("RATE_LIMIT_BURST", "20")
	t.Setenv("LEGACY_FRAMES", "true")
	t.Setenv("ALLOWED_ORIGINS", "https://chat.example.com, *")
	t.Setenv("CENSORED_WORDS", "foo,,bar ")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := NewConfigFromEnv()
	req.NoError(err)
	req.Equal("0.0.0.0:9000", cfg.Addr)
	req.Equal("general", cfg.DefaultRoom)
	req.Equal(7, cfg.MaxUsers)
	req.Equal(2*time.Minute, cfg.IdleTimeout)
	req.Equal(20, cfg.RateLimit.Burst)
	req.Equal(time.Second, cfg.RateLimit.RefillInterval)
	req.True(cfg.LegacyFrames)
	req.Equal([]string{"https://chat.example.com", "*"}, cfg.AllowedOrigins)
	req.Equal([]string{"foo", "bar"}, cfg.CensoredWords)
	req.Equal("DEBUG", cfg.LogLevel)
}

func TestNewConfigFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "room with spaces", key: "DEFAULT_ROOM", value: "two words"},
		{name: "multi-rune censor char", key: "CENSOR_CHAR", value: "##"},
		{name: "unknown log level", key: "LOG_LEVEL", value: "LOUD"},
		{name: "frame too small", key: "MAX_FRAME_LENGTH", value: "4"},
		{name: "not a number", key: "MAX_USERS", value: "many"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := NewConfigFromEnv()
			require.Error(t, err)
		})
	}
}

func TestSanitizeConfig(t *testing.T) {
	req := require.New(t)
	cfg := sanitizeConfig(Config{
		MaxFrameLength: -1,
		IdleTimeout:    -time.Second,
		DefaultRoom:    "  #ops ",
	})

	def := defaultConfig()
	req.Equal(def.Addr, cfg.Addr)
	req.Equal("ops", cfg.DefaultRoom)
	req.Equal(def.MaxFrameLength, cfg.MaxFrameLength)
	req.Equal(def.HandshakeAttempts, cfg.HandshakeAttempts)
	req.Equal(def.WriteTimeout, cfg.WriteTimeout)
	req.Equal(def.RateLimit, cfg.RateLimit)
	req.Zero(cfg.IdleTimeout)
	req.Equal("*", cfg.CensorChar)
}

func TestConfig_NewFilterChain(t *testing.T) {
	req := require.New(t)
	cfg := NewConfig()

	chain, err := cfg.NewFilterChain()
	req.NoError(err)
	req.Zero(chain.Len())

	cfg.CensoredWords = []string{"snake"}
	cfg.CensorChar = "#"
	chain, err = cfg.NewFilterChain()
	req.NoError(err)
	req.Equal("a #####", chain.Apply("alice", "a snake").Body)
}

func TestConfig_NewDispatcher(t *testing.T) {
	d, err := NewConfig().NewDispatcher()
	require.NoError(t, err)
	require.Equal(t, []string{"me"}, d.Plugins())
}
