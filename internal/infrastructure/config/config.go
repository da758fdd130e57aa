package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level" validate:"oneof=error warn info debug"`

	Server   ServerConfig   `koanf:"server"`
	Auth     AuthConfig     `koanf:"auth"`
	Store    StoreConfig    `koanf:"store"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Hub      HubConfig      `koanf:"hub"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type AuthConfig struct {
	// Token is the shared bearer token clients authenticate with.
	Token            string `koanf:"token" validate:"required"`
	SigningSecret    string `koanf:"signing_secret"`
	SigningRequired  bool   `koanf:"signing_required"`
	EncryptionSecret string `koanf:"encryption_secret"`
}

type StoreConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// MemoryFallback keeps the server up on backing-store loss. Disabling
	// it makes store unavailability fatal at startup.
	MemoryFallback bool `koanf:"memory_fallback"`
}

type UpstreamConfig struct {
	BaseURL   string `koanf:"base_url" validate:"required,url"`
	APIURL    string `koanf:"api_url" validate:"required,url"`
	SSEURL    string `koanf:"sse_url" validate:"required,url"`
	RouteData string `koanf:"route_data"`

	RequestTimeout     time.Duration `koanf:"request_timeout"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute" validate:"min=1"`
}

type PipelineConfig struct {
	UseStream       bool `koanf:"use_stream"`
	UsePollingQueue bool `koanf:"use_polling_queue"`

	PollInterval    time.Duration `koanf:"poll_interval"`
	EndGameInterval time.Duration `koanf:"end_game_interval"`
	MinSpacing      time.Duration `koanf:"min_spacing"`

	StreamIdleTimeout time.Duration `koanf:"stream_idle_timeout"`
	StreamMaxFailures int           `koanf:"stream_max_failures" validate:"min=1"`
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold int           `koanf:"failure_threshold" validate:"min=1"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

type HubConfig struct {
	MaxConnsPerIP     int           `koanf:"max_conns_per_ip" validate:"min=1"`
	CommandsPerMinute int           `koanf:"commands_per_minute" validate:"min=1"`
	AuthTimeout       time.Duration `koanf:"auth_timeout"`
	PingInterval      time.Duration `koanf:"ping_interval"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Store: StoreConfig{
			PoolSize:       10,
			DialTimeout:    5 * time.Second,
			ReadTimeout:    3 * time.Second,
			WriteTimeout:   3 * time.Second,
			MemoryFallback: true,
		},
		Upstream: UpstreamConfig{
			BaseURL:            "https://www.example-auctions.com",
			APIURL:             "https://api.example-auctions.com",
			SSEURL:             "https://sse.example-auctions.com",
			RequestTimeout:     10 * time.Second,
			RateLimitPerMinute: 100,
		},
		Pipeline: PipelineConfig{
			UseStream:         true,
			UsePollingQueue:   true,
			PollInterval:      6 * time.Second,
			EndGameInterval:   2 * time.Second,
			MinSpacing:        150 * time.Millisecond,
			StreamIdleTimeout: 45 * time.Second,
			StreamMaxFailures: 3,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Hub: HubConfig{
			MaxConnsPerIP:     5,
			CommandsPerMinute: 100,
			AuthTimeout:       5 * time.Second,
			PingInterval:      30 * time.Second,
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if path == "" {
		path = "configs/config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Override with AMB_-prefixed environment variables, e.g.
	// AMB_SERVER_PORT=9090 maps to server.port.
	if err := k.Load(env.Provider("AMB_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AMB_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyLegacyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyLegacyEnv maps the flat environment keys recognized since the
// first deployment onto the structured config. They win over everything.
func applyLegacyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("AUTH_TOKEN", &cfg.Auth.Token)
	setString("SIGNING_SECRET", &cfg.Auth.SigningSecret)
	setBool("SIGNING_REQUIRED", &cfg.Auth.SigningRequired)
	setString("ENCRYPTION_SECRET", &cfg.Auth.EncryptionSecret)
	setString("STORE_URL", &cfg.Store.URL)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setInt("PORT", &cfg.Server.Port)
	setBool("USE_STREAM", &cfg.Pipeline.UseStream)
	setBool("USE_POLLING_QUEUE", &cfg.Pipeline.UsePollingQueue)
	setBool("USE_CIRCUIT_BREAKER", &cfg.Breaker.Enabled)
	setInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", &cfg.Breaker.FailureThreshold)
	setInt("API_RATE_LIMIT_MAX", &cfg.Hub.CommandsPerMinute)

	if v, ok := os.LookupEnv("CIRCUIT_BREAKER_TIMEOUT"); ok {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Breaker.Cooldown = time.Duration(ms) * time.Millisecond
		}
	}
}

// Validate enforces the startup invariants. A violation here is fatal
// and the process exits non-zero.
func (c *Config) Validate() error {
	if !c.Pipeline.UseStream && !c.Pipeline.UsePollingQueue {
		return fmt.Errorf("invalid config: at least one update pipeline must be enabled")
	}

	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
