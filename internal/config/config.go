package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Reddit    RedditConfig
	Scan      ScanConfig
	Pool      PoolConfig
	RateLimit RateLimitConfig
	Judge     JudgeConfig
	Ollama    OllamaConfig
	Proxy     ProxyConfig
	Expand    ExpandConfig
	Archive   ArchiveConfig
	Alert     AlertConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type RedditConfig struct {
	ClientID        string
	ClientSecret    string
	UserAgent       string
	BaseURL         string
	TokenURL        string
	PageSize        int
	RequestInterval time.Duration
}

type ScanConfig struct {
	AuthAttempts    int
	BackoffBase     time.Duration
	BackoffFactor   float64
	BackoffMax      time.Duration
	RateLimitWait   time.Duration
	DefaultInterval time.Duration
	MaxConcurrent   int
}

type PoolConfig struct {
	AccountCooldown   time.Duration
	KeyCooldown       time.Duration
	RateLimitCooldown time.Duration
	ReleaseGrace      time.Duration
	LeaseTimeout      time.Duration
	SweepInterval     time.Duration
}

type RateLimitConfig struct {
	DefaultPerMinute  int
	DispatchPerMinute int
	AuthPerMinute     int
	Buffer            time.Duration
}

type JudgeConfig struct {
	// Backend is "none", "ollama" or "openrouter".
	Backend       string
	Model         string
	Timeout       time.Duration
	CacheTTL      time.Duration
	MinConfidence float64
}

type OllamaConfig struct {
	BaseURL string
}

type ProxyConfig struct {
	BaseURL string
	// OpenRouterAPIKeys seed the API key pool; the env var takes a comma
	// separated list.
	OpenRouterAPIKeys []string
}

type ExpandConfig struct {
	Enabled bool
	Timeout time.Duration
}

type ArchiveConfig struct {
	Dir       string
	Retention time.Duration
}

type AlertConfig struct {
	TelegramToken  string
	TelegramChatID int
	Throttle       time.Duration
}

// Defaults returns the configuration used when no file or environment
// value overrides it.
func Defaults() Config {
	return defaults()
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level: "info",
		},
		Reddit: RedditConfig{
			UserAgent:       "scoutd/0.1 (by scoutd operators)",
			PageSize:        25,
			RequestInterval: 600 * time.Millisecond,
		},
		Scan: ScanConfig{
			AuthAttempts:    3,
			BackoffBase:     2 * time.Second,
			BackoffFactor:   2,
			BackoffMax:      30 * time.Second,
			RateLimitWait:   time.Minute,
			DefaultInterval: 10 * time.Minute,
			MaxConcurrent:   4,
		},
		Pool: PoolConfig{
			AccountCooldown:   10 * time.Minute,
			KeyCooldown:       time.Second,
			RateLimitCooldown: 15 * time.Minute,
			ReleaseGrace:      2 * time.Second,
			LeaseTimeout:      30 * time.Minute,
			SweepInterval:     time.Minute,
		},
		RateLimit: RateLimitConfig{
			DefaultPerMinute:  60,
			DispatchPerMinute: 10,
			AuthPerMinute:     5,
			Buffer:            500 * time.Millisecond,
		},
		Judge: JudgeConfig{
			Backend:       "none",
			Model:         "llama3.2",
			Timeout:       20 * time.Second,
			CacheTTL:      6 * time.Hour,
			MinConfidence: 0.6,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Proxy: ProxyConfig{
			BaseURL: "https://openrouter.ai/api/v1",
		},
		Expand: ExpandConfig{
			Enabled: true,
			Timeout: 10 * time.Second,
		},
		Archive: ArchiveConfig{
			Dir:       filepath.Join(dataDir, "archive"),
			Retention: 24 * time.Hour,
		},
		Alert: AlertConfig{
			Throttle: time.Hour,
		},
	}
}

// Load resolves configuration in this order, later sources winning:
// defaults, the JSON file at FilePath(), a .env file in the working
// directory, and SCOUTD_* environment variables. Secrets are read from the
// environment (or .env) only.
func Load() (Config, error) {
	return loadWith(FilePath(), ".env")
}

func loadWith(settingsPath, envFile string) (Config, error) {
	cfg := defaults()
	readSettings(settingsPath).apply(&cfg)

	dotenv := map[string]string{}
	if envFile != "" {
		m, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = m
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("reading %s: %w", envFile, err)
		}
	}
	applyEnvOverrides(&cfg, func(name string) string {
		if v := os.Getenv(name); v != "" {
			return v
		}
		return dotenv[name]
	})

	return cfg, nil
}

// Validate checks what the server needs before it can scan.
func (c Config) Validate() error {
	var missing []string
	if c.Server.APIToken == "" {
		missing = append(missing, "server.api_token (SCOUTD_API_TOKEN)")
	}
	if c.Reddit.ClientID == "" {
		missing = append(missing, "reddit.client_id (SCOUTD_REDDIT_CLIENT_ID)")
	}
	if c.Reddit.ClientSecret == "" {
		missing = append(missing, "reddit.client_secret (SCOUTD_REDDIT_CLIENT_SECRET)")
	}
	if c.Judge.Backend == "openrouter" && len(c.Proxy.OpenRouterAPIKeys) == 0 {
		missing = append(missing, "OpenRouter API key (SCOUTD_OPENROUTER_API_KEYS)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	switch c.Judge.Backend {
	case "none", "ollama", "openrouter":
	default:
		return fmt.Errorf("judge.backend must be none, ollama or openrouter, got %q", c.Judge.Backend)
	}
	return nil
}
