package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "SCOUTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "SCOUTD_API_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "SCOUTD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "SCOUTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "reddit.client_id", typ: kString, env: "SCOUTD_REDDIT_CLIENT_ID",
		apply:   func(cfg *Config, v any) { cfg.Reddit.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Reddit.ClientID },
	},
	{
		key: "reddit.client_secret", typ: kString, env: "SCOUTD_REDDIT_CLIENT_SECRET",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Reddit.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Reddit.ClientSecret },
	},
	{
		key: "reddit.user_agent", typ: kString, env: "SCOUTD_REDDIT_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Reddit.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Reddit.UserAgent },
	},
	{
		key: "reddit.base_url", typ: kString, env: "SCOUTD_REDDIT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Reddit.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Reddit.BaseURL },
	},
	{
		key: "reddit.token_url", typ: kString, env: "SCOUTD_REDDIT_TOKEN_URL",
		apply:   func(cfg *Config, v any) { cfg.Reddit.TokenURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Reddit.TokenURL },
	},
	{
		key: "reddit.page_size", typ: kInt, env: "SCOUTD_REDDIT_PAGE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Reddit.PageSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Reddit.PageSize },
	},
	{
		key: "reddit.request_interval", typ: kDuration, env: "SCOUTD_REDDIT_REQUEST_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Reddit.RequestInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Reddit.RequestInterval },
	},
	{
		key: "scan.auth_attempts", typ: kInt, env: "SCOUTD_SCAN_AUTH_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Scan.AuthAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Scan.AuthAttempts },
	},
	{
		key: "scan.backoff_base", typ: kDuration, env: "SCOUTD_SCAN_BACKOFF_BASE",
		apply:   func(cfg *Config, v any) { cfg.Scan.BackoffBase = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scan.BackoffBase },
	},
	{
		key: "scan.backoff_factor", typ: kFloat, env: "SCOUTD_SCAN_BACKOFF_FACTOR",
		apply:   func(cfg *Config, v any) { cfg.Scan.BackoffFactor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Scan.BackoffFactor },
	},
	{
		key: "scan.backoff_max", typ: kDuration, env: "SCOUTD_SCAN_BACKOFF_MAX",
		apply:   func(cfg *Config, v any) { cfg.Scan.BackoffMax = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scan.BackoffMax },
	},
	{
		key: "scan.rate_limit_wait", typ: kDuration, env: "SCOUTD_SCAN_RATE_LIMIT_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Scan.RateLimitWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scan.RateLimitWait },
	},
	{
		key: "scan.default_interval", typ: kDuration, env: "SCOUTD_SCAN_DEFAULT_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Scan.DefaultInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Scan.DefaultInterval },
	},
	{
		key: "scan.max_concurrent", typ: kInt, env: "SCOUTD_SCAN_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Scan.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Scan.MaxConcurrent },
	},
	{
		key: "pool.account_cooldown", typ: kDuration, env: "SCOUTD_POOL_ACCOUNT_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Pool.AccountCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pool.AccountCooldown },
	},
	{
		key: "pool.key_cooldown", typ: kDuration, env: "SCOUTD_POOL_KEY_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Pool.KeyCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pool.KeyCooldown },
	},
	{
		key: "pool.rate_limit_cooldown", typ: kDuration, env: "SCOUTD_POOL_RATE_LIMIT_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Pool.RateLimitCooldown = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pool.RateLimitCooldown },
	},
	{
		key: "pool.release_grace", typ: kDuration, env: "SCOUTD_POOL_RELEASE_GRACE",
		apply:   func(cfg *Config, v any) { cfg.Pool.ReleaseGrace = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pool.ReleaseGrace },
	},
	{
		key: "pool.lease_timeout", typ: kDuration, env: "SCOUTD_POOL_LEASE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pool.LeaseTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pool.LeaseTimeout },
	},
	{
		key: "pool.sweep_interval", typ: kDuration, env: "SCOUTD_POOL_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pool.SweepInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pool.SweepInterval },
	},
	{
		key: "ratelimit.default_per_minute", typ: kInt, env: "SCOUTD_RATELIMIT_DEFAULT_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.DefaultPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.DefaultPerMinute },
	},
	{
		key: "ratelimit.dispatch_per_minute", typ: kInt, env: "SCOUTD_RATELIMIT_DISPATCH_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.DispatchPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.DispatchPerMinute },
	},
	{
		key: "ratelimit.auth_per_minute", typ: kInt, env: "SCOUTD_RATELIMIT_AUTH_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.AuthPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.AuthPerMinute },
	},
	{
		key: "ratelimit.buffer", typ: kDuration, env: "SCOUTD_RATELIMIT_BUFFER",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Buffer = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.RateLimit.Buffer },
	},
	{
		key: "judge.backend", typ: kString, env: "SCOUTD_JUDGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Judge.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Judge.Backend },
	},
	{
		key: "judge.model", typ: kString, env: "SCOUTD_JUDGE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Judge.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Judge.Model },
	},
	{
		key: "judge.timeout", typ: kDuration, env: "SCOUTD_JUDGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Judge.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Judge.Timeout },
	},
	{
		key: "judge.cache_ttl", typ: kDuration, env: "SCOUTD_JUDGE_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Judge.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Judge.CacheTTL },
	},
	{
		key: "judge.min_confidence", typ: kFloat, env: "SCOUTD_JUDGE_MIN_CONFIDENCE",
		apply:   func(cfg *Config, v any) { cfg.Judge.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Judge.MinConfidence },
	},
	{
		key: "ollama.base_url", typ: kString, env: "SCOUTD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "proxy.base_url", typ: kString, env: "SCOUTD_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "proxy.openrouter_api_keys", typ: kList, env: "SCOUTD_OPENROUTER_API_KEYS",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKeys = v.([]string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKeys },
	},
	{
		key: "expand.enabled", typ: kBool, env: "SCOUTD_EXPAND_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Expand.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Expand.Enabled },
	},
	{
		key: "expand.timeout", typ: kDuration, env: "SCOUTD_EXPAND_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Expand.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Expand.Timeout },
	},
	{
		key: "archive.dir", typ: kString, env: "SCOUTD_ARCHIVE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Archive.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Archive.Dir },
	},
	{
		key: "archive.retention", typ: kDuration, env: "SCOUTD_ARCHIVE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Archive.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Archive.Retention },
	},
	{
		key: "alert.telegram_token", typ: kString, env: "SCOUTD_TELEGRAM_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Alert.TelegramToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Alert.TelegramToken },
	},
	{
		key: "alert.telegram_chat_id", typ: kInt, env: "SCOUTD_TELEGRAM_CHAT_ID",
		apply:   func(cfg *Config, v any) { cfg.Alert.TelegramChatID = v.(int) },
		extract: func(cfg Config) any { return cfg.Alert.TelegramChatID },
	},
	{
		key: "alert.throttle", typ: kDuration, env: "SCOUTD_ALERT_THROTTLE",
		apply:   func(cfg *Config, v any) { cfg.Alert.Throttle = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Alert.Throttle },
	},
}

// parse converts raw text into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type for %s", s.key)
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: bad value %q in %s: %v\n", raw, s.env, err)
			continue
		}
		s.apply(cfg, v)
	}
}
