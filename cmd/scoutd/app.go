package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/alert"
	"github.com/kalambet/scoutd/internal/api"
	"github.com/kalambet/scoutd/internal/archive"
	"github.com/kalambet/scoutd/internal/config"
	"github.com/kalambet/scoutd/internal/cursor"
	"github.com/kalambet/scoutd/internal/dedup"
	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/expand"
	"github.com/kalambet/scoutd/internal/judge"
	"github.com/kalambet/scoutd/internal/metrics"
	"github.com/kalambet/scoutd/internal/ollama"
	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/proxy"
	"github.com/kalambet/scoutd/internal/ratewindow"
	"github.com/kalambet/scoutd/internal/reddit"
	"github.com/kalambet/scoutd/internal/relevance"
	"github.com/kalambet/scoutd/internal/scan"
	"github.com/kalambet/scoutd/internal/schedule"
	"github.com/kalambet/scoutd/internal/storage"
)

// app is the fully wired engine behind the server command.
type app struct {
	store    *storage.Store
	accounts *pool.Pool[domain.Account]
	keys     *pool.Pool[domain.APIKey]
	runner   *schedule.Runner
	worker   *archive.Worker
	metrics  *metrics.Recorder
	handler  http.Handler
	mcp      *server.MCPServer

	stops []func()
}

// newAPIKeyID derives a stable resource id so reseeding the same key is a
// no-op.
func newAPIKeyID(key string) string {
	return "openrouter-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()[:8]
}

// seedAPIKeys adds configured OpenRouter keys the store does not know yet.
func seedAPIKeys(store *storage.Store, keys []string) (int, error) {
	added := 0
	for _, k := range keys {
		id := newAPIKeyID(k)
		if _, err := store.GetResource(id); err == nil {
			continue
		}
		cred := fmt.Sprintf(`{"provider":"openrouter","key":%q}`, k)
		if err := store.AddResource(storage.Resource{ID: id, Kind: domain.KindAPIKey, Label: "openrouter", CredentialJSON: cred}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func newApp(cfg config.Config, store *storage.Store, notifier alert.Notifier, logger *slog.Logger) (*app, error) {
	a := &app{store: store, metrics: metrics.New()}
	clk := clock.RealClock{}

	if n, err := seedAPIKeys(store, cfg.Proxy.OpenRouterAPIKeys); err != nil {
		return nil, fmt.Errorf("seeding api keys: %w", err)
	} else if n > 0 {
		logger.Info("seeded api keys", "count", n)
	}

	a.accounts = pool.New[domain.Account](store, domain.KindAccount, pool.Policy{
		Cooldown:          cfg.Pool.AccountCooldown,
		RateLimitCooldown: cfg.Pool.RateLimitCooldown,
		ReleaseGrace:      cfg.Pool.ReleaseGrace,
		LeaseTimeout:      cfg.Pool.LeaseTimeout,
	}, pool.WithLogger(logger), pool.WithAcquireObserver(a.metrics.PoolAcquired))
	a.keys = pool.New[domain.APIKey](store, domain.KindAPIKey, pool.Policy{
		Cooldown:          cfg.Pool.KeyCooldown,
		RateLimitCooldown: cfg.Pool.RateLimitCooldown,
		ReleaseGrace:      cfg.Pool.ReleaseGrace,
		LeaseTimeout:      cfg.Pool.LeaseTimeout,
	}, pool.WithLogger(logger), pool.WithAcquireObserver(a.metrics.PoolAcquired))

	if err := a.metrics.RegisterPool(domain.KindAccount, eligible(a.accounts)); err != nil {
		return nil, err
	}
	if err := a.metrics.RegisterPool(domain.KindAPIKey, eligible(a.keys)); err != nil {
		return nil, err
	}

	j, err := newJudge(cfg, a.keys, logger)
	if err != nil {
		return nil, err
	}
	var cachedJudge judge.Judge
	if j != nil {
		c := judge.NewCached(j, cfg.Judge.CacheTTL)
		a.stops = append(a.stops, c.Stop)
		cachedJudge = c
	}

	var expander scan.Expander
	if cfg.Expand.Enabled {
		expander = expand.New(cfg.Expand.Timeout, logger)
	}

	scanCfg := scan.DefaultConfig()
	scanCfg.PageSize = cfg.Reddit.PageSize
	scanCfg.Retry = scan.Backoff{
		Attempts: cfg.Scan.AuthAttempts,
		Base:     cfg.Scan.BackoffBase,
		Factor:   cfg.Scan.BackoffFactor,
		Max:      cfg.Scan.BackoffMax,
		Jitter:   scan.DefaultBackoff().Jitter,
	}
	scanCfg.RateLimitWait = cfg.Scan.RateLimitWait
	scanCfg.JudgeTimeout = cfg.Judge.Timeout
	scanCfg.MinConfidence = cfg.Judge.MinConfidence
	scanCfg.DefaultBudget = cfg.Scan.DefaultInterval

	orch := scan.New(scan.Deps{
		Platform: reddit.New(reddit.Config{
			ClientID:        cfg.Reddit.ClientID,
			ClientSecret:    cfg.Reddit.ClientSecret,
			UserAgent:       cfg.Reddit.UserAgent,
			BaseURL:         cfg.Reddit.BaseURL,
			TokenURL:        cfg.Reddit.TokenURL,
			RequestInterval: cfg.Reddit.RequestInterval,
		}, logger),
		Accounts: a.accounts,
		Window: ratewindow.New(map[string]int{
			ratewindow.Default:  cfg.RateLimit.DefaultPerMinute,
			ratewindow.Dispatch: cfg.RateLimit.DispatchPerMinute,
			ratewindow.Auth:     cfg.RateLimit.AuthPerMinute,
		}, cfg.RateLimit.Buffer, clk),
		Scorer:   relevance.NewScorer(),
		Guard:    dedup.New(store, clk),
		Cursor:   cursor.NewTracker(store, clk),
		Judge:    cachedJudge,
		Expander: expander,
		Events:   store,
		Archive:  archive.NewHook(store, cfg.Archive.Retention),
		Observer: a.metrics,
	}, scanCfg, scan.WithLogger(logger))

	profiles := profile.NewManager(store)
	a.runner = schedule.New(orch, profiles, notifier, schedule.Config{
		SweepInterval: cfg.Pool.SweepInterval,
		MaxConcurrent: cfg.Scan.MaxConcurrent,
	}, logger, a.accounts, a.keys)

	a.worker = archive.NewWorker(store, cfg.Archive.Dir, 0, logger)

	pools := []api.PoolStatus{a.accounts, a.keys}
	a.handler = api.NewAppHandler(api.AppDeps{
		Store:    store,
		Profiles: profiles,
		Runner:   a.runner,
		Pools:    pools,
		Metrics:  a.metrics.Handler(),
		Token:    cfg.Server.APIToken,
	})
	a.mcp = api.NewMCPServer(api.MCPDeps{
		Store:    store,
		Profiles: profiles,
		Runner:   a.runner,
		Pools:    pools,
	})
	return a, nil
}

func (a *app) Close() {
	for _, stop := range a.stops {
		stop()
	}
}

// newJudge returns nil when no judge backend is configured.
func newJudge(cfg config.Config, keys *pool.Pool[domain.APIKey], logger *slog.Logger) (judge.Judge, error) {
	switch cfg.Judge.Backend {
	case "", "none":
		return nil, nil
	case "ollama":
		return judge.NewOllamaJudge(ollama.New(cfg.Ollama.BaseURL), cfg.Judge.Model), nil
	case "openrouter":
		return judge.NewOpenRouterJudge(proxy.NewClientWithBaseURL(cfg.Proxy.BaseURL), keys, cfg.Judge.Model, logger), nil
	default:
		return nil, fmt.Errorf("unknown judge backend %q", cfg.Judge.Backend)
	}
}

// newNotifier builds the alert sink: Telegram when a bot token is set,
// otherwise a no-op. Either way repeats are throttled.
func newNotifier(cfg config.Config, logger *slog.Logger) (*alert.Throttled, error) {
	var inner alert.Notifier = alert.Nop{}
	if cfg.Alert.TelegramToken != "" {
		tg, err := alert.NewTelegram(cfg.Alert.TelegramToken, int64(cfg.Alert.TelegramChatID))
		if err != nil {
			return nil, fmt.Errorf("connecting telegram bot: %w", err)
		}
		inner = tg
	}
	return alert.NewThrottled(inner, cfg.Alert.Throttle, logger), nil
}

func eligible(p api.PoolStatus) metrics.EligibleFunc {
	return func() (int, error) {
		st, err := p.Status()
		return st.Eligible, err
	}
}
