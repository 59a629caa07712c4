package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scoutd/internal/config"
	"github.com/kalambet/scoutd/internal/ollama"
	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/proxy"
	"github.com/kalambet/scoutd/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scoutd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running scoutd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and pool status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
}

// checkHealth reports whether a server answers on port, with its status.
func checkHealth(port int) (int, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	return resp.StatusCode, true
}

func runServer(withMCP bool) error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	pids := pidFileIn(cfg.Storage.DataDir)
	if _, up := checkHealth(cfg.Server.Port); up {
		if pid, err := pids.read(); err == nil {
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := pids.write(os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer pids.remove()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Judge.Backend {
	case "ollama":
		if err := ollama.EnsureModel(ctx, ollama.New(cfg.Ollama.BaseURL), cfg.Judge.Model, os.Stderr); err != nil {
			return err
		}
	case "openrouter":
		client := proxy.NewClientWithBaseURL(cfg.Proxy.BaseURL)
		if err := proxy.CheckModel(ctx, client, cfg.Proxy.OpenRouterAPIKeys, cfg.Judge.Model, os.Stderr); err != nil {
			return err
		}
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing storage", "error", err)
		}
	}()

	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Stop()

	a, err := newApp(cfg, store, notifier, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Leases left behind by a crashed process are reclaimed before the
	// first cycle rather than after a full lease timeout.
	if n := a.runner.Sweep(); n > 0 {
		logger.Info("reclaimed stale leases", "count", n)
	}
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer a.runner.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	return serve(ctx, a, addr, withMCP, logger)
}

// serve runs the HTTP API, the archive worker and optionally MCP over
// stdio until ctx is canceled or one of them fails.
func serve(ctx context.Context, a *app, addr string, withMCP bool, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("scoutd listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		a.worker.Run(gctx)
		return nil
	})
	if withMCP {
		g.Go(func() error {
			logger.Info("MCP server started (stdio transport)")
			err := server.NewStdioServer(a.mcp).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("could not load config: %w", err)
	}
	pid, err := pidFileIn(cfg.Storage.DataDir).signal(syscall.SIGTERM)
	if err != nil {
		return err
	}
	printSuccess("Sent stop signal to scoutd (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	code, up := checkHealth(cfg.Server.Port)
	running := up && code == http.StatusOK
	switch {
	case !up:
		printStatus("Server", "stopped")
	case running:
		printStatus("Server", "running on port %d", cfg.Server.Port)
	default:
		printStatus("Server", "error (HTTP %d)", code)
	}

	printStatus("Judge", "%s", judgeLabel(cfg))
	printStatus("Data dir", "%s", cfg.Storage.DataDir)

	if !running || cfg.Server.APIToken == "" {
		return nil
	}
	c, err := newAPIClient()
	if err != nil {
		return nil
	}
	var pools []pool.Status
	if err := c.call(ctx, http.MethodGet, "/pools", nil, &pools); err != nil {
		printWarning("pool status unavailable: %v", err)
		return nil
	}
	for _, p := range pools {
		printStatus("Pool "+p.Kind, "%s", poolLabel(p))
	}
	return nil
}

func judgeLabel(cfg config.Config) string {
	switch cfg.Judge.Backend {
	case "", "none":
		return "disabled"
	default:
		return fmt.Sprintf("%s (%s)", cfg.Judge.Backend, cfg.Judge.Model)
	}
}

func poolLabel(p pool.Status) string {
	s := fmt.Sprintf("%d/%d eligible, %d leased, %d cooling down", p.Eligible, p.Active, p.InUse, p.CoolingDown)
	if p.Eligible == 0 && p.EstimatedWait > 0 {
		s += fmt.Sprintf(", next in %s", p.EstimatedWait.Round(time.Second))
	}
	return s
}
