// Command gptmed runs the agent-orchestration HTTP/SSE server: conversation
// CRUD, step invocation, tool confirmation, and event streaming over
// /api/v2/conversations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopcore/loopcore/pkg/auth"
	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/cost"
	"github.com/loopcore/loopcore/pkg/diagnostics"
	"github.com/loopcore/loopcore/pkg/hook"
	"github.com/loopcore/loopcore/pkg/logger"
	"github.com/loopcore/loopcore/pkg/provider/catalog"
	"github.com/loopcore/loopcore/pkg/server"
	"github.com/loopcore/loopcore/pkg/tooluse"
	"github.com/loopcore/loopcore/pkg/tooluse/builtin"
	"github.com/loopcore/loopcore/pkg/tooluse/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		addr        = flag.String("addr", "127.0.0.1:5700", "bind address")
		logsRoot    = flag.String("logs", defaultLogsRoot(), "conversation logs directory")
		model       = flag.String("model", "anthropic", "default provider/model")
		summary     = flag.String("summary-model", "", "cheap model for naming/summaries (empty: naming uses the conversation's model, summaries are off)")
		mcpConfig   = flag.String("mcp-config", "", "YAML file of MCP server definitions")
		tokenBudget = flag.Int("token-budget", 0, "per-session token budget for awareness warnings (0 disables)")
		logLevel    = flag.String("log-level", "info", "log level (debug, info, warn, error)")
		doctor      = flag.Bool("doctor", false, "print provider diagnostics and exit")
	)
	flag.Parse()

	// .env is optional; a missing file is the common case in production.
	_ = godotenv.Load()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	logger.Init(level, os.Stderr, "simple")

	if *doctor {
		report := diagnostics.Run(nil)
		for _, p := range report.Providers {
			status := "ok"
			if !p.Usable {
				status = "missing (" + p.Hint + ")"
			}
			fmt.Printf("%-12s %s\n", p.Provider, status)
		}
		return nil
	}

	userCfg, err := config.LoadUserConfig()
	if err != nil {
		slog.Warn("failed to load user config", "error", err)
	}

	providers := catalog.Build(catalog.Options{UserProviders: userCfg.Providers})

	tools := tooluse.NewRegistry()
	if err := tools.Register(builtin.NewShellSpec(builtin.ShellConfig{})); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *mcpConfig != "" {
		servers, err := mcp.LoadServersFile(*mcpConfig)
		if err != nil {
			return err
		}
		live := mcp.ConnectAll(ctx, servers, tools)
		defer func() {
			for _, s := range live {
				if err := s.Close(tools); err != nil {
					slog.Warn("mcp: close failed", "error", err)
				}
			}
		}()
	}

	bus := hook.New()
	tracker := cost.NewTracker()
	awareness := cost.NewAwareness(tracker.Session, *tokenBudget)
	awareness.RegisterHooks(bus)

	promReg := prometheus.NewRegistry()
	metrics := cost.NewMetrics(promReg)

	token := os.Getenv("GPTME_SERVER_TOKEN")
	if token == "" && auth.ShouldEnable(*addr, os.Getenv("GPTME_DISABLE_AUTH")) {
		if token, err = auth.GenerateToken(); err != nil {
			return err
		}
	}

	srv := server.New(server.Config{
		LogsRoot:       *logsRoot,
		Addr:           *addr,
		AuthToken:      token,
		DisableAuthEnv: os.Getenv("GPTME_DISABLE_AUTH"),
		DefaultModel:   *model,
		SummaryModel:   *summary,
		BreakOnToolUse: os.Getenv("GPTME_BREAK_ON_TOOLUSE") != "0",
		Tools:          tools,
		Providers:      providers,
		Bus:            bus,
		Metrics:        metrics,
	})

	go serveMetrics(ctx, promReg)

	slog.Info("starting server", "addr", *addr, "logs", *logsRoot, "model", *model,
		"providers", diagnostics.Run(nil).Usable())
	return srv.Start(ctx)
}

// serveMetrics exposes the Prometheus registry on a side port so the main
// API surface stays exactly the documented /api/v2 set.
func serveMetrics(ctx context.Context, reg *prometheus.Registry) {
	metricsAddr := os.Getenv("GPTME_METRICS_ADDR")
	if metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("metrics server failed", "error", err)
	}
}

// defaultLogsRoot honors GPTME_LOGS_HOME, then XDG_DATA_HOME, then the
// conventional ~/.local/share location.
func defaultLogsRoot() string {
	if v := os.Getenv("GPTME_LOGS_HOME"); v != "" {
		return v
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "gptme", "logs")
}
