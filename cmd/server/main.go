// Command dayslot-server is the dayslot scheduling process.
// It loads configuration, initialises node identity, and runs scheduling
// passes against the host message API on a cron schedule.
//
// Usage:
//
//	dayslot-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/snehjoshi/dayslot/internal/classifier"
	"github.com/snehjoshi/dayslot/internal/config"
	"github.com/snehjoshi/dayslot/internal/dispatch"
	"github.com/snehjoshi/dayslot/internal/hostapi"
	"github.com/snehjoshi/dayslot/internal/metrics"
	"github.com/snehjoshi/dayslot/internal/node"
	"github.com/snehjoshi/dayslot/internal/storage/local"
	transphttp "github.com/snehjoshi/dayslot/internal/transport/http"
	transportws "github.com/snehjoshi/dayslot/internal/transport/websocket"
	"github.com/snehjoshi/dayslot/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dayslot: %v\n", err)
		os.Exit(1)
	}
}

// holdRelay lets the hub reach the dispatcher, which is built after the hub
// because the dispatcher notifies it.
type holdRelay struct{ d *dispatch.Dispatcher }

func (r *holdRelay) Hold(id string) error    { return r.d.Hold(id) }
func (r *holdRelay) Release(id string) error { return r.d.Release(id) }

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("dayslot starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"host_api", cfg.Host.BaseURL,
		"timezone", cfg.Scheduler.Timezone,
		"pass_spec", cfg.Scheduler.PassSpec,
	)

	// ── 4. Open local store (passes, outbox, holds) ──────────────────────────
	store, err := local.Open(n.DataDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	// ── 5. Host API client ───────────────────────────────────────────────────
	host := hostapi.New(cfg.Host.BaseURL,
		hostapi.WithAPIKey(cfg.Host.APIKey),
		hostapi.WithTimeout(time.Duration(cfg.Host.TimeoutMs)*time.Millisecond),
	)

	// ── 6. Priority classifier ───────────────────────────────────────────────
	var cls classifier.Classifier = classifier.Unset{}
	if cfg.Scheduler.Classifier == config.ClassifierExemplar {
		cls = classifier.NewExemplar(cfg.Scheduler.ConfidenceThreshold)
	}

	// ── 7. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 8. Pass listeners (websocket stream + webhooks) and dispatcher ───────
	relay := &holdRelay{}
	hub := transportws.NewHub(relay, logger)
	hooks := webhook.New(cfg.Webhooks,
		webhook.WithMetrics(metricsReg),
		webhook.WithLogger(logger),
	)

	d, err := dispatch.New(cfg, string(n.ID()), host, store,
		dispatch.WithClassifier(cls),
		dispatch.WithMetrics(metricsReg),
		dispatch.WithNotifier(hub),
		dispatch.WithNotifier(hooks),
		dispatch.WithLogger(logger),
	)
	if err != nil {
		hooks.Close()
		_ = store.Close()
		return fmt.Errorf("init dispatcher: %w", err)
	}
	relay.d = d

	// ── 9. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(d, hub, cfg, metricsReg, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("dayslot ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 10. Start dedicated Prometheus metrics listener ──────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 11. Start periodic passes ────────────────────────────────────────────
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := d.Start(ctx); err != nil {
		hooks.Close()
		_ = store.Close()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	// ── 12. Graceful shutdown on SIGINT / SIGTERM ────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	// Stop waits for a running pass to finish before returning.
	d.Stop()
	hub.Close()
	hooks.Close()

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("store close error", "err", err)
	}

	slog.Info("dayslot stopped")
	return runErr
}
