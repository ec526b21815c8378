// Command starlight is the main entry point for the Starlight call relay.
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
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/starlight/internal/app"
	"github.com/MrWong99/starlight/internal/config"
	"github.com/MrWong99/starlight/internal/gateway"
	"github.com/MrWong99/starlight/internal/health"
	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/internal/resilience"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/MrWong99/starlight/pkg/upstream/gemini"
	"github.com/MrWong99/starlight/pkg/upstream/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownGrace = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "starlight: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "starlight: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("starlight starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"upstream", cfg.Upstream.Name,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Upstream ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinUpstreams(reg)

	dialer, err := buildDialer(cfg, reg, logger)
	if err != nil {
		slog.Error("failed to create upstream", "err", err)
		return 1
	}

	application, err := app.New(cfg, dialer, app.WithMetrics(metrics), app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config, diff config.ConfigDiff) {
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
			}
			if err := application.Reload(next, diff); err != nil {
				slog.Warn("config reload rejected", "err", err)
				return
			}
			if diff.ProviderChanged || diff.FailoverChanged {
				slog.Warn("upstream provider and failover changes take effect on restart")
			}
			slog.Info("config reloaded", "menu_changed", diff.MenuChanged, "upstream_changed", diff.UpstreamChanged)
		})
		if err != nil {
			slog.Error("failed to watch config", "err", err)
			return 1
		}
		defer w.Stop()
	}

	// ── HTTP routes ───────────────────────────────────────────────────────────
	hh := health.New(
		health.Checker{Name: "calls", Check: application.Calls().Check},
		health.Checker{Name: "upstream", Check: dialer.Check},
	)
	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	gateway.New(application,
		gateway.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		gateway.WithLogger(logger),
	).Register(mux)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining calls")
		hh.SetDraining(true)

		// ── Graceful shutdown ─────────────────────────────────────────────────
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		// Hijacked sockets are not tracked by the HTTP server, so calls are
		// hung up explicitly before it stops.
		err := application.Shutdown(shutdownCtx)
		return errors.Join(err, srv.Shutdown(shutdownCtx))
	})

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Upstream wiring ───────────────────────────────────────────────────────────

// registerBuiltinUpstreams wires the realtime speech services that ship with
// Starlight into reg.
func registerBuiltinUpstreams(reg *config.Registry) {
	reg.RegisterUpstream("gemini-live", func(entry config.UpstreamConfig) (upstream.Dialer, error) {
		if entry.APIKey == "" {
			return nil, errors.New("gemini-live: api_key is required")
		}
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		if d, ok := optDuration(entry.Options, "keepalive"); ok {
			opts = append(opts, gemini.WithKeepalive(d))
		}
		return gemini.New(entry.APIKey, opts...), nil
	})

	reg.RegisterUpstream("openai-realtime", func(entry config.UpstreamConfig) (upstream.Dialer, error) {
		if entry.APIKey == "" {
			return nil, errors.New("openai-realtime: api_key is required")
		}
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...), nil
	})

	for _, name := range reg.Names() {
		slog.Debug("registered upstream", "name", name)
	}
}

// buildDialer creates the primary upstream and any failover upstreams, each
// behind its own circuit breaker.
func buildDialer(cfg *config.Config, reg *config.Registry, logger *slog.Logger) (*resilience.Dialer, error) {
	primary, err := reg.CreateUpstream(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: %w", cfg.Upstream.Name, err)
	}
	d := resilience.NewDialer(cfg.Upstream.Name, primary, resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Failover.MaxFailures,
		ResetTimeout: cfg.Failover.ResetTimeout,
		Logger:       logger,
	})
	for i, f := range cfg.Failover.Upstreams {
		fallback, err := reg.CreateUpstream(f.Upstream(cfg.Upstream))
		if err != nil {
			return nil, fmt.Errorf("failover upstream %d %q: %w", i, f.Name, err)
		}
		d.AddFallback(fmt.Sprintf("%s#%d", f.Name, i+1), fallback)
	}
	slog.Info("upstreams ready", "order", d.Names())
	return d, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Starlight startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Upstream", summaryValue(cfg.Upstream.Name, cfg.Upstream.Model))
	printRow("Language", summaryValue(cfg.Upstream.Language, ""))
	printRow("Voice", summaryValue(cfg.Upstream.Voice, ""))
	printRow("Failover", fmt.Sprint(len(cfg.Failover.Upstreams)))
	printRow("Menu items", fmt.Sprint(len(cfg.Menu)))
	if cfg.Server.MaxCalls > 0 {
		printRow("Max calls", fmt.Sprint(cfg.Server.MaxCalls))
	} else {
		printRow("Max calls", "(unlimited)")
	}
	printRow("Listen addr", summaryValue(cfg.Server.ListenAddr, ""))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func summaryValue(name, detail string) string {
	switch {
	case name == "":
		return "(not configured)"
	case detail != "":
		return name + " / " + detail
	default:
		return name
	}
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration reads a duration string such as "30s" from a provider Options
// map. ok is false when the key is absent or not a valid duration.
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s, ok := opts[key].(string)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
