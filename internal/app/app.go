// Package app wires the Starlight subsystems into a running relay.
//
// The App owns the parts shared by every call: the upstream dialer, the
// validated tool set built from the menu, and the [Registry] of live calls.
// Each client connection gets its own [Call] from [App.NewCall], built from a
// snapshot of the current configuration, so a hot reload only affects calls
// started afterwards.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/starlight/internal/config"
	"github.com/MrWong99/starlight/internal/observe"
	"github.com/MrWong99/starlight/internal/pipeline"
	"github.com/MrWong99/starlight/internal/prompt"
	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/pkg/upstream"
)

// App owns all shared state and hands out calls.
type App struct {
	dialer  upstream.Dialer
	calls   *Registry
	metrics *observe.Metrics
	log     *slog.Logger

	mu    sync.RWMutex
	cfg   *config.Config
	tools []*toolbridge.Tool

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink shared by every call.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// New creates an App dialing through dialer. The dialer is usually built by
// the config registry in main.go.
func New(cfg *config.Config, dialer upstream.Dialer, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		dialer: dialer,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	tools, err := buildTools(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build tools: %w", err)
	}
	a.tools = tools
	a.calls = NewRegistry(cfg.Server.MaxCalls, a.metrics)

	a.log.Info("app ready",
		"upstream", cfg.Upstream.Name,
		"menu_items", len(cfg.Menu),
		"tools", len(tools),
		"max_calls", cfg.Server.MaxCalls,
	)
	return a, nil
}

func buildTools(cfg *config.Config) ([]*toolbridge.Tool, error) {
	var catalog *toolbridge.Catalog
	if len(cfg.Menu) > 0 {
		catalog = toolbridge.NewCatalog(cfg.Menu, cfg.MenuMatch.CatalogOptions()...)
	}
	order, err := toolbridge.NewConfirmOrder(catalog)
	if err != nil {
		return nil, err
	}
	return []*toolbridge.Tool{order}, nil
}

// Calls returns the registry of live calls.
func (a *App) Calls() *Registry { return a.calls }

// Config returns the configuration new calls are built from.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Reload applies cfg to calls started from now on. Live calls keep the
// configuration they were created with. A changed upstream provider is not
// applied; it needs a restart.
func (a *App) Reload(cfg *config.Config, diff config.ConfigDiff) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if diff.MenuChanged {
		tools, err := buildTools(cfg)
		if err != nil {
			return fmt.Errorf("app: reload tools: %w", err)
		}
		a.tools = tools
	}
	if diff.MaxCallsChanged {
		a.calls.SetLimit(cfg.Server.MaxCalls)
	}
	if diff.ProviderChanged {
		// Keep the provider the dialer was built for.
		next := *cfg
		next.Upstream.Name = a.cfg.Upstream.Name
		cfg = &next
	}
	a.cfg = cfg
	a.log.Info("app config reloaded",
		"menu_changed", diff.MenuChanged,
		"call_changed", diff.CallChanged,
		"transcript_changed", diff.TranscriptChanged,
		"upstream_changed", diff.UpstreamChanged,
	)
	return nil
}

// Params returns the per-call snapshot of the current configuration.
func (a *App) Params() CallParams {
	a.mu.RLock()
	defer a.mu.RUnlock()
	up := a.cfg.Upstream
	toolNames := make([]string, len(a.tools))
	for i, t := range a.tools {
		toolNames[i] = t.Name()
	}
	return CallParams{
		Provider: up.Name,
		Upstream: upstream.Config{
			Model:        up.Model,
			Voice:        up.Voice,
			LanguageCode: config.LanguageCode(up.Language),
			Instructions: prompt.Format(prompt.Input{
				Instructions: up.Instructions,
				Language:     up.Language,
				Menu:         a.cfg.Menu,
				Tools:        toolNames,
			}),
			Temperature:  up.Temperature,
			TopP:         up.TopP,
		},
		ConnectTimeout: up.ConnectTimeout,
		Call:           a.cfg.Call,
		Policy:         a.cfg.Transcript.Policy(),
		Tools:          a.tools,
	}
}

// NewCall creates a call reporting to sink and playing inbound audio on
// playback, and registers it. The call's trace hangs below the span in ctx.
// The call is not connected yet.
func (a *App) NewCall(ctx context.Context, sink Sink, playback pipeline.Sink, remoteAddr string) (*Call, error) {
	c := NewCall(a.dialer, a.Params(), sink, playback,
		WithCallMetrics(a.metrics),
		WithCallLogger(a.log),
		WithTraceParent(ctx),
	)
	if err := a.calls.Add(c, remoteAddr); err != nil {
		// Release the unused session so the call's watcher ends.
		_, _ = c.RequestDisconnect(context.Background())
		return nil, err
	}
	return c, nil
}

// Shutdown hangs up every live call. It respects the context deadline: calls
// that have not stopped by then are abandoned and the error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "calls", a.calls.Len())
		if err := a.calls.Close(ctx); err != nil {
			a.log.Warn("shutdown: close calls", "err", err)
			shutdownErr = err
			return
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
