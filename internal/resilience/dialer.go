package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/starlight/pkg/upstream"
)

// Dialer is an [upstream.Dialer] that fails over between upstreams. Each
// upstream has its own breaker, so a service that keeps refusing connections
// is skipped until its reset timeout has passed.
type Dialer struct {
	group *FallbackGroup[upstream.Dialer]
	log   *slog.Logger
}

// NewDialer wraps primary. Fallbacks are added with [Dialer.AddFallback]
// before the dialer is used.
func NewDialer(primaryName string, primary upstream.Dialer, cfg CircuitBreakerConfig) *Dialer {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dialer{
		group: NewFallbackGroup(primaryName, primary, FallbackConfig{CircuitBreaker: cfg}),
		log:   log,
	}
}

// AddFallback registers fallback to be tried after every earlier upstream.
func (d *Dialer) AddFallback(name string, fallback upstream.Dialer) {
	d.group.AddFallback(name, fallback)
}

// Names returns the upstream names in the order they are tried.
func (d *Dialer) Names() []string { return d.group.Names() }

// Dial opens a stream on the first upstream that accepts the connection.
// The error of the last attempted upstream is wrapped, so
// [upstream.ErrAuthRejected] and [upstream.ErrRefused] stay detectable.
func (d *Dialer) Dial(ctx context.Context, cfg upstream.Config) (upstream.Stream, error) {
	stream, name, err := Do(ctx, d.group, func(ctx context.Context, u upstream.Dialer) (upstream.Stream, error) {
		return u.Dial(ctx, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("resilience: dial: %w", err)
	}
	if names := d.group.Names(); name != names[0] {
		d.log.Info("dialed fallback upstream", "upstream", name)
	}
	return stream, nil
}

// Check reports an error when no upstream would currently be tried, i.e.
// every breaker is open. It is meant for readiness checks.
func (d *Dialer) Check(context.Context) error {
	var open []string
	states := d.group.States()
	for _, name := range d.group.Names() {
		if states[name] != StateOpen {
			return nil
		}
		open = append(open, name)
	}
	return fmt.Errorf("resilience: all upstream circuits open: %s", strings.Join(open, ", "))
}

var _ upstream.Dialer = (*Dialer)(nil)
