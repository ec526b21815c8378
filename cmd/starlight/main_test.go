package main

import (
	"context"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/starlight/internal/config"
	"github.com/MrWong99/starlight/pkg/upstream"
	"github.com/MrWong99/starlight/pkg/upstream/mock"
)

func TestBuildDialer_Failover(t *testing.T) {
	t.Parallel()

	primary := &mock.Dialer{DialErr: upstream.ErrRefused}
	fallback := &mock.Dialer{}
	var fallbackCfg config.UpstreamConfig

	reg := config.NewRegistry()
	reg.RegisterUpstream("gemini-live", func(config.UpstreamConfig) (upstream.Dialer, error) { return primary, nil })
	reg.RegisterUpstream("openai-realtime", func(entry config.UpstreamConfig) (upstream.Dialer, error) {
		fallbackCfg = entry
		return fallback, nil
	})

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{Name: "gemini-live", APIKey: "gm", Voice: "Puck"},
		Failover: config.FailoverConfig{
			Upstreams: []config.FallbackUpstream{{Name: "openai-realtime", APIKey: "sk"}},
		},
	}
	d, err := buildDialer(cfg, reg, slog.Default())
	if err != nil {
		t.Fatalf("buildDialer: %v", err)
	}
	if got := d.Names(); !slices.Equal(got, []string{"gemini-live", "openai-realtime#1"}) {
		t.Errorf("Names = %v", got)
	}
	if fallbackCfg.APIKey != "sk" || fallbackCfg.Voice != "Puck" {
		t.Errorf("fallback config = %+v", fallbackCfg)
	}

	if _, err := d.Dial(context.Background(), upstream.Config{}); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if len(fallback.Calls()) != 1 {
		t.Error("fallback was not dialed after the primary refused")
	}
}

func TestBuildDialer_UnknownProvider(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Upstream: config.UpstreamConfig{Name: "carrier-pigeon"}}
	if _, err := buildDialer(cfg, config.NewRegistry(), slog.Default()); err == nil {
		t.Fatal("expected an error for an unregistered provider")
	}
}

func TestRegisterBuiltinUpstreams_RequireAPIKey(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinUpstreams(reg)

	for _, name := range []string{"gemini-live", "openai-realtime"} {
		if _, err := reg.CreateUpstream(config.UpstreamConfig{Name: name}); err == nil {
			t.Errorf("%s: expected an error without api_key", name)
		}
		if _, err := reg.CreateUpstream(config.UpstreamConfig{Name: name, APIKey: "k"}); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestOptDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		opts   map[string]any
		want   time.Duration
		wantOK bool
	}{
		{map[string]any{"keepalive": "30s"}, 30 * time.Second, true},
		{map[string]any{"keepalive": "soon"}, 0, false},
		{map[string]any{"keepalive": 30}, 0, false},
		{nil, 0, false},
	}
	for _, tt := range tests {
		got, ok := optDuration(tt.opts, "keepalive")
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("optDuration(%v) = (%v, %v), want (%v, %v)", tt.opts, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
