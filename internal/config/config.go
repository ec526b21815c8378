// Package config provides the configuration schema, loader, hot-reload
// watcher and upstream provider registry for the Starlight relay.
package config

import (
	"strings"
	"time"

	"github.com/MrWong99/starlight/internal/toolbridge"
	"github.com/MrWong99/starlight/internal/transcript"
)

// LogLevel controls log verbosity for the Starlight server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Starlight.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Upstream   UpstreamConfig        `yaml:"upstream"`
	Call       CallConfig            `yaml:"call"`
	Transcript TranscriptConfig      `yaml:"transcript"`
	Failover   FailoverConfig        `yaml:"failover"`
	Menu       []toolbridge.MenuItem `yaml:"menu"`
	MenuMatch  MenuMatchConfig       `yaml:"menu_match"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// AllowedOrigins lists the browser origins (host patterns such as
	// "example.com" or "*.example.com") allowed to open the call socket.
	// Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxCalls caps the number of concurrent calls. Zero means unlimited.
	MaxCalls int `yaml:"max_calls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig selects and configures the speech service every call is
// relayed to.
type UpstreamConfig struct {
	// Name selects the registered provider ("gemini-live", "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the service. Use ${ENV} to keep it out of
	// the file.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the provider's prebuilt voice name (e.g., "Puck").
	Voice string `yaml:"voice"`

	// Language is a BCP-47 tag ("ja-JP") or one of the names understood by
	// [LanguageCode] ("Japanese").
	Language string `yaml:"language"`

	// Instructions is the system prompt.
	Instructions string `yaml:"instructions"`

	Temperature float64 `yaml:"temperature"`
	TopP        float64 `yaml:"top_p"`

	// ConnectTimeout bounds the wait for the service's acknowledgment.
	// Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// CallConfig tunes the per-call pipelines.
type CallConfig struct {
	// Greeting is sent as a user turn right after connecting so the agent
	// opens the conversation. Empty disables it.
	Greeting string `yaml:"greeting"`

	// GreetingDelay is the pause before the greeting is sent.
	GreetingDelay time.Duration `yaml:"greeting_delay"`

	// AutoConnect connects as soon as a client socket opens.
	AutoConnect bool `yaml:"auto_connect"`

	// CaptureQueue bounds captured buffers awaiting framing. Default: 64.
	CaptureQueue int `yaml:"capture_queue"`

	// PlaybackQueue bounds inbound frames awaiting playback. Default: 32.
	PlaybackQueue int `yaml:"playback_queue"`

	// GraceDrain is how long audio captured before talk went off is still
	// forwarded. Default: 300ms.
	GraceDrain time.Duration `yaml:"grace_drain"`

	// FrameDuration is the outbound frame length. Default: 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// DisconnectTimeout bounds how long in-flight sends are awaited when a
	// call ends. Default: 2s.
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
}

// FailoverConfig lists alternative upstreams dialed when the primary refuses
// a connection, and tunes the circuit breaker kept for each upstream.
// Changes take effect on restart.
type FailoverConfig struct {
	// Upstreams are tried in order after the primary. Voice, language,
	// instructions and sampling settings are taken from the upstream section.
	Upstreams []FallbackUpstream `yaml:"upstreams"`

	// MaxFailures is the number of consecutive connect failures that open a
	// breaker. Default: 5.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open breaker waits before letting a trial call through.
	// Default: 30s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// FallbackUpstream names an alternative provider and its credentials.
type FallbackUpstream struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// Upstream returns the full upstream section for this fallback, inheriting
// everything it does not override from primary.
func (f FallbackUpstream) Upstream(primary UpstreamConfig) UpstreamConfig {
	up := primary
	up.Name = f.Name
	up.APIKey = f.APIKey
	up.BaseURL = f.BaseURL
	up.Model = f.Model
	up.Options = nil
	return up
}

// TranscriptConfig holds the transcript display-hygiene thresholds. Zero
// values select the defaults of [transcript.DefaultPolicy].
type TranscriptConfig struct {
	UserMinRunes        int    `yaml:"user_min_runes"`
	AgentMinRunes       int    `yaml:"agent_min_runes"`
	TerminalPunctuation string `yaml:"terminal_punctuation"`
}

// Policy converts the section into a [transcript.Policy].
func (c TranscriptConfig) Policy() transcript.Policy {
	return transcript.Policy{
		UserMinRunes:        c.UserMinRunes,
		AgentMinRunes:       c.AgentMinRunes,
		TerminalPunctuation: c.TerminalPunctuation,
	}
}

// MenuMatchConfig tunes how item names heard by the agent are matched to
// the menu. Zero values keep the catalog defaults.
type MenuMatchConfig struct {
	// PhoneticThreshold is the minimum Jaro-Winkler score for items that
	// sound alike. Default: 0.80.
	PhoneticThreshold float64 `yaml:"phonetic_threshold"`

	// FuzzyThreshold is the minimum score for items that do not. Default: 0.88.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// CatalogOptions converts the section into [toolbridge.CatalogOption]s.
func (c MenuMatchConfig) CatalogOptions() []toolbridge.CatalogOption {
	var opts []toolbridge.CatalogOption
	if c.PhoneticThreshold > 0 {
		opts = append(opts, toolbridge.WithPhoneticThreshold(c.PhoneticThreshold))
	}
	if c.FuzzyThreshold > 0 {
		opts = append(opts, toolbridge.WithFuzzyThreshold(c.FuzzyThreshold))
	}
	return opts
}

// languageCodes maps language names accepted in the config file to BCP-47
// tags.
var languageCodes = map[string]string{
	"english":  "en-US",
	"japanese": "ja-JP",
	"korean":   "ko-KR",
}

// LanguageCode resolves lang to a BCP-47 tag. Known language names are
// mapped, anything else is returned unchanged. An empty lang means Japanese.
func LanguageCode(lang string) string {
	if lang == "" {
		return "ja-JP"
	}
	if code, ok := languageCodes[strings.ToLower(strings.TrimSpace(lang))]; ok {
		return code
	}
	return lang
}
