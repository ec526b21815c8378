package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidUpstreamNames lists the built-in upstream providers. Used by
// [Validate] to warn about unrecognised names.
var ValidUpstreamNames = []string{"gemini-live", "openai-realtime"}

// envRef matches ${NAME} references expanded by [LoadFromReader].
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// ${NAME} references are replaced with the value of the environment variable
// NAME before decoding; a bare $ is left alone.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("server.max_calls %d must not be negative", cfg.Server.MaxCalls))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	up := cfg.Upstream
	if up.Name == "" {
		errs = append(errs, errors.New("upstream.name is required"))
	} else if !slices.Contains(ValidUpstreamNames, up.Name) {
		slog.Warn("unknown upstream provider name, may be a typo or a third-party provider",
			"name", up.Name,
			"known", ValidUpstreamNames,
		)
	}
	if up.Name != "" && up.APIKey == "" {
		slog.Warn("upstream.api_key is empty; connections will likely be rejected", "name", up.Name)
	}
	if up.Temperature < 0 || up.Temperature > 2 {
		errs = append(errs, fmt.Errorf("upstream.temperature %.2f is out of range [0, 2]", up.Temperature))
	}
	if up.TopP < 0 || up.TopP > 1 {
		errs = append(errs, fmt.Errorf("upstream.top_p %.2f is out of range [0, 1]", up.TopP))
	}
	if up.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("upstream.connect_timeout %s must not be negative", up.ConnectTimeout))
	}

	// Call
	call := cfg.Call
	if call.CaptureQueue < 0 {
		errs = append(errs, fmt.Errorf("call.capture_queue %d must not be negative", call.CaptureQueue))
	}
	if call.PlaybackQueue < 0 {
		errs = append(errs, fmt.Errorf("call.playback_queue %d must not be negative", call.PlaybackQueue))
	}
	if call.GreetingDelay < 0 {
		errs = append(errs, fmt.Errorf("call.greeting_delay %s must not be negative", call.GreetingDelay))
	}
	if call.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("call.frame_duration %s must not be negative", call.FrameDuration))
	}

	// Failover
	fo := cfg.Failover
	for i, f := range fo.Upstreams {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("failover.upstreams[%d].name is required", i))
		}
	}
	if fo.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("failover.max_failures %d must not be negative", fo.MaxFailures))
	}
	if fo.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("failover.reset_timeout %s must not be negative", fo.ResetTimeout))
	}

	// Transcript
	if cfg.Transcript.UserMinRunes < 0 || cfg.Transcript.AgentMinRunes < 0 {
		errs = append(errs, errors.New("transcript min_runes values must not be negative"))
	}

	// Menu matching
	if v := cfg.MenuMatch.PhoneticThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("menu_match.phonetic_threshold %g must be between 0 and 1", v))
	}
	if v := cfg.MenuMatch.FuzzyThreshold; v < 0 || v > 1 {
		errs = append(errs, fmt.Errorf("menu_match.fuzzy_threshold %g must be between 0 and 1", v))
	}

	// Menu duplicate name detection
	seen := make(map[string]int, len(cfg.Menu))
	for i, item := range cfg.Menu {
		prefix := fmt.Sprintf("menu[%d]", i)
		if item.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[item.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of menu[%d]", prefix, item.Name, prev))
		}
		seen[item.Name] = i
		if item.Price < 0 {
			errs = append(errs, fmt.Errorf("%s.price %.0f must not be negative", prefix, item.Price))
		}
	}

	return errors.Join(errs...)
}
