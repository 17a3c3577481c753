package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the speech provider names shipped with the
// broker. Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"deepgram", "gcp", "mock"}

// Defaults applied by [ApplyDefaults] for zero-valued fields.
const (
	DefaultListenAddr  = ":8080"
	DefaultGracePeriod = 60 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, fills defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Component-level knobs (stream timing, mic debounce) default inside their
// components; only values read directly at startup are normalised here.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.GracePeriod == 0 {
		cfg.Session.GracePeriod = DefaultGracePeriod
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Session
	if cfg.Session.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("session.grace_period %s must not be negative", cfg.Session.GracePeriod))
	}
	if cfg.Session.MicDebounce < 0 {
		errs = append(errs, fmt.Errorf("session.mic_debounce %s must not be negative", cfg.Session.MicDebounce))
	}

	// Providers
	declared := make(map[string]int, len(cfg.Providers.Speech))
	for i, p := range cfg.Providers.Speech {
		prefix := fmt.Sprintf("providers.speech[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := declared[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.speech[%d]", prefix, p.Name, prev))
		}
		declared[p.Name] = i
		if !slices.Contains(ValidProviderNames, p.Name) {
			slog.Warn("unknown provider name, may be a typo or third-party provider",
				"name", p.Name,
				"known", ValidProviderNames,
			)
		}
	}
	for _, sel := range []struct{ field, name string }{
		{"providers.default", cfg.Providers.Default},
		{"providers.fallback", cfg.Providers.Fallback},
	} {
		if sel.name == "" {
			continue
		}
		if _, ok := declared[sel.name]; !ok {
			errs = append(errs, fmt.Errorf("%s %q does not match any providers.speech entry", sel.field, sel.name))
		}
	}
	if len(cfg.Providers.Speech) == 0 {
		slog.Warn("no speech providers configured; transcription and translation subscriptions will be abandoned")
	}

	// Stream
	if cfg.Stream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("stream.max_retries %d must not be negative", cfg.Stream.MaxRetries))
	}
	if cfg.Stream.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("stream.sample_rate %d must not be negative", cfg.Stream.SampleRate))
	}

	// Bridge
	if cfg.Bridge.ByteOrder != "" && !cfg.Bridge.ByteOrder.IsValid() {
		errs = append(errs, fmt.Errorf("bridge.byte_order %q is invalid; valid values: auto, swap, passthrough", cfg.Bridge.ByteOrder))
	}

	// Events
	if len(cfg.Events.Brokers) > 0 {
		if cfg.Events.TranscriptTopic == "" {
			errs = append(errs, errors.New("events.transcript_topic is required when events.brokers is set"))
		}
		if cfg.Events.SessionTopic == "" {
			errs = append(errs, errors.New("events.session_topic is required when events.brokers is set"))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel converts a LogLevel to its slog equivalent.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
