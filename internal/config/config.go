// Package config provides the configuration schema, loader, file watcher,
// and speech-provider registry for the glassbridge session broker.
package config

import (
	"time"

	"github.com/glassbridge/glassbridge/pkg/pcm"
)

// LogLevel controls log verbosity for the broker.
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

// Config is the root configuration structure for the broker.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	AppDir    AppDirConfig    `yaml:"appdir"`
	Providers ProvidersConfig `yaml:"providers"`
	Stream    StreamConfig    `yaml:"stream"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PublicWSURL is the externally reachable websocket base URL handed to
	// App servers in resurrection webhooks (e.g., "wss://cloud.example").
	PublicWSURL string `yaml:"public_ws_url"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// SessionConfig tunes per-user session lifecycle behaviour.
type SessionConfig struct {
	// GracePeriod is how long a session survives after its client transport
	// drops before teardown. Zero selects the default (60s).
	GracePeriod time.Duration `yaml:"grace_period"`

	// MicDebounce delays microphone-off notifications to the client so brief
	// subscription churn does not flap capture. Zero selects the default (1s).
	MicDebounce time.Duration `yaml:"mic_debounce"`
}

// AppDirConfig locates the external App directory service.
type AppDirConfig struct {
	// BaseURL is the directory service root (e.g., "https://appstore.example").
	BaseURL string `yaml:"base_url"`
}

// ProvidersConfig declares the speech providers and their selection order.
type ProvidersConfig struct {
	// Default is the provider tried first for new streams.
	Default string `yaml:"default"`

	// Fallback is tried when the default cannot serve a language pair.
	Fallback string `yaml:"fallback"`

	// Speech lists the providers to register at startup.
	Speech []ProviderEntry `yaml:"speech"`
}

// ProviderEntry is the common configuration block shared by all speech
// providers. The Name field selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "deepgram", "gcp").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// Endpoint overrides the provider's default API endpoint.
	Endpoint string `yaml:"endpoint"`

	// Model selects a specific model within the provider (e.g., "nova-3").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// StreamConfig tunes provider stream lifecycle behaviour.
type StreamConfig struct {
	// MaxRetries bounds creation attempts per subscription. Zero selects the
	// default (3).
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelay scales linearly with the attempt number. Zero selects
	// the default (1s).
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// CreateTimeout bounds one provider handshake. Zero selects the default (10s).
	CreateTimeout time.Duration `yaml:"create_timeout"`

	// BufferCapacity bounds the startup audio buffer, in frames. Zero selects
	// the default (100).
	BufferCapacity int `yaml:"buffer_capacity"`

	// BufferFlushTimeout forces a flush of startup-buffered audio. Zero
	// selects the default (5s).
	BufferFlushTimeout time.Duration `yaml:"buffer_flush_timeout"`

	// IdleTimeout closes streams without recent activity. Zero selects the
	// default (2m).
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// SampleRate of provider streams in Hz. Zero selects the default (16000).
	SampleRate int `yaml:"sample_rate"`
}

// BridgeConfig locates the media bridge process.
type BridgeConfig struct {
	// URL is the bridge's websocket endpoint (e.g., "ws://localhost:9090/ws").
	// Empty disables media bridge features.
	URL string `yaml:"url"`

	// ByteOrder selects inbound PCM endianness handling: auto, swap, or
	// passthrough. Empty means auto.
	ByteOrder pcm.ByteOrderMode `yaml:"byte_order"`

	// SampleRate of the bridge PCM channel in Hz. Zero selects 16000.
	SampleRate int `yaml:"sample_rate"`
}

// EventsConfig configures the Kafka export of transcripts and session events.
type EventsConfig struct {
	// Brokers is the Kafka bootstrap list. Empty disables export.
	Brokers []string `yaml:"brokers"`

	// TranscriptTopic receives final transcription/translation results.
	TranscriptTopic string `yaml:"transcript_topic"`

	// SessionTopic receives session lifecycle events.
	SessionTopic string `yaml:"session_topic"`
}
