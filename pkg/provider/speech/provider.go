// Package speech defines the Provider interface for streaming speech
// recognition and speech translation backends.
//
// A speech provider wraps a real-time service (e.g. Deepgram or Google Cloud
// Speech) behind a uniform streaming interface. The central abstraction is
// StreamHandle: once opened for a language configuration, a stream accepts
// raw PCM16 audio frames and emits Result values, low-latency partials for
// live captions and authoritative finals for relay and export.
//
// Implementations must be safe for concurrent use. Many streams may be open
// simultaneously (one per distinct subscribed language configuration per
// user).
package speech

import (
	"context"
	"errors"
	"time"
)

// ErrStreamClosed is returned by SendAudio after a stream has been closed.
var ErrStreamClosed = errors.New("speech: stream closed")

// ErrUnsupportedLanguagePair is returned by stream creation when no
// configuration of the provider can serve the requested languages. Callers
// must not retry: retrying cannot change provider capability.
var ErrUnsupportedLanguagePair = errors.New("speech: unsupported language pair")

// StreamConfig describes one provider stream to be opened.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz. The broker feeds 16000.
	SampleRate int

	// Language is the BCP-47 tag of the spoken language.
	Language string

	// TargetLanguage, when non-empty, requests translation of the recognised
	// speech into this language. Empty means plain transcription.
	TargetLanguage string

	// InterimResults requests low-latency partial results where supported.
	InterimResults bool
}

// Translating reports whether the config requests translation.
func (c StreamConfig) Translating() bool { return c.TargetLanguage != "" }

// Result is one recognition or translation result emitted by a stream.
type Result struct {
	// Text is the recognised (or translated) utterance text.
	Text string

	// IsFinal marks authoritative results; partials may be revised.
	IsFinal bool

	// Language is the spoken language of the utterance.
	Language string

	// TargetLanguage is set on translation results.
	TargetLanguage string

	// Confidence is the provider's confidence (0.0–1.0), zero if unreported.
	Confidence float64

	// Timestamp marks utterance start relative to stream start.
	Timestamp time.Duration

	// Duration is the utterance length, zero if unreported.
	Duration time.Duration
}

// StreamHandle is one open provider stream. Callers must Close handles they
// no longer need; failing to do so leaks goroutines and connections inside
// the provider. All methods must be safe for concurrent use.
type StreamHandle interface {
	// SendAudio delivers one PCM16 frame matching the StreamConfig format.
	// Returns ErrStreamClosed after Close.
	SendAudio(frame []byte) error

	// Results returns the channel of partial and final results. It is closed
	// when the stream ends.
	Results() <-chan Result

	// Errors returns the channel carrying mid-stream failures (network drop,
	// provider-side abort). At most one error is sent; the channel is closed
	// when the stream ends.
	Errors() <-chan error

	// Close terminates the stream and releases its resources. Closing more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any speech backend.
type Provider interface {
	// Name returns the stable registry name of this provider (e.g. "deepgram").
	Name() string

	// StartStream opens a stream for the given configuration. Returns
	// ErrUnsupportedLanguagePair when the languages cannot be served.
	StartStream(ctx context.Context, cfg StreamConfig) (StreamHandle, error)

	// SupportsLanguagePair reports whether the provider can serve the given
	// source/target combination. An empty target asks about transcription.
	SupportsLanguagePair(src, tgt string) bool

	// Healthy reports the provider's last known health. Unhealthy providers
	// are skipped during stream placement but may recover.
	Healthy() bool
}
