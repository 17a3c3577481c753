// Package audio fans raw PCM frames out to the session's stream managers
// and to Apps subscribed to the raw audio stream, and tracks whether any
// consumer currently needs the microphone at all.
package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glassbridge/glassbridge/internal/appconn"
	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/observe"
)

// defaultMicDebounce delays capture-off notifications so a brief
// subscription churn (App restart, stream recycle) does not toggle the
// client microphone.
const defaultMicDebounce = 1 * time.Second

// Sink consumes audio frames without blocking the caller.
type Sink interface {
	FeedAudio(frame []byte)
}

// Subscriptions is the slice of the subscription registry the manager
// consults for raw-audio recipients and microphone demand.
type Subscriptions interface {
	SubscribersOf(key message.StreamKey) []string
	MicrophoneNeeded() bool
	HasRawAudioSubscribers() bool
}

// BinarySender delivers raw frames to one App without blocking.
type BinarySender interface {
	SendBinary(packageName string, frame []byte) appconn.SendResult
}

// Config holds the dependencies for a [Manager].
type Config struct {
	// SessionID for logs.
	SessionID string

	// Sinks receive every frame, typically the transcription and
	// translation stream managers.
	Sinks []Sink

	// Subscriptions supplies raw-audio recipients and microphone demand.
	Subscriptions Subscriptions

	// Apps delivers raw frames to subscribed Apps.
	Apps BinarySender

	// OnMicrophoneState, when set, is invoked with the new demand whenever
	// microphone need flips. Off transitions are debounced; on transitions
	// fire immediately.
	OnMicrophoneState func(enabled bool)

	// MicDebounce overrides the capture-off debounce. Default 1s.
	MicDebounce time.Duration

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Manager is the single entry point for inbound audio on one session. Safe
// for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	rawKey message.StreamKey

	mu       sync.Mutex
	closed   bool
	micOn    bool
	offTimer *time.Timer
}

// New creates a Manager. The initial microphone state is off; call
// SubscriptionsChanged once the registry has content.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.MicDebounce == 0 {
		cfg.MicDebounce = defaultMicDebounce
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "audio", "session", cfg.SessionID),
		rawKey: message.StreamKey{Type: message.StreamAudioChunk},
	}
}

// Feed forwards one frame to every sink and to every App subscribed to raw
// audio. Slow consumers drop frames on their own side; Feed never blocks.
func (m *Manager) Feed(frame []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.cfg.Metrics.AudioFrames.Add(context.Background(), 1)

	for _, sink := range m.cfg.Sinks {
		sink.FeedAudio(frame)
	}

	if !m.cfg.Subscriptions.HasRawAudioSubscribers() {
		return
	}
	for _, pkg := range m.cfg.Subscriptions.SubscribersOf(m.rawKey) {
		// Per-App queueing isolates slow Apps; drops are deliberate.
		_ = m.cfg.Apps.SendBinary(pkg, frame)
	}
}

// SubscriptionsChanged re-derives microphone demand from the registry and
// notifies OnMicrophoneState on transitions. Turning capture on is
// immediate; turning it off waits out the debounce so short-lived
// subscription gaps do not flap the client microphone.
func (m *Manager) SubscriptionsChanged() {
	needed := m.cfg.Subscriptions.MicrophoneNeeded()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	if needed {
		if m.offTimer != nil {
			m.offTimer.Stop()
			m.offTimer = nil
		}
		if m.micOn {
			m.mu.Unlock()
			return
		}
		m.micOn = true
		m.mu.Unlock()
		m.logger.Info("microphone capture enabled")
		m.notify(true)
		return
	}

	if !m.micOn || m.offTimer != nil {
		m.mu.Unlock()
		return
	}
	m.offTimer = time.AfterFunc(m.cfg.MicDebounce, m.debouncedOff)
	m.mu.Unlock()
}

// debouncedOff fires after the debounce window; demand is re-checked in
// case a subscription arrived meanwhile.
func (m *Manager) debouncedOff() {
	m.mu.Lock()
	m.offTimer = nil
	if m.closed || !m.micOn {
		m.mu.Unlock()
		return
	}
	if m.cfg.Subscriptions.MicrophoneNeeded() {
		m.mu.Unlock()
		return
	}
	m.micOn = false
	m.mu.Unlock()
	m.logger.Info("microphone capture disabled")
	m.notify(false)
}

// MicrophoneOn reports the current derived capture state.
func (m *Manager) MicrophoneOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micOn
}

func (m *Manager) notify(enabled bool) {
	if m.cfg.OnMicrophoneState != nil {
		m.cfg.OnMicrophoneState(enabled)
	}
}

// Close stops the debounce timer and makes further feeds no-ops.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.offTimer != nil {
		m.offTimer.Stop()
		m.offTimer = nil
	}
}
