package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glassbridge/glassbridge/internal/appconn"
	"github.com/glassbridge/glassbridge/internal/appdir"
	"github.com/glassbridge/glassbridge/internal/audio"
	"github.com/glassbridge/glassbridge/internal/bridge"
	"github.com/glassbridge/glassbridge/internal/config"
	"github.com/glassbridge/glassbridge/internal/events"
	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/internal/stream"
	"github.com/glassbridge/glassbridge/internal/subscription"
)

// DefaultGracePeriod is how long a session survives without a client
// transport before it is torn down.
const DefaultGracePeriod = 60 * time.Second

// Config holds the process-wide collaborators every session shares.
type Config struct {
	// AppDir resolves a user's installed Apps. Nil disables discovery and
	// resurrection.
	AppDir appdir.Directory

	// Chain is the provider selection order shared by all stream managers.
	Chain stream.Chain

	// Publisher exports transcripts and lifecycle events. Nil disables
	// export.
	Publisher *events.Publisher

	// PublicWSURL is the externally reachable App websocket endpoint,
	// handed to Apps in resurrection webhooks.
	PublicWSURL string

	// GracePeriod overrides how long a detached session is kept alive.
	// Default 60s.
	GracePeriod time.Duration

	// MicDebounce overrides the audio manager's capture-off debounce.
	MicDebounce time.Duration

	// Stream carries the per-manager tuning knobs.
	Stream config.StreamConfig

	// Bridge carries the media bridge endpoint and PCM settings. An empty
	// URL disables the bridge.
	Bridge config.BridgeConfig

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Directory is the process-wide session registry, keyed by user id. It is
// the only state shared across sessions; everything else is owned by
// exactly one UserSession.
type Directory struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*UserSession
}

// New creates an empty Directory.
func New(cfg Config) *Directory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Directory{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "session"),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*UserSession),
	}
}

// CreateOrAttach returns the session for userID, creating it when absent.
// When a session already exists the new transport replaces the old one and
// any pending teardown is disarmed; reattached reports which path was
// taken.
func (d *Directory) CreateOrAttach(ctx context.Context, userID string, t ClientTransport) (s *UserSession, reattached bool) {
	d.mu.Lock()
	if existing, ok := d.sessions[userID]; ok {
		d.mu.Unlock()
		existing.attach(t)
		return existing, true
	}
	s = d.build(userID, t)
	d.sessions[userID] = s
	d.mu.Unlock()

	s.start(ctx)
	s.logger.Info("session created")
	return s, false
}

// Lookup returns the live session for userID, if any.
func (d *Directory) Lookup(userID string) (*UserSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[userID]
	return s, ok
}

// LookupByID resolves a session by its session id. Apps identify sessions
// this way because they never learn the underlying user id.
func (d *Directory) LookupByID(sessionID string) (*UserSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if s.id == sessionID {
			return s, true
		}
	}
	return nil, false
}

// Remove disposes the session for userID immediately, skipping the grace
// period. Used when the client ends the session explicitly.
func (d *Directory) Remove(userID string) {
	d.mu.Lock()
	s, ok := d.sessions[userID]
	if ok {
		delete(d.sessions, userID)
	}
	d.mu.Unlock()
	if ok {
		s.dispose("removed")
	}
}

// Len returns the number of live sessions.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Close disposes every live session. Used at process shutdown.
func (d *Directory) Close() {
	d.mu.Lock()
	all := make([]*UserSession, 0, len(d.sessions))
	for _, s := range d.sessions {
		all = append(all, s)
	}
	d.sessions = make(map[string]*UserSession)
	d.mu.Unlock()

	for _, s := range all {
		s.dispose("shutdown")
	}
}

// expire removes a session whose grace period elapsed. The identity check
// guards against a fresh session created for the same user after the timer
// was armed.
func (d *Directory) expire(s *UserSession) {
	d.mu.Lock()
	cur, ok := d.sessions[s.userID]
	if !ok || cur != s {
		d.mu.Unlock()
		return
	}
	delete(d.sessions, s.userID)
	d.mu.Unlock()
	s.dispose("grace period expired")
}

// build assembles a fresh UserSession and its owned components. Pure
// construction; network work happens later in start.
func (d *Directory) build(userID string, t ClientTransport) *UserSession {
	id := newSessionID()
	ctx, cancel := context.WithCancel(context.Background())

	s := &UserSession{
		id:        id,
		userID:    userID,
		logger:    d.cfg.Logger.With("component", "session", "session", id, "user", userID),
		directory: d.cfg.AppDir,
		publisher: d.cfg.Publisher,
		metrics:   d.metrics,
		ctx:       ctx,
		cancel:    cancel,
		transport: t,
		grace:     d.cfg.GracePeriod,
		onExpire:  d.expire,
	}

	s.subs = subscription.New(d.cfg.Logger)
	s.resurrector = appdir.NewResurrector(d.cfg.Logger, id, userID, d.cfg.PublicWSURL, nil)
	s.apps = appconn.New(d.cfg.Logger, id, s.resurrector)
	s.apps.OnConnectionChange(func(delta int) {
		d.metrics.ActiveAppConnections.Add(ctx, int64(delta))
	})
	s.apps.OnSendFailure(func(packageName string) {
		d.metrics.RecordDeliveryFailure(ctx, packageName)
	})

	s.transcription = stream.NewManager(d.streamConfig(s, message.StreamTranscription))
	s.translation = stream.NewManager(d.streamConfig(s, message.StreamTranslation))

	s.audio = audio.New(audio.Config{
		SessionID:         id,
		Sinks:             []audio.Sink{s.transcription, s.translation},
		Subscriptions:     s.subs,
		Apps:              s.apps,
		OnMicrophoneState: s.onMicrophoneState,
		MicDebounce:       d.cfg.MicDebounce,
		Logger:            d.cfg.Logger,
		Metrics:           d.metrics,
	})

	if d.cfg.Bridge.URL != "" {
		s.bridge = bridge.New(bridge.Config{
			URL:       d.cfg.Bridge.URL,
			SessionID: id,
			ByteOrder: d.cfg.Bridge.ByteOrder,
			OnAudio:   s.audio.Feed,
			OnEvent:   s.handleBridgeEvent,
			Logger:    d.cfg.Logger,
			Metrics:   d.metrics,
		})
	}

	s.subs.OnChange(func(subscription.Diff) {
		s.transcription.Reconcile()
		s.translation.Reconcile()
		s.audio.SubscriptionsChanged()
	})

	go s.transcription.Run(ctx)
	go s.translation.Run(ctx)

	return s
}

func (d *Directory) streamConfig(s *UserSession, kind message.StreamType) stream.Config {
	return stream.Config{
		SessionID:          s.id,
		Kind:               kind,
		Subscriptions:      s.subs,
		Apps:               s.apps,
		Chain:              d.cfg.Chain,
		Logger:             d.cfg.Logger,
		Metrics:            d.metrics,
		OnResult:           s.exportResult,
		SampleRate:         d.cfg.Stream.SampleRate,
		MaxRetries:         d.cfg.Stream.MaxRetries,
		RetryBaseDelay:     d.cfg.Stream.RetryBaseDelay,
		CreateTimeout:      d.cfg.Stream.CreateTimeout,
		BufferCapacity:     d.cfg.Stream.BufferCapacity,
		BufferFlushTimeout: d.cfg.Stream.BufferFlushTimeout,
		IdleTimeout:        d.cfg.Stream.IdleTimeout,
	}
}
