// Package session owns the per-user composition root. A UserSession wires
// one user's subscription registry, App connections, stream managers, audio
// manager and media bridge client together; the Directory is the only
// process-wide registry of sessions.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glassbridge/glassbridge/internal/appconn"
	"github.com/glassbridge/glassbridge/internal/appdir"
	"github.com/glassbridge/glassbridge/internal/audio"
	"github.com/glassbridge/glassbridge/internal/bridge"
	"github.com/glassbridge/glassbridge/internal/events"
	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/internal/stream"
	"github.com/glassbridge/glassbridge/internal/subscription"
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// ClientTransport is the session's view of the glasses client connection.
// Send must not block indefinitely; Close tears down the underlying
// connection.
type ClientTransport interface {
	Send(msg any) error
	Close() error
}

// UserSession holds everything owned by one connected user. All exported
// methods are safe for concurrent use.
type UserSession struct {
	id     string
	userID string
	logger *slog.Logger

	directory appdir.Directory
	publisher *events.Publisher
	metrics   *observe.Metrics

	subs        *subscription.Registry
	resurrector *appdir.Resurrector
	apps        *appconn.Registry

	transcription *stream.Manager
	translation   *stream.Manager
	audio         *audio.Manager
	bridge        *bridge.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	transport ClientTransport
	teardown  *time.Timer
	disposed  bool

	grace    time.Duration
	onExpire func(*UserSession)
}

// ID returns the unique session id assigned at creation.
func (s *UserSession) ID() string { return s.id }

// UserID returns the owning user's id.
func (s *UserSession) UserID() string { return s.userID }

// Subscriptions returns the session's subscription registry.
func (s *UserSession) Subscriptions() *subscription.Registry { return s.subs }

// Apps returns the session's App connection registry.
func (s *UserSession) Apps() *appconn.Registry { return s.apps }

// Bridge returns the media bridge client, or nil when the bridge is
// disabled by configuration.
func (s *UserSession) Bridge() *bridge.Client { return s.bridge }

// FeedAudio routes one inbound PCM frame from the client into the audio
// manager, which fans it out to the stream managers and raw-audio Apps, and
// publishes it into the media room. Frames arriving from the bridge go
// through the audio manager only; feeding them back here would echo room
// audio into the room.
func (s *UserSession) FeedAudio(frame []byte) {
	s.audio.Feed(frame)
	if s.bridge != nil && s.bridge.Connected() {
		_ = s.bridge.SendAudio(frame)
	}
}

// MicrophoneNeeded reports whether any current subscription requires the
// client to capture audio.
func (s *UserSession) MicrophoneNeeded() bool {
	return s.subs.MicrophoneNeeded()
}

// start completes construction work that may touch the network: fetching
// the user's installed Apps and announcing the session. Directory failures
// degrade to an empty App set rather than failing the session.
func (s *UserSession) start(ctx context.Context) {
	if s.directory != nil {
		apps, err := s.directory.InstalledApps(ctx, s.userID)
		if err != nil {
			s.logger.Warn("installed-app lookup failed, resurrection disabled", "error", err)
		} else {
			s.resurrector.SetApps(apps)
			s.logger.Info("installed apps loaded", "count", len(apps))
		}
	}
	if s.bridge != nil {
		// One media room per user; the bridge process mints its own token
		// when none is supplied.
		params := bridge.JoinParams{RoomName: "user-" + s.userID}
		if err := s.bridge.Connect(ctx, params); err != nil {
			s.logger.Warn("media bridge connect failed, continuing without room audio", "error", err)
		}
	}
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.publishLifecycle(events.SessionStarted)
}

// attach swaps in a new client transport after a reconnect within the grace
// period. Any pending teardown timer is disarmed.
func (s *UserSession) attach(t ClientTransport) {
	s.mu.Lock()
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
	old := s.transport
	s.transport = t
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	s.logger.Info("client transport reattached")
	s.publishLifecycle(events.SessionReconnected)

	// Tell the (possibly restarted) client whether to capture audio.
	s.notifyClient(message.NewMicrophoneStateChange(s.audio.MicrophoneOn()))
}

// Detach records the loss of the client transport and arms the teardown
// timer. If the client reattaches before the grace period elapses the
// session survives untouched. Passing the transport that failed guards
// against a stale read loop detaching a freshly attached replacement; a nil
// old detaches unconditionally.
func (s *UserSession) Detach(old ClientTransport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	if old != nil && s.transport != old {
		return
	}
	s.transport = nil
	if s.teardown != nil {
		s.teardown.Stop()
	}
	s.teardown = time.AfterFunc(s.grace, s.expire)
	s.logger.Info("client transport lost, grace period armed", "grace", s.grace)
}

// expire fires when the grace period elapses without a reattachment.
func (s *UserSession) expire() {
	s.mu.Lock()
	if s.transport != nil || s.disposed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if s.onExpire != nil {
		s.onExpire(s)
	}
}

// dispose releases every owned component. Components go down in dependency
// order so nothing writes into an already-closed collaborator: stream
// managers first (they feed Apps), then the bridge and audio manager (they
// feed the stream managers), then the App connections. The subscription
// registry holds no resources and needs no close.
func (s *UserSession) dispose(reason string) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	s.logger.Info("disposing session", "reason", reason)
	s.cancel()

	s.transcription.Close()
	s.translation.Close()
	if s.bridge != nil {
		s.bridge.Close()
	}
	s.audio.Close()
	s.apps.Close()

	if t != nil {
		_ = t.Close()
	}

	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.publishLifecycle(events.SessionEnded)
}

// notifyClient sends one control message to the glasses client, quietly
// dropping it when no transport is attached.
func (s *UserSession) notifyClient(msg any) {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Send(msg); err != nil {
		s.logger.Warn("client send failed", "error", err)
	}
}

// onMicrophoneState relays capture demand changes to the client and mirrors
// them onto the bridge's room-audio subscription, so an idle session stops
// pulling audio from both sources.
func (s *UserSession) onMicrophoneState(enabled bool) {
	s.notifyClient(message.NewMicrophoneStateChange(enabled))

	if s.bridge == nil || !s.bridge.Connected() {
		return
	}
	var err error
	if enabled {
		err = s.bridge.EnableSubscribe("")
	} else {
		err = s.bridge.DisableSubscribe()
	}
	if err != nil {
		s.logger.Warn("bridge subscribe toggle failed", "enabled", enabled, "error", err)
	}
}

// BroadcastEvent relays one client event to every App subscribed to its
// stream key. Delivery failures are isolated per App inside the registry.
func (s *UserSession) BroadcastEvent(key message.StreamKey, data any) {
	for _, pkg := range s.subs.SubscribersOf(key) {
		s.apps.Send(pkg, message.NewDataStream(s.id, pkg, key, data))
	}
}

// SetAppState starts or stops an App on the user's behalf. Starting asks
// the App's registered server to connect; stopping drops the connection and
// its subscriptions. The client is told the resulting running set either
// way.
func (s *UserSession) SetAppState(ctx context.Context, packageName string, running bool) {
	if running {
		s.resurrector.Resurrect(ctx, packageName)
	} else {
		s.apps.Send(packageName, message.NewAppStopped(s.id, packageName, "stopped by user"))
		s.apps.Unregister(packageName, true)
		s.subs.RemoveApp(packageName)
	}
	s.notifyClient(message.NewAppStateBroadcast(s.apps.Packages()))
}

// ShowDisplay forwards an App's rendered layout to the glasses display.
func (s *UserSession) ShowDisplay(packageName string, layout []byte, durationMs int) {
	s.notifyClient(message.NewDisplayEvent(packageName, layout, durationMs))
}

// Acknowledge re-sends the connection ack, used when the client repeats its
// init message on an established transport.
func (s *UserSession) Acknowledge() {
	s.notifyClient(message.NewConnectionAck(s.id))
}

// PlayAudio asks the bridge to play a URL into the user's room on behalf of
// an App. The completion event is routed back to the same App through the
// request id.
func (s *UserSession) PlayAudio(packageName, requestID, url string, volume float64) error {
	if s.bridge == nil {
		return bridge.ErrNotConnected
	}
	s.apps.TrackRequest(requestID, packageName)
	if err := s.bridge.PlayURL(requestID, url, bridge.PlayOptions{Volume: volume}); err != nil {
		s.apps.ResolveRequest(requestID)
		return err
	}
	return nil
}

// StopAudio cancels an in-flight playback job.
func (s *UserSession) StopAudio(requestID string) error {
	if s.bridge == nil {
		return bridge.ErrNotConnected
	}
	return s.bridge.StopPlayback(requestID)
}

// handleBridgeEvent routes bridge status messages. Playback outcomes are
// resolved back to the requesting App; everything else is informational.
func (s *UserSession) handleBridgeEvent(e bridge.Event) {
	switch e.Type {
	case bridge.EventPlaybackStarted, bridge.EventPlaybackProgress:
		if pkg, ok := s.apps.PeekRequest(e.RequestID); ok {
			s.logger.Debug("playback progress",
				"package", pkg,
				"request_id", e.RequestID,
				"position_ms", e.PositionMs,
			)
		}
	case bridge.EventPlaybackComplete, bridge.EventPlaybackError:
		pkg, ok := s.apps.ResolveRequest(e.RequestID)
		if !ok {
			s.logger.Warn("playback event for unknown request", "request_id", e.RequestID, "type", e.Type)
			return
		}
		success := e.Type == bridge.EventPlaybackComplete
		s.apps.Send(pkg, message.NewAudioPlayResponse(s.id, pkg, e.RequestID, success, e.Error))
	case bridge.EventRoomJoined:
		s.logger.Info("bridge joined room", "room", e.RoomName)
	case bridge.EventRoomLeft:
		s.logger.Info("bridge left room", "room", e.RoomName, "reason", e.State)
	case bridge.EventError:
		s.logger.Warn("bridge error", "error", e.Error)
	}
}

// exportResult forwards final results to the Kafka publisher. Partials stay
// in-process; export failures are logged and never reach the relay path.
func (s *UserSession) exportResult(key message.StreamKey, r speech.Result) {
	if s.publisher == nil || !s.publisher.Enabled() || !r.IsFinal {
		return
	}
	ev := events.TranscriptEvent{
		SessionID:      s.id,
		UserID:         s.userID,
		Stream:         key.String(),
		Text:           r.Text,
		Language:       r.Language,
		TargetLanguage: r.TargetLanguage,
		Confidence:     r.Confidence,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.publisher.PublishTranscript(s.ctx, ev); err != nil {
		s.logger.Warn("transcript export failed", "error", err)
	}
}

func (s *UserSession) publishLifecycle(event string) {
	if s.publisher == nil || !s.publisher.Enabled() {
		return
	}
	ev := events.SessionEvent{
		SessionID: s.id,
		UserID:    s.userID,
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
	if err := s.publisher.PublishSession(context.Background(), ev); err != nil {
		s.logger.Warn("session event export failed", "event", event, "error", err)
	}
}

// newSessionID returns a fresh unique session id.
func newSessionID() string { return uuid.NewString() }
