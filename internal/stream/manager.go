// Package stream manages the provider streams backing the transcription and
// translation subscriptions of one user session.
//
// A single Manager serves one stream kind; a session runs two, one for
// transcription and one for translation. The two kinds share all lifecycle
// logic (reconciliation, retry, startup buffering, relay, health sweeps)
// and differ only in which subscription keys they watch and which provider
// configurations they request.
//
// Provider streams map 1:1 onto distinct subscription keys: Apps requesting
// the same language share one upstream stream through the subscription
// registry's key collapsing, and no stream outlives its key.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glassbridge/glassbridge/internal/appconn"
	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// Defaults for Config knobs left zero.
const (
	defaultMaxRetries         = 3
	defaultRetryBaseDelay     = 1 * time.Second
	defaultCreateTimeout      = 10 * time.Second
	defaultBufferCapacity     = 100
	defaultBufferFlushTimeout = 5 * time.Second
	defaultIdleTimeout        = 2 * time.Minute
	defaultMaxWriteFailures   = 5
	defaultReconcileInterval  = 15 * time.Second
	defaultSampleRate         = 16000
)

// Sender is the slice of the App connection registry the manager needs to
// relay results.
type Sender interface {
	Send(packageName string, msg any) appconn.SendResult
}

// Subscriptions is the slice of the subscription registry the manager needs
// to derive desired streams and look up result recipients.
type Subscriptions interface {
	ActiveKeys(t message.StreamType) []message.StreamKey
	SubscribersOf(key message.StreamKey) []string
}

// TranscriptData is the payload relayed to Apps on transcription and
// translation streams.
type TranscriptData struct {
	Text           string  `json:"text"`
	IsFinal        bool    `json:"isFinal"`
	Language       string  `json:"language"`
	TargetLanguage string  `json:"targetLanguage,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	StartMs        int64   `json:"startMs,omitempty"`
	DurationMs     int64   `json:"durationMs,omitempty"`
}

// Config holds the dependencies and tuning knobs for a [Manager].
type Config struct {
	// SessionID identifies the owning session in envelopes and logs.
	SessionID string

	// Kind selects which subscription keys this manager serves. Must be
	// StreamTranscription or StreamTranslation.
	Kind message.StreamType

	// Subscriptions supplies desired streams and result recipients.
	Subscriptions Subscriptions

	// Apps delivers relayed results.
	Apps Sender

	// Chain is the provider selection order.
	Chain Chain

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// OnResult, when set, observes every relayed result after App delivery.
	// Used to export finals without coupling the relay path to the exporter.
	OnResult func(key message.StreamKey, r speech.Result)

	// SampleRate for provider streams. Default 16000.
	SampleRate int

	// MaxRetries bounds creation attempts per subscription before the key is
	// abandoned until it is removed and re-declared. Default 3.
	MaxRetries int

	// RetryBaseDelay scales linearly with the attempt number. Default 1s.
	RetryBaseDelay time.Duration

	// CreateTimeout bounds one provider handshake. Default 10s.
	CreateTimeout time.Duration

	// BufferCapacity bounds the startup audio buffer, in frames. Default 100.
	BufferCapacity int

	// BufferFlushTimeout forces a flush of startup-buffered audio even if
	// some streams are still pending. Default 5s.
	BufferFlushTimeout time.Duration

	// IdleTimeout is how long a stream may sit without activity before the
	// health sweep closes it. Default 2m.
	IdleTimeout time.Duration

	// MaxWriteFailures is the consecutive write-failure threshold beyond
	// which a stream is recycled. Default 5.
	MaxWriteFailures int

	// ReconcileInterval paces the periodic reconcile+sweep loop in Run.
	// Default 15s.
	ReconcileInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.CreateTimeout == 0 {
		c.CreateTimeout = defaultCreateTimeout
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = defaultBufferCapacity
	}
	if c.BufferFlushTimeout == 0 {
		c.BufferFlushTimeout = defaultBufferFlushTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.MaxWriteFailures == 0 {
		c.MaxWriteFailures = defaultMaxWriteFailures
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
}

// Manager reconciles provider streams against the subscription registry and
// moves audio and results between them and the Apps. All exported methods
// are safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	instances map[message.StreamKey]*Instance
	creating  map[message.StreamKey]struct{}
	abandoned map[message.StreamKey]struct{}

	buffer      *frameBuffer
	bufferTimer *time.Timer
}

// NewManager creates a Manager. Call Close to release all streams.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "stream", "kind", string(cfg.Kind), "session", cfg.SessionID),
		ctx:       ctx,
		cancel:    cancel,
		instances: make(map[message.StreamKey]*Instance),
		creating:  make(map[message.StreamKey]struct{}),
		abandoned: make(map[message.StreamKey]struct{}),
		buffer:    newFrameBuffer(cfg.BufferCapacity),
	}
}

// Run drives periodic reconciliation and health sweeps until ctx is
// cancelled or the manager is closed. Call in a goroutine.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
			m.Reconcile()
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		}
	}
}

// Reconcile aligns live streams with the currently desired subscription
// keys: orphaned streams are closed, unhealthy streams recycled, and
// missing streams created. Safe to call from any goroutine; per-key
// creation is guarded so at most one attempt per key is in flight.
func (m *Manager) Reconcile() {
	desired := make(map[message.StreamKey]struct{})
	for _, key := range m.cfg.Subscriptions.ActiveKeys(m.cfg.Kind) {
		desired[key] = struct{}{}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	var toClose []*Instance
	for key, inst := range m.instances {
		if _, ok := desired[key]; !ok {
			delete(m.instances, key)
			toClose = append(toClose, inst)
			continue
		}
		if inst.State().Terminal() || inst.WriteFailures() >= m.cfg.MaxWriteFailures {
			delete(m.instances, key)
			toClose = append(toClose, inst)
		}
	}

	// A key that left the desired set gets a clean slate if it returns.
	for key := range m.abandoned {
		if _, ok := desired[key]; !ok {
			delete(m.abandoned, key)
		}
	}

	var toCreate []message.StreamKey
	for key := range desired {
		if _, exists := m.instances[key]; exists {
			continue
		}
		if _, inFlight := m.creating[key]; inFlight {
			continue
		}
		if _, gone := m.abandoned[key]; gone {
			continue
		}
		m.creating[key] = struct{}{}
		toCreate = append(toCreate, key)
	}

	if len(toCreate) > 0 && m.bufferTimer == nil {
		m.bufferTimer = time.AfterFunc(m.cfg.BufferFlushTimeout, func() {
			m.flush(true)
		})
	}
	m.mu.Unlock()

	for _, inst := range toClose {
		m.retire(inst, "reconcile")
	}
	for _, key := range toCreate {
		m.wg.Add(1)
		go m.createWithRetry(key)
	}
}

// FeedAudio routes one audio frame. While any stream is pending creation the
// frame is buffered (bounded, oldest dropped); with zero live or pending
// streams it is dropped outright; otherwise it is written to every live
// stream. Arrival order is preserved per stream.
func (m *Manager) FeedAudio(frame []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if len(m.creating) > 0 {
		m.buffer.Push(frame)
		m.mu.Unlock()
		return
	}
	targets := m.liveInstancesLocked()
	m.mu.Unlock()

	for _, inst := range targets {
		m.writeToInstance(inst, frame)
	}
}

// liveInstancesLocked snapshots the instances able to accept audio.
// Caller holds m.mu.
func (m *Manager) liveInstancesLocked() []*Instance {
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if inst.State().Live() {
			out = append(out, inst)
		}
	}
	return out
}

func (m *Manager) writeToInstance(inst *Instance, frame []byte) {
	if err := inst.writeAudio(frame); err != nil {
		m.cfg.Metrics.RecordProviderError(m.ctx, inst.ProviderName, string(m.cfg.Kind))
		if inst.WriteFailures() == m.cfg.MaxWriteFailures {
			m.logger.Warn("stream exceeding write-failure threshold",
				"stream", inst.Key.String(),
				"provider", inst.ProviderName,
				"failures", inst.WriteFailures(),
			)
		}
	}
}

// createWithRetry attempts stream creation for key with linear backoff
// (base delay × attempt number) until success, abandonment, or disposal.
func (m *Manager) createWithRetry(key message.StreamKey) {
	defer m.wg.Done()

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		start := time.Now()
		handle, cancel, providerName, err := m.createOnce(key)
		elapsed := time.Since(start).Seconds()

		if err == nil {
			m.cfg.Metrics.RecordStreamCreate(m.ctx, providerName, string(m.cfg.Kind), "ok", elapsed)
			m.install(key, providerName, handle, cancel)
			return
		}

		if errors.Is(err, speech.ErrUnsupportedLanguagePair) {
			m.cfg.Metrics.RecordStreamCreate(m.ctx, providerName, string(m.cfg.Kind), "unsupported", elapsed)
			m.logger.Error("no provider supports language pair, abandoning stream",
				"stream", key.String(), "err", err)
			m.abandon(key)
			return
		}

		m.cfg.Metrics.RecordStreamCreate(m.ctx, providerName, string(m.cfg.Kind), "error", elapsed)
		m.cfg.Metrics.RecordStreamRetry(m.ctx, providerName, string(m.cfg.Kind))
		m.logger.Warn("stream creation failed",
			"stream", key.String(),
			"attempt", attempt,
			"max_attempts", m.cfg.MaxRetries,
			"err", err,
		)

		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(m.cfg.RetryBaseDelay * time.Duration(attempt)):
		case <-m.ctx.Done():
			m.clearCreating(key)
			return
		}
	}

	m.logger.Error("stream abandoned after repeated failures",
		"stream", key.String(), "attempts", m.cfg.MaxRetries)
	m.abandon(key)
}

// createOnce runs one placement attempt across the provider chain. The
// returned provider name is the last one tried, for metrics attribution.
// On success the returned cancel ends the stream's lifetime context and
// must be invoked when the stream is retired.
func (m *Manager) createOnce(key message.StreamKey) (speech.StreamHandle, context.CancelFunc, string, error) {
	candidates := m.cfg.Chain.Candidates(key.Lang, key.Target)
	if len(candidates) == 0 {
		return nil, nil, "none", speech.ErrUnsupportedLanguagePair
	}

	cfg := speech.StreamConfig{
		SampleRate:     m.cfg.SampleRate,
		Language:       key.Lang,
		TargetLanguage: key.Target,
		InterimResults: true,
	}

	var lastErr error
	providerName := "none"
	for _, p := range candidates {
		providerName = p.Name()
		handle, cancel, err := m.startStream(p, cfg)
		if err == nil {
			return handle, cancel, providerName, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return nil, nil, providerName, lastErr
}

// startStream opens one provider stream. Providers bind their read and
// write loops to the context given to StartStream, so it must outlive the
// handshake; a creation-scoped deadline would kill the stream the moment it
// came up. The handshake is bounded with a timer instead, and the stream
// runs under a child of the manager context until its cancel is called.
func (m *Manager) startStream(p speech.Provider, cfg speech.StreamConfig) (speech.StreamHandle, context.CancelFunc, error) {
	sctx, cancel := context.WithCancel(m.ctx)

	type outcome struct {
		handle speech.StreamHandle
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		h, err := p.StartStream(sctx, cfg)
		done <- outcome{handle: h, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			cancel()
			return nil, nil, out.err
		}
		return out.handle, cancel, nil
	case <-time.After(m.cfg.CreateTimeout):
		cancel()
		go func() {
			// Reap a handle that arrives after the deadline.
			if out := <-done; out.handle != nil {
				_ = out.handle.Close()
			}
		}()
		return nil, nil, fmt.Errorf("handshake after %v: %w", m.cfg.CreateTimeout, context.DeadlineExceeded)
	}
}

// install registers a freshly created stream and starts its result pump.
// If the manager closed or the subscription vanished during the handshake,
// the stream is discarded instead.
func (m *Manager) install(key message.StreamKey, providerName string, handle speech.StreamHandle, cancel context.CancelFunc) {
	inst := newInstance(key, providerName, handle, cancel)

	m.mu.Lock()
	delete(m.creating, key)
	if m.closed || !m.stillDesired(key) {
		m.mu.Unlock()
		_ = handle.Close()
		cancel()
		return
	}
	m.instances[key] = inst
	m.mu.Unlock()

	m.cfg.Metrics.ActiveStreams.Add(m.ctx, 1)
	m.logger.Info("stream ready",
		"stream", key.String(),
		"provider", providerName,
		"id", inst.ID,
	)

	m.wg.Add(1)
	go m.pump(inst)

	m.flush(false)
}

// stillDesired consults the subscription registry for key. Caller may hold
// m.mu; the registry has its own lock and never calls back into the manager
// synchronously on this path.
func (m *Manager) stillDesired(key message.StreamKey) bool {
	for _, k := range m.cfg.Subscriptions.ActiveKeys(m.cfg.Kind) {
		if k == key {
			return true
		}
	}
	return false
}

// abandon marks key as permanently failed until its subscription churns.
func (m *Manager) abandon(key message.StreamKey) {
	m.mu.Lock()
	delete(m.creating, key)
	m.abandoned[key] = struct{}{}
	m.mu.Unlock()
	m.flush(false)
}

func (m *Manager) clearCreating(key message.StreamKey) {
	m.mu.Lock()
	delete(m.creating, key)
	m.mu.Unlock()
}

// flush delivers startup-buffered audio once all pending creations settled
// (or unconditionally when forced by the buffering timeout). Frames go out
// in original arrival order, exactly once.
func (m *Manager) flush(force bool) {
	m.mu.Lock()
	if !force && len(m.creating) > 0 {
		m.mu.Unlock()
		return
	}
	if m.bufferTimer != nil {
		m.bufferTimer.Stop()
		m.bufferTimer = nil
	}
	frames := m.buffer.Drain()
	dropped := m.buffer.Dropped()
	targets := m.liveInstancesLocked()
	m.mu.Unlock()

	if len(frames) == 0 {
		return
	}
	m.logger.Debug("flushing startup audio buffer",
		"frames", len(frames), "dropped_total", dropped, "forced", force)
	for _, frame := range frames {
		for _, inst := range targets {
			m.writeToInstance(inst, frame)
		}
	}
}

// pump relays one stream's results and watches for mid-stream failure.
func (m *Manager) pump(inst *Instance) {
	defer m.wg.Done()

	results := inst.handle.Results()
	errs := inst.handle.Errors()
	for results != nil || errs != nil {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			m.relay(inst, r)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				m.onStreamFailure(inst, err)
				return
			}
		case <-m.ctx.Done():
			return
		}
	}

	// Provider ended the stream without error; recycle on next reconcile.
	m.logger.Info("stream ended by provider", "stream", inst.Key.String(), "id", inst.ID)
	m.remove(inst)
	m.Reconcile()
}

// relay fans one result out to every App subscribed to the exact stream
// key. A failed delivery to one App is logged and counted but never blocks
// delivery to the rest.
func (m *Manager) relay(inst *Instance, r speech.Result) {
	inst.touch()
	start := time.Now()

	data := TranscriptData{
		Text:           r.Text,
		IsFinal:        r.IsFinal,
		Language:       r.Language,
		TargetLanguage: r.TargetLanguage,
		Confidence:     r.Confidence,
		StartMs:        r.Timestamp.Milliseconds(),
		DurationMs:     r.Duration.Milliseconds(),
	}

	for _, pkg := range m.cfg.Subscriptions.SubscribersOf(inst.Key) {
		res := m.cfg.Apps.Send(pkg, message.NewDataStream(m.cfg.SessionID, pkg, inst.Key, data))
		if !res.Sent {
			// The connection registry counts the failure; only log here.
			m.logger.Warn("result delivery failed",
				"package", pkg,
				"stream", inst.Key.String(),
				"resurrection", res.ResurrectionTriggered,
				"err", res.Err,
			)
		}
	}

	m.cfg.Metrics.RecordResult(m.ctx, string(m.cfg.Kind), r.IsFinal)
	m.cfg.Metrics.DeliveryDuration.Record(m.ctx, time.Since(start).Seconds())

	if m.cfg.OnResult != nil {
		m.cfg.OnResult(inst.Key, r)
	}
}

// onStreamFailure handles a mid-stream provider failure: the instance is
// retired and, if its subscription is still wanted, recreated through the
// guarded retry path.
func (m *Manager) onStreamFailure(inst *Instance, err error) {
	inst.fail()
	m.cfg.Metrics.RecordProviderError(m.ctx, inst.ProviderName, string(m.cfg.Kind))
	m.logger.Warn("stream failed mid-flight",
		"stream", inst.Key.String(),
		"provider", inst.ProviderName,
		"id", inst.ID,
		"err", err,
	)
	m.remove(inst)
	m.Reconcile()
}

// remove takes inst out of the live set and closes it, if it is still the
// registered instance for its key.
func (m *Manager) remove(inst *Instance) {
	m.mu.Lock()
	if cur, ok := m.instances[inst.Key]; ok && cur == inst {
		delete(m.instances, inst.Key)
	}
	m.mu.Unlock()
	m.retire(inst, "removed")
}

// retire closes a stream that is already out of the live set.
func (m *Manager) retire(inst *Instance, reason string) {
	inst.close()
	m.cfg.Metrics.ActiveStreams.Add(m.ctx, -1)
	m.logger.Debug("stream closed", "stream", inst.Key.String(), "id", inst.ID, "reason", reason)
}

// Sweep closes instances that are idle beyond the threshold, terminally
// failed, or past the consecutive write-failure limit, freeing provider
// capacity. Recreation, when still wanted, happens on the next reconcile.
func (m *Manager) Sweep() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var toClose []*Instance
	for key, inst := range m.instances {
		switch {
		case inst.State().Terminal(),
			inst.WriteFailures() >= m.cfg.MaxWriteFailures,
			inst.LastActivity().Before(cutoff):
			delete(m.instances, key)
			toClose = append(toClose, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range toClose {
		m.retire(inst, "sweep")
	}
}

// ActiveCount returns the number of live instances.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.instances)
}

// ActiveStreamKeys returns the keys with live instances, for diagnostics.
func (m *Manager) ActiveStreamKeys() []message.StreamKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]message.StreamKey, 0, len(m.instances))
	for key := range m.instances {
		out = append(out, key)
	}
	return out
}

// Pending reports whether any stream creations are in flight.
func (m *Manager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creating) > 0
}

// Close cancels in-flight retries, closes every stream, and waits for the
// pumps to drain. The manager is unusable afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.bufferTimer != nil {
		m.bufferTimer.Stop()
		m.bufferTimer = nil
	}
	insts := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.instances = make(map[message.StreamKey]*Instance)
	m.mu.Unlock()

	m.cancel()
	for _, inst := range insts {
		m.retire(inst, "manager closed")
	}
	m.wg.Wait()
	m.logger.Debug("stream manager closed")
}
