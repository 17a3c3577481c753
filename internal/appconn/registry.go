// Package appconn owns the per-(user, App package) connections of a session
// and the request/response correlation bookkeeping between them.
//
// Each registered connection gets its own bounded outbound queue drained by
// a dedicated writer goroutine, so one slow or dead App can never stall
// delivery to the others. Send never blocks and never raises transport
// errors to the caller; it reports the outcome in a SendResult and, when
// policy allows, triggers asynchronous resurrection of the dropped
// connection.
package appconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// outboundQueueSize bounds each connection's pending message queue.
	outboundQueueSize = 128

	// writeTimeout caps a single transport write.
	writeTimeout = 5 * time.Second

	// resurrectDebounce is the minimum interval between resurrection
	// webhooks for one package. A burst of failed sends to a crashed App
	// collapses into a single wake-up call.
	resurrectDebounce = 10 * time.Second
)

// ErrNotConnected is reported in SendResult.Err when no live connection
// exists for the package.
var ErrNotConnected = errors.New("appconn: app not connected")

// ErrQueueFull is reported when the connection's outbound queue overflowed.
var ErrQueueFull = errors.New("appconn: outbound queue full")

// Transport is the write side of one App connection. Implemented by the
// websocket boundary; tests substitute mocks.
type Transport interface {
	// Send writes one JSON-encoded message.
	Send(ctx context.Context, data []byte) error

	// SendBinary writes one raw binary frame (PCM audio).
	SendBinary(ctx context.Context, data []byte) error

	// Close tears the connection down with a reason visible to the peer.
	Close(reason string) error
}

// Resurrector re-establishes a dropped App connection out of band, usually
// by webhooking the App's registered server so it reconnects.
type Resurrector interface {
	// Resurrect asks the App to reconnect to the given session. It must be
	// cheap to call; heavy lifting happens asynchronously.
	Resurrect(ctx context.Context, packageName string)
}

// SendResult reports the outcome of a Send.
type SendResult struct {
	// Sent is true when the message was accepted for delivery.
	Sent bool

	// ResurrectionTriggered is true when the send failed and an asynchronous
	// reconnect attempt was started.
	ResurrectionTriggered bool

	// Err carries the failure cause when Sent is false. Never fatal.
	Err error
}

// outbound is one queued write, either a JSON message or a binary frame.
type outbound struct {
	data   []byte
	binary bool
}

// conn is one live App connection with its outbound queue.
type conn struct {
	transport Transport
	queue     chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Registry holds every App connection of one session. Safe for concurrent use.
type Registry struct {
	logger      *slog.Logger
	sessionID   string
	resurrector Resurrector

	mu            sync.Mutex
	conns         map[string]*conn
	stopped       map[string]struct{}  // explicitly stopped: no resurrection
	lastResurrect map[string]time.Time // debounces resurrection per package

	pending   map[string]pendingRequest // request id → requester
	pendingMu sync.Mutex

	// onSendFailure, when set, observes delivery failures (metrics hook).
	onSendFailure func(packageName string)

	// onConnChange, when set, observes live connection count deltas
	// (metrics hook).
	onConnChange func(delta int)
}

// pendingRequest correlates an outstanding request id to its requester.
type pendingRequest struct {
	packageName string
	issuedAt    time.Time
}

// pendingTTL is how long a request/response correlation stays valid.
const pendingTTL = 2 * time.Minute

// New creates a Registry for one session. resurrector may be nil, in which
// case dead connections are only reported, never revived.
func New(logger *slog.Logger, sessionID string, resurrector Resurrector) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:        logger.With("component", "appconn", "session", sessionID),
		sessionID:     sessionID,
		resurrector:   resurrector,
		conns:         make(map[string]*conn),
		stopped:       make(map[string]struct{}),
		lastResurrect: make(map[string]time.Time),
		pending:       make(map[string]pendingRequest),
	}
}

// OnSendFailure registers a hook observing per-App delivery failures.
func (r *Registry) OnSendFailure(fn func(packageName string)) {
	r.mu.Lock()
	r.onSendFailure = fn
	r.mu.Unlock()
}

// OnConnectionChange registers a hook observing live connection count
// changes: +1 when a connection is installed, -1 when one goes away.
// Replacing a live connection is not a net change and fires nothing.
func (r *Registry) OnConnectionChange(fn func(delta int)) {
	r.mu.Lock()
	r.onConnChange = fn
	r.mu.Unlock()
}

// Register installs transport as the live connection for packageName,
// replacing and closing any previous one. Registering clears the package's
// explicitly-stopped mark.
func (r *Registry) Register(packageName string, transport Transport) {
	c := &conn{
		transport: transport,
		queue:     make(chan outbound, outboundQueueSize),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	prev := r.conns[packageName]
	r.conns[packageName] = c
	delete(r.stopped, packageName)
	delete(r.lastResurrect, packageName) // next crash gets a fresh webhook
	onChange := r.onConnChange
	r.mu.Unlock()

	if prev != nil {
		prev.close()
		_ = prev.transport.Close("replaced by new connection")
	} else if onChange != nil {
		onChange(1)
	}

	go r.writeLoop(packageName, c)
	r.logger.Info("app connected", "package", packageName)
}

// Unregister removes packageName's connection. When explicit is true the
// App was deliberately stopped and must not be resurrected until it
// registers again.
func (r *Registry) Unregister(packageName string, explicit bool) {
	r.mu.Lock()
	c := r.conns[packageName]
	delete(r.conns, packageName)
	if explicit {
		r.stopped[packageName] = struct{}{}
	}
	onChange := r.onConnChange
	r.mu.Unlock()

	if c != nil {
		c.close()
		_ = c.transport.Close("unregistered")
		if onChange != nil {
			onChange(-1)
		}
		r.logger.Info("app disconnected", "package", packageName, "explicit", explicit)
	}
}

// Connected reports whether packageName currently has a live connection.
func (r *Registry) Connected(packageName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[packageName]
	return ok
}

// Send queues message for delivery to packageName. A missing or saturated
// connection is reported, not raised; when the App is absent and was not
// explicitly stopped, resurrection is triggered asynchronously.
func (r *Registry) Send(packageName string, message any) SendResult {
	data, err := json.Marshal(message)
	if err != nil {
		return SendResult{Err: fmt.Errorf("appconn: marshal: %w", err)}
	}

	r.mu.Lock()
	c := r.conns[packageName]
	_, explicitlyStopped := r.stopped[packageName]
	onFailure := r.onSendFailure
	r.mu.Unlock()

	if c == nil {
		if onFailure != nil {
			onFailure(packageName)
		}
		var resurrect bool
		if !explicitlyStopped {
			resurrect = r.tryResurrect(packageName)
		}
		return SendResult{Err: ErrNotConnected, ResurrectionTriggered: resurrect}
	}

	select {
	case c.queue <- outbound{data: data}:
		return SendResult{Sent: true}
	default:
		// Queue full: the App is too slow. Drop this message rather than
		// stall the caller, which may be the audio relay path.
		if onFailure != nil {
			onFailure(packageName)
		}
		r.logger.Warn("outbound queue full, dropping message", "package", packageName)
		return SendResult{Err: ErrQueueFull}
	}
}

// SendBinary queues one raw frame for packageName. Unlike Send it never
// triggers resurrection and never logs per frame; audio frames arrive many
// times a second and a disconnected App is handled on the message path.
func (r *Registry) SendBinary(packageName string, frame []byte) SendResult {
	r.mu.Lock()
	c := r.conns[packageName]
	r.mu.Unlock()

	if c == nil {
		return SendResult{Err: ErrNotConnected}
	}
	select {
	case c.queue <- outbound{data: frame, binary: true}:
		return SendResult{Sent: true}
	default:
		return SendResult{Err: ErrQueueFull}
	}
}

// writeLoop drains one connection's queue onto its transport. A transport
// write failure marks the connection dead and unregisters it.
func (r *Registry) writeLoop(packageName string, c *conn) {
	for {
		select {
		case out := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			var err error
			if out.binary {
				err = c.transport.SendBinary(ctx, out.data)
			} else {
				err = c.transport.Send(ctx, out.data)
			}
			cancel()
			if err != nil {
				r.logger.Warn("app write failed, dropping connection", "package", packageName, "err", err)
				r.dropDead(packageName, c)
				return
			}
		case <-c.done:
			return
		}
	}
}

// dropDead removes a connection after a failed write and triggers
// resurrection when policy allows.
func (r *Registry) dropDead(packageName string, c *conn) {
	r.mu.Lock()
	removed := false
	if r.conns[packageName] == c {
		delete(r.conns, packageName)
		removed = true
	}
	_, explicitlyStopped := r.stopped[packageName]
	onChange := r.onConnChange
	r.mu.Unlock()

	c.close()
	_ = c.transport.Close("write failure")

	if removed && onChange != nil {
		onChange(-1)
	}
	if !explicitlyStopped {
		r.tryResurrect(packageName)
	}
}

// tryResurrect starts an asynchronous resurrection for packageName unless
// one was already triggered within the debounce window. Reports whether a
// webhook was actually fired. Caller must not hold r.mu.
func (r *Registry) tryResurrect(packageName string) bool {
	if r.resurrector == nil {
		return false
	}

	now := time.Now()
	r.mu.Lock()
	if last, ok := r.lastResurrect[packageName]; ok && now.Sub(last) < resurrectDebounce {
		r.mu.Unlock()
		return false
	}
	r.lastResurrect[packageName] = now
	r.mu.Unlock()

	go r.resurrector.Resurrect(context.Background(), packageName)
	return true
}

// Packages returns the packages with live connections, in no fixed order.
func (r *Registry) Packages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for pkg := range r.conns {
		out = append(out, pkg)
	}
	return out
}

// Close tears down every connection. The registry is unusable afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*conn)
	onChange := r.onConnChange
	r.mu.Unlock()

	for pkg, c := range conns {
		c.close()
		_ = c.transport.Close("session closed")
		if onChange != nil {
			onChange(-1)
		}
		r.logger.Debug("app connection closed", "package", pkg)
	}
}

// ---- request/response correlation ----

// TrackRequest records that packageName issued a request with the given id,
// so the eventual asynchronous response can be routed back.
func (r *Registry) TrackRequest(requestID, packageName string) {
	r.pendingMu.Lock()
	r.pending[requestID] = pendingRequest{packageName: packageName, issuedAt: time.Now()}
	r.pendingMu.Unlock()
}

// ResolveRequest consumes the correlation for requestID, returning the
// requester package. Stale entries (older than the correlation TTL) are
// swept opportunistically on every call.
func (r *Registry) ResolveRequest(requestID string) (string, bool) {
	cutoff := time.Now().Add(-pendingTTL)

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	for id, p := range r.pending {
		if p.issuedAt.Before(cutoff) {
			delete(r.pending, id)
		}
	}

	p, ok := r.pending[requestID]
	if ok {
		delete(r.pending, requestID)
	}
	return p.packageName, ok
}

// PeekRequest looks up the requester without consuming the correlation.
// Used for progress events that precede the terminal response.
func (r *Registry) PeekRequest(requestID string) (string, bool) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	p, ok := r.pending[requestID]
	return p.packageName, ok
}
