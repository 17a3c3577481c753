// Package bridge maintains the control and audio connection of one session
// to the external media bridge process.
//
// The bridge joins a real-time media room on the session's behalf and
// exposes a plain websocket to the cloud: JSON commands and events on the
// text channel, 16-bit mono PCM frames on the binary channel. The client
// here is self-healing: an unexpected disconnect schedules reconnection
// with capped exponential backoff using the last join parameters, until
// the client is explicitly closed or told to leave the room.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/pkg/pcm"
)

const (
	defaultDialTimeout        = 10 * time.Second
	defaultWriteTimeout       = 5 * time.Second
	defaultReconnectBaseDelay = 1 * time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	pingInterval              = 30 * time.Second

	// detectSampleBytes is how much inbound PCM is collected before the
	// byte-order heuristic decides, in auto mode. 256 bytes is 8 ms at
	// 16 kHz mono, enough for a stable energy comparison.
	detectSampleBytes = 256
)

// ErrNotConnected is returned when a command or frame is issued while the
// bridge connection is down.
var ErrNotConnected = errors.New("bridge: not connected")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bridge: client closed")

// Config holds the dependencies and tuning knobs for a [Client].
type Config struct {
	// URL is the websocket endpoint of the bridge process.
	URL string

	// SessionID for logs.
	SessionID string

	// ByteOrder selects how inbound PCM endianness is handled. Auto resolves
	// once per connection from the first frames. Defaults to auto.
	ByteOrder pcm.ByteOrderMode

	// OnAudio receives inbound PCM frames after byte-order normalization.
	OnAudio func(frame []byte)

	// OnEvent receives bridge events (room lifecycle, playback progress).
	OnEvent func(e Event)

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// DialTimeout bounds one connection attempt. Default 10s.
	DialTimeout time.Duration

	// ReconnectBaseDelay seeds the exponential backoff. Default 1s.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the backoff. Default 30s.
	ReconnectMaxDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if !c.ByteOrder.IsValid() {
		c.ByteOrder = pcm.ByteOrderAuto
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
}

// Client is one session's connection to the media bridge. Safe for
// concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serializes websocket writes; the library forbids concurrent
	// writers.
	writeMu sync.Mutex

	mu           sync.Mutex
	ws           *websocket.Conn
	joined       *JoinParams
	closed       bool
	reconnecting bool

	// Per-connection byte-order resolution state, guarded by mu.
	swap       bool
	resolved   bool
	detectBuf  []byte
	heldFrames [][]byte
}

// New creates a Client. Call Connect to establish the connection and Close
// to dispose it.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "bridge", "session", cfg.SessionID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect dials the bridge and joins the given room. On success the client
// keeps the connection alive and rejoins with the same parameters after any
// unexpected disconnect.
func (c *Client) Connect(ctx context.Context, params JoinParams) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	if err := c.dialAndJoin(ctx, params); err != nil {
		return err
	}

	c.mu.Lock()
	p := params
	c.joined = &p
	c.mu.Unlock()
	return nil
}

// dialAndJoin establishes one connection and issues the join command.
func (c *Client) dialAndJoin(ctx context.Context, params JoinParams) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", c.cfg.URL, err)
	}
	// Inbound PCM frames can be large.
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	old := c.ws
	c.ws = conn
	c.resetDetectionLocked()
	c.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replaced")
	}

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.pingLoop(conn)

	if err := c.send(command{
		Action:   actionJoinRoom,
		RoomName: params.RoomName,
		Token:    params.Token,
		URL:      params.URL,
	}); err != nil {
		return fmt.Errorf("bridge: join room %s: %w", params.RoomName, err)
	}

	c.logger.Info("bridge connected", "room", params.RoomName)
	return nil
}

// resetDetectionLocked clears the per-connection byte-order state. Caller
// holds c.mu.
func (c *Client) resetDetectionLocked() {
	c.resolved = c.cfg.ByteOrder != pcm.ByteOrderAuto
	c.swap = c.cfg.ByteOrder == pcm.ByteOrderSwap
	c.detectBuf = nil
	c.heldFrames = nil
}

// SendAudio forwards one PCM frame to the bridge for publication into the
// room.
func (c *Client) SendAudio(frame []byte) error {
	c.mu.Lock()
	conn := c.ws
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageBinary, frame)
}

// PlayURL starts a server-side playback job for the given audio URL. The
// bridge reports progress asynchronously via playback events carrying
// requestID.
func (c *Client) PlayURL(requestID, url string, opts PlayOptions) error {
	return c.send(command{
		Action:     actionPlay,
		RequestID:  requestID,
		URL:        url,
		Volume:     opts.Volume,
		SampleRate: opts.SampleRate,
	})
}

// StopPlayback cancels the playback job identified by requestID.
func (c *Client) StopPlayback(requestID string) error {
	return c.send(command{Action: actionStop, RequestID: requestID})
}

// EnableSubscribe asks the bridge to forward room audio from the given
// participant identity ("" means any) back over the binary channel.
func (c *Client) EnableSubscribe(targetIdentity string) error {
	return c.send(command{Action: actionSubscribeEnable, TargetIdentity: targetIdentity})
}

// DisableSubscribe stops inbound room audio.
func (c *Client) DisableSubscribe() error {
	return c.send(command{Action: actionSubscribeDisable})
}

// LeaveRoom leaves the current room and disarms automatic rejoin.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	c.joined = nil
	c.mu.Unlock()
	return c.send(command{Action: actionLeaveRoom})
}

// Connected reports whether a live bridge connection exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// send marshals and writes one command on the text channel.
func (c *Client) send(cmd command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.ws
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bridge: marshal command: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("bridge: send %s: %w", cmd.Action, err)
	}
	return nil
}

// readLoop receives events and audio until the connection drops.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		typ, msg, err := conn.Read(c.ctx)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(msg)
		case websocket.MessageText:
			var e Event
			if err := json.Unmarshal(msg, &e); err != nil {
				c.logger.Warn("undecodable bridge event", "err", err)
				continue
			}
			if e.Type == EventError {
				c.logger.Warn("bridge reported error", "err", e.Error)
			}
			if c.cfg.OnEvent != nil {
				c.cfg.OnEvent(e)
			}
		}
	}
}

// handleAudio normalizes one inbound frame's byte order and delivers it.
// In auto mode the first frames are held until the heuristic has enough
// samples; they are then delivered in arrival order with the chosen
// transform applied.
func (c *Client) handleAudio(frame []byte) {
	c.mu.Lock()
	if !c.resolved {
		c.detectBuf = append(c.detectBuf, frame...)
		c.heldFrames = append(c.heldFrames, frame)
		if len(c.detectBuf) < detectSampleBytes {
			c.mu.Unlock()
			return
		}
		c.swap = pcm.DetectByteOrder(c.detectBuf)
		c.resolved = true
		held := c.heldFrames
		c.detectBuf = nil
		c.heldFrames = nil
		swap := c.swap
		c.mu.Unlock()

		c.logger.Debug("byte order resolved", "swap", swap)
		for _, f := range held {
			c.deliver(f, swap)
		}
		return
	}
	swap := c.swap
	c.mu.Unlock()

	c.deliver(frame, swap)
}

func (c *Client) deliver(frame []byte, swap bool) {
	if c.cfg.OnAudio == nil {
		return
	}
	if swap {
		frame = pcm.SwapBytes(frame)
	}
	c.cfg.OnAudio(frame)
}

// handleDisconnect reacts to a dropped connection: when the client still
// wants a room, reconnection starts with capped exponential backoff.
func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.ws != conn {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	params := c.joined
	start := params != nil && !c.reconnecting
	if start {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.logger.Warn("bridge connection lost", "err", err)
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(Event{Type: EventDisconnected})
	}

	if start {
		c.wg.Add(1)
		go c.reconnectLoop(*params)
	}
}

// reconnectLoop re-dials with exponential backoff until success, room
// abandonment, or disposal.
func (c *Client) reconnectLoop(params JoinParams) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.cfg.ReconnectBaseDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		abandoned := c.closed || c.joined == nil
		c.mu.Unlock()
		if abandoned {
			return
		}

		err := c.dialAndJoin(c.ctx, params)
		if err == nil {
			c.cfg.Metrics.BridgeReconnects.Add(c.ctx, 1)
			c.logger.Info("bridge reconnected", "attempt", attempt)
			return
		}
		c.logger.Warn("bridge reconnect failed", "attempt", attempt, "err", err)

		delay *= 2
		if delay > c.cfg.ReconnectMaxDelay {
			delay = c.cfg.ReconnectMaxDelay
		}
	}
}

// pingLoop keeps the connection alive until it drops or the client closes.
func (c *Client) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
			err := conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close disposes the client. No reconnection happens afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.joined = nil
	conn := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	c.wg.Wait()
	c.logger.Debug("bridge client closed")
}
