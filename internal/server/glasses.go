package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/session"
)

// clientTransport adapts one glasses websocket to the session's view of the
// client. Writes are serialized; the websocket package rejects concurrent
// writers.
type clientTransport struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

var _ session.ClientTransport = (*clientTransport)(nil)

func (t *clientTransport) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, b)
}

func (t *clientTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session closed")
}

// handleGlasses serves one glasses client connection for as long as it
// lives. Transport loss detaches the session; teardown is the directory's
// call after the grace period.
func (s *Server) handleGlasses(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserHeader)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("glasses accept failed", "user", userID, "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	transport := &clientTransport{conn: conn, timeout: s.cfg.WriteTimeout}
	sess, reattached := s.sessions.CreateOrAttach(r.Context(), userID, transport)
	logger := s.logger.With("user", userID, "session", sess.ID())
	logger.Info("glasses client connected", "reattached", reattached)

	if err := transport.Send(message.NewConnectionAck(sess.ID())); err != nil {
		logger.Warn("connection ack failed", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pingLoop(ctx, conn)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// A clean close from the peer is an explicit logout and ends
			// the session immediately; anything else starts the grace
			// period.
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Info("glasses client logged out")
				s.sessions.Remove(userID)
			} else {
				logger.Info("glasses client disconnected", "error", err)
				sess.Detach(transport)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			sess.FeedAudio(data)
		case websocket.MessageText:
			s.handleClientMessage(ctx, sess, data)
		}
	}
}

// handleClientMessage dispatches one decoded client message. Unknown types
// are logged and dropped; nothing a client sends can fail the connection.
func (s *Server) handleClientMessage(ctx context.Context, sess *session.UserSession, data []byte) {
	m, err := message.DecodeClient(data)
	if err != nil {
		s.logger.Warn("undecodable client message", "session", sess.ID(), "error", err)
		return
	}

	switch v := m.(type) {
	case *message.ConnectionInit:
		sess.Acknowledge()
	case *message.AppStateChange:
		sess.SetAppState(ctx, v.PackageName, v.Running)
	default:
		if key, ok := message.EventStream(m); ok {
			sess.BroadcastEvent(key, m)
		}
	}
}

// pingLoop keeps the connection alive and surfaces dead peers through a
// failed ping, which in turn fails the read loop.
func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
