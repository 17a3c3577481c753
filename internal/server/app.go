package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/glassbridge/glassbridge/internal/appconn"
	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/session"
)

// appTransport adapts one App websocket to the connection registry's
// transport. The registry owns all sequencing; this type only moves bytes.
type appTransport struct {
	conn *websocket.Conn

	mu sync.Mutex
}

var _ appconn.Transport = (*appTransport)(nil)

func (t *appTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *appTransport) SendBinary(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Write(ctx, websocket.MessageBinary, data)
}

func (t *appTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// handleApp serves one App backend connection. The first message must be a
// connection init naming the session; everything after that is scoped to
// the (session, package) pair it established.
func (s *Server) handleApp(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("app accept failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	init, err := s.readAppInit(conn)
	if err != nil {
		s.logger.Warn("app handshake failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "connection init required")
		return
	}

	sess, ok := s.sessions.LookupByID(sessionIDFromInit(init))
	if !ok {
		s.logger.Warn("app init for unknown session",
			"package", init.PackageName, "session", init.SessionID)
		conn.Close(websocket.StatusPolicyViolation, "unknown session")
		return
	}

	logger := s.logger.With("package", init.PackageName, "session", sess.ID())
	transport := &appTransport{conn: conn}
	sess.Apps().Register(init.PackageName, transport)
	sess.Apps().Send(init.PackageName, message.NewAppConnectionAck(sess.ID(), init.PackageName))
	logger.Info("app connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pingLoop(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("app disconnected", "error", err)
			sess.Apps().Unregister(init.PackageName, false)
			return
		}
		s.handleAppMessage(ctx, logger, sess, init.PackageName, data)
	}
}

// readAppInit waits for the handshake message, bounded by InitTimeout.
func (s *Server) readAppInit(conn *websocket.Conn) (*message.AppConnectionInit, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.InitTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	m, err := message.DecodeApp(data)
	if err != nil {
		return nil, err
	}
	init, ok := m.(*message.AppConnectionInit)
	if !ok {
		return nil, message.ErrUnknownMessageType
	}
	return init, nil
}

// sessionIDFromInit accepts both the plain session id and the composite
// "{sessionId}-{packageName}" form Apps receive in webhooks and envelopes.
func sessionIDFromInit(init *message.AppConnectionInit) string {
	return strings.TrimSuffix(init.SessionID, "-"+init.PackageName)
}

// handleAppMessage dispatches one decoded App message. The package name is
// always the one bound at handshake; payload fields never widen an App's
// reach to other Apps' state.
func (s *Server) handleAppMessage(ctx context.Context, logger *slog.Logger, sess *session.UserSession, packageName string, data []byte) {
	m, err := message.DecodeApp(data)
	if err != nil {
		logger.Warn("undecodable app message", "error", err)
		return
	}

	switch v := m.(type) {
	case *message.SubscriptionUpdate:
		sess.Subscriptions().Update(packageName, s.parseSubscriptions(packageName, v.Subscriptions))
	case *message.AudioPlayRequest:
		if err := sess.PlayAudio(packageName, v.RequestID, v.URL, v.Volume); err != nil {
			sess.Apps().Send(packageName,
				message.NewAudioPlayResponse(sess.ID(), packageName, v.RequestID, false, err.Error()))
		}
	case *message.AudioStopRequest:
		if err := sess.StopAudio(v.RequestID); err != nil {
			logger.Warn("audio stop failed", "request_id", v.RequestID, "error", err)
		}
	case *message.DisplayRequest:
		sess.ShowDisplay(packageName, v.Layout, v.DurationMs)
	case *message.AppConnectionInit:
		logger.Warn("repeated connection init ignored")
	}
}

// parseSubscriptions converts wire-form stream keys, rejecting invalid
// entries individually so one bad key never voids the whole update.
func (s *Server) parseSubscriptions(packageName string, raw []string) []message.StreamKey {
	keys := make([]message.StreamKey, 0, len(raw))
	for _, entry := range raw {
		key, err := message.ParseStreamKey(entry)
		if err != nil {
			s.logger.Warn("invalid subscription entry",
				"package", packageName, "entry", entry, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
