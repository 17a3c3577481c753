// Package server is the websocket boundary of the broker: one endpoint for
// glasses clients, one for App backends. Frames are decoded exactly once
// here into typed messages; everything behind this package works on typed
// values only.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/glassbridge/glassbridge/internal/observe"
	"github.com/glassbridge/glassbridge/internal/session"
)

// Defaults for Config knobs left zero.
const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultInitTimeout  = 10 * time.Second
	defaultReadLimit    = 1 << 20

	// UserHeader carries the pre-validated user identity. Auth happens
	// upstream; an empty header is rejected, never re-validated here.
	UserHeader = "X-User-Id"
)

// Config holds the dependencies for a [Server].
type Config struct {
	// Sessions is the process-wide session directory.
	Sessions *session.Directory

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics receives instruments. Defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// PingInterval paces keepalive pings on both endpoints. Default 30s.
	PingInterval time.Duration

	// WriteTimeout bounds one outbound frame write. Default 5s.
	WriteTimeout time.Duration

	// InitTimeout bounds the wait for an App's first message. Default 10s.
	InitTimeout time.Duration

	// ReadLimit caps one inbound frame, in bytes. Default 1 MiB.
	ReadLimit int64
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = defaultInitTimeout
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = defaultReadLimit
	}
}

// Server terminates the glasses and App websocket connections.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	sessions *session.Directory
}

// New creates a Server around the given session directory.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "server"),
		sessions: cfg.Sessions,
	}
}

// Register installs the websocket routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/glasses", s.handleGlasses)
	mux.HandleFunc("GET /ws/app", s.handleApp)
}
