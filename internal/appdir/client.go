// Package appdir talks to the external App directory service: it lists the
// Apps installed for a user and webhooks an App's public endpoint when a
// dropped connection should be resurrected.
package appdir

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const defaultTimeout = 10 * time.Second

// App is one installed App as reported by the directory.
type App struct {
	// PackageName is the App's unique reverse-domain identifier.
	PackageName string `json:"packageName"`

	// Name is the human-readable App name.
	Name string `json:"name,omitempty"`

	// PublicURL is the App server's public endpoint; resurrection webhooks
	// go to its /webhook path.
	PublicURL string `json:"publicUrl"`

	// Running reports whether the user currently has the App started.
	Running bool `json:"isRunning"`
}

// Directory lists a user's installed Apps. Implemented by Client; tests
// substitute mocks.
type Directory interface {
	InstalledApps(ctx context.Context, userID string) ([]App, error)
}

// Client is an HTTP client for the App directory service.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. Used in tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a directory client for the given base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "appdir")
	return c
}

// InstalledApps returns the Apps installed for userID.
func (c *Client) InstalledApps(ctx context.Context, userID string) ([]App, error) {
	u := fmt.Sprintf("%s/api/users/%s/apps", c.baseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("appdir: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("appdir: list apps for %s: %w", userID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("appdir: list apps for %s: status %d: %s", userID, resp.StatusCode, body)
	}

	var apps []App
	if err := json.NewDecoder(resp.Body).Decode(&apps); err != nil {
		return nil, fmt.Errorf("appdir: decode apps: %w", err)
	}
	return apps, nil
}

// webhookPayload asks an App server to open a session connection.
type webhookPayload struct {
	Type         string `json:"type"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	WebsocketURL string `json:"websocketUrl"`
	Timestamp    string `json:"timestamp"`
}

// Resurrector webhooks App servers so they reconnect to a running session.
// It implements the appconn resurrection contract for one session.
type Resurrector struct {
	http      *http.Client
	logger    *slog.Logger
	sessionID string
	userID    string
	wsURL     string

	mu   sync.Mutex
	apps map[string]string // package name → public URL
}

// NewResurrector creates a Resurrector. wsURL is the websocket endpoint the
// App should dial back; apps seeds the package → endpoint mapping.
func NewResurrector(logger *slog.Logger, sessionID, userID, wsURL string, apps []App) *Resurrector {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resurrector{
		http:      &http.Client{Timeout: defaultTimeout},
		logger:    logger.With("component", "appdir", "session", sessionID),
		sessionID: sessionID,
		userID:    userID,
		wsURL:     wsURL,
		apps:      make(map[string]string),
	}
	r.SetApps(apps)
	return r
}

// SetApps replaces the package → endpoint mapping, typically after a
// directory refresh.
func (r *Resurrector) SetApps(apps []App) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps = make(map[string]string, len(apps))
	for _, a := range apps {
		if a.PublicURL != "" {
			r.apps[a.PackageName] = a.PublicURL
		}
	}
}

// Resurrect webhooks packageName's server asking it to reconnect. Unknown
// packages and failed webhooks are logged, not raised; the caller already
// treats resurrection as best effort.
func (r *Resurrector) Resurrect(ctx context.Context, packageName string) {
	r.mu.Lock()
	endpoint, ok := r.apps[packageName]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("no public endpoint known, cannot resurrect", "package", packageName)
		return
	}

	payload, err := json.Marshal(webhookPayload{
		Type:         "session_request",
		SessionID:    r.sessionID,
		UserID:       r.userID,
		WebsocketURL: r.wsURL,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		r.logger.Error("marshal webhook payload", "package", packageName, "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/webhook", bytes.NewReader(payload))
	if err != nil {
		r.logger.Error("build webhook request", "package", packageName, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		r.logger.Warn("resurrection webhook failed", "package", packageName, "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= 300 {
		r.logger.Warn("resurrection webhook rejected", "package", packageName, "status", resp.StatusCode)
		return
	}
	r.logger.Info("resurrection webhook delivered", "package", packageName)
}
