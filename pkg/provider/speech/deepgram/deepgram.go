// Package deepgram provides a Deepgram-backed speech provider using the
// Deepgram streaming WebSocket API. It implements speech.Provider for both
// transcription and (where the model supports it) English-target translation.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultSampleRate = 16000
)

// translationTargets lists the target languages Deepgram can translate into.
// Deepgram's streaming translation is English-target only.
var translationTargets = []string{"en", "en-US", "en-GB"}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithEndpoint overrides the streaming endpoint URL. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements speech.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string

	unhealthy atomic.Bool
}

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the registry name of this provider.
func (p *Provider) Name() string { return "deepgram" }

// Healthy reports whether the last stream attempt succeeded.
func (p *Provider) Healthy() bool { return !p.unhealthy.Load() }

// SupportsLanguagePair reports whether Deepgram can serve the pair. Any
// source language is accepted for transcription; translation is limited to
// English targets.
func (p *Provider) SupportsLanguagePair(src, tgt string) bool {
	if src == "" {
		return false
	}
	if tgt == "" {
		return true
	}
	for _, t := range translationTargets {
		if strings.EqualFold(t, tgt) {
			return true
		}
	}
	return false
}

// StartStream opens a streaming session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg speech.StreamConfig) (speech.StreamHandle, error) {
	if !p.SupportsLanguagePair(cfg.Language, cfg.TargetLanguage) {
		return nil, fmt.Errorf("deepgram: %s to %s: %w", cfg.Language, cfg.TargetLanguage, speech.ErrUnsupportedLanguagePair)
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		p.unhealthy.Store(true)
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}
	p.unhealthy.Store(false)

	st := &stream{
		conn:    conn,
		cfg:     cfg,
		results: make(chan speech.Result, 64),
		errs:    make(chan error, 1),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	st.wg.Add(2)
	go st.readLoop(ctx)
	go st.writeLoop(ctx)

	return st, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg speech.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", cfg.Language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	if cfg.InterimResults {
		q.Set("interim_results", "true")
	}
	if cfg.Translating() {
		q.Set("translate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// deepgramResponse is the JSON structure Deepgram sends for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// stream is a live Deepgram streaming session. It implements speech.StreamHandle.
type stream struct {
	conn    *websocket.Conn
	cfg     speech.StreamConfig
	results chan speech.Result
	errs    chan error
	audio   chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM frame for delivery to Deepgram.
func (s *stream) SendAudio(frame []byte) error {
	select {
	case <-s.done:
		return speech.ErrStreamClosed
	default:
	}
	select {
	case s.audio <- frame:
		return nil
	case <-s.done:
		return speech.ErrStreamClosed
	}
}

// Results returns the channel of partial and final results.
func (s *stream) Results() <-chan speech.Result { return s.results }

// Errors returns the channel carrying mid-stream failures.
func (s *stream) Errors() <-chan error { return s.errs }

// Close terminates the stream cleanly, asking Deepgram to flush pending audio.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

// writeLoop drains the audio channel into binary websocket messages.
func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case frame, ok := <-s.audio:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		case <-s.done:
			// Flush whatever is already queued before exiting.
			for {
				select {
				case frame, ok := <-s.audio:
					if !ok {
						return
					}
					_ = s.conn.Write(ctx, websocket.MessageBinary, frame)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and dispatches results.
func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.errs)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Close in progress; not an error.
			default:
				select {
				case s.errs <- fmt.Errorf("deepgram: read: %w", err):
				default:
				}
			}
			return
		}

		r, ok := s.parseResponse(msg)
		if !ok {
			continue
		}
		select {
		case s.results <- r:
		case <-s.done:
		}
	}
}

// parseResponse parses a raw Deepgram message into a Result. Returns
// (zero, false) for messages that should be ignored.
func (s *stream) parseResponse(data []byte) (speech.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return speech.Result{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return speech.Result{}, false
	}

	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return speech.Result{}, false
	}

	return speech.Result{
		Text:           alt.Transcript,
		IsFinal:        resp.IsFinal,
		Language:       s.cfg.Language,
		TargetLanguage: s.cfg.TargetLanguage,
		Confidence:     alt.Confidence,
		Timestamp:      time.Duration(resp.Start * float64(time.Second)),
		Duration:       time.Duration(resp.Duration * float64(time.Second)),
	}, true
}
