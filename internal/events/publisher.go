// Package events exports final transcripts and session lifecycle changes to
// Kafka for downstream consumers (archival, analytics). Publishing is best
// effort: failures are logged and counted, never surfaced to the relay path.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// TranscriptEvent is the exported form of one final transcription or
// translation result.
type TranscriptEvent struct {
	SessionID      string    `json:"sessionId"`
	UserID         string    `json:"userId"`
	Stream         string    `json:"stream"`
	Text           string    `json:"text"`
	Language       string    `json:"language"`
	TargetLanguage string    `json:"targetLanguage,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SessionEvent marks a session lifecycle transition.
type SessionEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Session lifecycle event names.
const (
	SessionStarted     = "session_started"
	SessionReconnected = "session_reconnected"
	SessionEnded       = "session_ended"
)

// messageWriter is the slice of kafka.Writer the publisher uses; tests
// substitute a recorder.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds Kafka publisher configuration.
type Config struct {
	// Brokers is the Kafka bootstrap list. Empty disables publishing.
	Brokers []string

	// TranscriptTopic receives TranscriptEvent messages.
	TranscriptTopic string

	// SessionTopic receives SessionEvent messages.
	SessionTopic string

	// Logger receives structured logs. Defaults to slog.Default.
	Logger *slog.Logger
}

// Publisher writes events to Kafka, keyed by session id so one session's
// events stay ordered within a partition. Safe for concurrent use.
type Publisher struct {
	logger      *slog.Logger
	transcripts messageWriter
	sessions    messageWriter
	enabled     bool
}

// New creates a Publisher. With no brokers configured the publisher runs in
// log-only mode and every publish succeeds trivially.
func New(cfg Config) *Publisher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "events")

	if len(cfg.Brokers) == 0 {
		logger.Info("kafka export disabled, no brokers configured")
		return &Publisher{logger: logger}
	}

	dialer := &kafka.Dialer{Timeout: defaultWriteTimeout, DualStack: true}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: defaultBatchTimeout,
			WriteTimeout: defaultWriteTimeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	logger.Info("kafka export enabled",
		"brokers", cfg.Brokers,
		"transcript_topic", cfg.TranscriptTopic,
		"session_topic", cfg.SessionTopic,
	)
	return &Publisher{
		logger:      logger,
		transcripts: newWriter(cfg.TranscriptTopic),
		sessions:    newWriter(cfg.SessionTopic),
		enabled:     true,
	}
}

// Enabled reports whether events actually reach Kafka.
func (p *Publisher) Enabled() bool { return p.enabled }

// PublishTranscript exports one final result.
func (p *Publisher) PublishTranscript(ctx context.Context, ev TranscriptEvent) error {
	return p.publish(ctx, p.transcripts, ev.SessionID, ev)
}

// PublishSession exports one lifecycle transition.
func (p *Publisher) PublishSession(ctx context.Context, ev SessionEvent) error {
	return p.publish(ctx, p.sessions, ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, w messageWriter, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}

	if !p.enabled || w == nil {
		p.logger.Debug("event (log-only)", "key", key, "payload", string(payload))
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("kafka publish failed", "key", key, "err", err)
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writers.
func (p *Publisher) Close() error {
	var err error
	for _, w := range []messageWriter{p.transcripts, p.sessions} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			err = e
		}
	}
	return err
}
