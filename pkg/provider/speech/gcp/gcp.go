// Package gcp provides a Google Cloud Speech-to-Text backed speech provider.
// It implements speech.Provider for transcription only; Google's streaming
// recognize API does not translate, so SupportsLanguagePair rejects any
// non-empty target language.
//
// Credentials come from the environment (GOOGLE_APPLICATION_CREDENTIALS),
// as usual for Google Cloud clients.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

const defaultSampleRate = 16000

// Provider implements speech.Provider backed by Google Cloud Speech.
type Provider struct {
	client *gspeech.Client

	unhealthy atomic.Bool
}

// New creates a Google Cloud Speech provider. The client is shared across
// all streams and must be closed with [Provider.Close] on shutdown.
func New(ctx context.Context) (*Provider, error) {
	c, err := gspeech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp: create speech client: %w", err)
	}
	return &Provider{client: c}, nil
}

// Name returns the registry name of this provider.
func (p *Provider) Name() string { return "gcp" }

// Healthy reports whether the last stream attempt succeeded.
func (p *Provider) Healthy() bool { return !p.unhealthy.Load() }

// SupportsLanguagePair accepts any source language for transcription and
// rejects translation outright.
func (p *Provider) SupportsLanguagePair(src, tgt string) bool {
	return src != "" && tgt == ""
}

// Close releases the underlying gRPC client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// StartStream opens a streaming recognition session.
func (p *Provider) StartStream(ctx context.Context, cfg speech.StreamConfig) (speech.StreamHandle, error) {
	if !p.SupportsLanguagePair(cfg.Language, cfg.TargetLanguage) {
		return nil, fmt.Errorf("gcp: %s to %s: %w", cfg.Language, cfg.TargetLanguage, speech.ErrUnsupportedLanguagePair)
	}

	grpcStream, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		p.unhealthy.Store(true)
		return nil, fmt.Errorf("gcp: open streaming recognize: %w", err)
	}

	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	// The streaming config must be the first message on the stream.
	err = grpcStream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(sr),
					LanguageCode:    cfg.Language,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	})
	if err != nil {
		p.unhealthy.Store(true)
		return nil, fmt.Errorf("gcp: send streaming config: %w", err)
	}
	p.unhealthy.Store(false)

	st := &stream{
		grpc:    grpcStream,
		cfg:     cfg,
		started: time.Now(),
		results: make(chan speech.Result, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	st.wg.Add(1)
	go st.recvLoop()

	return st, nil
}

// stream is one live recognition session. It implements speech.StreamHandle.
type stream struct {
	grpc    speechpb.Speech_StreamingRecognizeClient
	cfg     speech.StreamConfig
	started time.Time
	results chan speech.Result
	errs    chan error

	sendMu sync.Mutex
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// SendAudio forwards one PCM frame to the recognizer.
func (s *stream) SendAudio(frame []byte) error {
	select {
	case <-s.done:
		return speech.ErrStreamClosed
	default:
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.grpc.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: frame,
		},
	})
	if err != nil {
		return fmt.Errorf("gcp: send audio: %w", err)
	}
	return nil
}

// Results returns the channel of partial and final results.
func (s *stream) Results() <-chan speech.Result { return s.results }

// Errors returns the channel carrying mid-stream failures.
func (s *stream) Errors() <-chan error { return s.errs }

// Close half-closes the gRPC stream and waits for the receive loop to drain.
func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		_ = s.grpc.CloseSend()
		s.sendMu.Unlock()
		s.wg.Wait()
	})
	return nil
}

// recvLoop receives recognition responses and dispatches results.
func (s *stream) recvLoop() {
	defer s.wg.Done()
	defer close(s.results)
	defer close(s.errs)

	for {
		resp, err := s.grpc.Recv()
		if err != nil {
			select {
			case <-s.done:
				// CloseSend drains with a terminal error; not a failure.
			default:
				if !errors.Is(err, context.Canceled) {
					select {
					case s.errs <- fmt.Errorf("gcp: recv: %w", err):
					default:
					}
				}
			}
			return
		}

		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if alt.Transcript == "" {
				continue
			}
			res := speech.Result{
				Text:       alt.Transcript,
				IsFinal:    r.IsFinal,
				Language:   s.cfg.Language,
				Confidence: float64(alt.Confidence),
				Timestamp:  time.Since(s.started),
			}
			if d := r.ResultEndTime.AsDuration(); d > 0 {
				res.Timestamp = d
			}
			select {
			case s.results <- res:
			case <-s.done:
				return
			}
		}
	}
}
