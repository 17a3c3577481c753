// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig and to script creation failures. Use Stream to feed
// controlled Result values and inspect which audio frames were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg speech.StreamConfig
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Stream is the StreamHandle returned by StartStream. If nil, StartStream
	// returns a new default Stream with buffered channels.
	Stream speech.StreamHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrs, if non-empty, is consumed one entry per StartStream
	// call before StartStreamErr is considered. A nil entry means success.
	// Lets tests script "fail twice, then succeed".
	StartStreamErrs []error

	// SupportsFn overrides SupportsLanguagePair. When nil every pair is
	// supported.
	SupportsFn func(src, tgt string) bool

	// BindStreams ties each returned stream's lifetime to the context passed
	// to StartStream, mirroring real providers whose read and write loops run
	// under that context.
	BindStreams bool

	// Unhealthy makes Healthy report false.
	Unhealthy bool

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Healthy reports the inverse of Unhealthy.
func (p *Provider) Healthy() bool { return !p.Unhealthy }

// SupportsLanguagePair consults SupportsFn, defaulting to true.
func (p *Provider) SupportsLanguagePair(src, tgt string) bool {
	if p.SupportsFn != nil {
		return p.SupportsFn(src, tgt)
	}
	return true
}

// StartStream records the call and returns the scripted stream or error.
func (p *Provider) StartStream(ctx context.Context, cfg speech.StreamConfig) (speech.StreamHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})

	if len(p.StartStreamErrs) > 0 {
		err := p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}

	handle := p.Stream
	if handle == nil {
		handle = NewStream()
	}
	if p.BindStreams {
		if st, ok := handle.(*Stream); ok {
			st.BindContext(ctx)
		}
	}
	return handle, nil
}

// CallCount returns the number of recorded StartStream calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// Frame is a copy of the audio bytes passed to SendAudio.
	Frame []byte
}

// Stream is a mock implementation of speech.StreamHandle. Tests send to
// ResultsCh/ErrsCh to emit values and close them when done; NewStream wires
// both with small buffers.
type Stream struct {
	mu sync.Mutex

	// ResultsCh is the channel returned by Results(). Tests own this channel.
	ResultsCh chan speech.Result

	// ErrsCh is the channel returned by Errors(). Tests own this channel.
	ErrsCh chan error

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records every call to SendAudio.
	SendAudioCalls []SendAudioCall

	// CallCountClose counts Close invocations.
	CallCountClose int

	ended bool
}

// Ensure Stream implements speech.StreamHandle at compile time.
var _ speech.StreamHandle = (*Stream)(nil)

// NewStream returns a Stream with buffered result and error channels.
func NewStream() *Stream {
	return &Stream{
		ResultsCh: make(chan speech.Result, 16),
		ErrsCh:    make(chan error, 1),
	}
}

// SendAudio records the frame and returns SendAudioErr.
func (s *Stream) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Frame: cp})
	return s.SendAudioErr
}

// Results returns ResultsCh.
func (s *Stream) Results() <-chan speech.Result { return s.ResultsCh }

// Errors returns ErrsCh.
func (s *Stream) Errors() <-chan error { return s.ErrsCh }

// Close counts the call. The first end of the stream closes both channels
// so consumers observe end-of-stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.endLocked()
	return nil
}

// BindContext ends the stream when ctx is cancelled, surfacing the context
// error on ErrsCh first, the way a provider whose loops run under ctx does.
func (s *Stream) BindContext(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.ended {
			return
		}
		select {
		case s.ErrsCh <- ctx.Err():
		default:
		}
		s.endLocked()
	}()
}

// endLocked closes the channels exactly once. Caller holds s.mu.
func (s *Stream) endLocked() {
	if s.ended {
		return
	}
	s.ended = true
	close(s.ResultsCh)
	close(s.ErrsCh)
}

// Frames returns copies of all audio frames sent so far, in order.
func (s *Stream) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Frame
	}
	return out
}
