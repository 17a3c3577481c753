package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glassbridge/glassbridge/internal/resilience"
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
	"github.com/glassbridge/glassbridge/pkg/provider/speech/mock"
)

func TestGuard_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("connect refused")
	p := &mock.Provider{StartStreamErr: boom}
	g := resilience.Guard(p, resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	cfg := speech.StreamConfig{Language: "en-US", SampleRate: 16000}
	for range 2 {
		if _, err := g.StartStream(context.Background(), cfg); !errors.Is(err, boom) {
			t.Fatalf("err = %v, want %v", err, boom)
		}
	}

	if g.Healthy() {
		t.Error("provider still healthy after breaker opened")
	}
	if _, err := g.StartStream(context.Background(), cfg); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if got := p.CallCount(); got != 2 {
		t.Errorf("backend called %d times, want 2", got)
	}
}

func TestGuard_UnsupportedPairDoesNotTrip(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StartStreamErr: speech.ErrUnsupportedLanguagePair}
	g := resilience.Guard(p, resilience.CircuitBreakerConfig{MaxFailures: 1})

	cfg := speech.StreamConfig{Language: "xx-XX"}
	for range 3 {
		if _, err := g.StartStream(context.Background(), cfg); !errors.Is(err, speech.ErrUnsupportedLanguagePair) {
			t.Fatalf("err = %v", err)
		}
	}
	if !g.Healthy() {
		t.Error("capability misses tripped the breaker")
	}
}

func TestGuard_RecoversThroughProbes(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := &mock.Provider{StartStreamErrs: []error{boom, nil, nil, nil}}
	g := resilience.Guard(p, resilience.CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
	})

	cfg := speech.StreamConfig{Language: "en-US"}
	if _, err := g.StartStream(context.Background(), cfg); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := g.StartStream(context.Background(), cfg); err != nil {
		t.Fatalf("probe call failed: %v", err)
	}
	if !g.Healthy() {
		t.Error("breaker still open after successful probe")
	}
}

func TestGuard_DelegatesCapabilityAndName(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{
		ProviderName: "deepgram",
		SupportsFn:   func(src, tgt string) bool { return tgt == "" },
	}
	g := resilience.Guard(p, resilience.CircuitBreakerConfig{})

	if g.Name() != "deepgram" {
		t.Errorf("Name = %q", g.Name())
	}
	if !g.SupportsLanguagePair("en-US", "") || g.SupportsLanguagePair("en-US", "es-ES") {
		t.Error("capability not delegated")
	}
}
