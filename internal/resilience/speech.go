package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// GuardedProvider wraps a [speech.Provider] with a circuit breaker around
// stream creation. While the breaker is open the provider reports unhealthy,
// so placement prefers other providers until the probe window reopens.
type GuardedProvider struct {
	inner speech.Provider
	cb    *CircuitBreaker
}

var _ speech.Provider = (*GuardedProvider)(nil)

// Guard wraps p. A zero cfg gets the breaker defaults; the breaker name
// defaults to the provider name.
func Guard(p speech.Provider, cfg CircuitBreakerConfig) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	return &GuardedProvider{inner: p, cb: NewCircuitBreaker(cfg)}
}

// Name returns the wrapped provider's registry name.
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// SupportsLanguagePair delegates to the wrapped provider. Capability is
// static and never goes through the breaker.
func (g *GuardedProvider) SupportsLanguagePair(src, tgt string) bool {
	return g.inner.SupportsLanguagePair(src, tgt)
}

// Healthy combines the provider's own health with the breaker state.
func (g *GuardedProvider) Healthy() bool {
	return g.inner.Healthy() && g.cb.State() != StateOpen
}

// StartStream opens a stream through the breaker. An unsupported language
// pair is a capability answer, not a backend failure, and never trips the
// breaker.
func (g *GuardedProvider) StartStream(ctx context.Context, cfg speech.StreamConfig) (speech.StreamHandle, error) {
	var handle speech.StreamHandle
	var startErr error
	err := g.cb.Execute(func() error {
		handle, startErr = g.inner.StartStream(ctx, cfg)
		if errors.Is(startErr, speech.ErrUnsupportedLanguagePair) {
			return nil
		}
		return startErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("provider %s: %w", g.inner.Name(), err)
	}
	if startErr != nil {
		return nil, startErr
	}
	return handle, nil
}
