package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// ErrProviderNotRegistered is returned by CreateSpeech when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps speech provider names to their constructor functions. It is
// populated once at startup from a fixed list of constructors; providers
// whose dependencies are unavailable are simply absent. Safe for concurrent
// use.
type Registry struct {
	mu     sync.RWMutex
	speech map[string]func(ProviderEntry) (speech.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		speech: make(map[string]func(ProviderEntry) (speech.Provider, error)),
	}
}

// RegisterSpeech registers a speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpeech(name string, factory func(ProviderEntry) (speech.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.speech[name] = factory
}

// CreateSpeech instantiates a speech provider using the factory registered
// under entry.Name. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateSpeech(entry ProviderEntry) (speech.Provider, error) {
	r.mu.RLock()
	factory, ok := r.speech[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: speech/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// SpeechNames returns the registered provider names, in no fixed order.
func (r *Registry) SpeechNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.speech))
	for name := range r.speech {
		names = append(names, name)
	}
	return names
}
