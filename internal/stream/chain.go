package stream

import (
	"github.com/glassbridge/glassbridge/pkg/provider/speech"
)

// Chain is the provider selection order for stream placement: an explicitly
// preferred provider, then the configured default, then the configured
// fallback, then anything else registered. Candidates are filtered by
// language-pair capability; healthy providers are tried before unhealthy
// ones within that order.
type Chain struct {
	// Preferred is tried first when set.
	Preferred string

	// Default is the configured default provider name.
	Default string

	// Fallback is the configured fallback provider name.
	Fallback string

	// Providers is every registered provider.
	Providers []speech.Provider
}

// Candidates returns the providers able to serve the (src, tgt) pair, in
// selection order. An empty result means the pair is unsupported everywhere.
func (c Chain) Candidates(src, tgt string) []speech.Provider {
	byName := make(map[string]speech.Provider, len(c.Providers))
	for _, p := range c.Providers {
		byName[p.Name()] = p
	}

	seen := make(map[string]struct{}, len(c.Providers))
	var ordered []speech.Provider
	add := func(p speech.Provider) {
		if p == nil {
			return
		}
		if _, dup := seen[p.Name()]; dup {
			return
		}
		seen[p.Name()] = struct{}{}
		if p.SupportsLanguagePair(src, tgt) {
			ordered = append(ordered, p)
		}
	}

	add(byName[c.Preferred])
	add(byName[c.Default])
	add(byName[c.Fallback])
	for _, p := range c.Providers {
		add(p)
	}

	// Stable partition: healthy candidates keep their relative order ahead
	// of unhealthy ones, which remain as a last resort.
	healthy := make([]speech.Provider, 0, len(ordered))
	var unhealthy []speech.Provider
	for _, p := range ordered {
		if p.Healthy() {
			healthy = append(healthy, p)
		} else {
			unhealthy = append(unhealthy, p)
		}
	}
	return append(healthy, unhealthy...)
}
