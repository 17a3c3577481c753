// Package subscription tracks which data streams each App of a session has
// declared interest in.
//
// Subscription sets replace wholesale on every update; the registry computes
// the structural diff so downstream components (stream managers, audio
// manager) can reconcile incrementally. All methods are safe for concurrent
// use within one session.
package subscription

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/glassbridge/glassbridge/internal/message"
)

// Diff describes how an App's subscription set changed after an Update.
type Diff struct {
	// Added holds keys present in the new set but not the old.
	Added []message.StreamKey

	// Removed holds keys present in the old set but not the new.
	Removed []message.StreamKey

	// Dropped holds declared entries rejected by validation. They are not
	// part of the new set.
	Dropped []message.StreamKey
}

// Changed reports whether the update altered the effective set.
func (d Diff) Changed() bool { return len(d.Added) > 0 || len(d.Removed) > 0 }

// Registry holds the current subscription sets of all Apps in one session.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	byApp map[string]map[message.StreamKey]struct{}

	// onChange, when set, is invoked after every update that changed the
	// effective set, outside the registry lock.
	onChange func(Diff)
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger.With("component", "subscription"),
		byApp:  make(map[string]map[message.StreamKey]struct{}),
	}
}

// OnChange registers the single change callback. It replaces any previous
// callback; pass nil to clear. The callback runs synchronously on the
// updating goroutine, after the registry state has been swapped.
func (r *Registry) OnChange(fn func(Diff)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Update replaces packageName's subscription set with declared and returns
// the diff. Entries that fail validation are dropped individually and
// reported in Diff.Dropped; they never fail the whole update.
func (r *Registry) Update(packageName string, declared []message.StreamKey) Diff {
	next := make(map[message.StreamKey]struct{}, len(declared))
	var dropped []message.StreamKey
	for _, key := range declared {
		if err := key.Validate(); err != nil {
			r.logger.Warn("dropping invalid subscription",
				"package", packageName,
				"stream", key.String(),
				"err", err,
			)
			dropped = append(dropped, key)
			continue
		}
		next[key] = struct{}{}
	}

	r.mu.Lock()
	prev := r.byApp[packageName]
	if len(next) == 0 {
		delete(r.byApp, packageName)
	} else {
		r.byApp[packageName] = next
	}
	onChange := r.onChange
	r.mu.Unlock()

	diff := Diff{Dropped: dropped}
	for key := range next {
		if _, ok := prev[key]; !ok {
			diff.Added = append(diff.Added, key)
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}
	sortKeys(diff.Added)
	sortKeys(diff.Removed)

	if diff.Changed() && onChange != nil {
		onChange(diff)
	}
	return diff
}

// RemoveApp clears packageName's subscriptions, as on App stop. Equivalent
// to Update with an empty declaration.
func (r *Registry) RemoveApp(packageName string) Diff {
	return r.Update(packageName, nil)
}

// SubscribersOf returns the packages subscribed to exactly key, plus any
// wildcard subscribers. Order is unspecified.
func (r *Registry) SubscribersOf(key message.StreamKey) []string {
	wildcard := message.StreamKey{Type: message.StreamWildcard}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []string
	for pkg, keys := range r.byApp {
		if _, ok := keys[key]; ok {
			subs = append(subs, pkg)
			continue
		}
		if _, ok := keys[wildcard]; ok {
			subs = append(subs, pkg)
		}
	}
	return subs
}

// ActiveKeys returns the distinct subscribed keys of the given type across
// all Apps. Because provider streams map 1:1 onto distinct keys, this is the
// desired-stream set for a stream manager.
func (r *Registry) ActiveKeys(t message.StreamType) []message.StreamKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[message.StreamKey]struct{})
	for _, keys := range r.byApp {
		for key := range keys {
			if key.Type == t {
				seen[key] = struct{}{}
			}
		}
	}
	out := make([]message.StreamKey, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sortKeys(out)
	return out
}

// MinimalLanguageSet collapses all subscriptions of the given kind into the
// smallest set of distinct source languages that must be streamed. Multiple
// Apps requesting the same language share one upstream stream.
func (r *Registry) MinimalLanguageSet(t message.StreamType) []string {
	seen := make(map[string]struct{})
	for _, key := range r.ActiveKeys(t) {
		seen[key.Lang] = struct{}{}
	}
	langs := make([]string, 0, len(seen))
	for l := range seen {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

// MicrophoneNeeded reports whether any current subscription requires client
// audio capture. With no audio-consuming subscribers the session tells the
// client to suppress capture entirely.
func (r *Registry) MicrophoneNeeded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, keys := range r.byApp {
		for key := range keys {
			switch key.Type {
			case message.StreamAudioChunk, message.StreamTranscription,
				message.StreamTranslation, message.StreamVad, message.StreamWildcard:
				return true
			}
		}
	}
	return false
}

// HasRawAudioSubscribers reports whether any App wants raw PCM frames.
func (r *Registry) HasRawAudioSubscribers() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	raw := message.StreamKey{Type: message.StreamAudioChunk}
	wildcard := message.StreamKey{Type: message.StreamWildcard}
	for _, keys := range r.byApp {
		if _, ok := keys[raw]; ok {
			return true
		}
		if _, ok := keys[wildcard]; ok {
			return true
		}
	}
	return false
}

// Snapshot returns every App's current subscription set, for diagnostics.
func (r *Registry) Snapshot() map[string][]message.StreamKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]message.StreamKey, len(r.byApp))
	for pkg, keys := range r.byApp {
		list := make([]message.StreamKey, 0, len(keys))
		for key := range keys {
			list = append(list, key)
		}
		sortKeys(list)
		out[pkg] = list
	}
	return out
}

func sortKeys(keys []message.StreamKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
