package config

import "fmt"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged  bool
	NewLogLevel      LogLevel
	ProvidersChanged bool           // selection order or any provider entry changed
	ProviderChanges  []ProviderDiff // per-provider diffs
	StreamChanged    bool           // retry/buffer/idle tuning changed
}

// Any reports whether the diff carries an effective change. A file edit that
// only reorders keys or touches comments produces an empty diff.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.ProvidersChanged || d.StreamChanged
}

// ProviderDiff describes what changed for a single speech provider between
// two configs.
type ProviderDiff struct {
	Name    string
	Changed bool
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Providers.Default != new.Providers.Default ||
		old.Providers.Fallback != new.Providers.Fallback {
		d.ProvidersChanged = true
	}

	oldProviders := make(map[string]*ProviderEntry, len(old.Providers.Speech))
	for i := range old.Providers.Speech {
		oldProviders[old.Providers.Speech[i].Name] = &old.Providers.Speech[i]
	}
	newProviders := make(map[string]*ProviderEntry, len(new.Providers.Speech))
	for i := range new.Providers.Speech {
		newProviders[new.Providers.Speech[i].Name] = &new.Providers.Speech[i]
	}

	for name, oldEntry := range oldProviders {
		newEntry, exists := newProviders[name]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		if entryChanged(oldEntry, newEntry) {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Changed: true})
			d.ProvidersChanged = true
		}
	}
	for name := range newProviders {
		if _, exists := oldProviders[name]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{Name: name, Added: true})
			d.ProvidersChanged = true
		}
	}

	if old.Stream != new.Stream {
		d.StreamChanged = true
	}

	return d
}

// entryChanged compares two provider entries with the same name. Options
// maps are compared shallowly by key and stringified value.
func entryChanged(old, new *ProviderEntry) bool {
	if old.APIKey != new.APIKey || old.Endpoint != new.Endpoint || old.Model != new.Model {
		return true
	}
	if len(old.Options) != len(new.Options) {
		return true
	}
	for k, v := range old.Options {
		nv, ok := new.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(nv) {
			return true
		}
	}
	return false
}
