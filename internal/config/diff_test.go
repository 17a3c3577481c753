package config_test

import (
	"testing"
	"time"

	"github.com/glassbridge/glassbridge/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	old, new := validConfig(), validConfig()
	d := config.Diff(old, new)
	if d.LogLevelChanged || d.ProvidersChanged || d.StreamChanged {
		t.Errorf("diff = %+v, want zero", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()

	old, new := validConfig(), validConfig()
	new.Server.LogLevel = config.LogDebug
	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", d)
	}
}

func TestDiff_ProviderChanges(t *testing.T) {
	t.Parallel()

	t.Run("entry modified", func(t *testing.T) {
		t.Parallel()
		old, new := validConfig(), validConfig()
		new.Providers.Speech[0].Model = "nova-2"
		d := config.Diff(old, new)
		if !d.ProvidersChanged {
			t.Fatal("expected ProvidersChanged")
		}
		if len(d.ProviderChanges) != 1 || d.ProviderChanges[0].Name != "deepgram" || !d.ProviderChanges[0].Changed {
			t.Errorf("changes = %+v", d.ProviderChanges)
		}
	})

	t.Run("entry added and removed", func(t *testing.T) {
		t.Parallel()
		old, new := validConfig(), validConfig()
		new.Providers.Speech = []config.ProviderEntry{
			{Name: "deepgram", APIKey: "dg-key"},
			{Name: "mock"},
		}
		d := config.Diff(old, new)
		if !d.ProvidersChanged {
			t.Fatal("expected ProvidersChanged")
		}
		var added, removed bool
		for _, c := range d.ProviderChanges {
			if c.Name == "mock" && c.Added {
				added = true
			}
			if c.Name == "gcp" && c.Removed {
				removed = true
			}
		}
		if !added || !removed {
			t.Errorf("changes = %+v", d.ProviderChanges)
		}
	})

	t.Run("selection order changed", func(t *testing.T) {
		t.Parallel()
		old, new := validConfig(), validConfig()
		new.Providers.Fallback = "gcp"
		d := config.Diff(old, new)
		if !d.ProvidersChanged {
			t.Error("expected ProvidersChanged for fallback change")
		}
	})
}

func TestDiff_Stream(t *testing.T) {
	t.Parallel()

	old, new := validConfig(), validConfig()
	new.Stream.RetryBaseDelay = 3 * time.Second
	d := config.Diff(old, new)
	if !d.StreamChanged {
		t.Error("expected StreamChanged")
	}
}
