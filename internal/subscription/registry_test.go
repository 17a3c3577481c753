package subscription_test

import (
	"testing"

	"github.com/glassbridge/glassbridge/internal/message"
	"github.com/glassbridge/glassbridge/internal/subscription"
)

func TestRegistry_UpdateDiff(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)

	diff := r.Update("com.x.captions", []message.StreamKey{
		message.TranscriptionKey("en-US"),
		{Type: message.StreamButtonPress},
	})
	if len(diff.Added) != 2 || len(diff.Removed) != 0 {
		t.Fatalf("first update diff = %+v", diff)
	}

	// Wholesale replacement: en-US drops out, de-DE comes in.
	diff = r.Update("com.x.captions", []message.StreamKey{
		message.TranscriptionKey("de-DE"),
		{Type: message.StreamButtonPress},
	})
	if len(diff.Added) != 1 || diff.Added[0].Lang != "de-DE" {
		t.Errorf("Added = %+v", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0].Lang != "en-US" {
		t.Errorf("Removed = %+v", diff.Removed)
	}

	// Identical re-declaration is a no-op.
	diff = r.Update("com.x.captions", []message.StreamKey{
		message.TranscriptionKey("de-DE"),
		{Type: message.StreamButtonPress},
	})
	if diff.Changed() {
		t.Errorf("identical update should not change: %+v", diff)
	}
}

func TestRegistry_RejectsDegenerateTranslation(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)

	diff := r.Update("com.x.translate", []message.StreamKey{
		message.TranslationKey("en-US", "en-US"),
		message.TranslationKey("es-ES", "en-US"),
	})
	if len(diff.Dropped) != 1 {
		t.Fatalf("Dropped = %+v, want 1 entry", diff.Dropped)
	}
	if len(diff.Added) != 1 || diff.Added[0] != message.TranslationKey("es-ES", "en-US") {
		t.Errorf("Added = %+v", diff.Added)
	}

	// The rejected entry must never surface as an active key.
	keys := r.ActiveKeys(message.StreamTranslation)
	if len(keys) != 1 || keys[0] != message.TranslationKey("es-ES", "en-US") {
		t.Errorf("ActiveKeys = %+v", keys)
	}
}

func TestRegistry_SubscribersOf(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)
	r.Update("com.x.translate", []message.StreamKey{message.TranslationKey("es-ES", "en-US")})
	r.Update("com.x.captions", []message.StreamKey{message.TranscriptionKey("en-US")})
	r.Update("com.x.mirror", []message.StreamKey{{Type: message.StreamWildcard}})

	subs := r.SubscribersOf(message.TranslationKey("es-ES", "en-US"))
	if len(subs) != 2 {
		t.Fatalf("subscribers = %v, want translate + wildcard", subs)
	}
	seen := map[string]bool{}
	for _, s := range subs {
		seen[s] = true
	}
	if !seen["com.x.translate"] || !seen["com.x.mirror"] {
		t.Errorf("subscribers = %v", subs)
	}
	if seen["com.x.captions"] {
		t.Error("captions app must not receive translation data")
	}
}

func TestRegistry_MinimalLanguageSet(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)
	r.Update("app.a", []message.StreamKey{message.TranscriptionKey("en-US")})
	r.Update("app.b", []message.StreamKey{
		message.TranscriptionKey("en-US"),
		message.TranscriptionKey("fr-FR"),
	})

	langs := r.MinimalLanguageSet(message.StreamTranscription)
	want := []string{"en-US", "fr-FR"}
	if len(langs) != len(want) {
		t.Fatalf("languages = %v, want %v", langs, want)
	}
	for i := range want {
		if langs[i] != want[i] {
			t.Errorf("languages = %v, want %v", langs, want)
		}
	}

	// Two Apps on the same language collapse to one desired stream.
	keys := r.ActiveKeys(message.StreamTranscription)
	if len(keys) != 2 {
		t.Errorf("ActiveKeys = %v, want 2 distinct", keys)
	}
}

func TestRegistry_MicrophoneNeeded(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)
	if r.MicrophoneNeeded() {
		t.Error("empty registry should not need microphone")
	}

	r.Update("app.a", []message.StreamKey{{Type: message.StreamButtonPress}})
	if r.MicrophoneNeeded() {
		t.Error("button-only subscriber should not need microphone")
	}

	r.Update("app.b", []message.StreamKey{message.TranscriptionKey("en-US")})
	if !r.MicrophoneNeeded() {
		t.Error("transcription subscriber needs microphone")
	}

	r.RemoveApp("app.b")
	if r.MicrophoneNeeded() {
		t.Error("removing the audio consumer should release the microphone")
	}
}

func TestRegistry_OnChange(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)
	var calls []subscription.Diff
	r.OnChange(func(d subscription.Diff) { calls = append(calls, d) })

	r.Update("app.a", []message.StreamKey{message.TranscriptionKey("en-US")})
	r.Update("app.a", []message.StreamKey{message.TranscriptionKey("en-US")}) // no-op
	r.RemoveApp("app.a")

	if len(calls) != 2 {
		t.Fatalf("onChange calls = %d, want 2", len(calls))
	}
	if len(calls[0].Added) != 1 || len(calls[1].Removed) != 1 {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRegistry_HasRawAudioSubscribers(t *testing.T) {
	t.Parallel()

	r := subscription.New(nil)
	if r.HasRawAudioSubscribers() {
		t.Error("empty registry has no raw audio subscribers")
	}
	r.Update("app.a", []message.StreamKey{{Type: message.StreamAudioChunk}})
	if !r.HasRawAudioSubscribers() {
		t.Error("audio_chunk subscriber not detected")
	}
}
