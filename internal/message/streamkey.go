// Package message defines the typed message envelopes exchanged at the three
// websocket boundaries of the broker (glasses client, App backends, media
// bridge control channel is owned by internal/bridge) and the stream-key
// vocabulary shared by the subscription registry and the stream managers.
//
// Each inbound direction is a closed set of variants decoded exactly once at
// the boundary; the core never switches on raw string discriminators.
package message

import (
	"errors"
	"fmt"
	"strings"
)

// StreamType discriminates the data streams an App can subscribe to.
type StreamType string

const (
	// StreamTranscription is speech-to-text in the spoken language.
	// Parameterised by a BCP-47 language tag.
	StreamTranscription StreamType = "transcription"

	// StreamTranslation is speech-to-text translated into another language.
	// Parameterised by source and target BCP-47 language tags.
	StreamTranslation StreamType = "translation"

	// StreamAudioChunk delivers raw PCM16 audio frames.
	StreamAudioChunk StreamType = "audio_chunk"

	StreamButtonPress            StreamType = "button_press"
	StreamBatteryUpdate          StreamType = "battery_update"
	StreamLocationUpdate         StreamType = "location_update"
	StreamHeadPosition           StreamType = "head_position"
	StreamVad                    StreamType = "vad"
	StreamGlassesConnectionState StreamType = "glasses_connection_state"

	// StreamWildcard subscribes an App to every stream the session produces.
	StreamWildcard StreamType = "all"
)

// IsValid reports whether t is a recognised stream type.
func (t StreamType) IsValid() bool {
	switch t {
	case StreamTranscription, StreamTranslation, StreamAudioChunk,
		StreamButtonPress, StreamBatteryUpdate, StreamLocationUpdate,
		StreamHeadPosition, StreamVad, StreamGlassesConnectionState,
		StreamWildcard:
		return true
	}
	return false
}

// Parameterised reports whether t carries language parameters in its key.
func (t StreamType) Parameterised() bool {
	return t == StreamTranscription || t == StreamTranslation
}

// ErrInvalidStreamKey is returned by [ParseStreamKey] for keys that do not
// match any recognised stream type or carry malformed parameters.
var ErrInvalidStreamKey = errors.New("message: invalid stream key")

// StreamKey identifies one exact data stream within a session. Language
// fields are only set for the parameterised types:
//
//	transcription:en-US          → {Type: transcription, Lang: "en-US"}
//	translation:es-ES-to-en-US   → {Type: translation, Lang: "es-ES", Target: "en-US"}
//	button_press                 → {Type: button_press}
type StreamKey struct {
	Type StreamType

	// Lang is the transcription language, or the translation source language.
	Lang string

	// Target is the translation target language. Empty for other types.
	Target string
}

// TranscriptionKey builds the key for a transcription stream in lang.
func TranscriptionKey(lang string) StreamKey {
	return StreamKey{Type: StreamTranscription, Lang: lang}
}

// TranslationKey builds the key for a translation stream from src to tgt.
func TranslationKey(src, tgt string) StreamKey {
	return StreamKey{Type: StreamTranslation, Lang: src, Target: tgt}
}

// String renders the key in its wire form.
func (k StreamKey) String() string {
	switch k.Type {
	case StreamTranscription:
		return string(StreamTranscription) + ":" + k.Lang
	case StreamTranslation:
		return fmt.Sprintf("%s:%s-to-%s", StreamTranslation, k.Lang, k.Target)
	default:
		return string(k.Type)
	}
}

// ParseStreamKey parses the wire form of a stream key.
func ParseStreamKey(s string) (StreamKey, error) {
	typ, params, hasParams := strings.Cut(s, ":")

	t := StreamType(typ)
	if !t.IsValid() {
		return StreamKey{}, fmt.Errorf("%w: unknown type %q", ErrInvalidStreamKey, s)
	}

	switch {
	case !t.Parameterised():
		if hasParams {
			return StreamKey{}, fmt.Errorf("%w: %q takes no parameters", ErrInvalidStreamKey, s)
		}
		return StreamKey{Type: t}, nil

	case t == StreamTranscription:
		if params == "" {
			return StreamKey{}, fmt.Errorf("%w: %q missing language", ErrInvalidStreamKey, s)
		}
		return StreamKey{Type: t, Lang: params}, nil

	default: // StreamTranslation
		src, tgt, ok := strings.Cut(params, "-to-")
		if !ok || src == "" || tgt == "" {
			return StreamKey{}, fmt.Errorf("%w: %q needs <src>-to-<tgt> languages", ErrInvalidStreamKey, s)
		}
		return StreamKey{Type: t, Lang: src, Target: tgt}, nil
	}
}

// Validate checks the key's internal consistency. Translation keys with
// identical source and target languages are rejected; translating a language
// into itself can never produce a provider stream.
func (k StreamKey) Validate() error {
	if !k.Type.IsValid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStreamKey, string(k.Type))
	}
	switch k.Type {
	case StreamTranscription:
		if k.Lang == "" {
			return fmt.Errorf("%w: transcription without language", ErrInvalidStreamKey)
		}
	case StreamTranslation:
		if k.Lang == "" || k.Target == "" {
			return fmt.Errorf("%w: translation without language pair", ErrInvalidStreamKey)
		}
		if strings.EqualFold(k.Lang, k.Target) {
			return fmt.Errorf("%w: translation %s-to-%s is degenerate", ErrInvalidStreamKey, k.Lang, k.Target)
		}
	}
	return nil
}
