package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// AppMessage is the closed set of structured messages an App backend can
// send to the cloud over its per-(user, package) connection.
type AppMessage interface {
	appMessage()
}

// AppConnectionInit opens an App connection for one user session.
type AppConnectionInit struct {
	PackageName string `json:"packageName"`
	SessionID   string `json:"sessionId"`
	APIKey      string `json:"apiKey,omitempty"`
}

// SubscriptionUpdate replaces the App's declared subscription set wholesale.
// Entries are stream keys in wire form (e.g. "transcription:en-US").
type SubscriptionUpdate struct {
	PackageName   string   `json:"packageName"`
	Subscriptions []string `json:"subscriptions"`
}

// AudioPlayRequest asks the cloud to play an external audio resource into
// the user's media room. RequestID correlates the asynchronous response.
type AudioPlayRequest struct {
	PackageName string  `json:"packageName"`
	RequestID   string  `json:"requestId"`
	URL         string  `json:"audioUrl"`
	Volume      float64 `json:"volume,omitempty"`
	StopOther   bool    `json:"stopOtherAudio,omitempty"`
}

// AudioStopRequest cancels an in-flight playback job.
type AudioStopRequest struct {
	PackageName string `json:"packageName"`
	RequestID   string `json:"requestId"`
}

// DisplayRequest forwards App-rendered content toward the glasses display.
type DisplayRequest struct {
	PackageName string          `json:"packageName"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  int             `json:"durationMs,omitempty"`
}

func (*AppConnectionInit) appMessage()  {}
func (*SubscriptionUpdate) appMessage() {}
func (*AudioPlayRequest) appMessage()   {}
func (*AudioStopRequest) appMessage()   {}
func (*DisplayRequest) appMessage()     {}

// DecodeApp decodes one App→cloud message.
func DecodeApp(data []byte) (AppMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("message: decode app envelope: %w", err)
	}

	var m AppMessage
	switch env.Type {
	case "tpa_connection_init":
		m = &AppConnectionInit{}
	case "subscription_update":
		m = &SubscriptionUpdate{}
	case "audio_play_request":
		m = &AudioPlayRequest{}
	case "audio_stop_request":
		m = &AudioStopRequest{}
	case "display_event":
		m = &DisplayRequest{}
	default:
		return nil, fmt.Errorf("%w: app %q", ErrUnknownMessageType, env.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("message: decode %s: %w", env.Type, err)
	}
	return m, nil
}

// ---- cloud → app ----

// DataStream wraps one data-stream payload for delivery to a subscribed
// App. SessionID is the composite "{sessionId}-{packageName}" form so an App
// serving many users can demultiplex.
type DataStream struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	StreamType string    `json:"streamType"`
	Data       any       `json:"data"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewDataStream builds a DATA_STREAM envelope for the given session, App
// and stream key.
func NewDataStream(sessionID, packageName string, key StreamKey, data any) DataStream {
	return DataStream{
		Type:       "data_stream",
		SessionID:  CompositeSessionID(sessionID, packageName),
		StreamType: key.String(),
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
}

// CompositeSessionID joins a session id and App package name into the
// "{sessionId}-{packageName}" form used on every cloud→App envelope.
func CompositeSessionID(sessionID, packageName string) string {
	return sessionID + "-" + packageName
}

// AppConnectionAck confirms an App connection.
type AppConnectionAck struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAppConnectionAck builds an AppConnectionAck envelope.
func NewAppConnectionAck(sessionID, packageName string) AppConnectionAck {
	return AppConnectionAck{
		Type:      "tpa_connection_ack",
		SessionID: CompositeSessionID(sessionID, packageName),
		Timestamp: time.Now().UTC(),
	}
}

// AudioPlayResponse reports the outcome of an [AudioPlayRequest].
type AudioPlayResponse struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	RequestID string    `json:"requestId"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewAudioPlayResponse builds an AudioPlayResponse envelope.
func NewAudioPlayResponse(sessionID, packageName, requestID string, success bool, errMsg string) AudioPlayResponse {
	return AudioPlayResponse{
		Type:      "audio_play_response",
		SessionID: CompositeSessionID(sessionID, packageName),
		RequestID: requestID,
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}

// AppStopped tells an App its session-scoped connection is being closed
// because the App was stopped or the session torn down.
type AppStopped struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// NewAppStopped builds an AppStopped envelope.
func NewAppStopped(sessionID, packageName, reason string) AppStopped {
	return AppStopped{
		Type:      "app_stopped",
		SessionID: CompositeSessionID(sessionID, packageName),
		Reason:    reason,
	}
}
