package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownMessageType is returned by the Decode functions when the type
// discriminator does not match any known variant for that direction.
var ErrUnknownMessageType = errors.New("message: unknown message type")

// ClientMessage is the closed set of structured messages a glasses/phone
// client can send to the cloud. Raw audio travels as binary websocket frames
// and never enters this type.
type ClientMessage interface {
	clientMessage()
}

// ConnectionInit opens a client session after transport-level auth.
type ConnectionInit struct {
	// CoreToken is opaque to this core; identity is pre-validated upstream.
	CoreToken string `json:"coreToken,omitempty"`
}

// Vad reports a voice-activity transition detected on the glasses.
type Vad struct {
	Status bool `json:"status"`
}

// AppStateChange asks the cloud to start or stop an App for this user.
type AppStateChange struct {
	PackageName string `json:"packageName"`
	Running     bool   `json:"running"`
}

// ButtonPress is a hardware button event.
type ButtonPress struct {
	ButtonID  string `json:"buttonId"`
	PressType string `json:"pressType"` // "short" or "long"
}

// BatteryUpdate carries glasses battery telemetry.
type BatteryUpdate struct {
	Level    int  `json:"level"`
	Charging bool `json:"charging"`
}

// LocationUpdate carries a GPS fix from the phone.
type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// HeadPosition reports head orientation ("up" or "down").
type HeadPosition struct {
	Position string `json:"position"`
}

// GlassesConnectionState reports the phone↔glasses BLE link state.
type GlassesConnectionState struct {
	ModelName string `json:"modelName"`
	Status    string `json:"status"`
}

func (*ConnectionInit) clientMessage()         {}
func (*Vad) clientMessage()                    {}
func (*AppStateChange) clientMessage()         {}
func (*ButtonPress) clientMessage()            {}
func (*BatteryUpdate) clientMessage()          {}
func (*LocationUpdate) clientMessage()         {}
func (*HeadPosition) clientMessage()           {}
func (*GlassesConnectionState) clientMessage() {}

// EventStream maps a decoded client event to the stream key it is relayed
// on, or ok=false for messages that are commands rather than data streams.
func EventStream(m ClientMessage) (StreamKey, bool) {
	switch m.(type) {
	case *Vad:
		return StreamKey{Type: StreamVad}, true
	case *ButtonPress:
		return StreamKey{Type: StreamButtonPress}, true
	case *BatteryUpdate:
		return StreamKey{Type: StreamBatteryUpdate}, true
	case *LocationUpdate:
		return StreamKey{Type: StreamLocationUpdate}, true
	case *HeadPosition:
		return StreamKey{Type: StreamHeadPosition}, true
	case *GlassesConnectionState:
		return StreamKey{Type: StreamGlassesConnectionState}, true
	}
	return StreamKey{}, false
}

// envelope is the shared wire framing: a type discriminator plus the
// variant's own fields flattened alongside it.
type envelope struct {
	Type string `json:"type"`
}

// DecodeClient decodes one structured client→cloud message. The raw JSON is
// inspected exactly once here; everything past this point is typed.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("message: decode client envelope: %w", err)
	}

	var m ClientMessage
	switch env.Type {
	case "connection_init":
		m = &ConnectionInit{}
	case "vad":
		m = &Vad{}
	case "app_state_change":
		m = &AppStateChange{}
	case "button_press":
		m = &ButtonPress{}
	case "battery_update":
		m = &BatteryUpdate{}
	case "location_update":
		m = &LocationUpdate{}
	case "head_position":
		m = &HeadPosition{}
	case "glasses_connection_state":
		m = &GlassesConnectionState{}
	default:
		return nil, fmt.Errorf("%w: client %q", ErrUnknownMessageType, env.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("message: decode %s: %w", env.Type, err)
	}
	return m, nil
}

// ---- cloud → client ----

// ConnectionAck confirms session establishment to the client.
type ConnectionAck struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

// MicrophoneStateChange tells the client to start or stop sending audio.
type MicrophoneStateChange struct {
	Type      string    `json:"type"`
	Enabled   bool      `json:"isMicrophoneEnabled"`
	Timestamp time.Time `json:"timestamp"`
}

// AppStateBroadcast informs the client which Apps are running.
type AppStateBroadcast struct {
	Type        string   `json:"type"`
	RunningApps []string `json:"runningApps"`
}

// NewConnectionAck builds a ConnectionAck with the wire discriminator set.
func NewConnectionAck(sessionID string) ConnectionAck {
	return ConnectionAck{Type: "connection_ack", SessionID: sessionID, Timestamp: time.Now().UTC()}
}

// NewMicrophoneStateChange builds a MicrophoneStateChange envelope.
func NewMicrophoneStateChange(enabled bool) MicrophoneStateChange {
	return MicrophoneStateChange{Type: "microphone_state_change", Enabled: enabled, Timestamp: time.Now().UTC()}
}

// NewAppStateBroadcast builds an AppStateBroadcast envelope.
func NewAppStateBroadcast(running []string) AppStateBroadcast {
	return AppStateBroadcast{Type: "app_state_change", RunningApps: running}
}

// DisplayEvent carries an App-rendered layout to the glasses display.
type DisplayEvent struct {
	Type        string          `json:"type"`
	PackageName string          `json:"packageName"`
	Layout      json.RawMessage `json:"layout"`
	DurationMs  int             `json:"durationMs,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewDisplayEvent builds a DisplayEvent envelope.
func NewDisplayEvent(packageName string, layout json.RawMessage, durationMs int) DisplayEvent {
	return DisplayEvent{
		Type:        "display_event",
		PackageName: packageName,
		Layout:      layout,
		DurationMs:  durationMs,
		Timestamp:   time.Now().UTC(),
	}
}
