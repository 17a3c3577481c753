package bridge

// Command actions understood by the media bridge process.
const (
	actionJoinRoom         = "join_room"
	actionLeaveRoom        = "leave_room"
	actionSubscribeEnable  = "subscribe_enable"
	actionSubscribeDisable = "subscribe_disable"
	actionPlay             = "play"
	actionStop             = "stop"
)

// Event types emitted by the media bridge process.
const (
	EventConnected        = "connected"
	EventRoomJoined       = "room_joined"
	EventRoomLeft         = "room_left"
	EventPlaybackStarted  = "playback_started"
	EventPlaybackProgress = "playback_progress"
	EventPlaybackComplete = "playback_complete"
	EventPlaybackError    = "playback_error"
	EventError            = "error"
	EventDisconnected     = "disconnected"
)

// command is one control message to the bridge.
type command struct {
	Action         string  `json:"action"`
	RoomName       string  `json:"roomName,omitempty"`
	Token          string  `json:"token,omitempty"`
	URL            string  `json:"url,omitempty"`
	RequestID      string  `json:"requestId,omitempty"`
	TargetIdentity string  `json:"targetIdentity,omitempty"`
	Volume         float64 `json:"volume,omitempty"`
	SampleRate     int     `json:"sampleRate,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// Event is one status message from the bridge. Playback events carry the
// request id of the playback job they refer to.
type Event struct {
	Type             string `json:"type"`
	RoomName         string `json:"roomName,omitempty"`
	ParticipantID    string `json:"participantId,omitempty"`
	ParticipantCount int    `json:"participantCount,omitempty"`
	RequestID        string `json:"requestId,omitempty"`
	URL              string `json:"url,omitempty"`
	PositionMs       int    `json:"positionMs,omitempty"`
	DurationMs       int    `json:"durationMs,omitempty"`
	Error            string `json:"error,omitempty"`
	State            string `json:"state,omitempty"`
}

// JoinParams identifies the media room to join through the bridge.
type JoinParams struct {
	// RoomName is the room to join.
	RoomName string

	// Token authorizes the bridge to join on the user's behalf.
	Token string

	// URL optionally overrides the bridge's default media server.
	URL string
}

// PlayOptions tunes a server-side playback job.
type PlayOptions struct {
	// Volume scales the decoded audio; 0 means the bridge default.
	Volume float64

	// SampleRate of the target room track; 0 means the bridge default.
	SampleRate int
}
