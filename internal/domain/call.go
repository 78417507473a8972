package domain

import (
	"time"
)

// CallState is the lifecycle state of one call attempt.
type CallState int

const (
	StateIdle CallState = iota
	StateAcquiringMedia
	StateAwaitingSignal
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
	StateEnded
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateAcquiringMedia: "acquiring_media",
	StateAwaitingSignal: "awaiting_signal",
	StateConnecting:     "connecting",
	StateConnected:      "connected",
	StateReconnecting:   "reconnecting",
	StateFailed:         "failed",
	StateEnded:          "ended",
}

func (s CallState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name.
func (s CallState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the state counts towards the single-active-call invariant.
func (s CallState) Live() bool {
	return s != StateIdle && s != StateEnded
}

// Terminal reports whether no further transitions except acknowledgment are possible.
func (s CallState) Terminal() bool {
	return s == StateFailed || s == StateEnded
}

// Role decides who sends the first offer.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

// EndReason records which exit path finished the call.
type EndReason string

const (
	EndNone         EndReason = ""
	EndLocalHangup  EndReason = "local_hangup"
	EndRemoteHangup EndReason = "remote_hangup"
	EndPreempted    EndReason = "preempted"
	EndShutdown     EndReason = "shutdown"
	EndDismissed    EndReason = "dismissed"
)

// MediaState mirrors the local track set for rendering.
type MediaState struct {
	HasAudio     bool `json:"has_audio"`
	AudioEnabled bool `json:"audio_enabled"`
	HasVideo     bool `json:"has_video"`
	VideoEnabled bool `json:"video_enabled"`
	ScreenShare  bool `json:"screen_share"`
}

// Muted reports whether the microphone is absent or disabled.
func (m MediaState) Muted() bool {
	return !m.HasAudio || !m.AudioEnabled
}

// VideoOff reports whether no video is being sent.
func (m MediaState) VideoOff() bool {
	return !m.HasVideo || !m.VideoEnabled
}

// RemoteTrack describes a track received from the other participant.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
}

// CallSession is a read-only copy of one call attempt's state.
type CallSession struct {
	ID               string        `json:"id"`
	RoomID           string        `json:"room_id"`
	Role             Role          `json:"role"`
	State            CallState     `json:"state"`
	Local            Participant   `json:"local"`
	Remote           Participant   `json:"remote"`
	StartedAt        time.Time     `json:"started_at"`
	ConnectedAt      *time.Time    `json:"connected_at,omitempty"`
	EndedAt          *time.Time    `json:"ended_at,omitempty"`
	Media            MediaState    `json:"media"`
	PictureInPicture bool          `json:"picture_in_picture"`
	Failure          *Failure      `json:"failure,omitempty"`
	EndReason        EndReason     `json:"end_reason,omitempty"`
	RemoteTracks     []RemoteTrack `json:"remote_tracks,omitempty"`
}

// Duration is the connected time of the call. It starts at the first
// Connected and is not reset by reconnects.
func (c CallSession) Duration(now time.Time) time.Duration {
	if c.ConnectedAt == nil {
		return 0
	}
	end := now
	if c.EndedAt != nil {
		end = *c.EndedAt
	}
	if end.Before(*c.ConnectedAt) {
		return 0
	}
	return end.Sub(*c.ConnectedAt)
}

// Transition is one entry of a session's state timeline.
type Transition struct {
	From  CallState `json:"from"`
	To    CallState `json:"to"`
	At    time.Time `json:"at"`
	Cause string    `json:"cause,omitempty"`
}

// TransportStats are counters gathered from the peer connection.
type TransportStats struct {
	PacketsReceived  uint64 `json:"packets_received"`
	BytesReceived    uint64 `json:"bytes_received"`
	LocalCandidates  int    `json:"local_candidates"`
	RemoteCandidates int    `json:"remote_candidates"`
}

// CallSummary is handed to archivers once a session has finished.
type CallSummary struct {
	Session     CallSession    `json:"session"`
	Transitions []Transition   `json:"transitions"`
	Stats       TransportStats `json:"stats"`
}
