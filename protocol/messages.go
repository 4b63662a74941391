package protocol

import (
	"encoding/json"
	"time"
)

// MessageType enumerates the messages exchanged with clients over the peer
// data channel and with the room media relay.
type MessageType string

const (
	// Agent -> client
	MsgStatus      MessageType = "status"
	MsgAudioFormat MessageType = "audio_format"

	// Relay -> agent
	MsgHello             MessageType = "hello"
	MsgParticipantJoined MessageType = "participant_joined"
	MsgParticipantLeft   MessageType = "participant_left"

	// Either direction
	MsgBye MessageType = "bye"
)

// Envelope is the outer JSON wrapper for all text messages. Audio on the
// relay travels as binary frames and is never wrapped.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusPayload mirrors a pipeline status update for the client UI.
type StatusPayload struct {
	Status string    `json:"status"`
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// AudioFormatPayload tells the relay how outbound binary frames are encoded.
type AudioFormatPayload struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// HelloPayload is the first message a relay sends after attaching.
type HelloPayload struct {
	Room       string `json:"room"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels,omitempty"`
}

// ParticipantPayload announces a participant joining or leaving the room.
type ParticipantPayload struct {
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason,omitempty"`
}

// ByePayload ends the relay session.
type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}
