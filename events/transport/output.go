package transport

import "docvoice/core"

type TransportAudioInputEvent struct {
	AudioChunk core.AudioChunk
}

func (e *TransportAudioInputEvent) GetId() string {
	return "transport.audio_input"
}

type LifecycleKind string

const (
	LifecycleParticipantJoined LifecycleKind = "participant_joined"
	LifecycleParticipantLeft   LifecycleKind = "participant_left"
	LifecycleClosed            LifecycleKind = "closed"
)

// LifecycleEvent is published by a transport on its lifecycle channel.
type LifecycleEvent struct {
	Kind          LifecycleKind
	ParticipantID string
	Reason        string
}

func (e *LifecycleEvent) GetId() string {
	return "transport." + string(e.Kind)
}
