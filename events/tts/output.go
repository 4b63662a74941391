package tts

import "docvoice/core"

type TTSSpeakingStartedEvent struct {
	Text string
}

func (e *TTSSpeakingStartedEvent) GetId() string {
	return "tts.speaking_started"
}

// TTSOutputEvent carries sample-aligned audio.
type TTSOutputEvent struct {
	AudioChunk core.AudioChunk
}

func (e *TTSOutputEvent) GetId() string {
	return "tts.output"
}

// TTSSpeakingEndedEvent closes every utterance, including failed ones.
type TTSSpeakingEndedEvent struct{}

func (e *TTSSpeakingEndedEvent) GetId() string {
	return "tts.speaking_ended"
}

type TTSErrorEvent struct {
	Error string
}

func (e *TTSErrorEvent) GetId() string {
	return "tts.error"
}
