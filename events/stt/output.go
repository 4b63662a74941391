package stt

type STTInterimOutputEvent struct {
	Text string
}

func (e *STTInterimOutputEvent) GetId() string {
	return "stt.interim_output"
}

// STTFinalOutputEvent carries a finalized transcript. Only these reach the
// conversation history.
type STTFinalOutputEvent struct {
	Text string
}

func (e *STTFinalOutputEvent) GetId() string {
	return "stt.final_output"
}

// STTUtteranceEndEvent follows the last final segment of an utterance.
type STTUtteranceEndEvent struct{}

func (e *STTUtteranceEndEvent) GetId() string {
	return "stt.utterance_end"
}
