package progress

import (
	"time"

	"docvoice/core"
	"docvoice/events/llm"
	"docvoice/events/status"
	"docvoice/events/stt"
	"docvoice/events/tts"
)

// Classifier maps a pipeline event to the status it implies, if any.
type Classifier func(event core.IEvent) (status.Status, string, bool)

// ProgressHandler observes the stage in front of it and publishes status
// changes to the client. It never alters or holds back packets.
type ProgressHandler struct {
	*core.BaseHandler
	stage    string
	classify Classifier
	sink     status.Sink
	last     status.Status
	now      func() time.Time
}

func NewProgressHandler(stage string, classify Classifier, sink status.Sink) *ProgressHandler {
	return &ProgressHandler{
		BaseHandler: core.NewBaseHandler("progress:"+stage, nil, nil),
		stage:       stage,
		classify:    classify,
		sink:        sink,
		now:         time.Now,
	}
}

func (h *ProgressHandler) Start() error {
	h.Run(h.HandleEvent, nil)
	return nil
}

func (h *ProgressHandler) HandleEvent(packet *core.EventPacket) error {
	if s, detail, ok := h.classify(packet.Event); ok && h.sink != nil {
		if s != h.last || detail != "" {
			h.last = s
			h.sink.Publish(status.StatusUpdateEvent{Status: s, Stage: h.stage, Detail: detail, At: h.now()})
		}
	}
	h.SendPacket(packet)
	return nil
}

// NewSTTProgress reports listening while the user is being transcribed.
func NewSTTProgress(sink status.Sink) *ProgressHandler {
	return NewProgressHandler("stt", func(event core.IEvent) (status.Status, string, bool) {
		switch event.(type) {
		case *stt.STTInterimOutputEvent, *stt.STTFinalOutputEvent:
			return status.StatusListening, "", true
		}
		return "", "", false
	}, sink)
}

// NewLLMProgress reports thinking while a reply is generated and searching
// while a web search runs.
func NewLLMProgress(sink status.Sink) *ProgressHandler {
	return NewProgressHandler("llm", func(event core.IEvent) (status.Status, string, bool) {
		switch e := event.(type) {
		case *llm.LLMRunEvent, *llm.LLMResponseStartedEvent:
			return status.StatusThinking, "", true
		case *llm.LLMToolInvocationRequestedEvent:
			return status.StatusSearching, e.Call.StringArg("query"), true
		case *llm.LLMToolInvocationResultEvent:
			return status.StatusThinking, "", true
		}
		return "", "", false
	}, sink)
}

// NewTTSProgress reports speaking for the duration of each utterance.
func NewTTSProgress(sink status.Sink) *ProgressHandler {
	return NewProgressHandler("tts", func(event core.IEvent) (status.Status, string, bool) {
		switch e := event.(type) {
		case *tts.TTSSpeakingStartedEvent:
			return status.StatusSpeaking, "", true
		case *tts.TTSSpeakingEndedEvent:
			return status.StatusListening, "", true
		case *tts.TTSErrorEvent:
			return status.StatusError, e.Error, true
		}
		return "", "", false
	}, sink)
}
