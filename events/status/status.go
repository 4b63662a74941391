package status

import "time"

type Status string

const (
	StatusListening Status = "listening"
	StatusThinking  Status = "thinking"
	StatusSpeaking  Status = "speaking"
	StatusSearching Status = "searching"
	StatusError     Status = "error"
)

// StatusUpdateEvent reports call progress on the out-of-band status channel.
type StatusUpdateEvent struct {
	Status Status    `json:"status"`
	Stage  string    `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func (e *StatusUpdateEvent) GetId() string {
	return "status.update"
}

func (e *StatusUpdateEvent) StatusName() string {
	return string(e.Status)
}

// Sink receives status updates. Publish must not block the caller.
type Sink interface {
	Publish(update StatusUpdateEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(StatusUpdateEvent)

func (f SinkFunc) Publish(update StatusUpdateEvent) { f(update) }
