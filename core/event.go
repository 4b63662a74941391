package core

type IEvent interface {
	GetId() string // Returns the event kind, e.g. "llm.response_chunk".
}

// IStatusEvent is implemented by events that describe call progress rather
// than media or text. The transport forwards them to the client.
type IStatusEvent interface {
	IEvent
	StatusName() string
}
