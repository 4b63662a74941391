package core

import (
	"time"

	"github.com/google/uuid"
)

type EventRelayDestination int

const (
	EventRelayDestinationNextService EventRelayDestination = iota + 1 // Pass to the next handler in the pipeline.
	EventRelayDestinationTopService                                   // Hand to the runner, which re-injects at the pipeline head.
)

type EventPacket struct {
	Event       IEvent
	Destination EventRelayDestination
	Uid         string    // Unique identifier for tracing the packet through the chain.
	Relayer     string    // Name of the handler that produced the packet.
	CreatedAt   time.Time // When the packet entered the pipeline.
}

func NewEventPacket(event IEvent, destination EventRelayDestination, relayer string) *EventPacket {
	return &EventPacket{
		Event:       event,
		Destination: destination,
		Uid:         uuid.New().String(),
		Relayer:     relayer,
		CreatedAt:   time.Now(),
	}
}

// Age reports how long the packet has been in flight.
func (p *EventPacket) Age() time.Duration {
	return time.Since(p.CreatedAt)
}
