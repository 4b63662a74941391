package supervisor

import (
	"sync"

	"docvoice/core"
	"docvoice/events/status"
)

// statusSink queues status updates for a slow client. Publish never blocks:
// when the queue is full the oldest update is dropped.
type statusSink struct {
	mu      sync.Mutex
	queue   chan status.StatusUpdateEvent
	dropped int
}

func newStatusSink(capacity int) *statusSink {
	if capacity <= 0 {
		capacity = 1
	}
	return &statusSink{queue: make(chan status.StatusUpdateEvent, capacity)}
}

func (s *statusSink) Publish(update status.StatusUpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.queue <- update:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped++
		default:
		}
	}
}

// deliver forwards queued updates to send until done closes.
func (s *statusSink) deliver(done <-chan struct{}, send func(status.StatusUpdateEvent) error, logger *core.Logger) {
	for {
		select {
		case update := <-s.queue:
			if err := send(update); err != nil {
				logger.Debug("status not delivered", "status", update.Status, "error", err)
			}
		case <-done:
			return
		}
	}
}

func (s *statusSink) droppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
