package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type IService interface {
	Init(
		ctx context.Context,
	) error
	Cleanup() error
}

// HandlerWiring connects a handler to its neighbours in the chain.
type HandlerWiring struct {
	Input      <-chan *EventPacket
	OutputNext chan<- *EventPacket
	OutputTop  chan<- *EventPacket
	// Drain bounds every channel send. It outlives the call context so that
	// buffered frames can still be flushed after cancellation, and is
	// cancelled when the runner gives up waiting.
	Drain context.Context
}

type IHandler interface {
	Name() string
	Initialize(ctx context.Context, wiring HandlerWiring) error // Binds channels and initializes the service.
	Start() error                                              // Launches the handler's goroutines and returns.
	HandleEvent(packet *EventPacket) error
	Wait()          // Blocks until the handler has drained its input and closed its output.
	Cleanup() error // Releases service resources.
}

type BaseHandler struct {
	Service        IService
	BackupServices []IService
	Ctx            context.Context
	Logger         *Logger
	InputChan      <-chan *EventPacket

	name           string
	outputNextChan chan<- *EventPacket
	outputTopChan  chan<- *EventPacket
	drain          context.Context
	serviceMu      sync.RWMutex
	producers      sync.WaitGroup
	done           chan struct{}
}

func NewBaseHandler(name string, service IService, backupServices []IService) *BaseHandler {
	return &BaseHandler{
		name:           name,
		Service:        service,
		BackupServices: backupServices,
		done:           make(chan struct{}),
	}
}

func (h *BaseHandler) Name() string {
	return h.name
}

func (h *BaseHandler) Initialize(ctx context.Context, wiring HandlerWiring) error {
	h.Ctx = ctx
	h.InputChan = wiring.Input
	h.outputNextChan = wiring.OutputNext
	h.outputTopChan = wiring.OutputTop
	h.drain = wiring.Drain
	if h.drain == nil {
		h.drain = ctx
	}
	if h.done == nil {
		h.done = make(chan struct{})
	}

	logger := SessionLoggerFromContext(ctx)
	if logger == nil {
		logger = GetLogger()
	}
	h.Logger = logger.With(map[string]interface{}{"handler": h.name})

	if svc := h.CurrentService(); svc != nil {
		if err := svc.Init(ctx); err != nil {
			return fmt.Errorf("%s: init service: %w", h.name, err)
		}
	}
	return nil
}

// CurrentService returns the active service, which changes after a switch to a backup.
func (h *BaseHandler) CurrentService() IService {
	h.serviceMu.RLock()
	defer h.serviceMu.RUnlock()
	return h.Service
}

func (h *BaseHandler) Cleanup() error {
	var errs []error
	if svc := h.CurrentService(); svc != nil {
		if err := svc.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *BaseHandler) SwitchToBackupService() error {
	h.serviceMu.Lock()
	defer h.serviceMu.Unlock()

	if len(h.BackupServices) == 0 {
		return errors.New("no backup services available")
	}
	next := h.BackupServices[0]
	if err := next.Init(h.Ctx); err != nil {
		return err
	}
	if h.Service != nil {
		_ = h.Service.Cleanup()
	}
	h.Service = next
	h.BackupServices = h.BackupServices[1:]
	return nil
}

// Go runs fn as a producer goroutine. The handler's output is not closed
// until every producer has returned, so producers must exit on Ctx.Done().
func (h *BaseHandler) Go(fn func()) {
	h.producers.Add(1)
	go func() {
		defer h.producers.Done()
		fn()
	}()
}

// Run consumes the input channel until it is closed, then calls flush,
// waits for producers and closes the output towards the next handler.
func (h *BaseHandler) Run(handle func(*EventPacket) error, flush func()) {
	go func() {
		defer close(h.done)
		defer close(h.outputNextChan)

		for packet := range h.InputChan {
			if err := handle(packet); err != nil {
				h.ReportFatal(err)
			}
		}
		if flush != nil {
			flush()
		}
		h.producers.Wait()
	}()
}

func (h *BaseHandler) Wait() {
	<-h.done
}

// SendPacket delivers the packet to its destination, blocking while the
// receiver is full. It returns false if the drain context ended first.
func (h *BaseHandler) SendPacket(packet *EventPacket) bool {
	out := h.outputNextChan
	if packet.Destination == EventRelayDestinationTopService {
		out = h.outputTopChan
	}
	select {
	case out <- packet:
		return true
	case <-h.drain.Done():
		return false
	}
}

// Emit wraps event in a packet addressed to the next handler.
func (h *BaseHandler) Emit(event IEvent) bool {
	return h.SendPacket(NewEventPacket(event, EventRelayDestinationNextService, h.name))
}

// EmitTop wraps event in a packet addressed to the runner.
func (h *BaseHandler) EmitTop(event IEvent) bool {
	return h.SendPacket(NewEventPacket(event, EventRelayDestinationTopService, h.name))
}

// ReportFatal tries the next backup service and otherwise raises a
// CriticalErrorEvent, which ends the call.
func (h *BaseHandler) ReportFatal(err error) {
	if h.Ctx != nil && h.Ctx.Err() != nil {
		h.Logger.Debug("error after cancellation", "error", err)
		return
	}
	if switchErr := h.SwitchToBackupService(); switchErr == nil {
		h.Logger.Warn("switched to backup service", "error", err)
		h.Emit(&WarningEvent{Source: h.name, Error: err.Error()})
		return
	}
	h.Logger.Error("fatal handler error", "error", err)
	h.EmitTop(&CriticalErrorEvent{Source: h.name, Error: err.Error()})
}
