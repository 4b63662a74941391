package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docvoice/core"
)

// ErrAbandoned is returned by Stop when handlers did not drain within the
// grace period.
var ErrAbandoned = errors.New("runner: handlers abandoned after grace period")

type Config struct {
	ChannelCapacity int           `json:"channel_capacity"` // Capacity of each inter-handler channel.
	TopCapacity     int           `json:"top_capacity"`     // Capacity of the channel feeding the runner.
	GracePeriod     time.Duration `json:"-"`                // How long Stop waits for handlers to drain.
}

func DefaultConfig() Config {
	return Config{
		ChannelCapacity: 64,
		TopCapacity:     16,
		GracePeriod:     5 * time.Second,
	}
}

// Runner chains handlers with bounded channels. Packets flow from the first
// handler to the last; packets sent to the top are re-injected at the head,
// except critical errors and end-of-call requests, which finish the run.
type Runner struct {
	Handlers []core.IHandler

	config Config
	logger *core.Logger

	ctx         context.Context
	cancel      context.CancelFunc
	drainCtx    context.Context
	drainCancel context.CancelFunc

	topOutputChan  chan *core.EventPacket
	headChan       chan *core.EventPacket
	lastOutputChan chan *core.EventPacket

	stopCh   chan struct{}
	stopOnce sync.Once
	stopErr  error
	drained  chan struct{}

	finished   chan struct{}
	finishOnce sync.Once
	mu         sync.Mutex
	finishErr  error
}

func NewRunner(handlers []core.IHandler, config Config) *Runner {
	defaults := DefaultConfig()
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = defaults.ChannelCapacity
	}
	if config.TopCapacity <= 0 {
		config.TopCapacity = defaults.TopCapacity
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	return &Runner{
		Handlers: handlers,
		config:   config,
		stopCh:   make(chan struct{}),
		drained:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start wires and starts every handler. ctx is the call context: cancelling
// it aborts adapter calls but lets buffered packets drain.
func (r *Runner) Start(ctx context.Context) error {
	if len(r.Handlers) == 0 {
		return errors.New("runner: no handlers")
	}

	r.logger = core.LoggerFromContext(ctx).With(map[string]interface{}{"component": "runner"})
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.drainCtx, r.drainCancel = context.WithCancel(context.WithoutCancel(ctx))
	r.topOutputChan = make(chan *core.EventPacket, r.config.TopCapacity)
	r.lastOutputChan = make(chan *core.EventPacket, r.config.ChannelCapacity)

	// Create channels for each handler's input
	inputChans := make([]chan *core.EventPacket, len(r.Handlers))
	for i := range inputChans {
		inputChans[i] = make(chan *core.EventPacket, r.config.ChannelCapacity)
	}
	r.headChan = inputChans[0]

	for i, handler := range r.Handlers {
		outputNextChan := r.lastOutputChan
		if i < len(r.Handlers)-1 {
			outputNextChan = inputChans[i+1]
		}

		err := handler.Initialize(r.ctx, core.HandlerWiring{
			Input:      inputChans[i],
			OutputNext: outputNextChan,
			OutputTop:  r.topOutputChan,
			Drain:      r.drainCtx,
		})
		if err != nil {
			r.abortStart(i+1, false)
			return fmt.Errorf("runner: initialize %s: %w", handler.Name(), err)
		}
	}

	for _, handler := range r.Handlers {
		if err := handler.Start(); err != nil {
			r.abortStart(len(r.Handlers), true)
			return fmt.Errorf("runner: start %s: %w", handler.Name(), err)
		}
	}

	go r.routeTopOutputs()
	go r.consumeFinalOutputs()
	return nil
}

func (r *Runner) abortStart(initialized int, started bool) {
	r.cancel()
	r.drainCancel()
	if started {
		close(r.headChan)
	}
	for _, h := range r.Handlers[:initialized] {
		if err := h.Cleanup(); err != nil {
			r.logger.Warn("cleanup after failed start", "handler", h.Name(), "error", err)
		}
	}
}

// Inject queues event at the head of the pipeline.
func (r *Runner) Inject(event core.IEvent) error {
	packet := core.NewEventPacket(event, core.EventRelayDestinationTopService, "runner")
	select {
	case r.topOutputChan <- packet:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Runner) routeTopOutputs() {
	for {
		select {
		case <-r.stopCh:
			r.closeHead()
			return
		default:
		}

		select {
		case <-r.stopCh:
			r.closeHead()
			return
		case packet := <-r.topOutputChan:
			r.processTopOutput(packet)
		}
	}
}

func (r *Runner) processTopOutput(packet *core.EventPacket) {
	switch event := packet.Event.(type) {
	case *core.CriticalErrorEvent:
		r.finish(fmt.Errorf("%s: %s", event.Source, event.Error))
	case *core.EndCallEvent:
		r.logger.Info("end of call requested", "reason", event.Reason)
		r.finish(nil)
	default:
		packet.Destination = core.EventRelayDestinationNextService
		select {
		case r.headChan <- packet:
		case <-r.stopCh:
		case <-r.drainCtx.Done():
		}
	}
}

// closeHead closes the first handler's input, which cascades a drain down
// the chain, and keeps consuming top traffic so handlers never block on it.
func (r *Runner) closeHead() {
	close(r.headChan)
	for {
		select {
		case packet := <-r.topOutputChan:
			r.logger.Debug("dropping top packet after stop", "event", packet.Event.GetId())
		case <-r.drainCtx.Done():
			return
		}
	}
}

func (r *Runner) consumeFinalOutputs() {
	defer close(r.drained)
	for packet := range r.lastOutputChan {
		if w, ok := packet.Event.(*core.WarningEvent); ok {
			r.logger.Warn("pipeline warning", "source", w.Source, "error", w.Error)
		}
	}
}

func (r *Runner) finish(err error) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		r.finishErr = err
		r.mu.Unlock()
		close(r.finished)
	})
}

// Finished is closed when the pipeline asks to end on its own.
func (r *Runner) Finished() <-chan struct{} {
	return r.finished
}

// Err returns the error that finished the run, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishErr
}

// Stop cancels the call context, closes the pipeline head and waits up to
// the grace period for every handler to drain before cleaning up services.
// It is safe to call more than once.
func (r *Runner) Stop() error {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		close(r.stopCh)

		timer := time.NewTimer(r.config.GracePeriod)
		defer timer.Stop()

		var errs []error
		select {
		case <-r.drained:
		case <-timer.C:
			r.logger.Warn("handlers did not drain in time", "grace", r.config.GracePeriod)
			errs = append(errs, ErrAbandoned)
		}
		r.drainCancel()

		for _, handler := range r.Handlers {
			if err := handler.Cleanup(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", handler.Name(), err))
			}
		}
		r.stopErr = errors.Join(errs...)
	})
	return r.stopErr
}
