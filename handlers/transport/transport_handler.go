package transport

import (
	"context"
	"errors"

	"docvoice/core"
	"docvoice/events/llm"
	"docvoice/events/status"
	transportevents "docvoice/events/transport"
	"docvoice/events/tts"
)

// TransportService is one live media connection to a participant.
type TransportService interface {
	// ID is the connection id the transport is registered under.
	ID() string
	// Kind names the transport, e.g. "webrtc" or "daily".
	Kind() string
	// ReceiveAudio delivers inbound audio to out until ctx ends or the
	// transport closes. It does not close out.
	ReceiveAudio(ctx context.Context, out chan<- core.AudioChunk) error
	// SendAudio plays one chunk, blocking at playback rate.
	SendAudio(ctx context.Context, chunk core.AudioChunk) error
	// SendStatus forwards a status update to the client. Best effort.
	SendStatus(update status.StatusUpdateEvent) error
	// Lifecycle carries joined/left/closed events. It is closed after the
	// closed event.
	Lifecycle() <-chan transportevents.LifecycleEvent
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// AudioFlusher is implemented by transports that hold back a partial frame
// between SendAudio calls. FlushAudio plays it out, padded with silence.
type AudioFlusher interface {
	FlushAudio(ctx context.Context) error
}

// ErrTransportClosed is returned by transports once they have been closed.
var ErrTransportClosed = errors.New("transport: closed")

type TransportConfig struct {
	InputBuffer int `json:"input_buffer"` // Inbound audio chunks buffered between the transport and the pipeline.
}

func DefaultConfig() TransportConfig {
	return TransportConfig{InputBuffer: 32}
}

// TransportHandlerWrapper builds the input and output ends of the pipeline
// around one transport. The transport itself is owned by the supervisor,
// so neither handler closes it.
type TransportHandlerWrapper struct {
	service TransportService
	config  TransportConfig
}

func NewTransportHandlerWrapper(service TransportService, config TransportConfig) *TransportHandlerWrapper {
	if config.InputBuffer <= 0 {
		config.InputBuffer = DefaultConfig().InputBuffer
	}
	return &TransportHandlerWrapper{service: service, config: config}
}

func (w *TransportHandlerWrapper) GetInputHandler() *TransportInputHandler {
	return &TransportInputHandler{
		BaseHandler: core.NewBaseHandler("transport-in", nil, nil),
		wrapper:     w,
	}
}

func (w *TransportHandlerWrapper) GetOutputHandler() *TransportOutputHandler {
	return &TransportOutputHandler{
		BaseHandler: core.NewBaseHandler("transport-out", nil, nil),
		wrapper:     w,
	}
}

// TransportInputHandler turns inbound audio into pipeline events and passes
// injected packets through.
type TransportInputHandler struct {
	*core.BaseHandler
	wrapper *TransportHandlerWrapper
}

func (h *TransportInputHandler) Start() error {
	audioChan := make(chan core.AudioChunk, h.wrapper.config.InputBuffer)

	h.Go(func() {
		defer close(audioChan)
		err := h.wrapper.service.ReceiveAudio(h.Ctx, audioChan)
		if err != nil && h.Ctx.Err() == nil && !errors.Is(err, ErrTransportClosed) {
			h.Logger.Warn("transport receive ended", "error", err)
		}
	})
	h.Go(func() {
		for chunk := range audioChan {
			if h.Ctx.Err() != nil {
				continue
			}
			h.Emit(&transportevents.TransportAudioInputEvent{AudioChunk: chunk})
		}
	})

	h.Run(h.HandleEvent, nil)
	return nil
}

func (h *TransportInputHandler) HandleEvent(packet *core.EventPacket) error {
	h.SendPacket(packet)
	return nil
}

// TransportOutputHandler plays synthesized audio and forwards every packet
// to the assistant aggregator. It is the stage that knows when the bot is
// audible, so it drives the interrupter's speaking state.
type TransportOutputHandler struct {
	*core.BaseHandler
	wrapper *TransportHandlerWrapper
	dropped int

	interrupter *core.Interrupter
	turnGen     uint64
	turnCtx     context.Context
	cancelTurn  context.CancelFunc
}

// WithInterrupter stops playback of a reply as soon as the user speaks
// over it.
func (h *TransportOutputHandler) WithInterrupter(i *core.Interrupter) *TransportOutputHandler {
	h.interrupter = i
	return h
}

func (h *TransportOutputHandler) Start() error {
	h.Run(h.HandleEvent, func() {
		h.endTurn()
		if h.dropped > 0 {
			h.Logger.Debug("audio not played after cancellation", "chunks", h.dropped)
		}
	})
	return nil
}

func (h *TransportOutputHandler) HandleEvent(packet *core.EventPacket) error {
	switch event := packet.Event.(type) {
	case *llm.LLMResponseStartedEvent:
		h.endTurn()
		h.turnGen = event.Generation
		h.turnCtx, h.cancelTurn = h.interrupter.Context(h.Ctx, event.Generation)
	case *tts.TTSSpeakingStartedEvent:
		h.interrupter.SetSpeaking(h.turnGen, true)
	case *tts.TTSOutputEvent:
		h.play(event.AudioChunk)
	case *tts.TTSSpeakingEndedEvent:
		h.flushAudio()
	case *llm.LLMResponseCompletedEvent:
		h.interrupter.SetSpeaking(event.Generation, false)
		h.endTurn()
	}
	h.SendPacket(packet)
	return nil
}

// turnContext is the context playback of the current reply runs under. It
// is already done once the reply has been interrupted.
func (h *TransportOutputHandler) turnContext() context.Context {
	if h.turnCtx == nil {
		return h.Ctx
	}
	if h.interrupter.Generation() != h.turnGen {
		h.cancelTurn()
	}
	return h.turnCtx
}

func (h *TransportOutputHandler) endTurn() {
	if h.cancelTurn != nil {
		h.cancelTurn()
	}
	h.turnCtx, h.cancelTurn = nil, nil
}

func (h *TransportOutputHandler) play(chunk core.AudioChunk) {
	ctx := h.turnContext()
	if ctx.Err() != nil {
		h.dropped++
		return
	}
	if err := h.wrapper.service.SendAudio(ctx, chunk); err != nil {
		if ctx.Err() == nil && !errors.Is(err, ErrTransportClosed) {
			h.Logger.Warn("send audio failed", "error", err)
		}
	}
}

func (h *TransportOutputHandler) flushAudio() {
	flusher, ok := h.wrapper.service.(AudioFlusher)
	ctx := h.turnContext()
	if !ok || ctx.Err() != nil {
		return
	}
	if err := flusher.FlushAudio(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrTransportClosed) {
		h.Logger.Warn("flush audio failed", "error", err)
	}
}
