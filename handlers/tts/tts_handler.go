package tts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"docvoice/core"
	"docvoice/events/llm"
	"docvoice/events/tts"
	"docvoice/utils/audio"
)

type TTSService interface {
	core.IService
	// SampleRate is the rate of the 16-bit mono PCM the service produces.
	SampleRate() int
	// Synthesize streams raw PCM for text to out. Byte boundaries are
	// arbitrary. It must not write to out after returning.
	Synthesize(ctx context.Context, text string, out chan<- []byte) error
}

// TTSHandler speaks LLM output. Text is buffered until a break word so
// speech starts before the turn completes; each utterance is bracketed by
// started and ended events, even when synthesis fails.
type TTSHandler struct {
	*core.BaseHandler
	config TTSConfig
	buffer strings.Builder

	interrupter *core.Interrupter
	turnGen     uint64
}

func NewTTSHandler(service TTSService, config TTSConfig) *TTSHandler {
	defaults := DefaultConfig()
	if len(config.BreakWords) == 0 {
		config.BreakWords = defaults.BreakWords
	}
	if config.MinTextLength <= 0 {
		config.MinTextLength = defaults.MinTextLength
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = defaults.MaxTextLength
	}
	if config.AudioBuffer <= 0 {
		config.AudioBuffer = defaults.AudioBuffer
	}
	return &TTSHandler{
		BaseHandler: core.NewBaseHandler("tts", service, nil),
		config:      config,
	}
}

// WithInterrupter makes the handler drop the rest of a reply once the user
// speaks over it.
func (h *TTSHandler) WithInterrupter(i *core.Interrupter) *TTSHandler {
	h.interrupter = i
	return h
}

func (h *TTSHandler) service() TTSService {
	return h.CurrentService().(TTSService)
}

func (h *TTSHandler) Start() error {
	h.Run(h.HandleEvent, h.flush)
	return nil
}

func (h *TTSHandler) HandleEvent(eventPacket *core.EventPacket) error {
	switch event := eventPacket.Event.(type) {
	case *llm.LLMResponseStartedEvent:
		h.buffer.Reset()
		h.turnGen = event.Generation
	case *llm.LLMResponseChunkEvent:
		if h.interrupted() {
			h.buffer.Reset()
			break
		}
		h.buffer.WriteString(event.Chunk)
		if ready := h.takeReady(); ready != "" {
			h.speak(ready)
		}
	case *llm.LLMToolInvocationRequestedEvent:
		// Speak what the model said before it went off to search.
		h.speakBuffered()
	case *llm.LLMResponseCompletedEvent:
		h.speakBuffered()
	}
	h.SendPacket(eventPacket)
	return nil
}

func (h *TTSHandler) flush() {
	if h.buffer.Len() > 0 {
		h.Logger.Debug("dropping unspoken text", "length", h.buffer.Len())
		h.buffer.Reset()
	}
}

func (h *TTSHandler) speakBuffered() {
	text := h.buffer.String()
	h.buffer.Reset()
	if h.interrupted() {
		return
	}
	h.speak(text)
}

func (h *TTSHandler) interrupted() bool {
	return h.interrupter.Generation() != h.turnGen
}

// takeReady removes and returns the longest buffered prefix ending in a
// break word, once it is long enough to be worth a request.
func (h *TTSHandler) takeReady() string {
	text := h.buffer.String()
	cut := -1
	for _, word := range h.config.BreakWords {
		if i := strings.LastIndex(text, word); i >= 0 && i+len(word) > cut {
			cut = i + len(word)
		}
	}
	if cut < h.config.MinTextLength {
		return ""
	}
	h.buffer.Reset()
	h.buffer.WriteString(text[cut:])
	return text[:cut]
}

func (h *TTSHandler) speak(text string) {
	text = normalizeTextForTTS(text)
	if text == "" || h.Ctx.Err() != nil {
		return
	}
	if truncated, cut := truncateText(text, h.config.MaxTextLength); cut {
		h.Logger.Warn("Text too long for TTS, truncating", "length", len([]rune(text)), "max", h.config.MaxTextLength)
		text = truncated
	}

	service := h.service()
	rate := service.SampleRate()
	aligner := audio.NewFrameAligner(audio.DefaultSampleWidth)
	emit := func(data []byte) {
		if len(data) == 0 {
			return
		}
		h.Emit(&tts.TTSOutputEvent{AudioChunk: core.AudioChunk{
			Data:       data,
			SampleRate: rate,
			Channels:   1,
			Format:     core.PCM,
			Timestamp:  time.Now(),
		}})
	}

	ctx, cancel := h.interrupter.Context(h.Ctx, h.turnGen)
	defer cancel()

	h.Emit(&tts.TTSSpeakingStartedEvent{Text: text})
	defer h.Emit(&tts.TTSSpeakingEndedEvent{})

	out := make(chan []byte, h.config.AudioBuffer)
	done := make(chan error, 1)
	go func() {
		done <- service.Synthesize(ctx, text, out)
		close(out)
	}()
	for data := range out {
		if ctx.Err() != nil {
			continue
		}
		emit(aligner.Push(data))
	}
	if ctx.Err() == nil {
		emit(aligner.Flush())
	}

	if err := <-done; err != nil && ctx.Err() == nil {
		h.Logger.Error("synthesis failed", "error", err)
		h.Emit(&tts.TTSErrorEvent{Error: fmt.Sprintf("TTS error: %v", err)})
	}
}
