package stt

import (
	"context"
	"strings"

	"docvoice/core"
	"docvoice/events/stt"
	"docvoice/events/transport"
	"docvoice/utils/audio"
)

// Transcript is one recognition result from the streaming recognizer.
type Transcript struct {
	Text    string
	IsFinal bool
	// EndOfUtterance marks the speaker's turn as finished. It may arrive
	// with the last final segment or on its own with no text.
	EndOfUtterance bool
}

type ISTTService interface {
	core.IService
	// StartTranscriptionSession opens the recognizer stream. Results and
	// fatal errors are delivered on the given channels until ctx ends.
	StartTranscriptionSession(ctx context.Context, results chan<- Transcript, errs chan<- error) error
	SendTranscriptionAudio(audioData []byte) error
}

// STTHandler consumes inbound audio and emits transcripts. Audio events stop
// here; every other packet is forwarded unchanged.
type STTHandler struct {
	*core.BaseHandler
	config    STTConfig
	converter *audio.Converter
	results   chan Transcript
	errs      chan error
}

func NewSTTHandler(service ISTTService, config STTConfig) *STTHandler {
	defaults := DefaultConfig()
	if config.RequiredSampleRate <= 0 {
		config.RequiredSampleRate = defaults.RequiredSampleRate
	}
	if config.RequiredChannels <= 0 {
		config.RequiredChannels = defaults.RequiredChannels
	}
	if config.ResultBuffer <= 0 {
		config.ResultBuffer = defaults.ResultBuffer
	}
	return &STTHandler{
		BaseHandler: core.NewBaseHandler("stt", service, nil),
		config:      config,
		converter:   audio.NewConverter(config.RequiredAudioFormat, config.RequiredChannels, config.RequiredSampleRate),
	}
}

func (h *STTHandler) service() ISTTService {
	return h.CurrentService().(ISTTService)
}

func (h *STTHandler) Start() error {
	h.results = make(chan Transcript, h.config.ResultBuffer)
	h.errs = make(chan error, 1)

	if err := h.service().StartTranscriptionSession(h.Ctx, h.results, h.errs); err != nil {
		return err
	}

	h.Go(h.eventLoop)
	h.Run(h.HandleEvent, nil)
	return nil
}

func (h *STTHandler) eventLoop() {
	for {
		select {
		case result := <-h.results:
			text := strings.TrimSpace(result.Text)
			switch {
			case text == "":
			case result.IsFinal:
				h.Emit(&stt.STTFinalOutputEvent{Text: text})
			default:
				h.Emit(&stt.STTInterimOutputEvent{Text: text})
			}
			if result.EndOfUtterance {
				h.Emit(&stt.STTUtteranceEndEvent{})
			}
		case err := <-h.errs:
			h.ReportFatal(err)
		case <-h.Ctx.Done():
			return
		}
	}
}

func (h *STTHandler) HandleEvent(eventPacket *core.EventPacket) error {
	event, ok := eventPacket.Event.(*transport.TransportAudioInputEvent)
	if !ok {
		h.SendPacket(eventPacket)
		return nil
	}
	if h.Ctx.Err() != nil {
		return nil
	}

	processed, err := h.converter.Convert(event.AudioChunk)
	if err != nil {
		h.Logger.Warn("dropping unconvertible audio", "error", err)
		return nil
	}
	if len(processed.Data) == 0 {
		return nil
	}
	return h.service().SendTranscriptionAudio(processed.Data)
}
