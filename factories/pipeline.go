package factories

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"docvoice/core"
	"docvoice/events/status"
	contexthandler "docvoice/handlers/context"
	llmhandler "docvoice/handlers/llm"
	"docvoice/handlers/progress"
	"docvoice/handlers/transport"
	"docvoice/sessions"
)

// SessionConfig is everything needed to assemble one call's pipeline.
type SessionConfig struct {
	Transport transport.TransportConfig `json:"transport"`
	STT       SessionSTTConfig          `json:"stt"`
	LLM       SessionLLMConfig          `json:"llm"`
	TTS       SessionTTSConfig          `json:"tts"`
	Search    SearchFactoryConfig       `json:"search"`

	// AllowInterruptions lets the caller talk over a reply to cut it off.
	AllowInterruptions bool `json:"allow_interruptions"`
}

// PipelineBuilder assembles the handler chain of a call. It is safe for
// concurrent use; every Build returns fresh handlers and services.
type PipelineBuilder struct {
	config SessionConfig
	client *http.Client
}

func NewPipelineBuilder(config SessionConfig, client *http.Client) *PipelineBuilder {
	if client == nil {
		client = &http.Client{}
	}
	return &PipelineBuilder{config: config, client: client}
}

// Ready reports the first capability that cannot be built. Calls cannot
// start until it returns nil.
func (b *PipelineBuilder) Ready() error {
	var errs []error
	if !b.config.STT.ServiceConfig.hasKey() {
		errs = append(errs, fmt.Errorf("stt: %w", ErrNoSTTProvider))
	}
	if !b.config.LLM.ServiceConfig.hasKey() {
		errs = append(errs, fmt.Errorf("llm: %w", ErrNoLLMProvider))
	}
	if !b.config.TTS.ServiceConfig.hasKey() {
		errs = append(errs, fmt.Errorf("tts: %w", ErrNoTTSProvider))
	}
	return errors.Join(errs...)
}

// Build returns the call's handlers in pipeline order:
// transport-in, stt, stt progress, user aggregator, llm, llm progress,
// tts, tts progress, transport-out, assistant aggregator.
func (b *PipelineBuilder) Build(ctx context.Context, session sessions.Session, t transport.TransportService, sink status.Sink) ([]core.IHandler, error) {
	logger := core.LoggerFromContext(ctx)

	stt, err := b.config.STT.BuildHandler(logger)
	if err != nil {
		return nil, fmt.Errorf("stt: %w", err)
	}

	primary, backups, err := b.config.LLM.buildServices(logger)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	tools := BuildSearchTools(b.config.Search, b.client, logger)
	conversation := core.NewConversation(contexthandler.InitialMessages(documentPart(session.Document)), llmhandler.Definitions(tools))
	llm := llmhandler.NewLLMHandler(primary, conversation, tools, b.config.LLM.HandlerConfig)
	for _, svc := range backups {
		llm.WithBackupService(svc)
	}

	tts, err := b.config.TTS.BuildHandler(session.VoiceModel, b.client, logger)
	if err != nil {
		return nil, fmt.Errorf("tts: %w", err)
	}

	var interrupter *core.Interrupter
	if b.config.AllowInterruptions {
		interrupter = core.NewInterrupter()
	}
	llm.WithInterrupter(interrupter)
	tts.WithInterrupter(interrupter)

	wrapper := transport.NewTransportHandlerWrapper(t, b.config.Transport)
	logger.Debug("pipeline built", "tools", len(tools), "llm_backups", len(backups), "voice_model", session.VoiceModel,
		"interruptions", interrupter != nil)
	return []core.IHandler{
		wrapper.GetInputHandler(),
		stt,
		progress.NewSTTProgress(sink),
		contexthandler.NewUserTurnAggregator(conversation).WithInterrupter(interrupter),
		llm,
		progress.NewLLMProgress(sink),
		tts,
		progress.NewTTSProgress(sink),
		wrapper.GetOutputHandler().WithInterrupter(interrupter),
		contexthandler.NewAssistantTurnAggregator(conversation),
	}, nil
}

func documentPart(ref *sessions.DocumentRef) *core.DocumentPart {
	if ref == nil || ref.URI == "" {
		return nil
	}
	return &core.DocumentPart{URI: ref.URI, MIMEType: ref.MIMEType, Title: ref.Title}
}
