package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docvoice/core"
	"docvoice/events/llm"
)

type StreamEventKind int

const (
	StreamTextDelta StreamEventKind = iota
	StreamToolCall
	StreamTurnComplete
)

// StreamEvent is one item of a streamed completion.
type StreamEvent struct {
	Kind     StreamEventKind
	Text     string
	ToolCall core.LLMToolCall
}

type LLMService interface {
	core.IService
	// StreamCompletion generates from snapshot and writes events to out. It
	// must not write to out after returning and must return promptly once
	// ctx is cancelled.
	StreamCompletion(ctx context.Context, snapshot core.LLMContext, out chan<- StreamEvent) error
}

var errToolRoundsExhausted = errors.New("tool rounds exhausted")

// LLMHandler runs one turn per LLMRunEvent against the shared conversation.
// Turns are serialized; run requests that arrive during a turn are coalesced
// because the next snapshot already contains every committed user turn.
type LLMHandler struct {
	*core.BaseHandler
	conversation *core.Conversation
	tools        map[string]Tool
	config       LLMHandlerConfig
	interrupter  *core.Interrupter
	runs         chan string
}

func NewLLMHandler(service LLMService, conversation *core.Conversation, tools []Tool, config LLMHandlerConfig) *LLMHandler {
	defaults := DefaultConfig()
	if config.MaxToolRounds <= 0 {
		config.MaxToolRounds = defaults.MaxToolRounds
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = defaults.ToolTimeout
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = defaults.StreamBuffer
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	byName := make(map[string]Tool, len(tools))
	for _, t := range tools {
		byName[t.Definition.Name] = t
	}
	return &LLMHandler{
		BaseHandler:  core.NewBaseHandler("llm", service, nil),
		conversation: conversation,
		tools:        byName,
		config:       config,
	}
}

// WithBackupService registers a fallback used when the primary fails.
func (h *LLMHandler) WithBackupService(service LLMService) *LLMHandler {
	h.BackupServices = append(h.BackupServices, service)
	return h
}

// WithInterrupter binds each turn to the interruption generation it starts
// under, so the user speaking over a reply abandons it.
func (h *LLMHandler) WithInterrupter(i *core.Interrupter) *LLMHandler {
	h.interrupter = i
	return h
}

func (h *LLMHandler) service() LLMService {
	return h.CurrentService().(LLMService)
}

func (h *LLMHandler) Start() error {
	h.runs = make(chan string, 1)
	h.Go(h.turnLoop)
	h.Run(h.HandleEvent, func() { close(h.runs) })
	return nil
}

func (h *LLMHandler) HandleEvent(packet *core.EventPacket) error {
	h.SendPacket(packet)

	event, ok := packet.Event.(*llm.LLMRunEvent)
	if !ok || h.Ctx.Err() != nil {
		return nil
	}
	select {
	case h.runs <- event.Reason:
	default:
		h.Logger.Debug("turn already queued", "reason", event.Reason)
	}
	return nil
}

func (h *LLMHandler) turnLoop() {
	for reason := range h.runs {
		if h.Ctx.Err() != nil {
			continue
		}
		h.Logger.Debug("starting turn", "reason", reason)
		h.runTurn()
	}
}

func (h *LLMHandler) runTurn() {
	gen := h.interrupter.Generation()
	ctx, cancel := h.interrupter.Context(h.Ctx, gen)
	defer cancel()
	h.Emit(&llm.LLMResponseStartedEvent{Generation: gen})

	var spoken strings.Builder
	err := h.generate(ctx, &spoken)
	if err != nil && spoken.Len() == 0 && ctx.Err() == nil && len(h.BackupServices) > 0 {
		if switchErr := h.SwitchToBackupService(); switchErr == nil {
			h.Logger.Warn("retrying turn on backup service", "error", err)
			h.Emit(&core.WarningEvent{Source: h.Name(), Error: err.Error()})
			err = h.generate(ctx, &spoken)
		}
	}

	interrupted := h.Ctx.Err() == nil && ctx.Err() != nil
	text := spoken.String()
	slot := -1
	if text != "" {
		slot = h.conversation.ReserveAssistantTurn(text)
	}
	h.Emit(&llm.LLMResponseCompletedEvent{FullText: text, Slot: slot, Generation: gen, Interrupted: interrupted})

	switch {
	case err == nil, h.Ctx.Err() != nil:
	case interrupted:
		h.Logger.Info("turn interrupted", "generation", gen, "spoken", len(text))
	case errors.Is(err, errToolRoundsExhausted):
		h.Logger.Warn("turn closed without final answer", "rounds", h.config.MaxToolRounds)
	default:
		h.ReportFatal(err)
	}
}

// generate streams completions until the model finishes without requesting
// a tool, resolving tool calls in between.
func (h *LLMHandler) generate(ctx context.Context, spoken *strings.Builder) error {
	for round := 0; ; round++ {
		calls, err := h.stream(ctx, spoken)
		if err != nil {
			return err
		}
		if len(calls) == 0 {
			return nil
		}
		if round >= h.config.MaxToolRounds {
			return errToolRoundsExhausted
		}
		for _, call := range calls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.Emit(&llm.LLMToolInvocationRequestedEvent{Call: call})
			result := h.invokeTool(ctx, call)
			h.conversation.AddToolExchange(call, result)
			h.Emit(&llm.LLMToolInvocationResultEvent{Call: call, Result: result})
		}
	}
}

func (h *LLMHandler) stream(turn context.Context, spoken *strings.Builder) ([]core.LLMToolCall, error) {
	ctx, cancel := context.WithTimeout(turn, h.config.RequestTimeout)
	defer cancel()

	events := make(chan StreamEvent, h.config.StreamBuffer)
	done := make(chan error, 1)
	service := h.service()
	snapshot := h.conversation.Snapshot()
	go func() {
		done <- service.StreamCompletion(ctx, snapshot, events)
		close(events)
	}()

	var calls []core.LLMToolCall
	for event := range events {
		switch event.Kind {
		case StreamTextDelta:
			if event.Text == "" || turn.Err() != nil {
				continue
			}
			spoken.WriteString(event.Text)
			h.Emit(&llm.LLMResponseChunkEvent{Chunk: event.Text})
		case StreamToolCall:
			calls = append(calls, event.ToolCall)
		case StreamTurnComplete:
		}
	}
	err := <-done
	switch {
	case turn.Err() != nil:
		return nil, turn.Err()
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("completion: no response within %s: %w", h.config.RequestTimeout, err)
	case err != nil:
		return nil, fmt.Errorf("completion: %w", err)
	}
	return calls, nil
}

func (h *LLMHandler) invokeTool(turn context.Context, call core.LLMToolCall) string {
	tool, ok := h.tools[call.Name]
	if !ok {
		h.Logger.Warn("model requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("Tool %q is not available.", call.Name)
	}
	ctx, cancel := context.WithTimeout(turn, h.config.ToolTimeout)
	defer cancel()

	result, err := tool.Invoke(ctx, call)
	if err != nil {
		h.Logger.Warn("tool failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Tool %s failed: %v", call.Name, err)
	}
	return result
}

// Definitions lists the tool schemas to register on the conversation.
func Definitions(tools []Tool) []core.LLMTool {
	defs := make([]core.LLMTool, len(tools))
	for i, t := range tools {
		defs[i] = t.Definition
	}
	return defs
}
