package context

import (
	"strings"

	"docvoice/core"
	"docvoice/events/llm"
	"docvoice/events/stt"
)

// UserTurnAggregator collects the final segments of an utterance and, once
// the utterance ends, records them as one user turn and asks the LLM stage
// to respond.
type UserTurnAggregator struct {
	*core.BaseHandler
	conversation *core.Conversation
	interrupter  *core.Interrupter
	segments     []string
}

func NewUserTurnAggregator(conversation *core.Conversation) *UserTurnAggregator {
	return &UserTurnAggregator{
		BaseHandler:  core.NewBaseHandler("user-aggregator", nil, nil),
		conversation: conversation,
	}
}

// WithInterrupter lets user speech cut off a reply that is playing.
func (h *UserTurnAggregator) WithInterrupter(i *core.Interrupter) *UserTurnAggregator {
	h.interrupter = i
	return h
}

func (h *UserTurnAggregator) Start() error {
	h.Run(h.HandleEvent, nil)
	return nil
}

func (h *UserTurnAggregator) HandleEvent(eventPacket *core.EventPacket) error {
	h.SendPacket(eventPacket)

	switch event := eventPacket.Event.(type) {
	case *stt.STTInterimOutputEvent:
		h.interrupt(event.Text)
	case *stt.STTFinalOutputEvent:
		if text := strings.TrimSpace(event.Text); text != "" {
			h.interrupt(text)
			h.segments = append(h.segments, text)
		}
	case *stt.STTUtteranceEndEvent:
		if len(h.segments) == 0 || h.Ctx.Err() != nil {
			return nil
		}
		h.conversation.AddUserMessage(strings.Join(h.segments, " "))
		h.segments = h.segments[:0]
		h.Emit(&llm.LLMRunEvent{Reason: "user_turn"})
	}
	return nil
}

func (h *UserTurnAggregator) interrupt(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if h.interrupter.Interrupt() {
		h.Logger.Info("user interrupted the reply", "generation", h.interrupter.Generation())
	}
}

// AssistantTurnAggregator sits after the output transport and commits each
// assistant turn once its audio has been handed to the participant.
type AssistantTurnAggregator struct {
	*core.BaseHandler
	conversation *core.Conversation
}

func NewAssistantTurnAggregator(conversation *core.Conversation) *AssistantTurnAggregator {
	return &AssistantTurnAggregator{
		BaseHandler:  core.NewBaseHandler("assistant-aggregator", nil, nil),
		conversation: conversation,
	}
}

func (h *AssistantTurnAggregator) Start() error {
	h.Run(h.HandleEvent, nil)
	return nil
}

func (h *AssistantTurnAggregator) HandleEvent(eventPacket *core.EventPacket) error {
	if event, ok := eventPacket.Event.(*llm.LLMResponseCompletedEvent); ok {
		if event.Slot >= 0 {
			if !h.conversation.CommitAssistantTurn(event.Slot, event.FullText) {
				h.Logger.Debug("assistant turn already committed", "slot", event.Slot)
			}
		} else if event.FullText != "" {
			h.conversation.AddAssistantMessage(event.FullText)
		}
	}
	h.SendPacket(eventPacket)
	return nil
}
