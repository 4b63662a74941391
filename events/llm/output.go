package llm

import "docvoice/core"

// LLMRunEvent asks the LLM handler to produce a turn from the current
// conversation. The user aggregator emits it after each finalized
// transcript; the supervisor injects one for the greeting.
type LLMRunEvent struct {
	Reason string // "greeting" or "user_turn".
}

func (e *LLMRunEvent) GetId() string {
	return "llm.run"
}

type LLMResponseStartedEvent struct {
	Generation uint64 // Interruption generation the turn runs under.
}

func (e *LLMResponseStartedEvent) GetId() string {
	return "llm.response_started"
}

type LLMResponseChunkEvent struct {
	Chunk string // A chunk of the LLM response text.
}

func (e *LLMResponseChunkEvent) GetId() string {
	return "llm.response_chunk"
}

type LLMResponseCompletedEvent struct {
	FullText string // The complete spoken text of the turn.
	Slot     int    // Conversation slot reserved for the turn, or -1.

	Generation  uint64
	Interrupted bool // The user spoke over the reply before it finished.
}

func (e *LLMResponseCompletedEvent) GetId() string {
	return "llm.response_completed"
}

type LLMToolInvocationRequestedEvent struct {
	Call core.LLMToolCall
}

func (e *LLMToolInvocationRequestedEvent) GetId() string {
	return "llm.tool_invocation_requested"
}

type LLMToolInvocationResultEvent struct {
	Call   core.LLMToolCall
	Result string
}

func (e *LLMToolInvocationResultEvent) GetId() string {
	return "llm.tool_invocation_result"
}
