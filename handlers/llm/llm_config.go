package llm

import "time"

type LLMHandlerConfig struct {
	MaxToolRounds int           `json:"max_tool_rounds"` // Tool round trips allowed within one turn before the turn is closed.
	ToolTimeout   time.Duration `json:"tool_timeout"`    // Upper bound on a single tool invocation.
	StreamBuffer  int           `json:"stream_buffer"`

	// RequestTimeout bounds one streamed completion. A stalled provider
	// counts as a failed request.
	RequestTimeout time.Duration `json:"request_timeout"`
}

func DefaultConfig() LLMHandlerConfig {
	return LLMHandlerConfig{
		MaxToolRounds: 4,
		ToolTimeout:   10 * time.Second,
		StreamBuffer:  32,

		RequestTimeout: 30 * time.Second,
	}
}
