package core

import (
	"sync"
)

type LLMMessageRole string

const (
	LLMMessageRoleUser      LLMMessageRole = "user"
	LLMMessageRoleAssistant LLMMessageRole = "assistant"
	LLMMessageRoleSystem    LLMMessageRole = "system"
	LLMMessageRoleTool      LLMMessageRole = "tool"
)

// DocumentPart points the model at a file held by the LLM provider.
type DocumentPart struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mime_type"`
	Title    string `json:"title,omitempty"`
}

// LLMMessage represents one turn exchanged with the LLM.
type LLMMessage struct {
	Role       LLMMessageRole `json:"role"`
	Message    string         `json:"message"`
	Document   *DocumentPart  `json:"document,omitempty"`     // Grounding file attached to a user turn.
	ToolCalls  []LLMToolCall  `json:"tool_calls,omitempty"`   // Set on assistant turns that requested tools.
	ToolCallID string         `json:"tool_call_id,omitempty"` // Set on tool turns.
	ToolName   string         `json:"tool_name,omitempty"`    // Set on tool turns.

	pending bool
}

type LLMParamterType string

const (
	LLMParameterTypeString  LLMParamterType = "string"
	LLMParameterTypeInteger LLMParamterType = "integer"
	LLMParameterTypeNumber  LLMParamterType = "number"
	LLMParameterTypeBoolean LLMParamterType = "boolean"
)

// Parameter represents a parameter for an LLM tool.
type Parameter struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Required    bool            `json:"required"`
	Type        LLMParamterType `json:"type"`
}

// LLMTool represents a tool that can be used by the LLM.
type LLMTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
}

// LLMToolCall represents a call to an LLM tool.
type LLMToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// StringArg returns a string argument or "" when absent.
func (c LLMToolCall) StringArg(name string) string {
	if v, ok := c.Arguments[name].(string); ok {
		return v
	}
	return ""
}

// LLMContext is an immutable view of a conversation handed to an LLM adapter.
type LLMContext struct {
	Messages []LLMMessage
	Tools    []LLMTool
}

// SystemPrompt returns the concatenated system turns.
func (c LLMContext) SystemPrompt() string {
	var prompt string
	for _, m := range c.Messages {
		if m.Role != LLMMessageRoleSystem {
			continue
		}
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += m.Message
	}
	return prompt
}

// Conversation owns the message history of one call. The user and assistant
// aggregators both append to it; readers get snapshots.
type Conversation struct {
	mu       sync.Mutex
	messages []LLMMessage
	tools    []LLMTool
}

func NewConversation(messages []LLMMessage, tools []LLMTool) *Conversation {
	c := &Conversation{}
	c.messages = append(c.messages, messages...)
	c.tools = append(c.tools, tools...)
	return c
}

func (c *Conversation) Append(msg LLMMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *Conversation) AddUserMessage(text string) {
	c.Append(LLMMessage{Role: LLMMessageRoleUser, Message: text})
}

func (c *Conversation) AddAssistantMessage(text string) {
	c.Append(LLMMessage{Role: LLMMessageRoleAssistant, Message: text})
}

// AddToolExchange records an assistant tool request followed by its result.
func (c *Conversation) AddToolExchange(call LLMToolCall, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages,
		LLMMessage{Role: LLMMessageRoleAssistant, ToolCalls: []LLMToolCall{call}},
		LLMMessage{Role: LLMMessageRoleTool, Message: result, ToolCallID: call.ID, ToolName: call.Name},
	)
}

// ReserveAssistantTurn appends an assistant turn holding the generated text
// at its chronological position and returns its slot. The turn stays
// pending until CommitAssistantTurn records what was actually delivered.
func (c *Conversation) ReserveAssistantTurn(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, LLMMessage{Role: LLMMessageRoleAssistant, Message: text, pending: true})
	return len(c.messages) - 1
}

// CommitAssistantTurn finalizes a reserved slot. Unknown or already
// committed slots are ignored.
func (c *Conversation) CommitAssistantTurn(slot int, text string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= len(c.messages) || !c.messages[slot].pending {
		return false
	}
	c.messages[slot].Message = text
	c.messages[slot].pending = false
	return true
}

// Pending reports whether any reserved turn is still uncommitted.
func (c *Conversation) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.pending {
			return true
		}
	}
	return false
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Snapshot copies the current state for an adapter call.
func (c *Conversation) Snapshot() LLMContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	messages := make([]LLMMessage, 0, len(c.messages))
	for _, m := range c.messages {
		if m.Role == LLMMessageRoleAssistant && m.Message == "" && len(m.ToolCalls) == 0 {
			continue
		}
		m.pending = false
		messages = append(messages, m)
	}
	tools := make([]LLMTool, len(c.tools))
	copy(tools, c.tools)
	return LLMContext{Messages: messages, Tools: tools}
}
