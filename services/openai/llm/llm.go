package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"docvoice/core"
	llmHandler "docvoice/handlers/llm"

	"github.com/bytedance/sonic"
	"github.com/sashabaranov/go-openai"
)

// OpenAILLMService implements the LLMService interface using OpenAI chat
// completions. It has no access to uploaded files, so documents are
// announced by title only.
type OpenAILLMService struct {
	client *openai.Client
	config Config
	logger *core.Logger
}

// Config holds the configuration for OpenAI service
type Config struct {
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

func NewOpenAILLMService(config Config, logger *core.Logger) *OpenAILLMService {
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAILLMService{
		config: config,
		logger: logger.With(map[string]interface{}{"service": "openai-llm"}),
	}
}

func (s *OpenAILLMService) Init(ctx context.Context) error {
	if s.config.APIKey == "" {
		return errors.New("openai: API key is required")
	}
	clientConfig := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		clientConfig.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(clientConfig)
	return nil
}

func (s *OpenAILLMService) Cleanup() error {
	return nil
}

func (s *OpenAILLMService) StreamCompletion(ctx context.Context, snapshot core.LLMContext, out chan<- llmHandler.StreamEvent) error {
	if s.client == nil {
		return errors.New("openai: service not initialized")
	}

	req := openai.ChatCompletionRequest{
		Model:       s.config.Model,
		Messages:    s.convertMessages(snapshot.Messages),
		MaxTokens:   s.config.MaxTokens,
		Temperature: s.config.Temperature,
		Stream:      true,
	}
	if len(snapshot.Tools) > 0 {
		tools, err := s.convertTools(snapshot.Tools)
		if err != nil {
			return fmt.Errorf("openai: convert tools: %w", err)
		}
		req.Tools = tools
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	send := func(e llmHandler.StreamEvent) error {
		select {
		case out <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	toolCallBuilder := make(map[int]*openai.ToolCall)
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("openai: stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if err := send(llmHandler.StreamEvent{Kind: llmHandler.StreamTextDelta, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}

		// OpenAI streams tool calls in fragments keyed by index.
		for _, toolCall := range choice.Delta.ToolCalls {
			idx := 0
			if toolCall.Index != nil {
				idx = *toolCall.Index
			}
			built, exists := toolCallBuilder[idx]
			if !exists {
				built = &openai.ToolCall{Type: openai.ToolTypeFunction}
				toolCallBuilder[idx] = built
			}
			if toolCall.ID != "" {
				built.ID = toolCall.ID
			}
			if toolCall.Function.Name != "" {
				built.Function.Name = toolCall.Function.Name
			}
			built.Function.Arguments += toolCall.Function.Arguments
		}
	}

	indexes := make([]int, 0, len(toolCallBuilder))
	for idx := range toolCallBuilder {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		if toolCallBuilder[idx].Function.Name == "" {
			continue
		}
		call := s.convertToolCall(*toolCallBuilder[idx])
		if err := send(llmHandler.StreamEvent{Kind: llmHandler.StreamToolCall, ToolCall: call}); err != nil {
			return err
		}
	}
	return send(llmHandler.StreamEvent{Kind: llmHandler.StreamTurnComplete})
}

func (s *OpenAILLMService) convertMessages(messages []core.LLMMessage) []openai.ChatCompletionMessage {
	openAIMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		openAIMsg := openai.ChatCompletionMessage{
			Role:    s.convertRole(msg.Role),
			Content: msg.Message,
		}
		if msg.Document != nil && msg.Document.Title != "" {
			openAIMsg.Content = fmt.Sprintf("%s\n\n(Attached document: %s)", msg.Message, msg.Document.Title)
		}
		for _, call := range msg.ToolCalls {
			args, err := sonic.MarshalString(call.Arguments)
			if err != nil {
				args = "{}"
			}
			openAIMsg.ToolCalls = append(openAIMsg.ToolCalls, openai.ToolCall{
				ID:       call.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: call.Name, Arguments: args},
			})
		}
		if msg.Role == core.LLMMessageRoleTool {
			openAIMsg.ToolCallID = msg.ToolCallID
			openAIMsg.Name = msg.ToolName
		}
		openAIMessages = append(openAIMessages, openAIMsg)
	}
	return openAIMessages
}

func (s *OpenAILLMService) convertTools(tools []core.LLMTool) ([]openai.Tool, error) {
	openAITools := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		properties := make(map[string]interface{})
		required := make([]string, 0)
		for _, param := range tool.Parameters {
			properties[param.Name] = map[string]interface{}{
				"type":        string(param.Type),
				"description": param.Description,
			}
			if param.Required {
				required = append(required, param.Name)
			}
		}

		parameters := map[string]interface{}{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			parameters["required"] = required
		}
		paramsJSON, err := sonic.Marshal(parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal parameters: %w", err)
		}

		openAITools = append(openAITools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  paramsJSON,
			},
		})
	}
	return openAITools, nil
}

func (s *OpenAILLMService) convertRole(role core.LLMMessageRole) string {
	switch role {
	case core.LLMMessageRoleAssistant:
		return openai.ChatMessageRoleAssistant
	case core.LLMMessageRoleSystem:
		return openai.ChatMessageRoleSystem
	case core.LLMMessageRoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

func (s *OpenAILLMService) convertToolCall(toolCall openai.ToolCall) core.LLMToolCall {
	var arguments map[string]interface{}
	if toolCall.Function.Arguments != "" {
		if err := sonic.UnmarshalString(toolCall.Function.Arguments, &arguments); err != nil {
			s.logger.Warn("unparseable tool arguments", "tool", toolCall.Function.Name, "error", err)
			arguments = map[string]interface{}{"raw_arguments": toolCall.Function.Arguments}
		}
	}
	return core.LLMToolCall{
		ID:        toolCall.ID,
		Name:      toolCall.Function.Name,
		Arguments: arguments,
	}
}
