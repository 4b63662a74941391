package llm

import (
	"context"
	"errors"
	"fmt"

	"docvoice/core"
	llmHandler "docvoice/handlers/llm"

	"google.golang.org/genai"
)

// GeminiLLMService streams completions from Gemini. Document parts are
// passed by file URI, so the model reads the uploaded file directly.
type GeminiLLMService struct {
	client *genai.Client
	config Config
	logger *core.Logger
}

type Config struct {
	APIKey          string  `json:"api_key"`
	BaseURL         string  `json:"base_url"`
	Model           string  `json:"model"`
	MaxOutputTokens int32   `json:"max_output_tokens"`
	Temperature     float32 `json:"temperature"`
}

func DefaultConfig() Config {
	return Config{Model: "gemini-3-flash-preview"}
}

func NewGeminiLLMService(config Config, logger *core.Logger) *GeminiLLMService {
	if config.Model == "" {
		config.Model = DefaultConfig().Model
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &GeminiLLMService{
		config: config,
		logger: logger.With(map[string]interface{}{"service": "gemini-llm"}),
	}
}

// NewGeminiLLMServiceWithClient shares an existing client, e.g. with the
// document ingestor.
func NewGeminiLLMServiceWithClient(client *genai.Client, config Config, logger *core.Logger) *GeminiLLMService {
	s := NewGeminiLLMService(config, logger)
	s.client = client
	return s
}

// NewClient builds a Gemini API client from config.
func NewClient(ctx context.Context, apiKey, baseURL string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	return genai.NewClient(ctx, cc)
}

func (s *GeminiLLMService) Init(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	client, err := NewClient(ctx, s.config.APIKey, s.config.BaseURL)
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

func (s *GeminiLLMService) Cleanup() error {
	return nil
}

func (s *GeminiLLMService) StreamCompletion(ctx context.Context, snapshot core.LLMContext, out chan<- llmHandler.StreamEvent) error {
	if s.client == nil {
		return errors.New("gemini: service not initialized")
	}
	cfg, contents, err := s.convContext(snapshot)
	if err != nil {
		return err
	}

	send := func(e llmHandler.StreamEvent) error {
		select {
		case out <- e:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for chunk, err := range s.client.Models.GenerateContentStream(ctx, s.config.Model, contents, cfg) {
		if err != nil {
			return fmt.Errorf("gemini: stream: %w", err)
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		candidate := chunk.Candidates[0]
		if candidate.Content != nil {
			for _, p := range candidate.Content.Parts {
				switch {
				case p.Thought:
				case p.FunctionCall != nil:
					call := core.LLMToolCall{ID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Args}
					if call.ID == "" {
						call.ID = p.FunctionCall.Name
					}
					if err := send(llmHandler.StreamEvent{Kind: llmHandler.StreamToolCall, ToolCall: call}); err != nil {
						return err
					}
				case p.Text != "":
					if err := send(llmHandler.StreamEvent{Kind: llmHandler.StreamTextDelta, Text: p.Text}); err != nil {
						return err
					}
				}
			}
		}
		switch candidate.FinishReason {
		case genai.FinishReasonUnspecified, "", genai.FinishReasonStop, genai.FinishReasonMaxTokens:
		default:
			return fmt.Errorf("gemini: unexpected finish reason: %s", candidate.FinishReason)
		}
	}
	return send(llmHandler.StreamEvent{Kind: llmHandler.StreamTurnComplete})
}

func (s *GeminiLLMService) convContext(snapshot core.LLMContext) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{}
	if s.config.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = s.config.MaxOutputTokens
	}
	if s.config.Temperature > 0 {
		t := s.config.Temperature
		cfg.Temperature = &t
	}
	if prompt := snapshot.SystemPrompt(); prompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(prompt)}}
	}

	if len(snapshot.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(snapshot.Tools))
		for _, t := range snapshot.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  convSchema(t.Parameters),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var (
		contents []*genai.Content
		last     *genai.Content
	)
	for _, msg := range snapshot.Messages {
		role, parts := convMessage(msg)
		if len(parts) == 0 {
			continue
		}
		// Gemini expects alternating roles; merge consecutive turns.
		if last != nil && last.Role == role {
			last.Parts = append(last.Parts, parts...)
			continue
		}
		last = &genai.Content{Role: role, Parts: parts}
		contents = append(contents, last)
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("gemini: no contents")
	}
	return cfg, contents, nil
}

const (
	roleUser  = "user"
	roleModel = "model"
)

func convMessage(msg core.LLMMessage) (string, []*genai.Part) {
	var parts []*genai.Part
	switch msg.Role {
	case core.LLMMessageRoleSystem:
		return "", nil
	case core.LLMMessageRoleTool:
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       msg.ToolCallID,
			Name:     msg.ToolName,
			Response: map[string]any{"output": msg.Message},
		}})
		return roleUser, parts
	case core.LLMMessageRoleAssistant:
		if msg.Message != "" {
			parts = append(parts, genai.NewPartFromText(msg.Message))
		}
		for _, call := range msg.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Arguments,
			}})
		}
		return roleModel, parts
	default:
		if msg.Message != "" {
			parts = append(parts, genai.NewPartFromText(msg.Message))
		}
		if msg.Document != nil && msg.Document.URI != "" {
			parts = append(parts, genai.NewPartFromURI(msg.Document.URI, msg.Document.MIMEType))
		}
		return roleUser, parts
	}
}

func convSchema(params []core.Parameter) *genai.Schema {
	schema := &genai.Schema{
		Type:       genai.TypeObject,
		Properties: make(map[string]*genai.Schema, len(params)),
	}
	for _, p := range params {
		prop := &genai.Schema{Description: p.Description}
		switch p.Type {
		case core.LLMParameterTypeInteger:
			prop.Type = genai.TypeInteger
		case core.LLMParameterTypeNumber:
			prop.Type = genai.TypeNumber
		case core.LLMParameterTypeBoolean:
			prop.Type = genai.TypeBoolean
		default:
			prop.Type = genai.TypeString
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}
