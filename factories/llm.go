package factories

import (
	"errors"

	"docvoice/core"
	llmhandler "docvoice/handlers/llm"
	geminillm "docvoice/services/gemini/llm"
	openaillm "docvoice/services/openai/llm"
)

// LLMFactoryConfig holds provider-specific configs for LLM service construction.
// Set exactly one provider config; Gemini wins when several are set because
// it is the only provider that reads the uploaded document itself.
// The OpenAI-compatible providers reuse the OpenAI service with another base URL.
type LLMFactoryConfig struct {
	GeminiConfig     *geminillm.Config `json:"gemini,omitempty"`
	OpenAIConfig     *openaillm.Config `json:"openai,omitempty"`
	GroqConfig       *openaillm.Config `json:"groq,omitempty"`
	OpenRouterConfig *openaillm.Config `json:"openrouter,omitempty"`
	TogetherConfig   *openaillm.Config `json:"together,omitempty"`
}

const (
	groqBaseURL       = "https://api.groq.com/openai/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
	togetherBaseURL   = "https://api.together.xyz/v1"
)

var ErrNoLLMProvider = errors.New("LLMFactoryConfig: no provider config specified")

// BuildLLMService constructs an LLMService from the given factory config.
func BuildLLMService(config LLMFactoryConfig, logger *core.Logger) (llmhandler.LLMService, error) {
	switch {
	case config.GeminiConfig != nil:
		return geminillm.NewGeminiLLMService(*config.GeminiConfig, logger), nil
	case config.OpenAIConfig != nil:
		return openaillm.NewOpenAILLMService(*config.OpenAIConfig, logger), nil
	case config.GroqConfig != nil:
		return buildOpenAICompatible(*config.GroqConfig, groqBaseURL, "llama-3.3-70b-versatile", logger), nil
	case config.OpenRouterConfig != nil:
		return buildOpenAICompatible(*config.OpenRouterConfig, openrouterBaseURL, "google/gemini-2.5-flash", logger), nil
	case config.TogetherConfig != nil:
		return buildOpenAICompatible(*config.TogetherConfig, togetherBaseURL, "meta-llama/Llama-3.3-70B-Instruct-Turbo", logger), nil
	}
	return nil, ErrNoLLMProvider
}

func buildOpenAICompatible(cfg openaillm.Config, defaultBaseURL, defaultModel string, logger *core.Logger) *openaillm.OpenAILLMService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	return openaillm.NewOpenAILLMService(cfg, logger)
}

// hasKey reports whether the selected provider carries credentials.
func (c LLMFactoryConfig) hasKey() bool {
	switch {
	case c.GeminiConfig != nil:
		return c.GeminiConfig.APIKey != ""
	case c.OpenAIConfig != nil:
		return c.OpenAIConfig.APIKey != ""
	case c.GroqConfig != nil:
		return c.GroqConfig.APIKey != ""
	case c.OpenRouterConfig != nil:
		return c.OpenRouterConfig.APIKey != ""
	case c.TogetherConfig != nil:
		return c.TogetherConfig.APIKey != ""
	}
	return false
}

// SessionLLMConfig pairs the primary LLM with ordered fallbacks.
type SessionLLMConfig struct {
	HandlerConfig llmhandler.LLMHandlerConfig `json:"handler_config"`
	ServiceConfig LLMFactoryConfig           `json:"service_config"`
	Fallbacks     []LLMFactoryConfig         `json:"fallbacks,omitempty"`
}

func (c SessionLLMConfig) buildServices(logger *core.Logger) (llmhandler.LLMService, []llmhandler.LLMService, error) {
	primary, err := BuildLLMService(c.ServiceConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	var backups []llmhandler.LLMService
	for _, fb := range c.Fallbacks {
		svc, err := BuildLLMService(fb, logger)
		if err != nil {
			logger.Warn("skipping LLM fallback", "error", err)
			continue
		}
		backups = append(backups, svc)
	}
	return primary, backups, nil
}
