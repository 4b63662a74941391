package factories

import (
	"net/http"

	"docvoice/core"
	llmhandler "docvoice/handlers/llm"
	tavily "docvoice/services/tavily/search"
)

// SearchFactoryConfig configures the web search behind the search_web tool.
// With no provider the tool is not offered to the model.
type SearchFactoryConfig struct {
	TavilyConfig *tavily.Config `json:"tavily,omitempty"`
	MaxResults   int            `json:"max_results"`
}

func DefaultSearchFactoryConfig() SearchFactoryConfig {
	return SearchFactoryConfig{MaxResults: 3}
}

// BuildSearchTools returns the model tools backed by the configured searcher.
func BuildSearchTools(config SearchFactoryConfig, client *http.Client, logger *core.Logger) []llmhandler.Tool {
	if config.TavilyConfig == nil || config.TavilyConfig.APIKey == "" {
		return nil
	}
	n := config.MaxResults
	if n <= 0 {
		n = DefaultSearchFactoryConfig().MaxResults
	}
	searcher := tavily.NewTavilySearcher(*config.TavilyConfig, client, logger)
	return []llmhandler.Tool{llmhandler.NewSearchWebTool(searcher, n, logger)}
}
