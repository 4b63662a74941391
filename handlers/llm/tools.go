package llm

import (
	"context"
	"fmt"
	"strings"

	"docvoice/core"
)

// Tool is a function the model may call during a turn.
type Tool struct {
	Definition core.LLMTool
	Invoke     func(ctx context.Context, call core.LLMToolCall) (string, error)
}

type SearchResult struct {
	Title   string
	Snippet string
	URL     string
}

// WebSearcher looks up a query on the web. Implementations may fail; the
// search_web tool turns failures into an empty answer.
type WebSearcher interface {
	Search(ctx context.Context, query string, n int) ([]SearchResult, error)
}

const SearchWebToolName = "search_web"

// NewSearchWebTool exposes searcher to the model, returning at most n results.
func NewSearchWebTool(searcher WebSearcher, n int, logger *core.Logger) Tool {
	return Tool{
		Definition: core.LLMTool{
			Name:        SearchWebToolName,
			Description: "Search the web for information. Only use this when the user asks about something not in the document, or explicitly asks you to search online.",
			Parameters: []core.Parameter{{
				Name:        "query",
				Description: "The search query to look up on the web.",
				Required:    true,
				Type:        core.LLMParameterTypeString,
			}},
		},
		Invoke: func(ctx context.Context, call core.LLMToolCall) (string, error) {
			query := strings.TrimSpace(call.StringArg("query"))
			if query == "" {
				return "No search query was provided.", nil
			}
			logger.Info("web search requested", "query", query)
			results, err := searcher.Search(ctx, query, n)
			if err != nil {
				logger.Warn("web search failed", "query", query, "error", err)
				results = nil
			}
			return FormatSearchResults(query, results), nil
		},
	}
}

// FormatSearchResults renders results as plain text for the model.
func FormatSearchResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return "No results found for: " + query
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for: %s\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n%s\nSource: %s\n", i+1, r.Title, r.Snippet, r.URL)
	}
	return b.String()
}
