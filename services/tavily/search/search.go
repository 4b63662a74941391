package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docvoice/core"
	llmHandler "docvoice/handlers/llm"

	"github.com/bytedance/sonic"
	"github.com/sethvargo/go-retry"
)

type Config struct {
	APIKey      string        `json:"api_key"`
	BaseURL     string        `json:"base_url"`
	SearchDepth string        `json:"search_depth"` // "basic" or "advanced".
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  uint64        `json:"max_retries"`
	RetryDelay  time.Duration `json:"retry_delay"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://api.tavily.com",
		SearchDepth: "basic",
		Timeout:     8 * time.Second,
		MaxRetries:  2,
		RetryDelay:  200 * time.Millisecond,
	}
}

// TavilySearcher implements llm.WebSearcher against the Tavily search API.
type TavilySearcher struct {
	config Config
	client *http.Client
	logger *core.Logger
}

func NewTavilySearcher(config Config, client *http.Client, logger *core.Logger) *TavilySearcher {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.SearchDepth == "" {
		config.SearchDepth = defaults.SearchDepth
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &TavilySearcher{
		config: config,
		client: client,
		logger: logger.With(map[string]interface{}{"service": "tavily"}),
	}
}

type searchRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search returns up to n results. Rate limiting and server errors are
// retried with exponential backoff; other failures are returned as is.
func (t *TavilySearcher) Search(ctx context.Context, query string, n int) ([]llmHandler.SearchResult, error) {
	if t.config.APIKey == "" {
		return nil, errors.New("tavily: API key is required")
	}
	if n <= 0 {
		n = 3
	}
	body, err := sonic.Marshal(searchRequest{Query: query, MaxResults: n, SearchDepth: t.config.SearchDepth})
	if err != nil {
		return nil, fmt.Errorf("tavily: encode request: %w", err)
	}

	var parsed searchResponse
	backoff := retry.WithMaxRetries(t.config.MaxRetries, retry.NewExponential(t.config.RetryDelay))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+"/search", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)

		resp, err := t.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
		}
		return sonic.Unmarshal(raw, &parsed)
	})
	if err != nil {
		return nil, fmt.Errorf("tavily: search: %w", err)
	}

	results := make([]llmHandler.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if len(results) == n {
			break
		}
		results = append(results, llmHandler.SearchResult{
			Title:   strings.TrimSpace(r.Title),
			Snippet: strings.TrimSpace(r.Content),
			URL:     r.URL,
		})
	}
	t.logger.Debug("search complete", "query", query, "results", len(results))
	return results, nil
}
