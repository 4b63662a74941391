package factories

import (
	"context"
	"errors"
	"io"

	"docvoice/core"
	"docvoice/services/gemini/files"
	geminillm "docvoice/services/gemini/llm"
)

// DocumentsConfig configures the store uploaded documents are ingested into.
type DocumentsConfig struct {
	APIKey  string       `json:"api_key,omitempty"`
	BaseURL string       `json:"base_url,omitempty"`
	Files   files.Config `json:"files"`
}

var ErrNoDocumentStore = errors.New("DocumentsConfig: no provider config specified")

// DocumentStore ingests uploads and releases them when they are replaced.
type DocumentStore interface {
	Ingest(ctx context.Context, filename, mimeType string, r io.Reader) (files.Document, error)
	Release(ctx context.Context, name string) error
}

// BuildDocumentStore connects the Gemini file store.
func BuildDocumentStore(ctx context.Context, config DocumentsConfig, logger *core.Logger) (DocumentStore, error) {
	if config.APIKey == "" {
		return nil, ErrNoDocumentStore
	}
	client, err := geminillm.NewClient(ctx, config.APIKey, config.BaseURL)
	if err != nil {
		return nil, err
	}
	return files.NewIngestor(client, config.Files, logger), nil
}
