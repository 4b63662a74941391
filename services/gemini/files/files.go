package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"docvoice/core"

	"google.golang.org/genai"
)

// Document is a file held by the Gemini file store.
type Document struct {
	Name     string // Store resource name, used to delete the file.
	URI      string // Reference passed to the model.
	MIMEType string
	Title    string
}

// fileStore is the part of genai.Files the ingestor uses.
type fileStore interface {
	Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error)
	Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error)
	Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error)
}

type Config struct {
	PollInterval time.Duration `json:"poll_interval"`
	ReadyTimeout time.Duration `json:"ready_timeout"` // How long a freshly uploaded file may stay in processing.
}

func DefaultConfig() Config {
	return Config{PollInterval: time.Second, ReadyTimeout: 2 * time.Minute}
}

// Ingestor uploads documents so the LLM can read them by reference.
type Ingestor struct {
	files  fileStore
	config Config
	logger *core.Logger
}

func NewIngestor(client *genai.Client, config Config, logger *core.Logger) *Ingestor {
	return newIngestor(client.Files, config, logger)
}

func newIngestor(files fileStore, config Config, logger *core.Logger) *Ingestor {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Ingestor{
		files:  files,
		config: config,
		logger: logger.With(map[string]interface{}{"service": "gemini-files"}),
	}
}

// Ingest uploads r and waits until the store reports the file as active.
func (i *Ingestor) Ingest(ctx context.Context, filename, mimeType string, r io.Reader) (Document, error) {
	file, err := i.files.Upload(ctx, r, &genai.UploadFileConfig{MIMEType: mimeType, DisplayName: filename})
	if err != nil {
		return Document{}, fmt.Errorf("gemini files: upload %s: %w", filename, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, i.config.ReadyTimeout)
	defer cancel()
	for file.State == genai.FileStateProcessing {
		select {
		case <-waitCtx.Done():
			i.discard(file.Name)
			return Document{}, fmt.Errorf("gemini files: %s still processing: %w", filename, waitCtx.Err())
		case <-time.After(i.config.PollInterval):
		}
		if file, err = i.files.Get(waitCtx, file.Name, nil); err != nil {
			return Document{}, fmt.Errorf("gemini files: poll %s: %w", filename, err)
		}
	}
	if file.State == genai.FileStateFailed {
		i.discard(file.Name)
		return Document{}, fmt.Errorf("gemini files: processing %s failed", filename)
	}

	i.logger.Info("document uploaded", "filename", filename, "name", file.Name)
	mime := file.MIMEType
	if mime == "" {
		mime = mimeType
	}
	return Document{Name: file.Name, URI: file.URI, MIMEType: mime, Title: filename}, nil
}

// Release deletes a previously ingested file. Unknown names are not an error
// for the caller; the store may already have expired them.
func (i *Ingestor) Release(ctx context.Context, name string) error {
	if name == "" {
		return errors.New("gemini files: empty file name")
	}
	if _, err := i.files.Delete(ctx, name, nil); err != nil {
		return fmt.Errorf("gemini files: delete %s: %w", name, err)
	}
	return nil
}

func (i *Ingestor) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := i.Release(ctx, name); err != nil {
		i.logger.Warn("could not discard failed upload", "error", err)
	}
}
