package files

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"docvoice/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

type fakeStore struct {
	mu        sync.Mutex
	uploaded  []byte
	config    *genai.UploadFileConfig
	states    []genai.FileState
	deleted   []string
	uploadErr error
}

func (f *fakeStore) Upload(ctx context.Context, r io.Reader, config *genai.UploadFileConfig) (*genai.File, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	f.uploaded = data
	f.config = config
	return f.next(), nil
}

func (f *fakeStore) Get(ctx context.Context, name string, config *genai.GetFileConfig) (*genai.File, error) {
	return f.next(), nil
}

func (f *fakeStore) Delete(ctx context.Context, name string, config *genai.DeleteFileConfig) (*genai.DeleteFileResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return &genai.DeleteFileResponse{}, nil
}

func (f *fakeStore) next() *genai.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := genai.FileStateActive
	if len(f.states) > 0 {
		state, f.states = f.states[0], f.states[1:]
	}
	return &genai.File{Name: "files/abc", URI: "https://generativelanguage.googleapis.com/v1beta/files/abc", MIMEType: "application/pdf", State: state}
}

func fastConfig() Config {
	return Config{PollInterval: time.Millisecond, ReadyTimeout: time.Second}
}

func TestIngestWaitsForActiveFile(t *testing.T) {
	store := &fakeStore{states: []genai.FileState{genai.FileStateProcessing, genai.FileStateProcessing, genai.FileStateActive}}
	ing := newIngestor(store, fastConfig(), core.NewNopLogger())

	doc, err := ing.Ingest(context.Background(), "dune.pdf", "application/pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "files/abc", doc.Name)
	assert.Equal(t, "dune.pdf", doc.Title)
	assert.Equal(t, "application/pdf", doc.MIMEType)
	assert.Equal(t, []byte("%PDF"), store.uploaded)
	assert.Equal(t, "dune.pdf", store.config.DisplayName)
}

func TestIngestDiscardsFailedProcessing(t *testing.T) {
	store := &fakeStore{states: []genai.FileState{genai.FileStateFailed}}
	ing := newIngestor(store, fastConfig(), core.NewNopLogger())

	_, err := ing.Ingest(context.Background(), "bad.pdf", "application/pdf", strings.NewReader("x"))
	assert.Error(t, err)
	assert.Equal(t, []string{"files/abc"}, store.deleted)
}

func TestIngestSurfacesUploadError(t *testing.T) {
	ing := newIngestor(&fakeStore{uploadErr: errors.New("quota")}, fastConfig(), core.NewNopLogger())
	_, err := ing.Ingest(context.Background(), "a.txt", "text/plain", strings.NewReader("x"))
	assert.ErrorContains(t, err, "quota")
}

func TestRelease(t *testing.T) {
	store := &fakeStore{}
	ing := newIngestor(store, fastConfig(), core.NewNopLogger())
	require.NoError(t, ing.Release(context.Background(), "files/abc"))
	assert.Error(t, ing.Release(context.Background(), ""))
	assert.Equal(t, []string{"files/abc"}, store.deleted)
}
