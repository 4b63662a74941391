package search

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"docvoice/core"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTavilySearchMapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var req searchRequest
		assert.NoError(t, sonic.Unmarshal(body, &req))
		assert.Equal(t, "go releases", req.Query)
		assert.Equal(t, 2, req.MaxResults)
		_, _ = w.Write([]byte(`{"results":[
			{"title":" Go 1.24 ","url":"https://go.dev/1.24","content":"Released in February.","score":0.9},
			{"title":"Go 1.23","url":"https://go.dev/1.23","content":"Iterators.","score":0.8},
			{"title":"Extra","url":"https://example.com","content":"x","score":0.1}
		]}`))
	}))
	defer srv.Close()

	s := NewTavilySearcher(Config{APIKey: "key", BaseURL: srv.URL}, nil, core.NewNopLogger())
	results, err := s.Search(context.Background(), "go releases", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Go 1.24", results[0].Title)
	assert.Equal(t, "Released in February.", results[0].Snippet)
	assert.Equal(t, "https://go.dev/1.23", results[1].URL)
}

func TestTavilyRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"results":[{"title":"ok","url":"u","content":"c"}]}`))
	}))
	defer srv.Close()

	s := NewTavilySearcher(Config{APIKey: "key", BaseURL: srv.URL, MaxRetries: 2, RetryDelay: time.Millisecond}, nil, core.NewNopLogger())
	results, err := s.Search(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTavilyDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid key"))
	}))
	defer srv.Close()

	s := NewTavilySearcher(Config{APIKey: "key", BaseURL: srv.URL, MaxRetries: 3, RetryDelay: time.Millisecond}, nil, core.NewNopLogger())
	_, err := s.Search(context.Background(), "q", 3)
	assert.ErrorContains(t, err, "invalid key")
	assert.Equal(t, int32(1), calls.Load())
}

func TestTavilyRequiresKey(t *testing.T) {
	_, err := NewTavilySearcher(Config{}, nil, nil).Search(context.Background(), "q", 3)
	assert.Error(t, err)
}
