package tts

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"docvoice/core"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cambServer(t *testing.T, status int, audio []byte, captured *ttsRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tts-stream", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(body, captured))
		w.WriteHeader(status)
		_, _ = w.Write(audio)
	}))
}

func synthesize(t *testing.T, svc *CambTTSService, text string) ([]byte, error) {
	t.Helper()
	out := make(chan []byte, 64)
	err := svc.Synthesize(context.Background(), text, out)
	close(out)
	var audio []byte
	for chunk := range out {
		audio = append(audio, chunk...)
	}
	return audio, err
}

func TestCambStreamsAudio(t *testing.T) {
	var req ttsRequest
	pcm := []byte{1, 2, 3, 4, 5, 6, 7}
	srv := cambServer(t, http.StatusOK, pcm, &req)
	defer srv.Close()

	svc := NewCambTTSService(Config{APIKey: "key", BaseURL: srv.URL, ReadSize: 3}, nil, core.NewNopLogger())
	require.NoError(t, svc.Init(context.Background()))

	audio, err := synthesize(t, svc, "Hello there.")
	require.NoError(t, err)
	assert.Equal(t, pcm, audio)

	assert.Equal(t, "Hello there.", req.Text)
	assert.Equal(t, DefaultVoiceID, req.VoiceID)
	assert.Equal(t, "en-us", req.Language)
	assert.Equal(t, "mars-flash", req.SpeechModel)
	assert.Equal(t, "pcm_s16le", req.OutputConfiguration.Format)
	assert.Empty(t, req.UserInstructions)
	assert.Equal(t, 48000, svc.SampleRate())
}

func TestCambInstructionsOnlyForInstructModel(t *testing.T) {
	var req ttsRequest
	srv := cambServer(t, http.StatusOK, nil, &req)
	defer srv.Close()

	svc := NewCambTTSService(Config{APIKey: "key", BaseURL: srv.URL, Model: "mars-instruct", UserInstructions: "calm"}, nil, core.NewNopLogger())
	_, err := synthesize(t, svc, "hi")
	require.NoError(t, err)
	assert.Equal(t, "calm", req.UserInstructions)
	assert.Equal(t, 22050, svc.SampleRate())

	svc = NewCambTTSService(Config{APIKey: "key", BaseURL: srv.URL, Model: "mars-pro", UserInstructions: "calm"}, nil, core.NewNopLogger())
	_, err = synthesize(t, svc, "hi")
	require.NoError(t, err)
	assert.Empty(t, req.UserInstructions)
}

func TestCambReportsHTTPError(t *testing.T) {
	var req ttsRequest
	srv := cambServer(t, http.StatusUnauthorized, []byte("bad key"), &req)
	defer srv.Close()

	svc := NewCambTTSService(Config{APIKey: "key", BaseURL: srv.URL}, nil, core.NewNopLogger())
	_, err := synthesize(t, svc, "hi")
	assert.ErrorContains(t, err, "status 401")
	assert.ErrorContains(t, err, "bad key")
}

func TestCambInitValidates(t *testing.T) {
	assert.Error(t, NewCambTTSService(Config{}, nil, nil).Init(context.Background()))
	assert.Error(t, NewCambTTSService(Config{APIKey: "k", Model: "mars-unknown"}, nil, nil).Init(context.Background()))
}

func TestCambTimesOutStalledStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{1, 2})
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	// A shared client has no timeout of its own.
	svc := NewCambTTSService(Config{APIKey: "key", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, &http.Client{}, core.NewNopLogger())
	start := time.Now()
	audio, err := synthesize(t, svc, "hi")
	assert.ErrorContains(t, err, "no audio within 50ms")
	assert.Equal(t, []byte{1, 2}, audio)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCambTimesOutStalledResponse(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	svc := NewCambTTSService(Config{APIKey: "key", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, &http.Client{}, core.NewNopLogger())
	_, err := synthesize(t, svc, "hi")
	assert.ErrorContains(t, err, "no audio within")
}
