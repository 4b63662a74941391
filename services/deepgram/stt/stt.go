package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"docvoice/core"
	sttHandler "docvoice/handlers/stt"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// DeepgramSTTService streams linear16 audio to Deepgram's live endpoint.
type DeepgramSTTService struct {
	config *DeepgramConfig
	logger *core.Logger
	dialer *websocket.Dialer

	conn   *websocket.Conn
	connMu sync.Mutex

	results chan<- sttHandler.Transcript
	errs    chan<- error
}

// DeepgramConfig holds configuration options for Deepgram STT
type DeepgramConfig struct {
	APIKey         string        `json:"api_key"`
	BaseURL        string        `json:"base_url"`
	Model          string        `json:"model"`
	Language       string        `json:"language"`
	InterimResults bool          `json:"interim_results"`
	Punctuate      bool          `json:"punctuate"`
	SmartFormat    bool          `json:"smart_format"`
	Endpointing    int           `json:"endpointing"`      // Silence in ms that closes an utterance; 0 keeps Deepgram's default.
	UtteranceEndMs int           `json:"utterance_end_ms"` // Requires interim results.
	Keyterms       []string      `json:"keyterms"`
	SampleRate     int           `json:"sample_rate"`
	MaxReconnects  int           `json:"max_reconnects"` // Consecutive failed connects before the session is reported dead.
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	KeepAlive      time.Duration `json:"keep_alive"`
}

// DefaultConfig returns a default configuration for Deepgram STT
func DefaultConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:        "wss://api.deepgram.com",
		Model:          "nova-2",
		Language:       "en-US",
		InterimResults: true,
		Punctuate:      true,
		SmartFormat:    true,
		Endpointing:    300,
		UtteranceEndMs: 1000,
		SampleRate:     16000,
		MaxReconnects:  3,
		ReconnectDelay: time.Second,
		KeepAlive:      8 * time.Second,
	}
}

func NewDeepgramSTTService(config *DeepgramConfig, logger *core.Logger) *DeepgramSTTService {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.SampleRate <= 0 {
		config.SampleRate = defaults.SampleRate
	}
	if config.MaxReconnects <= 0 {
		config.MaxReconnects = defaults.MaxReconnects
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DeepgramSTTService{
		config: config,
		logger: logger.With(map[string]interface{}{"service": "deepgram-stt"}),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

func (d *DeepgramSTTService) Init(ctx context.Context) error {
	if d.config.APIKey == "" {
		return errors.New("deepgram: API key is required")
	}
	return nil
}

func (d *DeepgramSTTService) Cleanup() error {
	d.closeConnection()
	return nil
}

// StartTranscriptionSession connects in the background and keeps the stream
// open, reconnecting on failures, until ctx ends.
func (d *DeepgramSTTService) StartTranscriptionSession(
	ctx context.Context,
	results chan<- sttHandler.Transcript,
	errs chan<- error,
) error {
	d.results = results
	d.errs = errs
	go d.runSession(ctx)
	return nil
}

// SendTranscriptionAudio writes one binary frame. Audio sent while the
// stream is reconnecting is dropped.
func (d *DeepgramSTTService) SendTranscriptionAudio(audioData []byte) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.conn == nil {
		return nil
	}
	if err := d.conn.WriteMessage(websocket.BinaryMessage, audioData); err != nil {
		d.logger.Warn("audio write failed, reconnecting", "error", err)
		_ = d.conn.Close()
		d.conn = nil
	}
	return nil
}

func (d *DeepgramSTTService) runSession(ctx context.Context) {
	failures := 0
	for ctx.Err() == nil {
		connected, err := d.connectAndListen(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
		}
		failures++
		d.logger.Warn("deepgram stream ended", "error", err, "attempt", failures)
		if failures > d.config.MaxReconnects {
			select {
			case d.errs <- fmt.Errorf("deepgram: session error: %w", err):
			default:
			}
			return
		}
		select {
		case <-time.After(d.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (d *DeepgramSTTService) connectAndListen(ctx context.Context) (bool, error) {
	wsURL, err := d.buildWebSocketURL()
	if err != nil {
		return false, fmt.Errorf("build url: %w", err)
	}
	headers := http.Header{"Authorization": {"Token " + d.config.APIKey}}

	conn, _, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	d.connMu.Lock()
	d.conn = conn
	d.connMu.Unlock()
	defer d.closeConnection()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			d.closeConnection()
		case <-stop:
		}
	}()
	go d.keepAlive(stop)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := d.handleMessage(ctx, message); err != nil {
			d.logger.Debug("ignoring deepgram message", "error", err)
		}
	}
}

func (d *DeepgramSTTService) buildWebSocketURL() (string, error) {
	base, err := url.Parse(d.config.BaseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := base.Query()
	if d.config.Model != "" {
		q.Set("model", d.config.Model)
	}
	if d.config.Language != "" {
		q.Set("language", d.config.Language)
	}
	q.Set("interim_results", strconv.FormatBool(d.config.InterimResults))
	q.Set("punctuate", strconv.FormatBool(d.config.Punctuate))
	q.Set("smart_format", strconv.FormatBool(d.config.SmartFormat))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", "1")
	if d.config.Endpointing > 0 {
		q.Set("endpointing", strconv.Itoa(d.config.Endpointing))
	}
	if d.config.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(d.config.UtteranceEndMs))
	}
	for _, keyterm := range d.config.Keyterms {
		q.Add("keyterm", keyterm)
	}

	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (d *DeepgramSTTService) handleMessage(ctx context.Context, message []byte) error {
	var base struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(message, &base); err != nil {
		return fmt.Errorf("parse message type: %w", err)
	}

	switch base.Type {
	case "Results":
		var result ListenV1Results
		if err := sonic.Unmarshal(message, &result); err != nil {
			return fmt.Errorf("parse results: %w", err)
		}
		d.processResults(ctx, result)
	case "UtteranceEnd":
		// Word-gap fallback for when endpointing never marks speech_final.
		d.deliver(ctx, sttHandler.Transcript{EndOfUtterance: true})
	case "Metadata", "SpeechStarted":
	default:
		return fmt.Errorf("unknown message type: %s", base.Type)
	}
	return nil
}

func (d *DeepgramSTTService) processResults(ctx context.Context, result ListenV1Results) {
	var transcript string
	if len(result.Channel.Alternatives) > 0 {
		transcript = result.Channel.Alternatives[0].Transcript
	}
	// is_final closes a segment; speech_final closes the utterance.
	end := result.SpeechFinal || result.FromFinalize
	if transcript == "" && !end {
		return
	}

	final := result.IsFinal || end
	if final && transcript != "" {
		d.logger.Debug("final transcript", "text", transcript, "end_of_utterance", end)
	}
	d.deliver(ctx, sttHandler.Transcript{Text: transcript, IsFinal: final, EndOfUtterance: end})
}

func (d *DeepgramSTTService) deliver(ctx context.Context, t sttHandler.Transcript) {
	select {
	case d.results <- t:
	case <-ctx.Done():
	}
}

func (d *DeepgramSTTService) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(d.config.KeepAlive)
	defer ticker.Stop()

	msg, _ := sonic.Marshal(ListenV1Control{Type: "KeepAlive"})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.connMu.Lock()
			if d.conn != nil {
				_ = d.conn.WriteMessage(websocket.TextMessage, msg)
			}
			d.connMu.Unlock()
		}
	}
}

func (d *DeepgramSTTService) closeConnection() {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.conn != nil {
		if msg, err := sonic.Marshal(ListenV1Control{Type: "CloseStream"}); err == nil {
			_ = d.conn.WriteMessage(websocket.TextMessage, msg)
		}
		_ = d.conn.Close()
		d.conn = nil
	}
}

type ListenV1Results struct {
	Type         string  `json:"type"`
	Duration     float64 `json:"duration"`
	Start        float64 `json:"start"`
	IsFinal      bool    `json:"is_final"`
	SpeechFinal  bool    `json:"speech_final"`
	FromFinalize bool    `json:"from_finalize,omitempty"`
	Channel      struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// ListenV1Control covers KeepAlive, CloseStream and Finalize.
type ListenV1Control struct {
	Type string `json:"type"`
}
