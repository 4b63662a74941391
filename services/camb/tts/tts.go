package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"docvoice/core"

	"github.com/bytedance/sonic"
)

// ModelSampleRates lists the PCM rate each MARS model streams at.
var ModelSampleRates = map[string]int{
	"mars-flash":    48000,
	"mars-pro":      48000,
	"mars-instruct": 22050,
}

const (
	DefaultModel   = "mars-flash"
	DefaultVoiceID = 147320
)

type Config struct {
	APIKey           string        `json:"api_key"`
	BaseURL          string        `json:"base_url"`
	Model            string        `json:"model"`
	VoiceID          int           `json:"voice_id"`
	Language         string        `json:"language"`
	UserInstructions string        `json:"user_instructions"` // Only sent to mars-instruct.
	Timeout          time.Duration `json:"timeout"` // Longest wait for the response or for the next audio bytes.
	ReadSize         int           `json:"read_size"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:  "https://client.camb.ai/apis",
		Model:    DefaultModel,
		VoiceID:  DefaultVoiceID,
		Language: "en-us",
		Timeout:  60 * time.Second,
		ReadSize: 4096,
	}
}

// CambTTSService streams raw 16-bit PCM from Camb.ai MARS models.
type CambTTSService struct {
	config Config
	client *http.Client
	logger *core.Logger
}

// NewCambTTSService builds a service. client may be shared across calls to
// reuse connections; nil uses a dedicated client.
func NewCambTTSService(config Config, client *http.Client, logger *core.Logger) *CambTTSService {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.VoiceID == 0 {
		config.VoiceID = defaults.VoiceID
	}
	if config.Language == "" {
		config.Language = defaults.Language
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.ReadSize <= 0 {
		config.ReadSize = defaults.ReadSize
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &CambTTSService{
		config: config,
		client: client,
		logger: logger.With(map[string]interface{}{"service": "camb-tts", "model": config.Model}),
	}
}

func (c *CambTTSService) Init(ctx context.Context) error {
	if c.config.APIKey == "" {
		return errors.New("camb: API key is required")
	}
	if _, ok := ModelSampleRates[c.config.Model]; !ok {
		return fmt.Errorf("camb: unknown model %q", c.config.Model)
	}
	return nil
}

func (c *CambTTSService) Cleanup() error {
	return nil
}

func (c *CambTTSService) SampleRate() int {
	if rate, ok := ModelSampleRates[c.config.Model]; ok {
		return rate
	}
	return 48000
}

type outputConfiguration struct {
	Format string `json:"format"`
}

type ttsRequest struct {
	Text                string              `json:"text"`
	VoiceID             int                 `json:"voice_id"`
	Language            string              `json:"language"`
	SpeechModel         string              `json:"speech_model"`
	OutputConfiguration outputConfiguration `json:"output_configuration"`
	UserInstructions    string              `json:"user_instructions,omitempty"`
}

// Synthesize posts text and forwards the response body as it arrives.
// Reads stop when out is full, which slows the HTTP stream to playback pace.
func (c *CambTTSService) Synthesize(ctx context.Context, text string, out chan<- []byte) error {
	req := ttsRequest{
		Text:                text,
		VoiceID:             c.config.VoiceID,
		Language:            c.config.Language,
		SpeechModel:         c.config.Model,
		OutputConfiguration: outputConfiguration{Format: "pcm_s16le"},
	}
	if c.config.Model == "mars-instruct" {
		req.UserInstructions = c.config.UserInstructions
	}
	body, err := sonic.Marshal(req)
	if err != nil {
		return fmt.Errorf("camb: encode request: %w", err)
	}

	// The stream is read at playback pace, so the timeout bounds stalls
	// rather than the whole response. A shared client carries no timeout.
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	stall := time.AfterFunc(c.config.Timeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer stall.Stop()
	fail := func(format string, err error) error {
		if stalled.Load() && parent.Err() == nil {
			return fmt.Errorf("camb: no audio within %s: %w", c.config.Timeout, err)
		}
		return fmt.Errorf(format, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/tts-stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("camb: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)

	c.logger.Debug("generating speech", "chars", len(text))
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fail("camb: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("camb: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	for {
		buf := make([]byte, c.config.ReadSize)
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if !stall.Stop() {
				return fail("camb: read audio: %w", context.Canceled)
			}
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
			stall.Reset(c.config.Timeout)
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fail("camb: read audio: %w", readErr)
		}
	}
}
