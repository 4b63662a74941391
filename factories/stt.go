package factories

import (
	"errors"

	"docvoice/core"
	sttHandler "docvoice/handlers/stt"
	deepgramstt "docvoice/services/deepgram/stt"
)

// STTFactoryConfig holds provider-specific configs for STT service construction.
type STTFactoryConfig struct {
	DeepgramConfig *deepgramstt.DeepgramConfig `json:"deepgram,omitempty"`
}

var ErrNoSTTProvider = errors.New("STTFactoryConfig: no provider config specified")

// BuildSTTService constructs a fresh STT service. Recognizer sessions are
// stateful, so every call gets its own.
func BuildSTTService(config STTFactoryConfig, logger *core.Logger) (sttHandler.ISTTService, error) {
	if config.DeepgramConfig != nil {
		cfg := *config.DeepgramConfig
		return deepgramstt.NewDeepgramSTTService(&cfg, logger), nil
	}
	return nil, ErrNoSTTProvider
}

func (c STTFactoryConfig) hasKey() bool {
	return c.DeepgramConfig != nil && c.DeepgramConfig.APIKey != ""
}

// SessionSTTConfig is the STT part of a call pipeline.
type SessionSTTConfig struct {
	HandlerConfig sttHandler.STTConfig `json:"handler_config"`
	ServiceConfig STTFactoryConfig     `json:"service_config"`
}

// BuildHandler builds the STT stage, aligning the handler's wire format
// with the recognizer's configured sample rate.
func (c SessionSTTConfig) BuildHandler(logger *core.Logger) (*sttHandler.STTHandler, error) {
	svc, err := BuildSTTService(c.ServiceConfig, logger)
	if err != nil {
		return nil, err
	}
	cfg := c.HandlerConfig
	if dg := c.ServiceConfig.DeepgramConfig; dg != nil && dg.SampleRate > 0 {
		cfg.RequiredSampleRate = dg.SampleRate
	}
	return sttHandler.NewSTTHandler(svc, cfg), nil
}
