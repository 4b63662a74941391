package factories

import (
	"errors"
	"net/http"

	"docvoice/core"
	ttsHandler "docvoice/handlers/tts"
	cambtts "docvoice/services/camb/tts"
)

// TTSFactoryConfig holds provider-specific configs for TTS service construction.
type TTSFactoryConfig struct {
	CambConfig *cambtts.Config `json:"camb,omitempty"`
}

var ErrNoTTSProvider = errors.New("TTSFactoryConfig: no provider config specified")

// BuildTTSService constructs a TTS service. voiceModel, when it names a
// known model, overrides the configured one for this call only.
func BuildTTSService(config TTSFactoryConfig, voiceModel string, client *http.Client, logger *core.Logger) (ttsHandler.TTSService, error) {
	if config.CambConfig != nil {
		cfg := *config.CambConfig
		if voiceModel != "" {
			if _, ok := cambtts.ModelSampleRates[voiceModel]; ok {
				cfg.Model = voiceModel
			} else {
				logger.Warn("unknown voice model, keeping configured one", "voice_model", voiceModel, "model", cfg.Model)
			}
		}
		return cambtts.NewCambTTSService(cfg, client, logger), nil
	}
	return nil, ErrNoTTSProvider
}

func (c TTSFactoryConfig) hasKey() bool {
	return c.CambConfig != nil && c.CambConfig.APIKey != ""
}

// SessionTTSConfig is the TTS part of a call pipeline.
type SessionTTSConfig struct {
	HandlerConfig ttsHandler.TTSConfig `json:"handler_config"`
	ServiceConfig TTSFactoryConfig     `json:"service_config"`
}

func (c SessionTTSConfig) BuildHandler(voiceModel string, client *http.Client, logger *core.Logger) (*ttsHandler.TTSHandler, error) {
	svc, err := BuildTTSService(c.ServiceConfig, voiceModel, client, logger)
	if err != nil {
		return nil, err
	}
	return ttsHandler.NewTTSHandler(svc, c.HandlerConfig), nil
}
