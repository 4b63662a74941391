package factories

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"docvoice/connections"
	"docvoice/core"
	llmhandler "docvoice/handlers/llm"
	sttHandler "docvoice/handlers/stt"
	"docvoice/handlers/transport"
	ttsHandler "docvoice/handlers/tts"
	"docvoice/runner"
	cambtts "docvoice/services/camb/tts"
	deepgramstt "docvoice/services/deepgram/stt"
	"docvoice/services/gemini/files"
	geminillm "docvoice/services/gemini/llm"
	openaillm "docvoice/services/openai/llm"
	tavily "docvoice/services/tavily/search"
	"docvoice/supervisor"
	"docvoice/transports/daily"
	"docvoice/transports/webrtc"

	"github.com/bytedance/sonic"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeWebRTC = "webrtc"
	ModeDaily  = "daily"
)

// ServerConfig configures the HTTP surface and the process.
type ServerConfig struct {
	Port            int           `json:"port"`
	Mode            string        `json:"mode"` // webrtc or daily
	LogLevel        string        `json:"log_level"`
	MaxUploadBytes  int64         `json:"max_upload_bytes"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// SettingsConfig is the top-level config loaded from a settings file.
// Durations are integer nanoseconds in both JSON and YAML.
type SettingsConfig struct {
	Server     ServerConfig            `json:"server"`
	ICEServers []connections.ICEServer `json:"ice_servers"`
	Supervisor supervisor.Config       `json:"supervisor"`
	Runner     runner.Config           `json:"runner"`
	Session    SessionConfig           `json:"session"`
	Documents  DocumentsConfig         `json:"documents"`
	WebRTC     webrtc.Config           `json:"webrtc"`
	Daily      daily.Config            `json:"daily"`
}

// DefaultSettingsConfig returns the stack the agent ships with: Deepgram,
// Gemini, Camb.ai and Tavily, keyed from the environment.
func DefaultSettingsConfig() SettingsConfig {
	gemini := geminillm.DefaultConfig()
	camb := cambtts.DefaultConfig()
	search := DefaultSearchFactoryConfig()
	searchCfg := tavily.DefaultConfig()
	search.TavilyConfig = &searchCfg

	return SettingsConfig{
		Server: ServerConfig{
			Port:            7860,
			Mode:            ModeWebRTC,
			LogLevel:        "info",
			MaxUploadBytes:  50 << 20,
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		ICEServers: []connections.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		Supervisor: supervisor.Config{
			GracePeriod:  supervisor.DefaultConfig().GracePeriod,
			StatusBuffer: supervisor.DefaultConfig().StatusBuffer,
		},
		Runner: runner.DefaultConfig(),
		Session: SessionConfig{
			Transport: transport.DefaultConfig(),
			STT: SessionSTTConfig{
				HandlerConfig: sttHandler.DefaultConfig(),
				ServiceConfig: STTFactoryConfig{DeepgramConfig: deepgramstt.DefaultConfig()},
			},
			LLM: SessionLLMConfig{
				HandlerConfig: llmhandler.DefaultConfig(),
				ServiceConfig: LLMFactoryConfig{GeminiConfig: &gemini},
			},
			TTS: SessionTTSConfig{
				HandlerConfig: ttsHandler.DefaultConfig(),
				ServiceConfig: TTSFactoryConfig{CambConfig: &camb},
			},
			Search:             search,
			AllowInterruptions: true,
		},
		Documents: DocumentsConfig{Files: files.DefaultConfig()},
		WebRTC:    webrtc.DefaultConfig(),
		Daily:     daily.DefaultConfig(),
	}
}

// SettingsConfigFromJSON overlays a JSON blob on the defaults. Setting a
// provider key to null removes that provider.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromYAML accepts the same document as JSON, written in YAML.
func SettingsConfigFromYAML(data []byte) (SettingsConfig, error) {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	if doc == nil {
		return DefaultSettingsConfig(), nil
	}
	asJSON, err := sonic.Marshal(doc)
	if err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	return SettingsConfigFromJSON(asJSON)
}

// SettingsConfigFromFile picks the decoder from the file extension.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return SettingsConfigFromYAML(data)
	default:
		return SettingsConfigFromJSON(data)
	}
}

// LoadEnvFiles loads the first of the given dotenv files that exist.
// Variables already set in the process win.
func LoadEnvFiles(logger *core.Logger, names ...string) {
	for _, name := range names {
		if err := godotenv.Load(name); err == nil {
			logger.Info("loaded environment file", "file", name)
			return
		}
	}
	logger.Debug("no environment file loaded", "candidates", names)
}

// LoadSettings resolves settings from, in order: SETTINGS_JSON_B64, the
// given path (or SETTINGS_FILE), then the built-in defaults. Keys and PORT
// come from the environment; overrides run last, before validation.
func LoadSettings(path string, getenv func(string) string, overrides ...func(*SettingsConfig)) (SettingsConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if path == "" {
		path = getenv("SETTINGS_FILE")
	}

	var (
		cfg SettingsConfig
		err error
	)
	switch {
	case getenv("SETTINGS_JSON_B64") != "":
		data, decErr := base64.StdEncoding.DecodeString(getenv("SETTINGS_JSON_B64"))
		if decErr != nil {
			return SettingsConfig{}, fmt.Errorf("settings: decode SETTINGS_JSON_B64: %w", decErr)
		}
		cfg, err = SettingsConfigFromJSON(data)
	case path != "":
		cfg, err = SettingsConfigFromFile(path)
	default:
		cfg = DefaultSettingsConfig()
	}
	if err != nil {
		return SettingsConfig{}, err
	}

	cfg.InjectEnv(getenv)
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Resolve(); err != nil {
		return SettingsConfig{}, err
	}
	return cfg, nil
}

// InjectEnv fills provider credentials that the settings left empty.
func (c *SettingsConfig) InjectEnv(getenv func(string) string) {
	if port := getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil && n > 0 {
			c.Server.Port = n
		}
	}

	if key := getenv("DEEPGRAM_API_KEY"); key != "" {
		if c.Session.STT.ServiceConfig.DeepgramConfig == nil {
			c.Session.STT.ServiceConfig.DeepgramConfig = deepgramstt.DefaultConfig()
		}
		fillKey(&c.Session.STT.ServiceConfig.DeepgramConfig.APIKey, key)
	}

	llm := &c.Session.LLM.ServiceConfig
	google, openai := getenv("GOOGLE_API_KEY"), getenv("OPENAI_API_KEY")
	if llm.GeminiConfig != nil {
		fillKey(&llm.GeminiConfig.APIKey, google)
		if llm.GeminiConfig.APIKey == "" && openai != "" {
			// No Gemini credentials: fall back to OpenAI rather than fail.
			llm.GeminiConfig = nil
			if llm.OpenAIConfig == nil {
				llm.OpenAIConfig = &openaillm.Config{}
			}
		}
	}
	if llm.OpenAIConfig != nil {
		fillKey(&llm.OpenAIConfig.APIKey, openai)
	}
	for i := range c.Session.LLM.Fallbacks {
		fb := &c.Session.LLM.Fallbacks[i]
		if fb.GeminiConfig != nil {
			fillKey(&fb.GeminiConfig.APIKey, google)
		}
		if fb.OpenAIConfig != nil {
			fillKey(&fb.OpenAIConfig.APIKey, openai)
		}
	}
	fillKey(&c.Documents.APIKey, google)

	if key := getenv("CAMB_API_KEY"); key != "" {
		if c.Session.TTS.ServiceConfig.CambConfig == nil {
			camb := cambtts.DefaultConfig()
			c.Session.TTS.ServiceConfig.CambConfig = &camb
		}
		fillKey(&c.Session.TTS.ServiceConfig.CambConfig.APIKey, key)
	}

	if key := getenv("TAVILY_API_KEY"); key != "" {
		if c.Session.Search.TavilyConfig == nil {
			search := tavily.DefaultConfig()
			c.Session.Search.TavilyConfig = &search
		}
		fillKey(&c.Session.Search.TavilyConfig.APIKey, key)
	}

	fillKey(&c.Daily.APIKey, getenv("DAILY_API_KEY"))
}

func fillKey(dst *string, key string) {
	if *dst == "" {
		*dst = key
	}
}

// Resolve validates the settings and derives values that depend on others.
func (c *SettingsConfig) Resolve() error {
	c.Server.Mode = strings.ToLower(strings.TrimSpace(c.Server.Mode))
	if c.Server.Mode == "" {
		c.Server.Mode = ModeWebRTC
	}
	if c.Server.Mode != ModeWebRTC && c.Server.Mode != ModeDaily {
		return fmt.Errorf("settings: unknown mode %q", c.Server.Mode)
	}
	if _, err := core.ParseLogLevel(c.Server.LogLevel); err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	switch c.Supervisor.SessionPolicy {
	case "":
		c.Supervisor.SessionPolicy = supervisor.PolicyForMode(c.Server.Mode)
	case supervisor.PolicyEndWithCall, supervisor.PolicyKeepForReconnect:
	default:
		return fmt.Errorf("settings: unknown session policy %q", c.Supervisor.SessionPolicy)
	}

	defaults := runner.DefaultConfig()
	if c.Runner.ChannelCapacity <= 0 {
		c.Runner.ChannelCapacity = defaults.ChannelCapacity
	}
	if c.Runner.TopCapacity <= 0 {
		c.Runner.TopCapacity = defaults.TopCapacity
	}
	c.Supervisor.Runner = c.Runner

	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultSettingsConfig().Server.MaxUploadBytes
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultSettingsConfig().Server.ShutdownTimeout
	}
	return nil
}

// Summary lists the resolved choices for the startup log. It never
// includes credentials.
func (c SettingsConfig) Summary() map[string]interface{} {
	llm := "none"
	switch {
	case c.Session.LLM.ServiceConfig.GeminiConfig != nil:
		llm = "gemini"
	case c.Session.LLM.ServiceConfig.OpenAIConfig != nil:
		llm = "openai"
	}
	return map[string]interface{}{
		"mode":           c.Server.Mode,
		"port":           c.Server.Port,
		"session_policy": string(c.Supervisor.SessionPolicy),
		"llm":            llm,
		"search":         c.Session.Search.TavilyConfig != nil && c.Session.Search.TavilyConfig.APIKey != "",
		"documents":      c.Documents.APIKey != "",
	}
}
