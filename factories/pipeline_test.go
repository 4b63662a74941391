package factories

import (
	"context"
	"testing"

	"docvoice/core"
	"docvoice/events/status"
	transportevents "docvoice/events/transport"
	llmhandler "docvoice/handlers/llm"
	cambtts "docvoice/services/camb/tts"
	openaillm "docvoice/services/openai/llm"
	"docvoice/sessions"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTransport struct{}

func (stubTransport) ID() string   { return "conn-1" }
func (stubTransport) Kind() string { return "stub" }
func (stubTransport) ReceiveAudio(ctx context.Context, _ chan<- core.AudioChunk) error {
	<-ctx.Done()
	return ctx.Err()
}
func (stubTransport) SendAudio(context.Context, core.AudioChunk) error { return nil }
func (stubTransport) SendStatus(status.StatusUpdateEvent) error       { return nil }
func (stubTransport) Lifecycle() <-chan transportevents.LifecycleEvent {
	return nil
}
func (stubTransport) Close() error { return nil }

func keyedSettings(t *testing.T) SettingsConfig {
	t.Helper()
	cfg, err := LoadSettings("", envFrom(map[string]string{
		"DEEPGRAM_API_KEY": "dg",
		"GOOGLE_API_KEY":   "g",
		"CAMB_API_KEY":     "camb",
	}))
	require.NoError(t, err)
	return cfg
}

func TestPipelineBuilderOrder(t *testing.T) {
	b := NewPipelineBuilder(keyedSettings(t).Session, nil)
	require.NoError(t, b.Ready())

	handlers, err := b.Build(context.Background(), sessions.Session{ID: "s1"}, stubTransport{}, status.SinkFunc(func(status.StatusUpdateEvent) {}))
	require.NoError(t, err)

	names := make([]string, len(handlers))
	for i, h := range handlers {
		names[i] = h.Name()
	}
	assert.Equal(t, []string{
		"transport-in",
		"stt",
		"progress:stt",
		"user-aggregator",
		"llm",
		"progress:llm",
		"tts",
		"progress:tts",
		"transport-out",
		"assistant-aggregator",
	}, names)
}

func TestPipelineBuilderReportsMissingProviders(t *testing.T) {
	cfg := DefaultSettingsConfig()
	cfg.Session.LLM.ServiceConfig = LLMFactoryConfig{}
	b := NewPipelineBuilder(cfg.Session, nil)

	err := b.Ready()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoLLMProvider)
	assert.ErrorIs(t, err, ErrNoSTTProvider)

	_, err = b.Build(context.Background(), sessions.Session{ID: "s1"}, stubTransport{}, status.SinkFunc(func(status.StatusUpdateEvent) {}))
	assert.ErrorIs(t, err, ErrNoLLMProvider)
}

func TestBuildTTSServiceVoiceModel(t *testing.T) {
	camb := cambtts.DefaultConfig()
	camb.APIKey = "k"
	cfg := TTSFactoryConfig{CambConfig: &camb}

	svc, err := BuildTTSService(cfg, "mars-instruct", nil, core.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 22050, svc.SampleRate())

	svc, err = BuildTTSService(cfg, "not-a-model", nil, core.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 48000, svc.SampleRate())
	assert.Equal(t, cambtts.DefaultModel, camb.Model, "override must not leak into shared config")
}

func TestBuildLLMServiceSelection(t *testing.T) {
	openaiConfig := openaillm.Config{APIKey: "k"}
	_, err := BuildLLMService(LLMFactoryConfig{}, core.NewNopLogger())
	assert.ErrorIs(t, err, ErrNoLLMProvider)

	tests := []struct {
		name   string
		config LLMFactoryConfig
	}{
		{"groq", LLMFactoryConfig{GroqConfig: &openaiConfig}},
		{"openrouter", LLMFactoryConfig{OpenRouterConfig: &openaiConfig}},
		{"together", LLMFactoryConfig{TogetherConfig: &openaiConfig}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := BuildLLMService(tt.config, core.NewNopLogger())
			require.NoError(t, err)
			assert.Implements(t, (*llmhandler.LLMService)(nil), svc)
		})
	}
}

func TestBuildSearchToolsNeedsKey(t *testing.T) {
	assert.Empty(t, BuildSearchTools(DefaultSearchFactoryConfig(), nil, core.NewNopLogger()))

	cfg := keyedSettings(t)
	cfg.Session.Search.TavilyConfig.APIKey = "tv"
	tools := BuildSearchTools(cfg.Session.Search, nil, core.NewNopLogger())
	require.Len(t, tools, 1)
	assert.Equal(t, llmhandler.SearchWebToolName, tools[0].Definition.Name)
}

func TestDocumentPart(t *testing.T) {
	assert.Nil(t, documentPart(nil))
	assert.Nil(t, documentPart(&sessions.DocumentRef{Title: "x"}))
	part := documentPart(&sessions.DocumentRef{URI: "files/1", MIMEType: "application/pdf", Title: "a.pdf"})
	require.NotNil(t, part)
	assert.Equal(t, "a.pdf", part.Title)
}
