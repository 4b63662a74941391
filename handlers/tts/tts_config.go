package tts

type TTSConfig struct {
	BreakWords    []string `json:"break_words"`     // Punctuation that lets buffered text be spoken before the turn completes.
	MinTextLength int      `json:"min_text_length"` // Shortest buffered prefix spoken early; shorter text waits for the next break.
	MaxTextLength int      `json:"max_text_length"` // Longer utterances are truncated before synthesis.
	AudioBuffer   int      `json:"audio_buffer"`
}

// DefaultConfig returns a TTSConfig with sensible defaults.
func DefaultConfig() TTSConfig {
	return TTSConfig{
		BreakWords:    []string{".", "!", "?", ";", ":", "\n"},
		MinTextLength: 20,
		MaxTextLength: 3000,
		AudioBuffer:   16,
	}
}
