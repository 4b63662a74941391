package stt

import "docvoice/core"

type STTConfig struct {
	RequiredSampleRate  int                      `json:"sample_rate"` // Sample rate the recognizer expects, in Hz.
	RequiredChannels    int                      `json:"channels"`
	RequiredAudioFormat core.AudioEncodingFormat `json:"-"`           // Encoding the recognizer expects on the wire.
	ResultBuffer        int                      `json:"result_buffer"`
}

func DefaultConfig() STTConfig {
	return STTConfig{
		RequiredSampleRate:  16000,
		RequiredChannels:    1,
		RequiredAudioFormat: core.PCM,
		ResultBuffer:        16,
	}
}
