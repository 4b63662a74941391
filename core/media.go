package core

import "time"

type AudioEncodingFormat int

const (
	PCM  AudioEncodingFormat = iota // Signed 16-bit little-endian PCM.
	ULAW                            // G.711 µ-law, one byte per sample.
	ALAW                            // G.711 A-law, one byte per sample.
)

func (f AudioEncodingFormat) String() string {
	switch f {
	case PCM:
		return "pcm16"
	case ULAW:
		return "ulaw"
	case ALAW:
		return "alaw"
	default:
		return "unknown"
	}
}

// BytesPerSample is the width of one sample of one channel.
func (f AudioEncodingFormat) BytesPerSample() int {
	if f == PCM {
		return 2
	}
	return 1
}

type AudioChunk struct {
	Data       []byte              // Raw audio data.
	SampleRate int                 // Sample rate of the audio data.
	Channels   int                 // Number of interleaved channels.
	Format     AudioEncodingFormat // Encoding format of the audio data.
	Timestamp  time.Time           // Capture or synthesis time.
}

// Duration returns the playback length of the chunk.
func (ac AudioChunk) Duration() time.Duration {
	if ac.SampleRate == 0 || ac.Channels == 0 {
		return 0
	}
	frames := len(ac.Data) / (ac.Format.BytesPerSample() * ac.Channels)
	return time.Duration(frames) * time.Second / time.Duration(ac.SampleRate)
}
