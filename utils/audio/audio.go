package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"docvoice/core"

	resampling "github.com/tphakala/go-audio-resampling"
	"github.com/zaf/g711"
)

// PCMBytesToULaw converts little-endian 16-bit PCM to µ-law.
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts µ-law bytes to little-endian 16-bit PCM.
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// PCMBytesToALaw converts little-endian 16-bit PCM to A-law.
func PCMBytesToALaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeAlaw(pcm), nil
}

// ALawBytesToPCM converts A-law bytes to little-endian 16-bit PCM.
func ALawBytesToPCM(aBytes []byte) []byte {
	return g711.DecodeAlaw(aBytes)
}

// StereoToMono averages interleaved left/right 16-bit samples.
func StereoToMono(stereoPCM []byte) []byte {
	frames := len(stereoPCM) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		left := int16(binary.LittleEndian.Uint16(stereoPCM[i*4:]))
		right := int16(binary.LittleEndian.Uint16(stereoPCM[i*4+2:]))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((int(left)+int(right))/2)))
	}
	return out
}

// MonoToStereo duplicates each 16-bit sample into both channels.
func MonoToStereo(monoPCM []byte) []byte {
	samples := len(monoPCM) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		copy(out[i*4:i*4+2], monoPCM[i*2:i*2+2])
		copy(out[i*4+2:i*4+4], monoPCM[i*2:i*2+2])
	}
	return out
}

func toPCM(chunk core.AudioChunk) ([]byte, error) {
	switch chunk.Format {
	case core.PCM:
		return chunk.Data, nil
	case core.ULAW:
		return ULawBytesToPCM(chunk.Data), nil
	case core.ALAW:
		return ALawBytesToPCM(chunk.Data), nil
	default:
		return nil, fmt.Errorf("audio: unsupported source format %s", chunk.Format)
	}
}

func fromPCM(pcm []byte, format core.AudioEncodingFormat) ([]byte, error) {
	switch format {
	case core.PCM:
		return pcm, nil
	case core.ULAW:
		return PCMBytesToULaw(pcm)
	case core.ALAW:
		return PCMBytesToALaw(pcm)
	default:
		return nil, fmt.Errorf("audio: unsupported target format %s", format)
	}
}

func convertChannels(pcm []byte, from, to int) ([]byte, error) {
	switch {
	case from == to:
		return pcm, nil
	case from == 2 && to == 1:
		return StereoToMono(pcm), nil
	case from == 1 && to == 2:
		return MonoToStereo(pcm), nil
	default:
		return nil, fmt.Errorf("audio: unsupported channel conversion %d -> %d", from, to)
	}
}

func pcmToFloat(pcm []byte) []float64 {
	out := make([]float64, len(pcm)/2)
	for i := range out {
		out[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

func floatToPCM(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := math.Round(s * 32767.0)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Converter turns a stream of chunks into a fixed target format. It keeps
// resampler state between chunks, so use one Converter per stream.
type Converter struct {
	targetFormat   core.AudioEncodingFormat
	targetChannels int
	targetRate     int

	resampler  resampling.Resampler
	sourceRate int
	aligner    *FrameAligner
}

func NewConverter(targetFormat core.AudioEncodingFormat, targetChannels, targetRate int) *Converter {
	return &Converter{
		targetFormat:   targetFormat,
		targetChannels: targetChannels,
		targetRate:     targetRate,
		aligner:        NewFrameAligner(DefaultSampleWidth),
	}
}

// Convert returns in re-encoded to the target format. The result may be
// empty while the resampler fills its window.
func (c *Converter) Convert(in core.AudioChunk) (core.AudioChunk, error) {
	if in.Format == c.targetFormat && in.Channels == c.targetChannels && in.SampleRate == c.targetRate {
		return in, nil
	}

	pcm, err := toPCM(in)
	if err != nil {
		return core.AudioChunk{}, err
	}
	pcm = c.aligner.Push(pcm)

	pcm, err = convertChannels(pcm, in.Channels, c.targetChannels)
	if err != nil {
		return core.AudioChunk{}, err
	}

	if in.SampleRate != c.targetRate && len(pcm) > 0 {
		if err := c.ensureResampler(in.SampleRate); err != nil {
			return core.AudioChunk{}, err
		}
		out, err := c.resampler.Process(pcmToFloat(pcm))
		if err != nil {
			return core.AudioChunk{}, fmt.Errorf("audio: resample %d -> %d: %w", in.SampleRate, c.targetRate, err)
		}
		pcm = floatToPCM(out)
	}

	data, err := fromPCM(pcm, c.targetFormat)
	if err != nil {
		return core.AudioChunk{}, err
	}
	return core.AudioChunk{
		Data:       data,
		SampleRate: c.targetRate,
		Channels:   c.targetChannels,
		Format:     c.targetFormat,
		Timestamp:  in.Timestamp,
	}, nil
}

func (c *Converter) ensureResampler(sourceRate int) error {
	if c.resampler != nil && c.sourceRate == sourceRate {
		return nil
	}
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(sourceRate),
		OutputRate: float64(c.targetRate),
		Channels:   c.targetChannels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return fmt.Errorf("audio: create resampler %d -> %d: %w", sourceRate, c.targetRate, err)
	}
	c.resampler = r
	c.sourceRate = sourceRate
	return nil
}

// ConvertAudioChunk converts a single, self-contained chunk.
func ConvertAudioChunk(
	input core.AudioChunk,
	targetFormat core.AudioEncodingFormat,
	targetChannels int,
	targetSampleRate int,
) (core.AudioChunk, error) {
	return NewConverter(targetFormat, targetChannels, targetSampleRate).Convert(input)
}
