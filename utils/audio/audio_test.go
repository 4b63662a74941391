package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"docvoice/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(rate int, freq float64, d float64) []byte {
	n := int(float64(rate) * d)
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func TestULawRoundTrip(t *testing.T) {
	pcm := sine(8000, 440, 0.02)
	ulaw, err := PCMBytesToULaw(pcm)
	require.NoError(t, err)
	assert.Len(t, ulaw, len(pcm)/2)

	back := ULawBytesToPCM(ulaw)
	require.Len(t, back, len(pcm))
	for i := 0; i < len(pcm)/2; i++ {
		orig := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		got := int16(binary.LittleEndian.Uint16(back[i*2:]))
		assert.InDelta(t, orig, got, 300)
	}
}

func TestPCMBytesToULawRejectsOddLength(t *testing.T) {
	_, err := PCMBytesToULaw([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestChannelConversion(t *testing.T) {
	stereo := []byte{
		0x10, 0x00, 0x30, 0x00, // L=16 R=48
		0x00, 0x01, 0x00, 0x01, // L=256 R=256
	}
	mono := StereoToMono(stereo)
	assert.Equal(t, []byte{0x20, 0x00, 0x00, 0x01}, mono)
	assert.Equal(t, []byte{0x20, 0x00, 0x20, 0x00, 0x00, 0x01, 0x00, 0x01}, MonoToStereo(mono))
}

func TestConverterPassthrough(t *testing.T) {
	in := core.AudioChunk{Data: []byte{1, 2}, SampleRate: 16000, Channels: 1, Format: core.PCM}
	out, err := NewConverter(core.PCM, 1, 16000).Convert(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestConverterEncodesULawWithoutResampling(t *testing.T) {
	pcm := sine(8000, 440, 0.02)
	out, err := ConvertAudioChunk(core.AudioChunk{Data: pcm, SampleRate: 8000, Channels: 1, Format: core.PCM}, core.ULAW, 1, 8000)
	require.NoError(t, err)
	assert.Equal(t, core.ULAW, out.Format)
	assert.Len(t, out.Data, len(pcm)/2)
}

func TestConverterDownsamples(t *testing.T) {
	c := NewConverter(core.PCM, 1, 8000)
	pcm := sine(48000, 440, 0.02)

	total := 0
	for i := 0; i < 50; i++ {
		out, err := c.Convert(core.AudioChunk{Data: pcm, SampleRate: 48000, Channels: 1, Format: core.PCM})
		require.NoError(t, err)
		assert.Zero(t, len(out.Data)%2)
		assert.Equal(t, 8000, out.SampleRate)
		total += len(out.Data)
	}
	assert.Greater(t, total, 0)
	assert.LessOrEqual(t, total, 50*len(pcm)/6+64)
}

func TestConverterRejectsUnsupportedChannels(t *testing.T) {
	_, err := NewConverter(core.PCM, 1, 16000).Convert(core.AudioChunk{Data: make([]byte, 12), SampleRate: 16000, Channels: 3, Format: core.PCM})
	assert.Error(t, err)
}

func TestChunkDuration(t *testing.T) {
	c := core.AudioChunk{Data: make([]byte, 320), SampleRate: 8000, Channels: 1, Format: core.PCM}
	assert.Equal(t, int64(20), c.Duration().Milliseconds())
	u := core.AudioChunk{Data: make([]byte, 160), SampleRate: 8000, Channels: 1, Format: core.ULAW}
	assert.Equal(t, int64(20), u.Duration().Milliseconds())
}
