package audio

// DefaultSampleWidth is the byte width of one 16-bit PCM sample.
const DefaultSampleWidth = 2

// Align splits remainder+incoming into the longest prefix that is a whole
// number of samples and the trailing partial sample. Neither input is
// modified; the returned slices do not alias incoming.
func Align(remainder, incoming []byte, sampleWidth int) (emit, newRemainder []byte) {
	if sampleWidth <= 0 {
		sampleWidth = DefaultSampleWidth
	}
	total := len(remainder) + len(incoming)
	aligned := (total / sampleWidth) * sampleWidth

	buf := make([]byte, 0, total)
	buf = append(buf, remainder...)
	buf = append(buf, incoming...)

	if aligned > 0 {
		emit = buf[:aligned:aligned]
	}
	if aligned < total {
		newRemainder = append([]byte(nil), buf[aligned:]...)
	}
	return emit, newRemainder
}

// FrameAligner holds back a trailing partial sample between pushes so that
// every chunk it returns is sample aligned.
type FrameAligner struct {
	sampleWidth int
	remainder   []byte
}

func NewFrameAligner(sampleWidth int) *FrameAligner {
	if sampleWidth <= 0 {
		sampleWidth = DefaultSampleWidth
	}
	return &FrameAligner{sampleWidth: sampleWidth}
}

// Push returns the aligned part of the held remainder plus data, or nil
// when less than one sample is available.
func (a *FrameAligner) Push(data []byte) []byte {
	emit, rest := Align(a.remainder, data, a.sampleWidth)
	a.remainder = rest
	return emit
}

// Flush ends the stream. Held bytes amounting to at least one full sample
// are returned aligned; a sub-sample tail is discarded.
func (a *FrameAligner) Flush() []byte {
	emit, _ := Align(a.remainder, nil, a.sampleWidth)
	a.remainder = nil
	return emit
}

// Pending reports how many bytes are held back.
func (a *FrameAligner) Pending() int {
	return len(a.remainder)
}
