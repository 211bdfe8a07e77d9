package audio

import (
	"fmt"
	"time"
)

const (
	EncodingPCMLinear = "pcm_linear"
	EncodingPCMMulaw  = "pcm_mulaw"
	EncodingPCMAlaw   = "pcm_alaw"
)

// Format describes raw PCM produced by the synthesis backend.
type Format struct {
	SampleRate int
	Encoding   string
	Channels   int
	BitDepth   int
}

// FormatFor returns the mono sample layout the backend uses for an encoding.
func FormatFor(sampleRate int, encoding string) (Format, error) {
	f := Format{SampleRate: sampleRate, Encoding: encoding, Channels: 1}
	switch encoding {
	case EncodingPCMLinear:
		f.BitDepth = 16
	case EncodingPCMMulaw, EncodingPCMAlaw:
		f.BitDepth = 8
	default:
		return Format{}, fmt.Errorf("unsupported encoding %q", encoding)
	}
	if sampleRate <= 0 {
		return Format{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	return f, nil
}

// FrameSize is the number of bytes per sample frame.
func (f Format) FrameSize() int {
	return f.BitDepth / 8 * f.Channels
}

// Duration reports how long pcm plays for in this format.
func (f Format) Duration(pcm []byte) time.Duration {
	frame := f.FrameSize()
	if f.SampleRate <= 0 || frame == 0 {
		return 0
	}
	frames := len(pcm) / frame
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}
