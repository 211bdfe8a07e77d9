package synth

import "context"

// Mode selects the backend's quality/latency tradeoff.
type Mode string

const (
	ModeFast     Mode = "fast"
	ModeLongform Mode = "longform"
)

// Request contains parameters to synthesize one line of dialogue.
type Request struct {
	Text       string
	VoiceID    string
	Speed      float64
	SampleRate int
	Encoding   string
	Mode       Mode
}

// Audio contains raw PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) (Audio, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) (Audio, error) {
	return f(ctx, req)
}
