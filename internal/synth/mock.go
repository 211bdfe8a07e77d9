package synth

import (
	"context"
	"hash/fnv"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a synthesizer that produces deterministic 16-bit PCM
// derived from the request, after an optional delay.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(m.delay):
		}
	} else if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	return Audio{PCM: MockPCM(req), SampleRate: req.SampleRate}, nil
}

// MockPCM is the audio the mock synthesizer returns for req: 10ms of
// samples per character, scaled by speed, seeded from the request.
func MockPCM(req Request) []byte {
	speed := req.Speed
	if speed <= 0 {
		speed = 1
	}
	samples := int(float64(len(req.Text)*req.SampleRate/100) / speed)
	if samples < 1 {
		samples = 1
	}

	h := fnv.New64a()
	h.Write([]byte(req.VoiceID))
	h.Write([]byte{0})
	h.Write([]byte(req.Text))
	state := h.Sum64()

	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		pcm[2*i] = byte(state)
		pcm[2*i+1] = byte(state >> 8)
	}
	return pcm
}
