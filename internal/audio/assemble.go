package audio

import (
	"fmt"
	"slices"
)

// Part is one segment's audio handed to Assemble.
type Part struct {
	Index      int
	PCM        []byte
	SampleRate int
	OK         bool
}

// AssemblyError reports a segment whose audio does not match the output format.
type AssemblyError struct {
	Index  int
	Reason string
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("assemble segment %d: %s", e.Index, e.Reason)
}

// Assemble concatenates the successful parts in index order. Failed parts
// are left out; the caller is responsible for reporting the gap. Audio is
// never resampled or re-encoded.
func Assemble(parts []Part, format Format) ([]byte, error) {
	frame := format.FrameSize()
	if frame == 0 {
		return nil, fmt.Errorf("assemble: invalid format %+v", format)
	}

	ordered := slices.Clone(parts)
	slices.SortStableFunc(ordered, func(a, b Part) int { return a.Index - b.Index })

	total := 0
	for _, p := range ordered {
		if !p.OK {
			continue
		}
		if p.SampleRate != 0 && p.SampleRate != format.SampleRate {
			return nil, &AssemblyError{
				Index:  p.Index,
				Reason: fmt.Sprintf("sample rate %d does not match %d", p.SampleRate, format.SampleRate),
			}
		}
		if len(p.PCM)%frame != 0 {
			return nil, &AssemblyError{
				Index:  p.Index,
				Reason: fmt.Sprintf("%d bytes is not a whole number of %d-byte frames", len(p.PCM), frame),
			}
		}
		total += len(p.PCM)
	}

	out := make([]byte, 0, total)
	for _, p := range ordered {
		if p.OK {
			out = append(out, p.PCM...)
		}
	}
	return out, nil
}
