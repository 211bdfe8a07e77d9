package dialogue

import (
	"errors"
	"fmt"
	"slices"

	"github.com/loqalabs/loqa-dialogue/internal/audio"
	"github.com/loqalabs/loqa-dialogue/internal/preset"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
)

const (
	SampleRateFast     = 22050
	SampleRateLongform = 48000
)

var supportedSampleRates = []int{8000, 16000, 22050, 24000, 44100, 48000}

var ErrInvalidQuality = errors.New("invalid quality settings")

// QualitySettings controls the synthesis mode and the output format.
// Parallel only has an effect in longform mode.
type QualitySettings struct {
	SampleRate int        `json:"sample_rate" yaml:"sample_rate"`
	Encoding   string     `json:"encoding" yaml:"encoding"`
	Mode       synth.Mode `json:"mode" yaml:"mode"`
	Parallel   bool       `json:"parallel" yaml:"parallel"`
}

// Normalize fills unset fields with the mode's defaults.
func (q QualitySettings) Normalize() QualitySettings {
	if q.Mode == "" {
		q.Mode = synth.ModeFast
	}
	if q.SampleRate == 0 {
		q.SampleRate = SampleRateFast
		if q.Mode == synth.ModeLongform {
			q.SampleRate = SampleRateLongform
		}
	}
	if q.Encoding == "" {
		q.Encoding = audio.EncodingPCMLinear
	}
	return q
}

func (q QualitySettings) Validate() error {
	var errs []error
	switch q.Mode {
	case synth.ModeFast, synth.ModeLongform:
	default:
		errs = append(errs, fmt.Errorf("%w: unknown mode %q", ErrInvalidQuality, q.Mode))
	}
	if !slices.Contains(supportedSampleRates, q.SampleRate) {
		errs = append(errs, fmt.Errorf("%w: unsupported sample rate %d", ErrInvalidQuality, q.SampleRate))
	}
	if _, err := audio.FormatFor(SampleRateFast, q.Encoding); err != nil {
		errs = append(errs, fmt.Errorf("%w: %v", ErrInvalidQuality, err))
	}
	return errors.Join(errs...)
}

func (q QualitySettings) parallel() bool {
	return q.Mode == synth.ModeLongform && q.Parallel
}

// Method is the processing method label recorded with a render.
func (q QualitySettings) Method() string {
	switch {
	case q.Mode != synth.ModeLongform:
		return MethodFast
	case q.Parallel:
		return MethodLongformParallel
	default:
		return MethodLongformSequential
	}
}

const (
	MethodFast               = "fast"
	MethodLongformSequential = "longform/sequential"
	MethodLongformParallel   = "longform/parallel"
)

func (q QualitySettings) record() preset.QualitySettings {
	return preset.QualitySettings{
		SamplingRate:  q.SampleRate,
		Encoding:      q.Encoding,
		StreamingMode: string(q.Mode),
		UseParallel:   q.Parallel,
	}
}

// QualityFromRecord converts the quality section of a generation record.
func QualityFromRecord(r preset.QualitySettings) QualitySettings {
	return QualitySettings{
		SampleRate: r.SamplingRate,
		Encoding:   r.Encoding,
		Mode:       synth.Mode(r.StreamingMode),
		Parallel:   r.UseParallel,
	}
}

// FailurePolicy decides what happens to a render when a segment fails.
type FailurePolicy string

const (
	// FailurePolicySkip leaves failed segments out and reports them.
	FailurePolicySkip FailurePolicy = "skip"
	// FailurePolicyAbort stops the render on the first failure.
	FailurePolicyAbort FailurePolicy = "abort"
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case FailurePolicySkip, FailurePolicyAbort:
		return FailurePolicy(s), nil
	case "":
		return FailurePolicySkip, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}
