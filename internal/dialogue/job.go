package dialogue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
)

// Job is a render request that passed every pre-flight check.
type Job struct {
	ID          string
	Script      string
	Segments    []script.Segment
	Speakers    script.SpeakerSet
	Assignments voice.Assignments
	Quality     QualitySettings
	Policy      FailurePolicy
	Catalog     []voice.Voice
	AcceptedAt  time.Time

	observer Observer
}

// Observer is notified as each segment finishes. Calls are serialized.
type Observer func(jobID string, seg SegmentResult)

type JobOption func(*Job)

func WithJobID(id string) JobOption {
	return func(j *Job) {
		if id != "" {
			j.ID = id
		}
	}
}

// WithFailurePolicy overrides the orchestrator's default policy.
func WithFailurePolicy(p FailurePolicy) JobOption {
	return func(j *Job) { j.Policy = p }
}

// WithCatalog supplies voice details for the generation record.
func WithCatalog(voices []voice.Voice) JobOption {
	return func(j *Job) { j.Catalog = append([]voice.Voice(nil), voices...) }
}

func WithObserver(o Observer) JobOption {
	return func(j *Job) { j.observer = o }
}

// NewJob validates a render request. On success no further input checks
// are needed: every segment has a speaker with a voice and a valid speed.
// The assignments are copied.
func NewJob(text string, assignments voice.Assignments, quality QualitySettings, opts ...JobOption) (*Job, error) {
	accepted := time.Now()

	if v := script.Validate(text); !v.IsValid {
		return nil, &ValidationError{Problems: v.Errors}
	}
	parsed := script.Parse(text)
	if len(parsed.Segments) == 0 {
		return nil, &ValidationError{Problems: []string{"script has no dialogue segments"}}
	}

	quality = quality.Normalize()
	if err := quality.Validate(); err != nil {
		return nil, err
	}

	if missing := assignments.Missing(parsed.Speakers); len(missing) > 0 {
		return nil, &AssignmentIncompleteError{Speakers: missing}
	}
	if err := assignments.CheckSpeeds(parsed.Speakers); err != nil {
		return nil, err
	}

	job := &Job{
		ID:          uuid.NewString(),
		Script:      text,
		Segments:    parsed.Segments,
		Speakers:    parsed.Speakers,
		Assignments: assignments.Clone(),
		Quality:     quality,
		AcceptedAt:  accepted,
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.Policy != "" {
		if _, err := ParseFailurePolicy(string(job.Policy)); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (j *Job) request(seg script.Segment) (string, float64) {
	id, _ := j.Assignments.VoiceFor(seg.Speaker)
	return id, j.Assignments.SpeedFor(seg.Speaker)
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%d segments, %s)", j.ID, len(j.Segments), j.Quality.Method())
}
