// Package dialogue turns a validated script and voice assignments into one
// ordered audio stream by dispatching a synthesis call per segment.
package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/audio"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/preset"
	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrency = 3
	DefaultSegmentTimeout = 5 * time.Minute
)

// Status is the outcome of a render.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// SegmentStatus is the outcome of one segment.
type SegmentStatus string

const (
	SegmentDone    SegmentStatus = "done"
	SegmentFailed  SegmentStatus = "failed"
	SegmentSkipped SegmentStatus = "skipped"
)

type SegmentResult struct {
	Index   int           `json:"index"`
	Speaker string        `json:"speaker"`
	VoiceID string        `json:"voice_id"`
	Status  SegmentStatus `json:"status"`
	Bytes   int           `json:"bytes"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`
}

// Result describes a finished render. Audio is raw PCM in script order;
// failed segments are absent from it and listed in Missing.
type Result struct {
	JobID      string
	Status     Status
	Audio      []byte
	SampleRate int
	Encoding   string
	Segments   []SegmentResult
	Missing    []int
	Method     string
	Elapsed    time.Duration
	Record     preset.Record
	Err        error
}

// Format returns the layout of Audio.
func (r *Result) Format() audio.Format {
	f, err := audio.FormatFor(r.SampleRate, r.Encoding)
	if err != nil {
		return audio.Format{SampleRate: r.SampleRate, Encoding: r.Encoding, Channels: 1}
	}
	return f
}

// Recorder receives the job timeline. eventstore.Store satisfies it.
type Recorder interface {
	AppendJob(ctx context.Context, jobID, method string, segments int) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	FinishJob(ctx context.Context, jobID, status string, elapsed time.Duration) error
}

type Options struct {
	MaxConcurrency int
	SegmentTimeout time.Duration
	FailurePolicy  FailurePolicy
	WordsPerMinute int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = DefaultMaxConcurrency
	}
	if o.SegmentTimeout <= 0 {
		o.SegmentTimeout = DefaultSegmentTimeout
	}
	if o.FailurePolicy == "" {
		o.FailurePolicy = FailurePolicySkip
	}
	if o.WordsPerMinute <= 0 {
		o.WordsPerMinute = script.WordsPerMinute
	}
	return o
}

// Orchestrator runs jobs against a Synthesizer. It is safe for concurrent use.
type Orchestrator struct {
	synth    synth.Synthesizer
	opts     Options
	logger   *slog.Logger
	recorder Recorder
	inst     *instruments
}

// New returns an Orchestrator. rec may be nil.
func New(s synth.Synthesizer, opts Options, logger *slog.Logger, rec Recorder) *Orchestrator {
	logger = logger.With(slog.String("component", "dialogue-orchestrator"))
	return &Orchestrator{
		synth:    s,
		opts:     opts.withDefaults(),
		logger:   logger,
		recorder: rec,
		inst:     newInstruments(logger),
	}
}

// Options returns the effective options.
func (o *Orchestrator) Options() Options {
	return o.opts
}

// Render validates the request and runs it. Pre-flight failures return
// before any synthesis call with a nil Result.
func (o *Orchestrator) Render(ctx context.Context, text string, assignments voice.Assignments, quality QualitySettings, opts ...JobOption) (*Result, error) {
	job, err := NewJob(text, assignments, quality, opts...)
	if err != nil {
		return nil, err
	}
	return o.Generate(ctx, job)
}

type run struct {
	job    *Job
	policy FailurePolicy
	method string
	res    *Result
	parts  []audio.Part
	errs   []error
	mu     sync.Mutex
}

// Generate synthesizes every segment of job and assembles the audio. The
// returned Result is non-nil even on failure, so callers can inspect the
// segments and the generation record.
func (o *Orchestrator) Generate(ctx context.Context, job *Job) (*Result, error) {
	policy := job.Policy
	if policy == "" {
		policy = o.opts.FailurePolicy
	}
	method := job.Quality.Method()

	ctx, span := o.inst.tracer.Start(ctx, "dialogue.generate", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("method", method),
		attribute.Int("segments", len(job.Segments)),
		attribute.String("failure_policy", string(policy)),
	))
	defer span.End()

	logger := o.logger.With(slog.String("job_id", job.ID), slog.String("method", method))
	logger.Info("generation started", slog.Int("segments", len(job.Segments)), slog.Int("speakers", len(job.Speakers)))
	o.recordJob(ctx, job, method)

	r := &run{
		job:    job,
		policy: policy,
		method: method,
		res: &Result{
			JobID:      job.ID,
			SampleRate: job.Quality.SampleRate,
			Encoding:   job.Quality.Encoding,
			Segments:   make([]SegmentResult, len(job.Segments)),
			Method:     method,
		},
		parts: make([]audio.Part, len(job.Segments)),
		errs:  make([]error, len(job.Segments)),
	}
	for i, seg := range job.Segments {
		voiceID, _ := job.request(seg)
		r.res.Segments[i] = SegmentResult{Index: seg.Index, Speaker: seg.Speaker, VoiceID: voiceID, Status: SegmentSkipped}
		r.parts[i] = audio.Part{Index: seg.Index, SampleRate: job.Quality.SampleRate}
	}

	var runErr error
	if job.Quality.parallel() {
		runErr = o.runParallel(ctx, r)
	} else {
		runErr = o.runSequential(ctx, r)
	}

	res := r.res
	switch {
	case ctx.Err() != nil:
		res.Status = StatusFailed
		res.Err = fmt.Errorf("generation cancelled: %w", ctx.Err())
	case runErr != nil:
		res.Status = StatusFailed
		res.Err = runErr
	default:
		o.assemble(r)
	}
	if res.Status == StatusFailed {
		res.Audio = nil
	}
	for i, seg := range res.Segments {
		if seg.Status != SegmentDone {
			res.Missing = append(res.Missing, job.Segments[i].Index)
		}
	}

	res.Elapsed = time.Since(job.AcceptedAt)
	res.Record = preset.Build(preset.Input{
		Script:         job.Script,
		Speakers:       job.Speakers,
		Assignments:    job.Assignments,
		Catalog:        job.Catalog,
		Quality:        job.Quality.record(),
		Method:         method,
		Elapsed:        res.Elapsed,
		Missing:        res.Missing,
		Timestamp:      time.Now(),
		WordsPerMinute: o.opts.WordsPerMinute,
	})

	o.inst.job(ctx, method, res.Status, res.Elapsed.Seconds())
	o.recordFinish(ctx, job.ID, res)
	span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Int("missing", len(res.Missing)))

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		logger.Warn("generation failed", slog.String("error", res.Err.Error()), slog.Duration("elapsed", res.Elapsed))
		return res, res.Err
	}
	logger.Info("generation finished",
		slog.String("status", string(res.Status)),
		slog.Any("missing", res.Missing),
		slog.Int("bytes", len(res.Audio)),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, r *run) error {
	for i := range r.job.Segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runSegment(ctx, r, i); err != nil && r.policy == FailurePolicyAbort {
			return err
		}
	}
	return nil
}

// runParallel dispatches segments in script order with at most
// MaxConcurrency calls in flight. Each goroutine writes only its own slot.
func (o *Orchestrator) runParallel(ctx context.Context, r *run) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.MaxConcurrency)
	for i := range r.job.Segments {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := o.runSegment(gctx, r, i); err != nil && r.policy == FailurePolicyAbort {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *Orchestrator) runSegment(ctx context.Context, r *run, i int) error {
	job := r.job
	seg := job.Segments[i]
	voiceID, speed := job.request(seg)

	ctx, span := o.inst.tracer.Start(ctx, "dialogue.segment", trace.WithAttributes(
		attribute.Int("segment.index", seg.Index),
		attribute.String("segment.speaker", seg.Speaker),
		attribute.String("voice.id", voiceID),
	))
	defer span.End()

	segCtx, cancel := context.WithTimeout(ctx, o.opts.SegmentTimeout)
	defer cancel()

	start := time.Now()
	out, err := o.synth.Synthesize(segCtx, synth.Request{
		Text:       seg.Text,
		VoiceID:    voiceID,
		Speed:      speed,
		SampleRate: job.Quality.SampleRate,
		Encoding:   job.Quality.Encoding,
		Mode:       job.Quality.Mode,
	})
	elapsed := time.Since(start)
	if err == nil {
		if out.SampleRate == 0 {
			out.SampleRate = job.Quality.SampleRate
		}
		if out.SampleRate != job.Quality.SampleRate {
			err = fmt.Errorf("backend returned %d Hz audio, want %d Hz", out.SampleRate, job.Quality.SampleRate)
		} else if len(out.PCM) == 0 {
			err = errors.New("backend returned no audio")
		} else if frame := job.frameSize(); frame > 0 && len(out.PCM)%frame != 0 {
			err = fmt.Errorf("backend returned %d bytes, not a whole number of %d-byte frames", len(out.PCM), frame)
		}
	}

	result := SegmentResult{
		Index:   seg.Index,
		Speaker: seg.Speaker,
		VoiceID: voiceID,
		Status:  SegmentDone,
		Bytes:   len(out.PCM),
		Elapsed: elapsed,
	}
	var segErr error
	if err != nil {
		segErr = &SynthesisError{Index: seg.Index, Speaker: seg.Speaker, Err: err}
		result.Status = SegmentFailed
		result.Bytes = 0
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		r.parts[i] = audio.Part{Index: seg.Index, PCM: out.PCM, SampleRate: out.SampleRate, OK: true}
	}
	r.res.Segments[i] = result
	r.errs[i] = segErr

	o.inst.segment(ctx, r.method, segErr == nil, elapsed.Seconds())
	o.recordSegment(ctx, job.ID, span, result)
	if segErr != nil {
		o.logger.Warn("segment failed",
			slog.String("job_id", job.ID),
			slog.Int("segment", seg.Index),
			slog.String("speaker", seg.Speaker),
			slog.String("error", err.Error()),
		)
	}
	if job.observer != nil {
		r.mu.Lock()
		job.observer(job.ID, result)
		r.mu.Unlock()
	}
	return segErr
}

// frameSize is the PCM frame width for the job's encoding, or 0 when unknown.
func (j *Job) frameSize() int {
	format, err := audio.FormatFor(j.Quality.SampleRate, j.Quality.Encoding)
	if err != nil {
		return 0
	}
	return format.FrameSize()
}

func (o *Orchestrator) assemble(r *run) {
	res := r.res
	var failures []error
	for _, err := range r.errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == len(r.job.Segments) {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("every segment failed: %w", errors.Join(failures...))
		return
	}

	format, err := audio.FormatFor(r.job.Quality.SampleRate, r.job.Quality.Encoding)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		return
	}
	pcm, err := audio.Assemble(r.parts, format)
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("assemble audio: %w", err)
		return
	}
	res.Audio = pcm
	res.Status = StatusCompleted
	if len(failures) > 0 {
		res.Status = StatusPartial
	}
}

func (o *Orchestrator) recordJob(ctx context.Context, job *Job, method string) {
	if o.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := o.recorder.AppendJob(ctx, job.ID, method, len(job.Segments)); err != nil {
		o.logger.Warn("failed to record job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	o.appendEvent(ctx, eventstore.Event{
		JobID:   job.ID,
		TraceID: trace.SpanContextFromContext(ctx).TraceID().String(),
		Type:    eventstore.TypeJobAccepted,
		Segment: -1,
	})
}

func (o *Orchestrator) recordSegment(ctx context.Context, jobID string, span trace.Span, seg SegmentResult) {
	if o.recorder == nil {
		return
	}
	payload, _ := json.Marshal(seg)
	evtType := eventstore.TypeSegmentCompleted
	if seg.Status == SegmentFailed {
		evtType = eventstore.TypeSegmentFailed
	}
	o.appendEvent(context.WithoutCancel(ctx), eventstore.Event{
		JobID:   jobID,
		TraceID: span.SpanContext().TraceID().String(),
		Type:    evtType,
		Segment: seg.Index,
		Payload: payload,
	})
}

func (o *Orchestrator) recordFinish(ctx context.Context, jobID string, res *Result) {
	if o.recorder == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	payload, _ := json.Marshal(struct {
		Status  Status `json:"status"`
		Missing []int  `json:"missing"`
		Error   string `json:"error,omitempty"`
	}{Status: res.Status, Missing: res.Missing, Error: errString(res.Err)})
	o.appendEvent(ctx, eventstore.Event{
		JobID:   jobID,
		TraceID: trace.SpanContextFromContext(ctx).TraceID().String(),
		Type:    eventstore.TypeJobFinished,
		Segment: -1,
		Payload: payload,
	})
	if err := o.recorder.FinishJob(ctx, jobID, string(res.Status), res.Elapsed); err != nil {
		o.logger.Warn("failed to record job result", slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) appendEvent(ctx context.Context, evt eventstore.Event) {
	if err := o.recorder.AppendEvent(ctx, evt); err != nil {
		o.logger.Warn("failed to record event",
			slog.String("job_id", evt.JobID),
			slog.String("type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
