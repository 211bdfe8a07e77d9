package dialogue

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingSynth wraps the mock and remembers the texts it was asked for.
type recordingSynth struct {
	mu       sync.Mutex
	texts    []string
	fail     map[string]bool
	maxDelay time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *recordingSynth) Synthesize(ctx context.Context, req synth.Request) (synth.Audio, error) {
	s.mu.Lock()
	s.texts = append(s.texts, req.Text)
	delay := time.Duration(0)
	if s.maxDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(s.maxDelay)))
	}
	s.mu.Unlock()

	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return synth.Audio{}, ctx.Err()
		}
	}
	if s.fail[req.Text] {
		return synth.Audio{}, errors.New("backend rejected text")
	}
	return synth.Audio{PCM: synth.MockPCM(req), SampleRate: req.SampleRate}, nil
}

func (s *recordingSynth) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func assign(pairs ...string) voice.Assignments {
	a := voice.Assignments{Voices: map[string]string{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		a.Voices[pairs[i]] = pairs[i+1]
	}
	return a
}

func expectedPCM(quality QualitySettings, segments ...script.Segment) []byte {
	q := quality.Normalize()
	a := assign("A", "v1", "B", "v2", "C", "v3")
	var out []byte
	for _, seg := range segments {
		id, _ := a.VoiceFor(seg.Speaker)
		out = append(out, synth.MockPCM(synth.Request{
			Text:       seg.Text,
			VoiceID:    id,
			Speed:      1.0,
			SampleRate: q.SampleRate,
			Encoding:   q.Encoding,
			Mode:       q.Mode,
		})...)
	}
	return out
}

const threeLines = "<A> one\n<B> two\n<C> three"

func TestTwoSpeakerScenario(t *testing.T) {
	s := &recordingSynth{}
	orch := New(s, Options{}, newLogger(), nil)

	res, err := orch.Render(context.Background(), "<A> Hi\n<B> Hello", assign("A", "v1", "B", "v2"), QualitySettings{Mode: synth.ModeFast})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
	calls := s.calls()
	if len(calls) != 2 || calls[0] != "Hi" || calls[1] != "Hello" {
		t.Fatalf("unexpected synthesis calls %v", calls)
	}
	want := expectedPCM(QualitySettings{}, script.Segment{Speaker: "A", Text: "Hi"}, script.Segment{Speaker: "B", Text: "Hello"})
	if !bytes.Equal(res.Audio, want) {
		t.Fatal("expected audio to be segment 0 followed by segment 1")
	}
	if res.Method != MethodFast || res.Record.Performance.ProcessingMethod != MethodFast {
		t.Fatalf("unexpected method %q", res.Method)
	}
	if res.SampleRate != SampleRateFast {
		t.Fatalf("expected fast sample rate, got %d", res.SampleRate)
	}
	if res.Elapsed <= 0 || res.Record.Metadata.GenerationTime != res.Elapsed.Seconds() {
		t.Fatalf("expected record to carry elapsed time, got %v vs %v", res.Record.Metadata.GenerationTime, res.Elapsed)
	}
}

func TestPreflightFailuresMakeNoCalls(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		assign voice.Assignments
		q      QualitySettings
		check  func(t *testing.T, err error)
	}{
		{
			name:   "empty script",
			text:   "",
			assign: assign(),
			check: func(t *testing.T, err error) {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			},
		},
		{
			name:   "empty segment text",
			text:   "<A> hello\n<B>",
			assign: assign("A", "v1", "B", "v2"),
			check: func(t *testing.T, err error) {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
			},
		},
		{
			name:   "unassigned speaker",
			text:   threeLines,
			assign: assign("A", "v1"),
			check: func(t *testing.T, err error) {
				var aerr *AssignmentIncompleteError
				if !errors.As(err, &aerr) {
					t.Fatalf("expected AssignmentIncompleteError, got %v", err)
				}
				if len(aerr.Speakers) != 2 || aerr.Speakers[0] != "B" || aerr.Speakers[1] != "C" {
					t.Fatalf("expected B and C to be named, got %v", aerr.Speakers)
				}
			},
		},
		{
			name: "speed out of range",
			text: "<A> hello",
			assign: voice.Assignments{
				Voices: map[string]string{"A": "v1"},
				Speeds: map[string]float64{"A": 2.5},
			},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, voice.ErrSpeedOutOfRange) {
					t.Fatalf("expected ErrSpeedOutOfRange, got %v", err)
				}
			},
		},
		{
			name:   "bad quality",
			text:   "<A> hello",
			assign: assign("A", "v1"),
			q:      QualitySettings{SampleRate: 12345},
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrInvalidQuality) {
					t.Fatalf("expected ErrInvalidQuality, got %v", err)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &recordingSynth{}
			orch := New(s, Options{}, newLogger(), nil)
			res, err := orch.Render(context.Background(), tc.text, tc.assign, tc.q)
			if err == nil {
				t.Fatal("expected error")
			}
			if res != nil {
				t.Fatalf("expected nil result, got %+v", res)
			}
			tc.check(t, err)
			if n := len(s.calls()); n != 0 {
				t.Fatalf("expected no synthesis calls, got %d", n)
			}
		})
	}
}

func TestAbortOnFailure(t *testing.T) {
	s := &recordingSynth{fail: map[string]bool{"two": true}}
	orch := New(s, Options{FailurePolicy: FailurePolicyAbort}, newLogger(), nil)

	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{Mode: synth.ModeFast})
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	if serr.Index != 1 || serr.Speaker != "B" {
		t.Fatalf("expected failure on segment 1, got %+v", serr)
	}
	if res == nil || res.Status != StatusFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if res.Audio != nil {
		t.Fatal("expected no audio on abort")
	}
	if calls := s.calls(); len(calls) != 2 {
		t.Fatalf("expected segment 2 never requested, got %v", calls)
	}
	if res.Segments[2].Status != SegmentSkipped {
		t.Fatalf("expected segment 2 skipped, got %s", res.Segments[2].Status)
	}
}

func TestSkipOnFailure(t *testing.T) {
	s := &recordingSynth{fail: map[string]bool{"two": true}}
	orch := New(s, Options{}, newLogger(), nil)

	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{Mode: synth.ModeFast})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("expected partial, got %s", res.Status)
	}
	if len(res.Missing) != 1 || res.Missing[0] != 1 {
		t.Fatalf("expected missing [1], got %v", res.Missing)
	}
	want := expectedPCM(QualitySettings{}, script.Segment{Speaker: "A", Text: "one"}, script.Segment{Speaker: "C", Text: "three"})
	if !bytes.Equal(res.Audio, want) {
		t.Fatal("expected audio of segments 0 and 2 in order")
	}
	if got := res.Record.Performance.MissingSegments; len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected record to list missing segment, got %v", got)
	}
	if res.Segments[1].Status != SegmentFailed || res.Segments[1].Error == "" {
		t.Fatalf("expected segment 1 failure details, got %+v", res.Segments[1])
	}
}

func TestJobPolicyOverridesOrchestrator(t *testing.T) {
	s := &recordingSynth{fail: map[string]bool{"one": true}}
	orch := New(s, Options{FailurePolicy: FailurePolicySkip}, newLogger(), nil)
	_, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{},
		WithFailurePolicy(FailurePolicyAbort))
	if err == nil {
		t.Fatal("expected abort error")
	}
	if calls := s.calls(); len(calls) != 1 {
		t.Fatalf("expected one call before abort, got %v", calls)
	}
}

func TestAllSegmentsFailing(t *testing.T) {
	s := &recordingSynth{fail: map[string]bool{"one": true, "two": true, "three": true}}
	orch := New(s, Options{}, newLogger(), nil)
	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Status != StatusFailed || len(res.Missing) != 3 {
		t.Fatalf("expected failed result with 3 missing, got %s %v", res.Status, res.Missing)
	}
	var serr *SynthesisError
	if !errors.As(err, &serr) {
		t.Fatalf("expected joined SynthesisErrors, got %v", err)
	}
}

func longScript() (string, voice.Assignments) {
	lines := []string{
		"<A> The first line sets the scene.",
		"<B> A reply that is a little longer than the first.",
		"<C> Short.",
		"<A> Another thought from the first speaker.",
		"<B> Agreed.",
		"<C> And a closing remark that wraps things up nicely.",
		"<A> One more for good measure.",
		"<B> Fine, the end.",
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteString("\n")
	}
	return buf.String(), assign("A", "v1", "B", "v2", "C", "v3")
}

func TestParallelMatchesSequential(t *testing.T) {
	text, a := longScript()

	seq := New(&recordingSynth{maxDelay: 5 * time.Millisecond}, Options{}, newLogger(), nil)
	want, err := seq.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform})
	if err != nil {
		t.Fatalf("sequential render: %v", err)
	}
	if want.Method != MethodLongformSequential {
		t.Fatalf("unexpected method %q", want.Method)
	}

	for i := 0; i < 5; i++ {
		par := New(&recordingSynth{maxDelay: 10 * time.Millisecond}, Options{MaxConcurrency: 4}, newLogger(), nil)
		got, err := par.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform, Parallel: true})
		if err != nil {
			t.Fatalf("parallel render: %v", err)
		}
		if got.Method != MethodLongformParallel {
			t.Fatalf("unexpected method %q", got.Method)
		}
		if !bytes.Equal(got.Audio, want.Audio) {
			t.Fatalf("run %d: parallel audio differs from sequential", i)
		}
	}
}

func TestParallelRespectsConcurrencyLimit(t *testing.T) {
	text, a := longScript()
	s := &recordingSynth{maxDelay: 15 * time.Millisecond}
	orch := New(s, Options{MaxConcurrency: 2}, newLogger(), nil)
	if _, err := orch.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform, Parallel: true}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if peak := s.peak.Load(); peak > 2 {
		t.Fatalf("expected at most 2 calls in flight, saw %d", peak)
	}
}

func TestParallelDispatchFollowsScriptOrder(t *testing.T) {
	text, a := longScript()
	s := &recordingSynth{}
	orch := New(s, Options{MaxConcurrency: 1}, newLogger(), nil)
	res, err := orch.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform, Parallel: true})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	calls := s.calls()
	for i, seg := range script.Parse(text).Segments {
		if calls[i] != seg.Text {
			t.Fatalf("call %d: expected %q, got %q", i, seg.Text, calls[i])
		}
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Status)
	}
}

func TestParallelAbort(t *testing.T) {
	text, a := longScript()
	s := &recordingSynth{fail: map[string]bool{"Short.": true}}
	orch := New(s, Options{MaxConcurrency: 2, FailurePolicy: FailurePolicyAbort}, newLogger(), nil)
	res, err := orch.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform, Parallel: true})
	var serr *SynthesisError
	if !errors.As(err, &serr) || serr.Index != 2 {
		t.Fatalf("expected SynthesisError for segment 2, got %v", err)
	}
	if res.Status != StatusFailed || res.Audio != nil {
		t.Fatalf("expected failed result without audio, got %s", res.Status)
	}
}

func TestParallelSkipKeepsOrder(t *testing.T) {
	text, a := longScript()
	s := &recordingSynth{fail: map[string]bool{"Short.": true}, maxDelay: 10 * time.Millisecond}
	orch := New(s, Options{MaxConcurrency: 3}, newLogger(), nil)
	res, err := orch.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform, Parallel: true})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Status != StatusPartial || len(res.Missing) != 1 || res.Missing[0] != 2 {
		t.Fatalf("expected partial with missing [2], got %s %v", res.Status, res.Missing)
	}
	var want []byte
	q := QualitySettings{Mode: synth.ModeLongform}.Normalize()
	for _, seg := range script.Parse(text).Segments {
		if seg.Index == 2 {
			continue
		}
		id, _ := a.VoiceFor(seg.Speaker)
		want = append(want, synth.MockPCM(synth.Request{
			Text: seg.Text, VoiceID: id, Speed: 1.0,
			SampleRate: q.SampleRate, Encoding: q.Encoding, Mode: q.Mode,
		})...)
	}
	if !bytes.Equal(res.Audio, want) {
		t.Fatal("expected remaining segments in script order")
	}
}

func TestCancellation(t *testing.T) {
	started := make(chan struct{}, 1)
	blocking := synth.SynthesizerFunc(func(ctx context.Context, req synth.Request) (synth.Audio, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return synth.Audio{}, ctx.Err()
	})
	orch := New(blocking, Options{}, newLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := orch.Render(ctx, threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if res.Status != StatusFailed || res.Audio != nil {
		t.Fatalf("expected failed result without audio, got %s", res.Status)
	}
}

func TestSegmentTimeout(t *testing.T) {
	slowOnTwo := synth.SynthesizerFunc(func(ctx context.Context, req synth.Request) (synth.Audio, error) {
		if req.Text == "two" {
			<-ctx.Done()
			return synth.Audio{}, ctx.Err()
		}
		return synth.Audio{PCM: synth.MockPCM(req), SampleRate: req.SampleRate}, nil
	})
	orch := New(slowOnTwo, Options{SegmentTimeout: 20 * time.Millisecond}, newLogger(), nil)
	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Status != StatusPartial || len(res.Missing) != 1 || res.Missing[0] != 1 {
		t.Fatalf("expected segment 1 to time out, got %s %v", res.Status, res.Missing)
	}
}

func TestSampleRateMismatchFailsSegment(t *testing.T) {
	wrongRate := synth.SynthesizerFunc(func(ctx context.Context, req synth.Request) (synth.Audio, error) {
		rate := req.SampleRate
		if req.Text == "two" {
			rate = 16000
		}
		return synth.Audio{PCM: synth.MockPCM(req), SampleRate: rate}, nil
	})
	orch := New(wrongRate, Options{}, newLogger(), nil)
	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Status != StatusPartial || res.Missing[0] != 1 {
		t.Fatalf("expected mismatched segment to be missing, got %s %v", res.Status, res.Missing)
	}
}

func TestMisalignedPCMFailsSegment(t *testing.T) {
	ragged := synth.SynthesizerFunc(func(ctx context.Context, req synth.Request) (synth.Audio, error) {
		if req.Text == "two" {
			return synth.Audio{PCM: []byte{1, 2, 3}, SampleRate: req.SampleRate}, nil
		}
		return synth.Audio{PCM: synth.MockPCM(req), SampleRate: req.SampleRate}, nil
	})
	orch := New(ragged, Options{FailurePolicy: FailurePolicySkip}, newLogger(), nil)
	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.Status != StatusPartial || len(res.Missing) != 1 || res.Missing[0] != 1 {
		t.Fatalf("expected segment 1 missing from a partial result, got %s %v", res.Status, res.Missing)
	}
	if res.Segments[1].Status != SegmentFailed || res.Segments[1].Bytes != 0 {
		t.Fatalf("expected segment 1 to fail, got %+v", res.Segments[1])
	}
	want := expectedPCM(QualitySettings{}, script.Segment{Speaker: "A", Text: "one"}, script.Segment{Speaker: "C", Text: "three"})
	if !bytes.Equal(res.Audio, want) {
		t.Fatal("expected audio of segments 0 and 2 in order")
	}
}

func TestObserverSeesEverySegment(t *testing.T) {
	text, a := longScript()
	var seen []int
	orch := New(synth.NewMockSynth(0), Options{MaxConcurrency: 4}, newLogger(), nil)
	_, err := orch.Render(context.Background(), text, a, QualitySettings{Mode: synth.ModeLongform, Parallel: true},
		WithObserver(func(jobID string, seg SegmentResult) {
			seen = append(seen, seg.Index)
		}))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(seen) != len(script.Parse(text).Segments) {
		t.Fatalf("expected observer call per segment, got %v", seen)
	}
}

func TestRecorderTimeline(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := &recordingSynth{fail: map[string]bool{"two": true}}
	orch := New(s, Options{}, newLogger(), store)
	res, err := orch.Render(context.Background(), threeLines, assign("A", "v1", "B", "v2", "C", "v3"), QualitySettings{},
		WithJobID("job-1"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if res.JobID != "job-1" {
		t.Fatalf("expected job id override, got %q", res.JobID)
	}

	events, err := store.ListJobEvents(context.Background(), "job-1", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []string{
		eventstore.TypeJobAccepted,
		eventstore.TypeSegmentCompleted,
		eventstore.TypeSegmentFailed,
		eventstore.TypeSegmentCompleted,
		eventstore.TypeJobFinished,
	}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}

	job, ok, err := store.GetJob(context.Background(), "job-1")
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if job.Status != string(StatusPartial) || job.Segments != 3 {
		t.Fatalf("unexpected job row %+v", job)
	}
}

func TestJobCopiesAssignments(t *testing.T) {
	a := assign("A", "v1")
	job, err := NewJob("<A> hi", a, QualitySettings{})
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	a.Voices["A"] = "changed"
	if id, _ := job.Assignments.VoiceFor("A"); id != "v1" {
		t.Fatalf("expected job to keep its own copy, got %q", id)
	}
	if job.Quality.SampleRate != SampleRateFast || job.Quality.Encoding != "pcm_linear" {
		t.Fatalf("expected normalized quality, got %+v", job.Quality)
	}
}

func TestQualityMethodAndDefaults(t *testing.T) {
	cases := []struct {
		q      QualitySettings
		method string
		rate   int
	}{
		{QualitySettings{}, MethodFast, SampleRateFast},
		{QualitySettings{Mode: synth.ModeFast, Parallel: true}, MethodFast, SampleRateFast},
		{QualitySettings{Mode: synth.ModeLongform}, MethodLongformSequential, SampleRateLongform},
		{QualitySettings{Mode: synth.ModeLongform, Parallel: true}, MethodLongformParallel, SampleRateLongform},
	}
	for _, tc := range cases {
		q := tc.q.Normalize()
		if q.Method() != tc.method || q.SampleRate != tc.rate {
			t.Fatalf("%+v: expected %s at %d, got %s at %d", tc.q, tc.method, tc.rate, q.Method(), q.SampleRate)
		}
		if err := q.Validate(); err != nil {
			t.Fatalf("%+v: unexpected validation error %v", tc.q, err)
		}
	}
	if err := (QualitySettings{Mode: "slow", SampleRate: 22050, Encoding: "pcm_linear"}).Validate(); !errors.Is(err, ErrInvalidQuality) {
		t.Fatalf("expected ErrInvalidQuality for unknown mode, got %v", err)
	}
}
