package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-dialogue/internal/audio"
	"github.com/loqalabs/loqa-dialogue/internal/config"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/preset"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testVoices = []voice.Voice{
	{ID: "v1", Name: "Ava", Type: voice.TypePreset, LangCode: "en"},
	{ID: "v2", Name: "Leo", Type: voice.TypeCloned, LangCode: "en"},
	{ID: "v3", Name: "Noé", Type: voice.TypePreset, LangCode: "fr"},
}

func newTestServer(t *testing.T, s synth.Synthesizer, jobs *eventstore.Store) *httptest.Server {
	t.Helper()
	var (
		rec     dialogue.Recorder
		history JobStore
	)
	if jobs != nil {
		rec = jobs
		history = jobs
	}
	api := NewAPI(APIOptions{
		Orchestrator:   dialogue.New(s, dialogue.Options{}, newLogger(), rec),
		Catalog:        voice.NewStaticCatalog(testVoices),
		Defaults:       voice.Defaults{"Narrator": {VoiceID: "v3", Speed: 1.2}},
		DefaultQuality: DefaultQuality(config.Default().Generation),
		Jobs:           history,
		WordsPerMinute: 150,
	}, newLogger())
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestAnalyzeScript(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)

	resp := postJSON(t, srv.URL+"/v1/scripts/analyze", map[string]string{
		"script": "<Alex> Hello there\n<Rowan> Hi\n<> nobody",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body analyzeResponse
	decodeBody(t, resp, &body)
	if len(body.Segments) != 2 || body.Segments[1].Speaker != "Rowan" {
		t.Fatalf("unexpected segments %+v", body.Segments)
	}
	if body.Validation.IsValid {
		t.Fatal("expected empty speaker tag to invalidate the script")
	}
	if len(body.Warnings) == 0 {
		t.Fatal("expected parse warnings")
	}
	if body.Stats.Words != 4 {
		t.Fatalf("expected 4 words, got %d", body.Stats.Words)
	}
}

func TestAnalyzeRejectsBadJSON(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp, err := http.Post(srv.URL+"/v1/scripts/analyze", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListVoicesByLanguage(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp, err := http.Get(srv.URL + "/v1/voices?lang=fr")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Voices    []voice.Voice `json:"voices"`
		Languages []string      `json:"languages"`
	}
	decodeBody(t, resp, &body)
	if len(body.Voices) != 1 || body.Voices[0].ID != "v3" {
		t.Fatalf("unexpected voices %+v", body.Voices)
	}
	if len(body.Languages) != 2 {
		t.Fatalf("expected two languages, got %v", body.Languages)
	}
}

func TestResolveAssignments(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp := postJSON(t, srv.URL+"/v1/assignments/resolve", map[string]any{
		"script": "<Alex> Hi\n<Narrator> Once upon a time",
	})
	var res voice.Resolution
	decodeBody(t, resp, &res)
	if res.Assignments.Voices["Alex"] != "v2" {
		t.Fatalf("expected cloned voice for Alex, got %v", res.Assignments.Voices)
	}
	if res.Assignments.Voices["Narrator"] != "v3" || res.Assignments.Speeds["Narrator"] != 1.2 {
		t.Fatalf("expected narrator default, got %+v", res.Assignments)
	}
}

func TestRenderJSON(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp := postJSON(t, srv.URL+"/v1/dialogues", map[string]any{
		"script":      "<A> Hello\n<B> World",
		"assignments": map[string]any{"voices": map[string]string{"A": "v1", "B": "v2"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body renderResponse
	decodeBody(t, resp, &body)
	if body.Status != dialogue.StatusCompleted || body.JobID == "" {
		t.Fatalf("unexpected result %+v", body)
	}
	want := append(synth.MockPCM(synth.Request{Text: "Hello", VoiceID: "v1", Speed: 1, SampleRate: dialogue.SampleRateFast}),
		synth.MockPCM(synth.Request{Text: "World", VoiceID: "v2", Speed: 1, SampleRate: dialogue.SampleRateFast})...)
	if !bytes.Equal(body.AudioBase64, want) {
		t.Fatalf("audio mismatch: got %d bytes want %d", len(body.AudioBase64), len(want))
	}
	if body.Record.Voices["B"].VoiceName != "Leo" {
		t.Fatalf("expected record to name voices, got %+v", body.Record.Voices)
	}
	if !strings.HasPrefix(body.PresetFilename, "voice-preset_") {
		t.Fatalf("unexpected preset filename %q", body.PresetFilename)
	}
}

func TestRenderWAV(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	data, _ := json.Marshal(map[string]any{
		"script":      "<A> Hello",
		"auto_assign": true,
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/dialogues", bytes.NewReader(data))
	req.Header.Set("Accept", "audio/wav")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Header.Get("X-Job-ID") == "" || resp.Header.Get("X-Dialogue-Status") != "completed" {
		t.Fatalf("missing job headers %v", resp.Header)
	}
	raw, _ := io.ReadAll(resp.Body)
	pcm, format, err := audio.DecodeWAV(raw)
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if format.SampleRate != dialogue.SampleRateFast || len(pcm) == 0 {
		t.Fatalf("unexpected wav %d bytes at %d Hz", len(pcm), format.SampleRate)
	}
}

func TestRenderPartialReportsMissing(t *testing.T) {
	failing := synth.SynthesizerFunc(func(ctx context.Context, req synth.Request) (synth.Audio, error) {
		if req.Text == "broken" {
			return synth.Audio{}, errors.New("backend exploded")
		}
		return synth.NewMockSynth(0).Synthesize(ctx, req)
	})
	srv := newTestServer(t, failing, nil)
	data, _ := json.Marshal(map[string]any{
		"script":      "<A> one\n<A> broken\n<A> three",
		"assignments": map[string]any{"voices": map[string]string{"A": "v1"}},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/dialogues?format=wav", bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Missing-Segments"); got != "1" {
		t.Fatalf("expected missing segment 1, got %q", got)
	}
	if got := resp.Header.Get("X-Dialogue-Status"); got != "partial" {
		t.Fatalf("expected partial, got %q", got)
	}
}

func TestRenderErrors(t *testing.T) {
	failing := synth.SynthesizerFunc(func(context.Context, synth.Request) (synth.Audio, error) {
		return synth.Audio{}, errors.New("backend down")
	})
	srv := newTestServer(t, failing, nil)

	cases := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"empty script", map[string]any{"script": ""}, http.StatusUnprocessableEntity},
		{"unassigned", map[string]any{"script": "<A> hi"}, http.StatusUnprocessableEntity},
		{"bad speed", map[string]any{
			"script":      "<A> hi",
			"assignments": map[string]any{"voices": map[string]string{"A": "v1"}, "speeds": map[string]float64{"A": 3}},
		}, http.StatusBadRequest},
		{"bad policy", map[string]any{"script": "<A> hi", "auto_assign": true, "failure_policy": "retry"}, http.StatusBadRequest},
		{"backend failure", map[string]any{"script": "<A> hi", "auto_assign": true}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/dialogues", tc.body)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestRenderQualityKeepsConfiguredDefaults(t *testing.T) {
	gen := config.Default().Generation
	gen.Encoding = audio.EncodingPCMMulaw
	api := NewAPI(APIOptions{
		Orchestrator:   dialogue.New(synth.NewMockSynth(0), dialogue.Options{}, newLogger(), nil),
		Catalog:        voice.NewStaticCatalog(testVoices),
		DefaultQuality: DefaultQuality(gen),
	}, newLogger())
	mux := http.NewServeMux()
	api.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cases := []struct {
		name     string
		quality  map[string]any
		rate     int
		encoding string
	}{
		{"no quality", nil, dialogue.SampleRateFast, audio.EncodingPCMMulaw},
		{"mode only", map[string]any{"mode": "longform"}, dialogue.SampleRateLongform, audio.EncodingPCMMulaw},
		{"sample rate only", map[string]any{"sample_rate": 16000}, 16000, audio.EncodingPCMMulaw},
		{"encoding override", map[string]any{"encoding": audio.EncodingPCMLinear}, dialogue.SampleRateFast, audio.EncodingPCMLinear},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := map[string]any{
				"script":      "<A> Hello",
				"assignments": map[string]any{"voices": map[string]string{"A": "v1"}},
			}
			if tc.quality != nil {
				body["quality"] = tc.quality
			}
			resp := postJSON(t, srv.URL+"/v1/dialogues", body)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("expected 200, got %d", resp.StatusCode)
			}
			var out renderResponse
			decodeBody(t, resp, &out)
			if out.SampleRate != tc.rate || out.Encoding != tc.encoding {
				t.Fatalf("expected %d Hz %s, got %d Hz %s", tc.rate, tc.encoding, out.SampleRate, out.Encoding)
			}
		})
	}
}

func TestReplayPreset(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp := postJSON(t, srv.URL+"/v1/dialogues", map[string]any{
		"script":      "<A> Hello\n<B> World",
		"assignments": map[string]any{"voices": map[string]string{"A": "v1", "B": "v2"}, "speeds": map[string]float64{"B": 1.5}},
		"quality":     map[string]any{"mode": "longform", "parallel": true},
	})
	var first renderResponse
	decodeBody(t, resp, &first)
	if first.Method != dialogue.MethodLongformParallel {
		t.Fatalf("unexpected method %q", first.Method)
	}

	record, err := preset.Marshal(first.Record, "yaml")
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	replayResp, err := http.Post(srv.URL+"/v1/presets/replay", "application/yaml", bytes.NewReader(record))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer replayResp.Body.Close()
	var second renderResponse
	decodeBody(t, replayResp, &second)
	if second.Status != dialogue.StatusCompleted || second.Method != first.Method {
		t.Fatalf("unexpected replay %+v", second)
	}
	if !bytes.Equal(first.AudioBase64, second.AudioBase64) {
		t.Fatal("expected replay to reproduce the same audio")
	}
}

func TestReplayRejectsUnknownVersion(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp, err := http.Post(srv.URL+"/v1/presets/replay", "application/json",
		strings.NewReader(`{"metadata":{"formatVersion":"9.0"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestJobTimeline(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "events.db"), RetentionMode: "session"}
	store, err := eventstore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	srv := newTestServer(t, synth.NewMockSynth(0), store)

	resp := postJSON(t, srv.URL+"/v1/dialogues", map[string]any{
		"script":      "<A> Hello\n<B> World",
		"auto_assign": true,
	})
	var rendered renderResponse
	decodeBody(t, resp, &rendered)

	jobResp, err := http.Get(srv.URL + "/v1/jobs/" + rendered.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer jobResp.Body.Close()
	if jobResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", jobResp.StatusCode)
	}
	var job struct {
		Status   string `json:"status"`
		Segments int    `json:"segments"`
		Events   []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	decodeBody(t, jobResp, &job)
	if job.Status != "completed" || job.Segments != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	if len(job.Events) != 4 {
		t.Fatalf("expected accepted, two segments and finished, got %+v", job.Events)
	}

	missing, err := http.Get(srv.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestSampleScript(t *testing.T) {
	srv := newTestServer(t, synth.NewMockSynth(0), nil)
	resp, err := http.Get(srv.URL + "/v1/sample-script")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body scriptBody
	decodeBody(t, resp, &body)
	if !strings.Contains(body.Script, "<") {
		t.Fatalf("unexpected sample %q", body.Script)
	}
}
