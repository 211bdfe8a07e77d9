package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-dialogue/internal/audio"
	"github.com/loqalabs/loqa-dialogue/internal/capability"
	"github.com/loqalabs/loqa-dialogue/internal/dialogue"
	"github.com/loqalabs/loqa-dialogue/internal/eventstore"
	"github.com/loqalabs/loqa-dialogue/internal/preset"
	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
)

const maxBodyBytes = 1 << 20

// JobStore is the read side of the job timeline.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (eventstore.Job, bool, error)
	ListJobEvents(ctx context.Context, jobID string, limit int) ([]eventstore.Event, error)
}

// NodeLister lists the renderers seen on the bus.
type NodeLister interface {
	Nodes(filter func(capability.NodeInfo) bool) []capability.NodeInfo
}

// API serves the dialogue HTTP endpoints.
type API struct {
	orch     *dialogue.Orchestrator
	catalog  voice.Catalog
	defaults voice.Defaults
	quality  dialogue.QualitySettings
	jobs     JobStore
	nodes    NodeLister
	wpm      int
	logger   *slog.Logger
}

type APIOptions struct {
	Orchestrator   *dialogue.Orchestrator
	Catalog        voice.Catalog
	Defaults       voice.Defaults
	DefaultQuality dialogue.QualitySettings
	Jobs           JobStore
	Nodes          NodeLister
	WordsPerMinute int
}

func NewAPI(opts APIOptions, logger *slog.Logger) *API {
	return &API{
		orch:     opts.Orchestrator,
		catalog:  opts.Catalog,
		defaults: opts.Defaults,
		quality:  opts.DefaultQuality,
		jobs:     opts.Jobs,
		nodes:    opts.Nodes,
		wpm:      opts.WordsPerMinute,
		logger:   logger.With(slog.String("component", "http-api")),
	}
}

// Register mounts the API routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/scripts/analyze", a.handleAnalyze)
	mux.HandleFunc("GET /v1/sample-script", a.handleSample)
	mux.HandleFunc("GET /v1/voices", a.handleVoices)
	mux.HandleFunc("POST /v1/assignments/resolve", a.handleResolve)
	mux.HandleFunc("POST /v1/dialogues", a.handleRender)
	mux.HandleFunc("POST /v1/presets/replay", a.handleReplay)
	mux.HandleFunc("GET /v1/jobs/{id}", a.handleJob)
	mux.HandleFunc("GET /v1/nodes", a.handleNodes)
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	if a.nodes == nil {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": []capability.NodeInfo{}})
		return
	}
	var filter func(capability.NodeInfo) bool
	if r.URL.Query().Get("healthy") == "true" {
		filter = capability.HealthyOnly
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": a.nodes.Nodes(filter)})
}

type scriptBody struct {
	Script string `json:"script"`
}

type analyzeResponse struct {
	Segments   []script.Segment      `json:"segments"`
	Speakers   script.SpeakerSet     `json:"speakers"`
	Warnings   []script.ParseWarning `json:"warnings,omitempty"`
	Validation script.Validation     `json:"validation"`
	Stats      script.Stats          `json:"stats"`
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var body scriptBody
	if !a.decode(w, r, &body) {
		return
	}
	parsed := script.Parse(body.Script)
	writeJSON(w, http.StatusOK, analyzeResponse{
		Segments:   parsed.Segments,
		Speakers:   parsed.Speakers,
		Warnings:   parsed.Warnings,
		Validation: script.Validate(body.Script),
		Stats:      script.ComputeStats(body.Script, a.wpm),
	})
}

func (a *API) handleSample(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, scriptBody{Script: script.Sample})
}

func (a *API) handleVoices(w http.ResponseWriter, r *http.Request) {
	voices, err := a.catalog.List(r.Context())
	if err != nil {
		a.logger.Warn("failed to list voices", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "voice catalog unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"voices":    emptyIfNil(voice.FilterByLanguage(voices, r.URL.Query().Get("lang"))),
		"languages": voice.Languages(voices),
	})
}

type resolveBody struct {
	Script      string            `json:"script"`
	Speakers    []string          `json:"speakers"`
	Assignments voice.Assignments `json:"assignments"`
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body resolveBody
	if !a.decode(w, r, &body) {
		return
	}
	speakers := body.Speakers
	if len(speakers) == 0 {
		speakers = script.Parse(body.Script).Speakers
	}
	voices, err := a.catalog.List(r.Context())
	if err != nil {
		a.logger.Warn("failed to list voices", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "voice catalog unavailable", nil)
		return
	}
	writeJSON(w, http.StatusOK, voice.Resolve(speakers, body.Assignments, voices, a.defaults))
}

type renderBody struct {
	Script        string            `json:"script"`
	Assignments   voice.Assignments `json:"assignments"`
	AutoAssign    bool              `json:"auto_assign"`
	Quality       *qualityBody      `json:"quality"`
	FailurePolicy string            `json:"failure_policy"`
}

// qualityBody holds the quality fields a request chose to set.
type qualityBody struct {
	SampleRate int        `json:"sample_rate"`
	Encoding   string     `json:"encoding"`
	Mode       synth.Mode `json:"mode"`
	Parallel   *bool      `json:"parallel"`
}

// over lays the fields set in q on top of base. Switching mode drops the
// base sample rate so the new mode's default applies.
func (q *qualityBody) over(base dialogue.QualitySettings) dialogue.QualitySettings {
	if q == nil {
		return base
	}
	out := base
	if q.Mode != "" && q.Mode != base.Mode {
		out.Mode = q.Mode
		out.SampleRate = 0
	}
	if q.SampleRate != 0 {
		out.SampleRate = q.SampleRate
	}
	if q.Encoding != "" {
		out.Encoding = q.Encoding
	}
	if q.Parallel != nil {
		out.Parallel = *q.Parallel
	}
	return out.Normalize()
}

type renderResponse struct {
	JobID          string                   `json:"job_id"`
	Status         dialogue.Status          `json:"status"`
	Method         string                   `json:"method"`
	Missing        []int                    `json:"missing"`
	ElapsedSeconds float64                  `json:"elapsed_seconds"`
	Segments       []dialogue.SegmentResult `json:"segments"`
	SampleRate     int                      `json:"sample_rate"`
	Encoding       string                   `json:"encoding"`
	Duration       float64                  `json:"duration_seconds"`
	AudioBase64    []byte                   `json:"audio_base64,omitempty"`
	PresetFilename string                   `json:"preset_filename"`
	Record         preset.Record            `json:"record"`
	Error          string                   `json:"error,omitempty"`
}

func (a *API) handleRender(w http.ResponseWriter, r *http.Request) {
	var body renderBody
	if !a.decode(w, r, &body) {
		return
	}
	a.render(w, r, body.Script, body.Assignments, body.AutoAssign, body.Quality.over(a.quality), body.FailurePolicy)
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body", nil)
		return
	}
	record, err := preset.Unmarshal(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	text, assignments, quality := preset.Replay(record)
	a.render(w, r, text, assignments, false, dialogue.QualityFromRecord(quality), r.URL.Query().Get("failure_policy"))
}

func (a *API) render(w http.ResponseWriter, r *http.Request, text string, assignments voice.Assignments, autoAssign bool, quality dialogue.QualitySettings, policy string) {
	var catalog []voice.Voice
	if a.catalog != nil {
		voices, err := a.catalog.List(r.Context())
		if err != nil {
			a.logger.Warn("failed to list voices", slog.String("error", err.Error()))
		}
		catalog = voices
	}
	if autoAssign {
		assignments = voice.Resolve(script.Parse(text).Speakers, assignments, catalog, a.defaults).Assignments
	}

	opts := []dialogue.JobOption{dialogue.WithCatalog(catalog)}
	if policy != "" {
		p, err := dialogue.ParseFailurePolicy(policy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		opts = append(opts, dialogue.WithFailurePolicy(p))
	}

	job, err := dialogue.NewJob(text, assignments, quality, opts...)
	if err != nil {
		writePreflightError(w, err)
		return
	}

	res, err := a.orch.Generate(r.Context(), job)
	if err != nil && errors.Is(err, context.Canceled) {
		writeError(w, http.StatusServiceUnavailable, "generation cancelled", nil)
		return
	}

	if err == nil && wantsWAV(r) {
		a.writeWAV(w, res)
		return
	}

	resp := renderResponse{
		JobID:          res.JobID,
		Status:         res.Status,
		Method:         res.Method,
		Missing:        emptyIfNil(res.Missing),
		ElapsedSeconds: res.Elapsed.Seconds(),
		Segments:       res.Segments,
		SampleRate:     res.SampleRate,
		Encoding:       res.Encoding,
		Duration:       res.Format().Duration(res.Audio).Seconds(),
		AudioBase64:    res.Audio,
		PresetFilename: preset.Filename(res.Record),
		Record:         res.Record,
	}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (a *API) writeWAV(w http.ResponseWriter, res *dialogue.Result) {
	data, err := audio.WAVBytes(res.Audio, res.Format())
	if err != nil {
		a.logger.Error("failed to encode wav", slog.String("job_id", res.JobID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to encode audio", nil)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "audio/wav")
	h.Set("Content-Length", strconv.Itoa(len(data)))
	h.Set("Content-Disposition", `attachment; filename="dialogue.wav"`)
	h.Set("X-Job-ID", res.JobID)
	h.Set("X-Dialogue-Status", string(res.Status))
	h.Set("X-Processing-Method", res.Method)
	h.Set("X-Generation-Time", preset.FormatSeconds(res.Elapsed))
	if len(res.Missing) > 0 {
		parts := make([]string, len(res.Missing))
		for i, idx := range res.Missing {
			parts[i] = strconv.Itoa(idx)
		}
		h.Set("X-Missing-Segments", strings.Join(parts, ","))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *API) handleJob(w http.ResponseWriter, r *http.Request) {
	if a.jobs == nil {
		writeError(w, http.StatusNotFound, "job history is disabled", nil)
		return
	}
	id := r.PathValue("id")
	job, ok, err := a.jobs.GetJob(r.Context(), id)
	if err != nil {
		a.logger.Warn("failed to load job", slog.String("job_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load job", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id), nil)
		return
	}
	events, err := a.jobs.ListJobEvents(r.Context(), id, 500)
	if err != nil {
		a.logger.Warn("failed to load job events", slog.String("job_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to load job events", nil)
		return
	}
	type eventView struct {
		Type      string          `json:"type"`
		Segment   int             `json:"segment"`
		TraceID   string          `json:"trace_id,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt string          `json:"created_at"`
	}
	views := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{Type: e.Type, Segment: e.Segment, TraceID: e.TraceID, CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00")}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     job.ID,
		"method":     job.Method,
		"segments":   job.Segments,
		"status":     job.Status,
		"elapsed_ms": job.ElapsedMS,
		"events":     views,
	})
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func writePreflightError(w http.ResponseWriter, err error) {
	var (
		verr *dialogue.ValidationError
		aerr *dialogue.AssignmentIncompleteError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "invalid script", verr.Problems)
	case errors.As(err, &aerr):
		writeError(w, http.StatusUnprocessableEntity, "voice assignment incomplete", aerr.Speakers)
	default:
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	}
}

func wantsWAV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "audio/wav") || r.URL.Query().Get("format") == "wav"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details []string) {
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	writeJSON(w, status, body)
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
