package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/bus"
	"github.com/loqalabs/loqa-dialogue/internal/protocol"
	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/synth"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
	"github.com/nats-io/nats.go"
)

const (
	serviceQueue = "loqa-dialogue"
	// audioChunkBytes bounds the PCM carried by one AudioChunk.
	audioChunkBytes = 256 << 10
)

// Service answers render requests on the bus and publishes progress.
type Service struct {
	bus      *bus.Client
	orch     *Orchestrator
	catalog  voice.Catalog
	defaults voice.Defaults
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	active   atomic.Int64
	logger   *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, orch *Orchestrator, catalog voice.Catalog, defaults voice.Defaults, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:      busClient,
		orch:     orch,
		catalog:  catalog,
		defaults: defaults,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "dialogue-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectGenerateRequest, serviceQueue, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return s.bus.Conn().Flush()
}

// Close stops accepting requests, cancels running renders and waits for them.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

// Active is the number of renders in flight.
func (s *Service) Active() int { return int(s.active.Load()) }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode dialogue request", slogError(err))
		s.reply(msg, protocol.GenerateResponse{Status: string(StatusFailed), Error: "invalid request: " + err.Error()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(msg, protocol.GenerateResponse{RequestID: req.RequestID, Status: string(StatusFailed), Error: "dialogue service is shutting down"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.active.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		resp := s.render(s.ctx, req)
		s.reply(msg, resp)
		if resp.JobID != "" {
			s.publish(protocol.SubjectGenerateDone, protocol.GenerateDone{
				RequestID: req.RequestID,
				JobID:     resp.JobID,
				Status:    resp.Status,
				Missing:   resp.Missing,
				ElapsedMS: resp.ElapsedMS,
				Timestamp: time.Now().UTC(),
			})
		}
	}()
}

func (s *Service) render(ctx context.Context, req protocol.GenerateRequest) protocol.GenerateResponse {
	resp := protocol.GenerateResponse{RequestID: req.RequestID}

	assignments := voice.Assignments{Voices: req.Voices, Speeds: req.Speeds}
	var catalog []voice.Voice
	if s.catalog != nil {
		voices, err := s.catalog.List(ctx)
		if err != nil {
			s.logger.Warn("failed to list voices", slogError(err))
		}
		catalog = voices
	}
	if req.AutoAssign {
		speakers := script.Parse(req.Script).Speakers
		assignments = voice.Resolve(speakers, assignments, catalog, s.defaults).Assignments
	}

	quality := QualitySettings{
		SampleRate: req.Quality.SampleRate,
		Encoding:   req.Quality.Encoding,
		Mode:       synth.Mode(req.Quality.Mode),
		Parallel:   req.Quality.Parallel,
	}

	var completed, total int
	opts := []JobOption{
		WithCatalog(catalog),
		WithObserver(func(jobID string, seg SegmentResult) {
			completed++
			s.publish(protocol.SubjectSegmentDone, protocol.SegmentDone{
				RequestID: req.RequestID,
				JobID:     jobID,
				Index:     seg.Index,
				Speaker:   seg.Speaker,
				Status:    string(seg.Status),
				Completed: completed,
				Total:     total,
				Error:     seg.Error,
			})
		}),
	}
	if req.FailurePolicy != "" {
		policy, err := ParseFailurePolicy(req.FailurePolicy)
		if err != nil {
			resp.Status = string(StatusFailed)
			resp.Error = err.Error()
			return resp
		}
		opts = append(opts, WithFailurePolicy(policy))
	}

	job, err := NewJob(req.Script, assignments, quality, opts...)
	if err != nil {
		resp.Status = string(StatusFailed)
		resp.Error = err.Error()
		return resp
	}
	total = len(job.Segments)

	res, err := s.orch.Generate(ctx, job)
	resp.JobID = job.ID
	if res != nil {
		resp.Status = string(res.Status)
		resp.Method = res.Method
		resp.Missing = res.Missing
		resp.ElapsedMS = res.Elapsed.Milliseconds()
		resp.SampleRate = res.SampleRate
		resp.Encoding = res.Encoding
		record := res.Record
		resp.Record = &record
		if req.IncludeAudio && len(res.Audio) > 0 {
			s.streamAudio(req, res, &resp)
		}
	}
	if err != nil {
		resp.Status = string(StatusFailed)
		resp.Error = err.Error()
		var synthErr *SynthesisError
		if errors.As(err, &synthErr) {
			s.logger.Warn("dialogue render aborted", slog.String("job_id", job.ID), slog.Int("segment", synthErr.Index))
		}
	}
	return resp
}

// streamAudio publishes the rendered PCM as numbered chunks and records
// where they went on resp.
func (s *Service) streamAudio(req protocol.GenerateRequest, res *Result, resp *protocol.GenerateResponse) {
	subject := audioSubject(req.RequestID, res.JobID)
	size := audioChunkBytes
	// base64 in the JSON body grows the chunk by a third.
	if limit := int(s.bus.Conn().MaxPayload() / 2); limit > 0 && size > limit {
		size = limit
	}

	seq := 0
	for off := 0; off < len(res.Audio); off += size {
		end := min(off+size, len(res.Audio))
		chunk := protocol.AudioChunk{
			RequestID:  req.RequestID,
			JobID:      res.JobID,
			SampleRate: res.SampleRate,
			Encoding:   res.Encoding,
			Sequence:   seq,
			PCM:        res.Audio[off:end],
			Final:      end == len(res.Audio),
		}
		if err := s.bus.PublishJSON(subject, chunk); err != nil {
			s.logger.Warn("failed to publish audio chunk", slog.String("job_id", res.JobID), slog.Int("sequence", seq), slogError(err))
			resp.Status = string(StatusFailed)
			resp.Error = fmt.Sprintf("publish audio chunk %d: %v", seq, err)
			return
		}
		seq++
	}
	resp.AudioSubject = subject
	resp.AudioChunks = seq
	resp.AudioBytes = len(res.Audio)
}

func audioSubject(requestID, jobID string) string {
	id := requestID
	if id == "" || strings.ContainsAny(id, ".*> \t\r\n") {
		id = jobID
	}
	return protocol.SubjectAudio + "." + id
}

func (s *Service) reply(msg *nats.Msg, resp protocol.GenerateResponse) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err == nil && int64(len(data)) > s.bus.Conn().MaxPayload() {
		err = fmt.Errorf("response of %d bytes exceeds the bus payload limit", len(data))
	}
	if err != nil {
		s.logger.Warn("failed to encode dialogue response", slog.String("job_id", resp.JobID), slogError(err))
		data, _ = json.Marshal(protocol.GenerateResponse{
			RequestID: resp.RequestID,
			JobID:     resp.JobID,
			Status:    string(StatusFailed),
			Missing:   resp.Missing,
			ElapsedMS: resp.ElapsedMS,
			Error:     err.Error(),
		})
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send dialogue response", slogError(err))
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
