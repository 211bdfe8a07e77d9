package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/audio"
	"golang.org/x/time/rate"
)

// HTTPConfig configures the HTTP synthesis client.
type HTTPConfig struct {
	Endpoint          string
	APIKey            string
	RequestsPerMinute int
	Timeout           time.Duration
}

type httpSynth struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
}

type httpRequest struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	Speed        float64 `json:"speed"`
	SamplingRate int     `json:"sampling_rate"`
	Encoding     string  `json:"encoding"`
	Mode         string  `json:"mode"`
}

// NewHTTPSynth posts requests to <endpoint>/generate/simple for fast mode
// and <endpoint>/generate/longform for longform mode. Responses are raw PCM
// or a WAV file.
func NewHTTPSynth(cfg HTTPConfig) Synthesizer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &httpSynth{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		limiter:  limiter,
	}
}

func (h *httpSynth) path(mode Mode) string {
	if mode == ModeLongform {
		return "/generate/longform"
	}
	return "/generate/simple"
}

func (h *httpSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Audio{}, fmt.Errorf("rate limit wait cancelled: %w", err)
		}
	}

	body, err := json.Marshal(httpRequest{
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		Speed:        req.Speed,
		SamplingRate: req.SampleRate,
		Encoding:     req.Encoding,
		Mode:         string(req.Mode),
	})
	if err != nil {
		return Audio{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+h.path(req.Mode), bytes.NewReader(body))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("X-API-Key", h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Audio{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Audio{}, fmt.Errorf("synthesis backend returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read synthesis response: %w", err)
	}
	if audio.IsWAV(data) {
		pcm, format, err := audio.DecodeWAV(data)
		if err != nil {
			return Audio{}, err
		}
		return Audio{PCM: pcm, SampleRate: format.SampleRate}, nil
	}
	return Audio{PCM: data, SampleRate: req.SampleRate}, nil
}
