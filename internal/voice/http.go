package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPCatalog fetches voices from a synthesis backend's /voices endpoint.
type HTTPCatalog struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

type wireVoice struct {
	VoiceID  string   `json:"voice_id"`
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	LangCode string   `json:"lang_code"`
	Tags     []string `json:"tags"`
}

type wireVoiceList struct {
	Voices []wireVoice `json:"voices"`
}

func NewHTTPCatalog(endpoint, apiKey string, timeout time.Duration) *HTTPCatalog {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPCatalog{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *HTTPCatalog) List(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/voices", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list voices: backend returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var payload wireVoiceList
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode voices: %w", err)
	}

	voices := make([]Voice, 0, len(payload.Voices))
	for _, w := range payload.Voices {
		id := w.VoiceID
		if id == "" {
			id = w.ID
		}
		if id == "" {
			continue
		}
		voices = append(voices, Voice{
			ID:       id,
			Name:     w.Name,
			Type:     ParseType(w.Type),
			LangCode: w.LangCode,
			Tags:     w.Tags,
		})
	}
	return voices, nil
}
