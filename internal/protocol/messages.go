package protocol

import (
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/preset"
)

// Quality mirrors the render quality settings on the wire.
type Quality struct {
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Parallel   bool   `json:"parallel,omitempty"`
}

// GenerateRequest asks the dialogue service to render a script.
type GenerateRequest struct {
	RequestID     string             `json:"request_id,omitempty"`
	Script        string             `json:"script"`
	Voices        map[string]string  `json:"voices,omitempty"`
	Speeds        map[string]float64 `json:"speeds,omitempty"`
	AutoAssign    bool               `json:"auto_assign,omitempty"`
	Quality       Quality            `json:"quality"`
	FailurePolicy string             `json:"failure_policy,omitempty"`
	IncludeAudio  bool               `json:"include_audio,omitempty"`
}

// GenerateResponse is the reply to a GenerateRequest. When audio was
// requested it is streamed as AudioChunk messages on AudioSubject before the
// reply is sent.
type GenerateResponse struct {
	RequestID    string         `json:"request_id,omitempty"`
	JobID        string         `json:"job_id,omitempty"`
	Status       string         `json:"status"`
	Method       string         `json:"method,omitempty"`
	Missing      []int          `json:"missing,omitempty"`
	ElapsedMS    int64          `json:"elapsed_ms"`
	SampleRate   int            `json:"sample_rate,omitempty"`
	Encoding     string         `json:"encoding,omitempty"`
	AudioSubject string         `json:"audio_subject,omitempty"`
	AudioChunks  int            `json:"audio_chunks,omitempty"`
	AudioBytes   int            `json:"audio_bytes,omitempty"`
	Record       *preset.Record `json:"record,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// AudioChunk carries one slice of a rendered dialogue's PCM. Sequence starts
// at zero and the last chunk has Final set.
type AudioChunk struct {
	RequestID  string `json:"request_id,omitempty"`
	JobID      string `json:"job_id"`
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SegmentDone reports progress as each segment finishes.
type SegmentDone struct {
	RequestID string `json:"request_id,omitempty"`
	JobID     string `json:"job_id"`
	Index     int    `json:"index"`
	Speaker   string `json:"speaker"`
	Status    string `json:"status"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

// GenerateDone is broadcast when a render finishes.
type GenerateDone struct {
	RequestID string    `json:"request_id,omitempty"`
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Missing   []int     `json:"missing,omitempty"`
	ElapsedMS int64     `json:"elapsed_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Capability is one thing a renderer node can do.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeAnnounce is published when a renderer joins the bus.
type NodeAnnounce struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// NodeHeartbeat keeps a renderer marked healthy.
type NodeHeartbeat struct {
	NodeID     string    `json:"node_id"`
	ActiveJobs int       `json:"active_jobs"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectGenerateRequest = "dialogue.generate.request"
	SubjectSegmentDone     = "dialogue.segment.done"
	SubjectGenerateDone    = "dialogue.generate.done"
	SubjectNodeAnnounce    = "dialogue.node.announce"
	// SubjectAudio is suffixed with the request id, or the job id when the
	// request has none.
	SubjectAudio = "dialogue.audio"
	// SubjectNodeHeartbeat is suffixed with the node id.
	SubjectNodeHeartbeat = "dialogue.node.heartbeat"
)
