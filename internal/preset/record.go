// Package preset builds and reads generation records: the portable summary
// of one render (script, voices, quality, timing) that can be saved and
// replayed later.
package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loqalabs/loqa-dialogue/internal/script"
	"github.com/loqalabs/loqa-dialogue/internal/voice"
	"gopkg.in/yaml.v3"
)

const FormatVersion = "1.0"

type Metadata struct {
	Timestamp      time.Time `json:"timestamp" yaml:"timestamp"`
	GenerationTime float64   `json:"generationTime" yaml:"generationTime"`
	FormatVersion  string    `json:"formatVersion" yaml:"formatVersion"`
}

type ScriptInfo struct {
	Content           string   `json:"content" yaml:"content"`
	TotalLines        int      `json:"totalLines" yaml:"totalLines"`
	TotalSpeakers     int      `json:"totalSpeakers" yaml:"totalSpeakers"`
	Speakers          []string `json:"speakers" yaml:"speakers"`
	EstimatedDuration float64  `json:"estimatedDuration" yaml:"estimatedDuration"`
	WordCount         int      `json:"wordCount" yaml:"wordCount"`
	CharacterCount    int      `json:"characterCount" yaml:"characterCount"`
}

type VoiceInfo struct {
	VoiceID   string  `json:"voiceId" yaml:"voiceId"`
	VoiceName string  `json:"voiceName" yaml:"voiceName"`
	VoiceType string  `json:"voiceType" yaml:"voiceType"`
	Language  string  `json:"language" yaml:"language"`
	Speed     float64 `json:"speed" yaml:"speed"`
}

type QualitySettings struct {
	SamplingRate  int    `json:"samplingRate" yaml:"samplingRate"`
	Encoding      string `json:"encoding" yaml:"encoding"`
	StreamingMode string `json:"streamingMode" yaml:"streamingMode"`
	UseParallel   bool   `json:"useParallel" yaml:"useParallel"`
}

type Performance struct {
	GenerationTimeSeconds   float64 `json:"generationTimeSeconds" yaml:"generationTimeSeconds"`
	GenerationTimeFormatted string  `json:"generationTimeFormatted" yaml:"generationTimeFormatted"`
	ProcessingMethod        string  `json:"processingMethod" yaml:"processingMethod"`
	MissingSegments         []int   `json:"missingSegments" yaml:"missingSegments"`
}

// Record is the generation record exported after a render.
type Record struct {
	Metadata        Metadata             `json:"metadata" yaml:"metadata"`
	Script          ScriptInfo           `json:"script" yaml:"script"`
	Voices          map[string]VoiceInfo `json:"voices" yaml:"voices"`
	QualitySettings QualitySettings      `json:"qualitySettings" yaml:"qualitySettings"`
	Performance     Performance          `json:"performance" yaml:"performance"`
}

// Input carries everything Build needs. Catalog is used only to look up
// voice names, types and languages.
type Input struct {
	Script         string
	Speakers       []string
	Assignments    voice.Assignments
	Catalog        []voice.Voice
	Quality        QualitySettings
	Method         string
	Elapsed        time.Duration
	Missing        []int
	Timestamp      time.Time
	WordsPerMinute int
}

// Build assembles a Record. It performs no I/O.
func Build(in Input) Record {
	stats := script.ComputeStats(in.Script, in.WordsPerMinute)
	seconds := in.Elapsed.Seconds()

	speakers := append([]string{}, in.Speakers...)
	voices := make(map[string]VoiceInfo, len(speakers))
	for _, sp := range speakers {
		id, _ := in.Assignments.VoiceFor(sp)
		info := VoiceInfo{
			VoiceID:   id,
			VoiceName: "Unknown",
			VoiceType: "Unknown",
			Language:  "Unknown",
			Speed:     in.Assignments.SpeedFor(sp),
		}
		if v, ok := voice.Find(in.Catalog, id); ok {
			info.VoiceName = v.Name
			info.VoiceType = string(v.Type)
			if v.LangCode != "" {
				info.Language = v.LangCode
			}
		}
		voices[sp] = info
	}

	missing := append([]int{}, in.Missing...)
	return Record{
		Metadata: Metadata{
			Timestamp:      in.Timestamp.UTC(),
			GenerationTime: seconds,
			FormatVersion:  FormatVersion,
		},
		Script: ScriptInfo{
			Content:           in.Script,
			TotalLines:        stats.Lines,
			TotalSpeakers:     len(speakers),
			Speakers:          speakers,
			EstimatedDuration: stats.EstimatedDuration,
			WordCount:         stats.Words,
			CharacterCount:    stats.Characters,
		},
		Voices:          voices,
		QualitySettings: in.Quality,
		Performance: Performance{
			GenerationTimeSeconds:   seconds,
			GenerationTimeFormatted: FormatSeconds(in.Elapsed),
			ProcessingMethod:        in.Method,
			MissingSegments:         missing,
		},
	}
}

// FormatSeconds renders a duration as seconds with one decimal, e.g. "12.3s".
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

var ErrUnsupportedVersion = errors.New("unsupported preset format version")

// Marshal encodes a record as indented JSON or YAML.
func Marshal(r Record, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatJSON, "":
		return json.MarshalIndent(r, "", "  ")
	case FormatYAML, "yml":
		return yaml.Marshal(r)
	default:
		return nil, fmt.Errorf("unknown preset format %q", format)
	}
}

// Unmarshal decodes a JSON or YAML record. Records with a different major
// format version are rejected.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	trimmed := strings.TrimSpace(string(data))
	var err error
	if strings.HasPrefix(trimmed, "{") {
		err = json.Unmarshal(data, &r)
	} else {
		err = yaml.Unmarshal(data, &r)
	}
	if err != nil {
		return Record{}, fmt.Errorf("decode preset: %w", err)
	}
	if major(r.Metadata.FormatVersion) != major(FormatVersion) {
		return Record{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.Metadata.FormatVersion)
	}
	return r, nil
}

func major(version string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(version), ".")
	return head
}

var nonWord = regexp.MustCompile(`[^\w]`)

// Filename returns the download name for a record, e.g.
// voice-preset_2024-05-01_longform_parallel_12.3s.json.
func Filename(r Record) string {
	date := r.Metadata.Timestamp.UTC().Format("2006-01-02")
	method := nonWord.ReplaceAllString(r.Performance.ProcessingMethod, "_")
	return fmt.Sprintf("voice-preset_%s_%s_%s.json", date, method, r.Performance.GenerationTimeFormatted)
}

// Replay reconstructs the inputs of the render a record describes.
func Replay(r Record) (string, voice.Assignments, QualitySettings) {
	a := voice.Assignments{
		Voices: make(map[string]string, len(r.Voices)),
		Speeds: make(map[string]float64, len(r.Voices)),
	}
	for sp, info := range r.Voices {
		if info.VoiceID == "" {
			continue
		}
		a.Voices[sp] = info.VoiceID
		if info.Speed > 0 {
			a.Speeds[sp] = info.Speed
		}
	}
	return r.Script.Content, a, r.QualitySettings
}
