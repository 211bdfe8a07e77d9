package script

import (
	"fmt"
	"slices"
	"strings"
)

// Segment is one speaker-tagged line of dialogue.
type Segment struct {
	Index   int    `json:"index" yaml:"index"`
	Speaker string `json:"speaker" yaml:"speaker"`
	Text    string `json:"text" yaml:"text"`
}

// SpeakerSet holds distinct speakers in order of first appearance.
type SpeakerSet []string

// Contains reports whether name is in the set.
func (s SpeakerSet) Contains(name string) bool {
	return slices.Contains(s, name)
}

// ParseWarning describes a line the parser could not use.
type ParseWarning struct {
	Line   int    `json:"line"`
	Text   string `json:"text"`
	Reason string `json:"reason"`
}

func (w ParseWarning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Reason)
}

// Parsed is the output of Parse.
type Parsed struct {
	Segments []Segment      `json:"segments"`
	Speakers SpeakerSet     `json:"speakers"`
	Warnings []ParseWarning `json:"warnings,omitempty"`
}

const (
	ReasonUnterminatedTag = "unterminated speaker tag"
	ReasonEmptySpeaker    = "empty speaker name"
	ReasonEmptyText       = "speaker tag without dialogue text"
	ReasonOrphanText      = "text without a preceding speaker tag"
)

type entry struct {
	line    int
	speaker string
	text    string
}

// Parse splits a script into segments. Lines look like "<Speaker> text";
// untagged lines continue the previous segment, blank lines are ignored.
func Parse(text string) Parsed {
	entries, warnings := scan(text)

	out := Parsed{Warnings: warnings}
	seen := make(map[string]struct{})
	for _, e := range entries {
		if e.text == "" {
			continue
		}
		out.Segments = append(out.Segments, Segment{
			Index:   len(out.Segments),
			Speaker: e.speaker,
			Text:    e.text,
		})
		if _, ok := seen[e.speaker]; !ok {
			seen[e.speaker] = struct{}{}
			out.Speakers = append(out.Speakers, e.speaker)
		}
	}
	return out
}

func scan(text string) ([]entry, []ParseWarning) {
	var (
		entries  []entry
		warnings []ParseWarning
	)
	current := -1

	for i, raw := range strings.Split(text, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "<") {
			if current < 0 {
				warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: ReasonOrphanText})
				continue
			}
			if entries[current].text == "" {
				entries[current].text = line
			} else {
				entries[current].text += " " + line
			}
			continue
		}

		end := strings.IndexByte(line, '>')
		if end < 0 {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: ReasonUnterminatedTag})
			current = -1
			continue
		}
		speaker := strings.TrimSpace(line[1:end])
		if speaker == "" {
			warnings = append(warnings, ParseWarning{Line: lineNo, Text: line, Reason: ReasonEmptySpeaker})
			current = -1
			continue
		}

		entries = append(entries, entry{
			line:    lineNo,
			speaker: speaker,
			text:    strings.TrimSpace(line[end+1:]),
		})
		current = len(entries) - 1
	}

	for _, e := range entries {
		if e.text == "" {
			warnings = append(warnings, ParseWarning{Line: e.line, Text: "<" + e.speaker + ">", Reason: ReasonEmptyText})
		}
	}
	slices.SortStableFunc(warnings, func(a, b ParseWarning) int { return a.Line - b.Line })
	return entries, warnings
}
