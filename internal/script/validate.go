package script

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// WordsPerMinute is the speaking rate used by EstimateDuration.
const WordsPerMinute = 150

var tagPattern = regexp.MustCompile(`<[^>\n]*>`)

// Validation lists every problem found in a script.
type Validation struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors"`
}

// Validate checks that the script is non-empty, that every tag is
// well-formed and that every tagged line carries dialogue text.
func Validate(text string) Validation {
	if strings.TrimSpace(text) == "" {
		return Validation{Errors: []string{"script is empty"}}
	}

	entries, warnings := scan(text)
	errs := make([]string, 0, len(warnings))
	for _, w := range warnings {
		if w.Reason == ReasonOrphanText {
			continue
		}
		errs = append(errs, w.String())
	}
	if len(entries) == 0 {
		errs = append(errs, "no speaker tags found; lines must look like <Speaker> text")
	}
	return Validation{IsValid: len(errs) == 0, Errors: errs}
}

// EstimateDuration approximates spoken length in seconds at WordsPerMinute.
func EstimateDuration(text string) float64 {
	return EstimateDurationAt(text, WordsPerMinute)
}

// EstimateDurationAt approximates spoken length in seconds at the given rate.
// Speaker tags are not counted as words.
func EstimateDurationAt(text string, wordsPerMinute int) float64 {
	if wordsPerMinute <= 0 {
		wordsPerMinute = WordsPerMinute
	}
	return float64(CountWords(text)) / float64(wordsPerMinute) * 60
}

// CountWords counts whitespace-separated dialogue words, ignoring tags.
func CountWords(text string) int {
	return len(strings.Fields(tagPattern.ReplaceAllString(text, " ")))
}

// Stats summarises a script for display and for generation records.
type Stats struct {
	Characters        int        `json:"characters"`
	Words             int        `json:"words"`
	Lines             int        `json:"lines"`
	Speakers          SpeakerSet `json:"speakers"`
	EstimatedDuration float64    `json:"estimated_duration"`
}

func ComputeStats(text string, wordsPerMinute int) Stats {
	parsed := Parse(text)
	return Stats{
		Characters:        utf8.RuneCountInString(text),
		Words:             CountWords(text),
		Lines:             len(parsed.Segments),
		Speakers:          parsed.Speakers,
		EstimatedDuration: EstimateDurationAt(text, wordsPerMinute),
	}
}
