package dialogue

import (
	"fmt"
	"strings"
)

// ValidationError is returned when a script cannot be rendered.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid script: " + strings.Join(e.Problems, "; ")
}

// AssignmentIncompleteError names the speakers that have no voice.
type AssignmentIncompleteError struct {
	Speakers []string
}

func (e *AssignmentIncompleteError) Error() string {
	return "no voice assigned for: " + strings.Join(e.Speakers, ", ")
}

// SynthesisError reports a failed segment.
type SynthesisError struct {
	Index   int
	Speaker string
	Err     error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("segment %d (%s): %v", e.Index, e.Speaker, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }
