package voice

import (
	"errors"
	"fmt"
	"maps"
)

const (
	DefaultSpeed = 1.0
	MinSpeed     = 0.7
	MaxSpeed     = 2.0
)

var ErrSpeedOutOfRange = fmt.Errorf("speed must be between %.1f and %.1f", MinSpeed, MaxSpeed)

// ValidateSpeed rejects speeds outside [MinSpeed, MaxSpeed].
func ValidateSpeed(speed float64) error {
	if speed < MinSpeed || speed > MaxSpeed {
		return ErrSpeedOutOfRange
	}
	return nil
}

// Assignments maps speakers to voices and speeds.
type Assignments struct {
	Voices map[string]string  `json:"voices" yaml:"voices"`
	Speeds map[string]float64 `json:"speeds,omitempty" yaml:"speeds,omitempty"`
}

// Clone returns a deep copy with non-nil maps.
func (a Assignments) Clone() Assignments {
	out := Assignments{
		Voices: make(map[string]string, len(a.Voices)),
		Speeds: make(map[string]float64, len(a.Speeds)),
	}
	maps.Copy(out.Voices, a.Voices)
	maps.Copy(out.Speeds, a.Speeds)
	return out
}

// VoiceFor returns the voice assigned to speaker, if any.
func (a Assignments) VoiceFor(speaker string) (string, bool) {
	id, ok := a.Voices[speaker]
	return id, ok && id != ""
}

// SpeedFor returns the speaker's speed, DefaultSpeed when unset.
func (a Assignments) SpeedFor(speaker string) float64 {
	if s, ok := a.Speeds[speaker]; ok && s > 0 {
		return s
	}
	return DefaultSpeed
}

// Missing lists speakers without a voice, preserving input order.
func (a Assignments) Missing(speakers []string) []string {
	var missing []string
	for _, sp := range speakers {
		if _, ok := a.VoiceFor(sp); !ok {
			missing = append(missing, sp)
		}
	}
	return missing
}

// CheckSpeeds validates every speed assigned to one of speakers.
func (a Assignments) CheckSpeeds(speakers []string) error {
	var errs []error
	for _, sp := range speakers {
		if s, ok := a.Speeds[sp]; ok {
			if err := ValidateSpeed(s); err != nil {
				errs = append(errs, fmt.Errorf("speaker %q speed %.2f: %w", sp, s, err))
			}
		}
	}
	return errors.Join(errs...)
}

// SpeakerDefault is a preferred voice and speed for a well-known speaker.
type SpeakerDefault struct {
	VoiceID string  `json:"voice_id" yaml:"voice_id"`
	Speed   float64 `json:"speed" yaml:"speed"`
}

// Defaults is keyed by literal speaker name.
type Defaults map[string]SpeakerDefault

// Resolution is the result of Resolve.
type Resolution struct {
	Assignments Assignments `json:"assignments"`
	Unassigned  []string    `json:"unassigned,omitempty"`
}

// Resolve fills in voices and speeds for speakers that have none. Existing
// entries are kept as they are, including entries for speakers that are no
// longer in the script. The inputs are not modified.
func Resolve(speakers []string, existing Assignments, catalog []Voice, defaults Defaults) Resolution {
	out := existing.Clone()

	used := make(map[string]struct{}, len(out.Voices))
	for _, id := range out.Voices {
		if id != "" {
			used[id] = struct{}{}
		}
	}

	var unassigned []string
	for _, sp := range speakers {
		def, hasDefault := defaults[sp]

		if _, ok := out.VoiceFor(sp); !ok {
			id := ""
			if hasDefault && def.VoiceID != "" {
				if _, inCatalog := Find(catalog, def.VoiceID); inCatalog {
					id = def.VoiceID
				}
			}
			if id == "" {
				id = firstFree(catalog, used)
			}
			if id == "" {
				unassigned = append(unassigned, sp)
			} else {
				out.Voices[sp] = id
				used[id] = struct{}{}
			}
		}

		if _, ok := out.Speeds[sp]; !ok {
			speed := DefaultSpeed
			if hasDefault && def.Speed > 0 && ValidateSpeed(def.Speed) == nil {
				speed = def.Speed
			}
			out.Speeds[sp] = speed
		}
	}

	return Resolution{Assignments: out, Unassigned: unassigned}
}

func firstFree(catalog []Voice, used map[string]struct{}) string {
	for _, cloned := range []bool{true, false} {
		for _, v := range catalog {
			if (v.Type == TypeCloned) != cloned {
				continue
			}
			if _, taken := used[v.ID]; !taken {
				return v.ID
			}
		}
	}
	return ""
}
