package voice

import (
	"context"
	"slices"
	"strings"
)

// Type distinguishes stock voices from user-cloned ones.
type Type string

const (
	TypePreset Type = "preset"
	TypeCloned Type = "cloned"
)

// ParseType maps backend type labels such as "Cloned Voice" onto Type.
func ParseType(label string) Type {
	if strings.Contains(strings.ToLower(label), "clone") {
		return TypeCloned
	}
	return TypePreset
}

// Voice is a catalog entry.
type Voice struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Type     Type     `json:"type" yaml:"type"`
	LangCode string   `json:"lang_code" yaml:"lang_code"`
	Tags     []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Catalog lists the voices a synthesis backend offers.
type Catalog interface {
	List(ctx context.Context) ([]Voice, error)
}

// Find returns the voice with the given id.
func Find(voices []Voice, id string) (Voice, bool) {
	for _, v := range voices {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}

// FilterByLanguage keeps voices for lang; "" and "all" keep everything.
func FilterByLanguage(voices []Voice, lang string) []Voice {
	if lang == "" || lang == "all" {
		return slices.Clone(voices)
	}
	var out []Voice
	for _, v := range voices {
		if v.LangCode == lang {
			out = append(out, v)
		}
	}
	return out
}

// Languages returns the sorted distinct language codes in the catalog.
func Languages(voices []Voice) []string {
	seen := make(map[string]struct{})
	var langs []string
	for _, v := range voices {
		if v.LangCode == "" {
			continue
		}
		if _, ok := seen[v.LangCode]; ok {
			continue
		}
		seen[v.LangCode] = struct{}{}
		langs = append(langs, v.LangCode)
	}
	slices.Sort(langs)
	return langs
}

// StaticCatalog serves a fixed list, typically from configuration.
type StaticCatalog struct {
	voices []Voice
}

func NewStaticCatalog(voices []Voice) *StaticCatalog {
	return &StaticCatalog{voices: slices.Clone(voices)}
}

func (c *StaticCatalog) List(ctx context.Context) ([]Voice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(c.voices), nil
}
