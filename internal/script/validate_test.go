package script

import (
	"math"
	"strings"
	"testing"
)

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestValidateEmptyScript(t *testing.T) {
	v := Validate("")
	if v.IsValid {
		t.Fatal("empty script must be invalid")
	}
	if len(v.Errors) == 0 {
		t.Fatal("expected at least one error")
	}
	if got := EstimateDuration(""); got != 0 {
		t.Fatalf("expected 0 duration, got %v", got)
	}
}

func TestValidateEmptySegmentText(t *testing.T) {
	v := Validate("<A> Hi\n<B>\n<A> again")
	if v.IsValid {
		t.Fatal("expected invalid script")
	}
	if len(v.Errors) != 1 || !strings.Contains(v.Errors[0], "line 2") {
		t.Fatalf("unexpected errors: %v", v.Errors)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	v := Validate("<A\n<>\n<B>\n<C> ok")
	if v.IsValid {
		t.Fatal("expected invalid script")
	}
	if len(v.Errors) != 3 {
		t.Fatalf("expected 3 errors, got %v", v.Errors)
	}
	for i, want := range []string{ReasonUnterminatedTag, ReasonEmptySpeaker, ReasonEmptyText} {
		if !strings.Contains(v.Errors[i], want) {
			t.Fatalf("error %d: expected %q, got %q", i, want, v.Errors[i])
		}
	}
}

func TestValidateScriptWithoutTags(t *testing.T) {
	v := Validate("just some prose\nwith no speakers")
	if v.IsValid {
		t.Fatal("untagged script must be invalid")
	}
	if len(v.Errors) != 1 {
		t.Fatalf("expected one error, got %v", v.Errors)
	}
}

func TestValidateAcceptsSample(t *testing.T) {
	v := Validate(Sample)
	if !v.IsValid {
		t.Fatalf("sample script should be valid: %v", v.Errors)
	}
}

func TestEstimateDurationIsMonotonic(t *testing.T) {
	var b strings.Builder
	b.WriteString("<A>")
	prev := EstimateDuration(b.String())
	for i := 0; i < 400; i++ {
		b.WriteString(" word")
		got := EstimateDuration(b.String())
		if got < prev {
			t.Fatalf("estimate decreased at %d words: %v < %v", i+1, got, prev)
		}
		prev = got
	}
	if !approx(prev, 160) {
		t.Fatalf("unexpected estimate for 400 words: %v", prev)
	}
}

func TestEstimateDurationIgnoresTags(t *testing.T) {
	if got := EstimateDurationAt("<Alex> one two three", 60); !approx(got, 3) {
		t.Fatalf("expected 3 seconds, got %v", got)
	}
	if got := EstimateDurationAt("one two", 0); !approx(got, 0.8) {
		t.Fatalf("non-positive rate should fall back to default, got %v", got)
	}
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats("<A> Hi there\n<B> Hello", 150)
	if stats.Lines != 2 || stats.Words != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.Speakers) != 2 {
		t.Fatalf("unexpected speakers: %v", stats.Speakers)
	}
	if stats.Characters != len("<A> Hi there\n<B> Hello") {
		t.Fatalf("unexpected character count %d", stats.Characters)
	}
}
