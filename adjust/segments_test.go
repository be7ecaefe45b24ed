package adjust

import "testing"

func TestValidateSegmentsSortsAndRejectsOverlap(t *testing.T) {
	in := []Segment{{Lo: 55000, Hi: 70000}, {Lo: 0, Hi: 45000}}
	out, err := ValidateSegments(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Lo != 0 || out[1].Lo != 55000 {
		t.Fatalf("expected sorted output, got %+v", out)
	}

	if _, err := ValidateSegments(nil); err == nil {
		t.Fatal("expected error for empty segments")
	}
	if _, err := ValidateSegments([]Segment{{Lo: 0, Hi: 50}, {Lo: 40, Hi: 100}}); err == nil {
		t.Fatal("expected error for overlapping segments")
	}
	if _, err := ValidateSegments([]Segment{{Lo: 10, Hi: 10}}); err == nil {
		t.Fatal("expected error for empty segment")
	}
}

// TestCollapseScenarioC mirrors the two-segment capture in spec.md's room
// adjust scenario: segments [0,45000) and [55000,70000) with a 10000ms gap
// between them.
func TestCollapseScenarioC(t *testing.T) {
	segments := []Segment{{Lo: 0, Hi: 45000}, {Lo: 55000, Hi: 70000}}

	cases := []struct {
		name string
		in   int64
		want int64
	}{
		{"inside first segment", 10000, 10000},
		{"inside first segment near boundary", 40000, 40000},
		{"inside the gap", 50000, 45000},
		{"inside second segment", 60000, 50000},
		{"before first segment", -500, 0},
		{"past last segment", 100000, 60000},
	}
	for _, tc := range cases {
		if got := Collapse(tc.in, segments); got != tc.want {
			t.Errorf("%s: Collapse(%d) = %d, want %d", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestCollapseExtentAndCollapsedSegments(t *testing.T) {
	segments := []Segment{{Lo: 0, Hi: 45000}, {Lo: 55000, Hi: 70000}}
	if got := CollapseExtent(segments); got != 60000 {
		t.Fatalf("CollapseExtent = %d, want 60000", got)
	}
	collapsed := CollapsedSegments(segments)
	want := []Segment{{Lo: 0, Hi: 45000}, {Lo: 45000, Hi: 60000}}
	for i, s := range collapsed {
		if s != want[i] {
			t.Fatalf("CollapsedSegments[%d] = %+v, want %+v", i, s, want[i])
		}
	}
}

func TestCollapseNoSegmentsIsIdentity(t *testing.T) {
	if got := Collapse(12345, nil); got != 12345 {
		t.Fatalf("Collapse with no segments should be identity, got %d", got)
	}
}

func TestKeepSegmentsExcluding(t *testing.T) {
	gaps := []Segment{{Lo: 20000, Hi: 40000}}
	keep := KeepSegmentsExcluding(gaps, 60000)
	want := []Segment{{Lo: 0, Hi: 20000}, {Lo: 40000, Hi: 60000}}
	if len(keep) != len(want) {
		t.Fatalf("KeepSegmentsExcluding = %+v, want %+v", keep, want)
	}
	for i, s := range keep {
		if s != want[i] {
			t.Fatalf("KeepSegmentsExcluding[%d] = %+v, want %+v", i, s, want[i])
		}
	}
}

func TestKeepSegmentsExcludingNoGaps(t *testing.T) {
	keep := KeepSegmentsExcluding(nil, 1000)
	if len(keep) != 1 || keep[0] != (Segment{Lo: 0, Hi: 1000}) {
		t.Fatalf("expected single full-range segment, got %+v", keep)
	}
}
