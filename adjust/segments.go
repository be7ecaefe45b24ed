// Package adjust implements component E: the room-adjust gap-collapse
// algorithm (spec.md §4.E).
package adjust

import (
	"fmt"
	"sort"

	"github.com/vstream/roomevents/pkg/roomapi"
)

// Segment is an alias kept local so the algorithm files read naturally;
// the canonical type lives in roomapi since the edition-commit pipeline
// shares it.
type Segment = roomapi.Segment

// ValidateSegments sorts segments by Lo and rejects empty input or
// overlapping ranges, per spec.md §4.E step 1.
func ValidateSegments(segments []Segment) ([]Segment, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("adjust: segments must be non-empty")
	}
	sorted := make([]Segment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })
	for i, seg := range sorted {
		if seg.Hi <= seg.Lo {
			return nil, fmt.Errorf("adjust: segment %d is empty or inverted", i)
		}
		if i > 0 && seg.Lo < sorted[i-1].Hi {
			return nil, fmt.Errorf("adjust: segment %d overlaps the previous segment", i)
		}
	}
	return sorted, nil
}

// collapsedStarts returns, for each segment, its start position in the
// gap-collapsed coordinate space: collapsedStarts[0] == segments[0].Lo, and
// collapsedStarts[i] == collapsedStarts[i-1] + segments[i-1].Len().
func collapsedStarts(segments []Segment) []int64 {
	starts := make([]int64, len(segments))
	if len(segments) == 0 {
		return starts
	}
	starts[0] = segments[0].Lo
	for i := 1; i < len(segments); i++ {
		starts[i] = starts[i-1] + segments[i-1].Len()
	}
	return starts
}

// CollapseExtent returns the total length of the collapsed timeline: the
// position immediately after the last segment's collapsed end.
func CollapseExtent(segments []Segment) int64 {
	if len(segments) == 0 {
		return 0
	}
	starts := collapsedStarts(segments)
	last := len(segments) - 1
	return starts[last] + segments[last].Len()
}

// CollapsedSegments maps every input segment's own [Lo, Hi) boundary into
// the collapsed coordinate space. Because each segment is contiguous with
// the next once gaps are removed, the result is always a contiguous run.
func CollapsedSegments(segments []Segment) []Segment {
	starts := collapsedStarts(segments)
	out := make([]Segment, len(segments))
	for i, seg := range segments {
		out[i] = Segment{Lo: starts[i], Hi: starts[i] + seg.Len()}
	}
	return out
}

// Collapse maps a raw timestamp t through the gap-collapse procedure against
// segments (spec.md §4.E step 4):
//   - t before segments[0].Lo clamps to segments[0].Lo.
//   - t inside segment i maps to collapsedStarts[i] + (t - segments[i].Lo).
//   - t inside the gap before segment i (i.e. between the previous segment's
//     Hi and this segment's Lo) shifts left to collapsedStarts[i] — "the end
//     of the gap they are in".
//   - t at or past the last segment's Hi clamps to the collapsed extent.
func Collapse(t int64, segments []Segment) int64 {
	if len(segments) == 0 {
		return t
	}
	starts := collapsedStarts(segments)
	cum := starts[0]
	for i, seg := range segments {
		if t < seg.Lo {
			return starts[i]
		}
		if t < seg.Hi {
			return starts[i] + (t - seg.Lo)
		}
		cum = starts[i] + seg.Len()
	}
	return cum
}

// KeepSegmentsExcluding builds the complement of sorted, non-overlapping
// gaps within [0, extent), for use as the "segments to keep" input to
// Collapse when gaps are expressed directly (spec.md §4.E step 6: the
// modified-room pass collapses R0 timestamps using cut-pair intervals as
// gaps).
func KeepSegmentsExcluding(gaps []Segment, extent int64) []Segment {
	var out []Segment
	cursor := int64(0)
	for _, g := range gaps {
		lo, hi := g.Lo, g.Hi
		if lo < cursor {
			lo = cursor
		}
		if hi < lo {
			hi = lo
		}
		if lo > cursor {
			out = append(out, Segment{Lo: cursor, Hi: lo})
		}
		if hi > cursor {
			cursor = hi
		}
	}
	if cursor < extent {
		out = append(out, Segment{Lo: cursor, Hi: extent})
	}
	return out
}

// inAnyCut reports whether t falls inside one of the half-open cut-pair
// intervals: events whose collapsed occurred_at lands there are dropped from
// the modified room entirely, not just re-timed (spec.md §4.E step 6, "drop
// the stream-cut events" plus the worked example's message inside the cut
// window disappearing rather than shifting to a boundary).
func inAnyCut(t int64, cuts []Segment) bool {
	for _, c := range cuts {
		if t >= c.Lo && t < c.Hi {
			return true
		}
	}
	return false
}
