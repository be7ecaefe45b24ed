package adjust

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/vstream/roomevents/pkg/roomapi"
)

// cutPayload is the data shape of a "stream" kind event carrying a
// recording-cut marker: {"cut": "start"} or {"cut": "stop"}.
type cutPayload struct {
	Cut string `json:"cut"`
}

// DetectCutPairs scans events (already sorted by OccurredAt, in R0
// coordinates) for "stream" events carrying a cut marker and pairs each
// start with the next stop in the series (spec.md §4.E step 5). A stop seen
// before any start pairs with 0 ("unpaired from beginning of file"); a start
// left open at the end of the scan pairs with the end of time.
func DetectCutPairs(events []roomapi.Event) []Segment {
	const (
		outside = iota
		insideCut
	)
	state := outside
	var startAt int64
	var pairs []Segment

	for _, e := range events {
		if e.Kind != "stream" {
			continue
		}
		var payload cutPayload
		if err := json.Unmarshal(e.Data, &payload); err != nil {
			continue
		}
		switch payload.Cut {
		case "start":
			if state == outside {
				startAt = e.OccurredAt
				state = insideCut
			}
		case "stop":
			if state == insideCut {
				pairs = append(pairs, Segment{Lo: startAt, Hi: e.OccurredAt})
				state = outside
			} else {
				pairs = append(pairs, Segment{Lo: 0, Hi: e.OccurredAt})
			}
		}
	}
	if state == insideCut {
		pairs = append(pairs, Segment{Lo: startAt, Hi: math.MaxInt64 / 2})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Lo < pairs[j].Lo })
	return pairs
}

// IsCutMarker reports whether e carries a recognized stream cut marker,
// so the modified-room pass can drop the marker events themselves.
func IsCutMarker(e roomapi.Event) bool {
	if e.Kind != "stream" {
		return false
	}
	var payload cutPayload
	if err := json.Unmarshal(e.Data, &payload); err != nil {
		return false
	}
	return payload.Cut == "start" || payload.Cut == "stop"
}
