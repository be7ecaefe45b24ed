// Package stateread implements component C: the state.read aggregation
// query — latest event per (set,label), with deterministic ordering,
// pagination, and removal-hiding (spec.md §4.C).
package stateread

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vstream/roomevents/internal/metrics"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/storage"
)

const (
	maxSets  = 10
	maxLimit = 100
)

// Service implements state.read.
type Service struct {
	DB storage.Database
}

// Request is the state.read contract of spec.md §4.C.
type Request struct {
	RoomID             uuid.UUID
	Sets               []string
	OccurredAt         *int64 // pivot: latest-per-label computed against occurred_at <= pivot
	OriginalOccurredAt *int64 // pagination cursor
	Backward           bool
	Limit              int
}

// SetResult is the tagged payload variant per spec.md §9: a set whose
// latest-per-label result collapses to a single unlabeled event reports
// Single; any other set reports List, with HasNext only populated when the
// caller requested exactly one set.
type SetResult struct {
	Single  *roomapi.Event  `json:"single,omitempty"`
	List    []roomapi.Event `json:"list,omitempty"`
	HasNext *bool           `json:"has_next,omitempty"`
}

// Read runs state.read across up to 10 sets, returning one SetResult per
// requested set.
func (s *Service) Read(ctx context.Context, req Request) (map[string]SetResult, error) {
	if len(req.Sets) == 0 || len(req.Sets) > maxSets {
		metrics.StateReads.WithLabelValues("invalid_sets").Inc()
		return nil, problem.New(problem.InvalidStateSets, "sets must contain between 1 and 10 entries")
	}
	limit := req.Limit
	if limit <= 0 || limit > maxLimit {
		limit = maxLimit
	}

	dir := storage.Forward
	if req.Backward {
		dir = storage.Backward
	}
	var cursor *storage.PerLabelCursor
	if req.OriginalOccurredAt != nil {
		cursor = &storage.PerLabelCursor{OriginalOccurredAt: *req.OriginalOccurredAt}
	}

	out := make(map[string]SetResult, len(req.Sets))
	singleSet := len(req.Sets) == 1

	for _, set := range req.Sets {
		events, hasNext, err := s.DB.LatestPerLabel(ctx, req.RoomID, set, req.OccurredAt, cursor, dir, limit)
		if err != nil {
			metrics.StateReads.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("stateread: latest per label for set %q: %w", set, err)
		}

		res := SetResult{}
		if len(events) == 1 && events[0].Label == nil {
			ev := events[0]
			res.Single = &ev
		} else {
			res.List = events
		}
		if singleSet {
			hn := hasNext
			res.HasNext = &hn
		}
		out[set] = res
	}

	metrics.StateReads.WithLabelValues("ok").Inc()
	return out, nil
}
