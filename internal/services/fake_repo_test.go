package services

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"transcom-sync/internal/models"
	"transcom-sync/internal/repository"
)

// fakeRepo is an in-memory EventRepository. Merge applies the same
// latest-open-time rule as the SQL upsert; segment writes honour the null guard.
type fakeRepo struct {
	mu        sync.Mutex
	events    map[string]*models.Event
	segments  []models.Segment
	merges    int
	vacuums   int
	assigned  [][]models.SegmentMatch
	latestErr error
	mergeErr  error

	// preempt runs before AssignSegments writes, to simulate a concurrent matcher.
	preempt func(f *fakeRepo)
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: make(map[string]*models.Event)}
}

func (f *fakeRepo) addSegment(id string, g orb.Geometry) {
	data, err := wkb.Marshal(g)
	if err != nil {
		panic(err)
	}
	f.segments = append(f.segments, models.Segment{ID: id, Geometry: data})
}

func (f *fakeRepo) MergeEvents(ctx context.Context, events iter.Seq2[*models.Event, error]) (*repository.MergeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mergeErr != nil {
		return nil, &models.MergeError{Stage: "copy", Err: f.mergeErr}
	}

	batch := make(map[string]*models.Event)
	var staged int64
	for ev, err := range events {
		if err != nil {
			return nil, &models.MergeError{Stage: "copy", Err: err}
		}
		staged++
		prev, ok := batch[ev.EventID]
		if !ok || !openBefore(ev, prev) {
			batch[ev.EventID] = ev
		}
	}

	res := &repository.MergeResult{Staged: staged, Distinct: int64(len(batch))}
	for id, ev := range batch {
		cp := *ev
		if old, ok := f.events[id]; ok {
			cp.SegmentID = old.SegmentID
			res.Updated++
		} else {
			res.Inserted++
		}
		f.events[id] = &cp
	}
	f.merges++
	return res, nil
}

// openBefore reports whether a loses to b: a null open_time loses, otherwise
// the earlier one loses; equal times go to the later arrival (a).
func openBefore(a, b *models.Event) bool {
	switch {
	case a.OpenTime == nil && b.OpenTime == nil:
		return false
	case a.OpenTime == nil:
		return true
	case b.OpenTime == nil:
		return false
	default:
		return a.OpenTime.Before(*b.OpenTime)
	}
}

func (f *fakeRepo) latest(pick func(*models.Event) *time.Time) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return nil, f.latestErr
	}
	var best *time.Time
	for _, ev := range f.events {
		if t := pick(ev); t != nil && (best == nil || t.After(*best)) {
			best = t
		}
	}
	return best, nil
}

func (f *fakeRepo) LatestCreation(ctx context.Context) (*time.Time, error) {
	return f.latest(func(e *models.Event) *time.Time { return e.Creation })
}

func (f *fakeRepo) LatestOpenTime(ctx context.Context) (*time.Time, error) {
	return f.latest(func(e *models.Event) *time.Time { return e.OpenTime })
}

func (f *fakeRepo) UnmatchedCandidates(ctx context.Context, watermark *time.Time) ([]models.MatchCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.MatchCandidate
	for _, ev := range f.events {
		if ev.SegmentID != nil || !ev.HasLocation() {
			continue
		}
		if watermark != nil && (ev.CloseTime == nil || ev.CloseTime.Before(*watermark)) {
			continue
		}
		out = append(out, models.MatchCandidate{EventID: ev.EventID, Longitude: *ev.Longitude, Latitude: *ev.Latitude})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (f *fakeRepo) SegmentsWithin(ctx context.Context, bound orb.Bound) ([]models.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Segment
	for _, s := range f.segments {
		g, err := wkb.Unmarshal(s.Geometry)
		if err != nil || g.Bound().Intersects(bound) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) AssignSegments(ctx context.Context, matches []models.SegmentMatch) (int64, error) {
	if f.preempt != nil {
		f.preempt(f)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.assigned = append(f.assigned, matches)
	var n int64
	for _, m := range matches {
		ev, ok := f.events[m.EventID]
		if !ok || ev.SegmentID != nil {
			continue
		}
		id := m.SegmentID
		ev.SegmentID = &id
		n++
	}
	return n, nil
}

func (f *fakeRepo) Vacuum(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vacuums++
	return nil
}

func (f *fakeRepo) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeRepo) segmentOf(id string) *string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev, ok := f.events[id]; ok {
		return ev.SegmentID
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
