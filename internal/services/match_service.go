package services

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"transcom-sync/internal/config"
	"transcom-sync/internal/models"
	"transcom-sync/internal/repository"
	"transcom-sync/internal/spatial"
	"transcom-sync/pkg/logging"
	"transcom-sync/pkg/metrics"
)

// MatchService links unmatched events to their nearest reference segment
type MatchService struct {
	repo    repository.EventRepository
	cfg     config.MatchConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// MatchResult contains match cycle statistics
type MatchResult struct {
	Candidates      int
	Segments        int
	InvalidSegments int
	Matched         int   // candidates with a segment in range
	Assigned        int64 // rows actually written; lower when another matcher won
	Unmatched       int
	Duration        time.Duration
}

// NewMatchService creates a new match service
func NewMatchService(repo repository.EventRepository, cfg config.MatchConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *MatchService {
	return &MatchService{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// MatchUnmatched runs one match cycle over events lacking a segment. A nil
// watermark considers every unmatched event. Events without a segment in
// range stay unmatched and are picked up again by the next cycle.
func (s *MatchService) MatchUnmatched(ctx context.Context, watermark *time.Time) (*MatchResult, error) {
	timer := s.metrics.NewTimer(s.metrics.MatchDuration)
	result := &MatchResult{}
	defer func() {
		result.Duration = timer.ObserveDuration()
	}()

	fields := logging.Fields{"buffer_radius": s.cfg.BufferRadius}
	if watermark != nil {
		fields["watermark"] = watermark.Format(models.WindowLayout)
	}
	s.logger.Info(ctx, "[MATCH_START] Selecting unmatched events", fields)

	candidates, err := s.repo.UnmatchedCandidates(ctx, watermark)
	if err != nil {
		return nil, err
	}
	result.Candidates = len(candidates)
	s.metrics.MatchCandidates.Set(float64(len(candidates)))

	if len(candidates) == 0 {
		s.logger.Info(ctx, "[MATCH_COMPLETE] No unmatched events", logging.Fields{})
		return result, nil
	}

	points := make([]orb.Point, len(candidates))
	for i, c := range candidates {
		points[i] = orb.Point{c.Longitude, c.Latitude}
	}

	envelope, _ := spatial.Envelope(points, 2*s.cfg.BufferRadius)
	segments, err := s.repo.SegmentsWithin(ctx, envelope)
	if err != nil {
		return nil, err
	}
	result.Segments = len(segments)

	matcher := spatial.NewMatcher(s.cfg.BufferRadius, s.cfg.CellSize)
	for _, seg := range segments {
		if err := matcher.AddWKB(seg.ID, seg.Geometry); err != nil {
			result.InvalidSegments++
			s.logger.Warn(ctx, "[MATCH_SEGMENT_SKIPPED] Segment geometry unusable", logging.Fields{
				"segment_id": seg.ID,
				"error":      err.Error(),
			})
		}
	}

	matches := make([]models.SegmentMatch, 0, len(candidates))
	for i, c := range candidates {
		m, ok := matcher.Nearest(points[i])
		if !ok {
			continue
		}
		matches = append(matches, models.SegmentMatch{
			EventID:   c.EventID,
			SegmentID: m.SegmentID,
			Distance:  m.Distance,
		})
	}
	result.Matched = len(matches)
	result.Unmatched = result.Candidates - result.Matched

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batchSize := s.cfg.BatchSize
	if batchSize < 1 {
		batchSize = len(matches)
	}
	for start := 0; start < len(matches); start += batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := min(start+batchSize, len(matches))
		n, err := s.repo.AssignSegments(ctx, matches[start:end])
		if err != nil {
			return result, fmt.Errorf("failed to write matches %d-%d: %w", start, end, err)
		}
		result.Assigned += n
	}

	s.metrics.MatchedTotal.Add(float64(result.Assigned))
	s.metrics.UnmatchedTotal.Add(float64(result.Unmatched))

	s.logger.Info(ctx, "[MATCH_COMPLETE] Match cycle finished", logging.Fields{
		"candidates":       result.Candidates,
		"segments":         result.Segments,
		"invalid_segments": result.InvalidSegments,
		"matched":          result.Matched,
		"assigned":         result.Assigned,
		"unmatched":        result.Unmatched,
	})

	return result, nil
}
