// Package spatial picks the nearest reference segment for event points.
//
// A segment is a candidate for a point when the point's buffer box and the
// segment's buffer box overlap, the same test PostGIS applies to
// ST_Buffer(a, r) && ST_Buffer(b, r). Among candidates the smallest planar
// distance wins and equal distances go to the lowest segment id.
package spatial

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
)

// minCellSize keeps the grid from degenerating when the radius is tiny.
const minCellSize = 0.01

// ErrEmptyGeometry is returned for segments without coordinates.
var ErrEmptyGeometry = errors.New("empty geometry")

// Match is the winning segment for one point.
type Match struct {
	SegmentID string
	Distance  float64
}

type segment struct {
	id    string
	geom  orb.Geometry
	bound orb.Bound // padded by the radius
}

type cell struct {
	x, y int64
}

// Matcher is an in-memory grid index over buffered segment bounds. Build it
// with Add or AddWKB, then query with Nearest. It is not safe to add while
// querying.
type Matcher struct {
	radius   float64
	cellSize float64
	segments []segment
	grid     map[cell][]int32
}

// NewMatcher creates an empty matcher. A cellSize of zero derives the grid
// cell from the radius.
func NewMatcher(radius, cellSize float64) *Matcher {
	if radius < 0 || math.IsNaN(radius) {
		radius = 0
	}
	if cellSize <= 0 {
		cellSize = math.Max(2*radius, minCellSize)
	}
	return &Matcher{
		radius:   radius,
		cellSize: cellSize,
		grid:     make(map[cell][]int32),
	}
}

// Radius returns the buffer radius.
func (m *Matcher) Radius() float64 { return m.radius }

// Len returns the number of indexed segments.
func (m *Matcher) Len() int { return len(m.segments) }

// AddWKB decodes a WKB geometry and indexes it.
func (m *Matcher) AddWKB(id string, data []byte) error {
	g, err := wkb.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("segment %s: %w", id, err)
	}
	return m.Add(id, g)
}

// Add indexes one segment geometry.
func (m *Matcher) Add(id string, g orb.Geometry) error {
	if g == nil || isEmpty(g) {
		return fmt.Errorf("segment %s: %w", id, ErrEmptyGeometry)
	}

	b := g.Bound().Pad(m.radius)
	idx := int32(len(m.segments))
	m.segments = append(m.segments, segment{id: id, geom: g, bound: b})

	minX, minY := m.cellOf(b.Min)
	maxX, maxY := m.cellOf(b.Max)
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			c := cell{x, y}
			m.grid[c] = append(m.grid[c], idx)
		}
	}
	return nil
}

// Nearest returns the closest segment whose buffer overlaps the buffer of p.
// The second result is false when no segment qualifies.
func (m *Matcher) Nearest(p orb.Point) (Match, bool) {
	if math.IsNaN(p[0]) || math.IsNaN(p[1]) {
		return Match{}, false
	}

	query := orb.Bound{Min: p, Max: p}.Pad(m.radius)
	minX, minY := m.cellOf(query.Min)
	maxX, maxY := m.cellOf(query.Max)

	best := Match{Distance: math.Inf(1)}
	found := false
	seen := make(map[int32]struct{})

	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			for _, idx := range m.grid[cell{x, y}] {
				if _, ok := seen[idx]; ok {
					continue
				}
				seen[idx] = struct{}{}

				s := &m.segments[idx]
				if !s.bound.Intersects(query) {
					continue
				}

				d := planar.DistanceFrom(s.geom, p)
				if d < best.Distance || (d == best.Distance && s.id < best.SegmentID) {
					best = Match{SegmentID: s.id, Distance: d}
					found = true
				}
			}
		}
	}

	return best, found
}

func (m *Matcher) cellOf(p orb.Point) (int64, int64) {
	return int64(math.Floor(p[0] / m.cellSize)), int64(math.Floor(p[1] / m.cellSize))
}

// Envelope returns the bound of points padded by pad. With pad set to twice
// the radius it is the region a segment's bounding box must reach to be a
// candidate for any of the points.
func Envelope(points []orb.Point, pad float64) (orb.Bound, bool) {
	if len(points) == 0 {
		return orb.Bound{}, false
	}
	b := orb.Bound{Min: points[0], Max: points[0]}
	for _, p := range points[1:] {
		b = b.Extend(p)
	}
	return b.Pad(pad), true
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		for _, ls := range v {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		for _, poly := range v {
			if len(poly) > 0 && len(poly[0]) > 0 {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, c := range v {
			if !isEmpty(c) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
