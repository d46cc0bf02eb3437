package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Entry is the indexed view of an available driver.
type Entry struct {
	DriverID  string
	Loc       models.Coord
	Class     models.VehicleClass
	Heartbeat time.Time
	// Version is the availability record version that produced this entry.
	// Updates carrying an older version than the last one applied are ignored.
	Version int64
}

type Candidate struct {
	DriverID  string  `json:"driver_id"`
	DistanceM float64 `json:"distance_m"`
}

type Query struct {
	Point   models.Coord
	RadiusM float64
	// Class filters by vehicle class; empty matches every class.
	Class models.VehicleClass
	// FreshSince excludes entries whose heartbeat is older. Zero disables it.
	FreshSince time.Time
	// Limit caps the result size; zero means unlimited.
	Limit int
}

// Index is the spatial index of available drivers consulted by dispatch.
// Nearby returns candidates nearest first, ties broken by lower driver ID,
// and an empty slice when nothing matches.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Remove(ctx context.Context, driverID string, version int64) error
	Nearby(ctx context.Context, q Query) ([]Candidate, error)
}

type cellKey struct{ lat, lon int }

// GridIndex buckets drivers into fixed-size lat/lon cells so a move only
// touches two buckets and a query only scans the cells its radius covers.
type GridIndex struct {
	mu       sync.RWMutex
	cellDeg  float64
	lonCells int
	cells    map[cellKey]map[string]struct{}
	entries  map[string]Entry
	versions map[string]int64
}

// NewGridIndex builds an index with the given cell edge in degrees. Values
// outside (0, 10] fall back to 0.01 (roughly 1.1km at the equator).
func NewGridIndex(cellDeg float64) *GridIndex {
	if cellDeg <= 0 || cellDeg > 10 {
		cellDeg = 0.01
	}
	return &GridIndex{
		cellDeg:  cellDeg,
		lonCells: int(math.Ceil(360 / cellDeg)),
		cells:    make(map[cellKey]map[string]struct{}),
		entries:  make(map[string]Entry),
		versions: make(map[string]int64),
	}
}

func (g *GridIndex) Upsert(_ context.Context, e Entry) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.versions[e.DriverID]; ok && e.Version < v {
		return nil
	}
	g.versions[e.DriverID] = e.Version
	if old, ok := g.entries[e.DriverID]; ok {
		g.unlink(old)
	}
	g.entries[e.DriverID] = e
	k := g.keyFor(e.Loc)
	bucket, ok := g.cells[k]
	if !ok {
		bucket = make(map[string]struct{})
		g.cells[k] = bucket
	}
	bucket[e.DriverID] = struct{}{}
	return nil
}

func (g *GridIndex) Remove(_ context.Context, driverID string, version int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.versions[driverID]; ok && version < v {
		return nil
	}
	g.versions[driverID] = version
	if old, ok := g.entries[driverID]; ok {
		g.unlink(old)
		delete(g.entries, driverID)
	}
	return nil
}

func (g *GridIndex) unlink(e Entry) {
	k := g.keyFor(e.Loc)
	if bucket, ok := g.cells[k]; ok {
		delete(bucket, e.DriverID)
		if len(bucket) == 0 {
			delete(g.cells, k)
		}
	}
}

func (g *GridIndex) Nearby(_ context.Context, q Query) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := []Candidate{}
	consider := func(e Entry) {
		if q.Class != "" && e.Class != q.Class {
			return
		}
		if !q.FreshSince.IsZero() && e.Heartbeat.Before(q.FreshSince) {
			return
		}
		d := Haversine(q.Point.Lat, q.Point.Lon, e.Loc.Lat, e.Loc.Lon)
		if d > q.RadiusM {
			return
		}
		out = append(out, Candidate{DriverID: e.DriverID, DistanceM: d})
	}

	latLo, latHi, lonLo, lonHi, wholeBand := g.cellRange(q.Point, q.RadiusM)
	if wholeBand {
		for _, e := range g.entries {
			consider(e)
		}
	} else {
		for la := latLo; la <= latHi; la++ {
			for lo := lonLo; lo <= lonHi; lo++ {
				k := cellKey{lat: la, lon: ((lo % g.lonCells) + g.lonCells) % g.lonCells}
				for id := range g.cells[k] {
					consider(g.entries[id])
				}
			}
		}
	}

	SortCandidates(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (g *GridIndex) keyFor(c models.Coord) cellKey {
	return cellKey{
		lat: int(math.Floor((c.Lat + 90) / g.cellDeg)),
		lon: int(math.Floor((c.Lon+180)/g.cellDeg)) % g.lonCells,
	}
}

// cellRange returns the cell window covering radiusM around p. wholeBand is
// set when the longitude span degenerates (poles, very large radii).
func (g *GridIndex) cellRange(p models.Coord, radiusM float64) (latLo, latHi, lonLo, lonHi int, wholeBand bool) {
	dLat := radiusM / metersPerDegree
	latLo = int(math.Floor((math.Max(p.Lat-dLat, -90)+90)/g.cellDeg)) - 1
	latHi = int(math.Floor((math.Min(p.Lat+dLat, 90)+90)/g.cellDeg)) + 1

	cos := math.Cos(p.Lat * math.Pi / 180)
	if cos < 1e-6 {
		return latLo, latHi, 0, 0, true
	}
	dLon := radiusM / (metersPerDegree * cos)
	if dLon >= 180 {
		return latLo, latHi, 0, 0, true
	}
	// one cell of slack on each side absorbs the flat-box approximation
	lonLo = int(math.Floor((p.Lon-dLon+180)/g.cellDeg)) - 1
	lonHi = int(math.Floor((p.Lon+dLon+180)/g.cellDeg)) + 1
	if lonHi-lonLo+1 >= g.lonCells {
		return latLo, latHi, 0, 0, true
	}
	return latLo, latHi, lonLo, lonHi, false
}

// SortCandidates orders by distance ascending, then by driver ID.
func SortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].DistanceM != cs[j].DistanceM {
			return cs[i].DistanceM < cs[j].DistanceM
		}
		return cs[i].DriverID < cs[j].DriverID
	})
}

// IDs projects candidates to their driver IDs, preserving order.
func IDs(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.DriverID)
	}
	return out
}

const (
	earthRadiusM    = 6371000.0
	metersPerDegree = earthRadiusM * math.Pi / 180
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	a = math.Min(a, 1)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
