package fog

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
)

// WorldPolygon covers the whole WGS84 extent.
var WorldPolygon = orb.Polygon{orb.Ring{
	{-180, -90}, {180, -90}, {180, 90}, {-180, 90}, {-180, -90},
}}

// Subtrahend is an explored area cut out of the fog.
type Subtrahend struct {
	ID       string
	Geometry orb.MultiPolygon
}

// FogGeometry is the world polygon with explored areas removed.
type FogGeometry struct {
	Polygons   orb.MultiPolygon
	Key        string
	Skipped    []string
	ComputedAt time.Time
}

// HoleCount returns the number of interior rings across all polygons.
func (f *FogGeometry) HoleCount() int {
	if f == nil {
		return 0
	}
	n := 0
	for _, p := range f.Polygons {
		if len(p) > 1 {
			n += len(p) - 1
		}
	}
	return n
}

// ComputeFog subtracts every region and then the active area from world.
// Regions are applied in ID order so the result does not depend on the
// order they were passed in. A subtrahend whose difference fails is skipped
// and reported in Skipped.
func ComputeFog(world orb.Polygon, regions []Subtrahend, active Subtrahend, logger *slog.Logger) *FogGeometry {
	if logger == nil {
		logger = slog.Default()
	}
	fog, skipped := subtractAll(orb.MultiPolygon{world}, sortedSubtrahends(regions), logger)
	fog, skipped = subtractOne(fog, active, skipped, logger)
	return &FogGeometry{Polygons: fog, Skipped: skipped, ComputedAt: time.Now()}
}

func sortedSubtrahends(in []Subtrahend) []Subtrahend {
	out := make([]Subtrahend, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func subtractAll(fog orb.MultiPolygon, subs []Subtrahend, logger *slog.Logger) (orb.MultiPolygon, []string) {
	var skipped []string
	for _, s := range subs {
		fog, skipped = subtractOne(fog, s, skipped, logger)
	}
	return fog, skipped
}

func subtractOne(fog orb.MultiPolygon, s Subtrahend, skipped []string, logger *slog.Logger) (orb.MultiPolygon, []string) {
	if isEmpty(s.Geometry) {
		return fog, skipped
	}
	next, err := Difference(fog, s.Geometry)
	if err != nil {
		logger.Error("skipping explored area in fog computation", "subtrahend", s.ID, "error", err)
		geometryFailures.WithLabelValues("difference").Inc()
		return fog, append(skipped, s.ID)
	}
	return next, skipped
}

// Compositor computes fog geometry and caches it by input. The world minus
// archived regions is cached separately from the active area, which changes
// on every fix, so a typical update costs a single difference.
type Compositor struct {
	world  orb.Polygon
	logger *slog.Logger

	mu          sync.Mutex
	baseKey     string
	base        orb.MultiPolygon
	baseSkipped []string
	last        *FogGeometry
}

// NewCompositor returns a compositor over world.
func NewCompositor(world orb.Polygon, logger *slog.Logger) *Compositor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{world: world, logger: logger}
}

// Compute returns the fog for regions and active. Results for identical
// inputs (same region IDs, same active ID) are returned from cache; callers
// must give the active area a new ID whenever its geometry changes.
func (c *Compositor) Compute(regions []Subtrahend, active Subtrahend) *FogGeometry {
	sorted := sortedSubtrahends(regions)
	baseKey := subtrahendKey(sorted)
	key := baseKey + "|" + active.ID

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != nil && c.last.Key == key {
		return c.last
	}

	start := time.Now()
	if c.baseKey != baseKey {
		c.base, c.baseSkipped = subtractAll(orb.MultiPolygon{c.world}, sorted, c.logger)
		c.baseKey = baseKey
	}

	skipped := append([]string(nil), c.baseSkipped...)
	fog, skipped := subtractOne(c.base, active, skipped, c.logger)
	fogComputeDuration.Observe(time.Since(start).Seconds())

	c.last = &FogGeometry{Polygons: fog, Key: key, Skipped: skipped, ComputedAt: time.Now()}
	return c.last
}

// Invalidate drops all cached geometry.
func (c *Compositor) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.base, c.baseKey, c.baseSkipped, c.last = nil, "", nil, nil
}

func subtrahendKey(sorted []Subtrahend) string {
	h := sha256.New()
	for _, s := range sorted {
		h.Write([]byte(s.ID))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
