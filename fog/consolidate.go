package fog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
)

// Consolidate unions prev (if any) with regions[prev.Through:] and returns a
// snapshot covering all of regions. The region list itself is not touched.
// It returns prev unchanged when there is nothing new to fold in.
func Consolidate(prev *Consolidation, regions []ArchivedRegion, now time.Time) (*Consolidation, error) {
	from := 0
	var parts []orb.MultiPolygon
	if prev != nil {
		if prev.Through > len(regions) {
			return nil, fmt.Errorf("consolidation covers %d regions but only %d exist", prev.Through, len(regions))
		}
		from = prev.Through
		if from == len(regions) {
			return prev, nil
		}
		parts = append(parts, prev.Geometry)
	}
	for _, r := range regions[from:] {
		parts = append(parts, r.Geometry)
	}

	area, err := UnionAll(parts)
	if err != nil {
		return nil, fmt.Errorf("consolidating %d regions: %w", len(regions)-from, err)
	}
	return &Consolidation{Through: len(regions), Geometry: area, CreatedAt: now}, nil
}

// ConsolidationDue reports whether at least every new regions have been
// archived since the last snapshot.
func ConsolidationDue(prev *Consolidation, regionCount, every int) bool {
	if every <= 0 {
		return false
	}
	through := 0
	if prev != nil {
		through = prev.Through
	}
	return regionCount-through >= every
}

// ConsolidateExplorer loads the explorer's regions, folds any new ones into
// the stored snapshot and saves it. When force is false it only runs once
// every regions have accumulated.
func ConsolidateExplorer(ctx context.Context, store RegionStore, explorerID string, every int, force bool, logger *slog.Logger) (*Consolidation, error) {
	if logger == nil {
		logger = slog.Default()
	}

	profile, err := store.Profile(ctx, explorerID)
	if err != nil {
		return nil, fmt.Errorf("loading profile for %s: %w", explorerID, err)
	}
	if !force && !ConsolidationDue(profile.Consolidation, profile.RegionCount, every) {
		return profile.Consolidation, nil
	}

	regions, err := store.Regions(ctx, explorerID)
	if err != nil {
		return nil, fmt.Errorf("loading regions for %s: %w", explorerID, err)
	}

	start := time.Now()
	c, err := Consolidate(profile.Consolidation, regions, time.Now())
	if err != nil {
		consolidationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if c == profile.Consolidation {
		return c, nil
	}
	if err := store.SaveConsolidation(ctx, explorerID, *c); err != nil {
		consolidationsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("saving consolidation for %s: %w", explorerID, err)
	}

	consolidationsTotal.WithLabelValues("ok").Inc()
	logger.Info("consolidated archived regions",
		"explorer", explorerID,
		"through", c.Through,
		"polygons", len(c.Geometry),
		"duration", time.Since(start))
	return c, nil
}

// Subtrahends returns the explored areas of an archive: the consolidation
// snapshot followed by the regions it does not cover yet.
func Subtrahends(c *Consolidation, regions []ArchivedRegion) []Subtrahend {
	from := 0
	out := make([]Subtrahend, 0, len(regions)+1)
	if c != nil && c.Through <= len(regions) {
		from = c.Through
		out = append(out, Subtrahend{ID: fmt.Sprintf("consolidation:%d", c.Through), Geometry: c.Geometry})
	}
	for _, r := range regions[from:] {
		out = append(out, Subtrahend{ID: "region:" + r.ID, Geometry: r.Geometry})
	}
	return out
}
