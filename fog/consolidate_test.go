package fog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func regionAt(id string, minLon float64) ArchivedRegion {
	return ArchivedRegion{ID: id, ExplorerID: "alice", Geometry: square(minLon, 0, 1), FixCount: 2, DistanceMeters: 10}
}

func TestConsolidate_FromScratch(t *testing.T) {
	regions := []ArchivedRegion{regionAt("r1", 0), regionAt("r2", 0.5), regionAt("r3", 5)}
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	c, err := Consolidate(nil, regions, now)
	require.NoError(t, err)

	assert.Equal(t, 3, c.Through)
	assert.Equal(t, now, c.CreatedAt)
	assert.Len(t, c.Geometry, 2, "overlapping squares merge, the distant one stays separate")
	assert.InDelta(t, 1.5+1, planarArea(c.Geometry), 1e-9)
}

func TestConsolidate_Incremental(t *testing.T) {
	regions := []ArchivedRegion{regionAt("r1", 0), regionAt("r2", 2)}
	prev, err := Consolidate(nil, regions[:1], time.Now())
	require.NoError(t, err)

	next, err := Consolidate(prev, regions, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, next.Through)
	assert.InDelta(t, 2, planarArea(next.Geometry), 1e-9)

	same, err := Consolidate(next, regions, time.Now())
	require.NoError(t, err)
	assert.Same(t, next, same, "nothing new to fold in")
}

func TestConsolidate_PrevBeyondRegions(t *testing.T) {
	_, err := Consolidate(&Consolidation{Through: 3}, []ArchivedRegion{regionAt("r1", 0)}, time.Now())
	assert.Error(t, err)
}

func TestConsolidationDue(t *testing.T) {
	assert.False(t, ConsolidationDue(nil, 5, 0))
	assert.False(t, ConsolidationDue(nil, 2, 3))
	assert.True(t, ConsolidationDue(nil, 3, 3))
	assert.False(t, ConsolidationDue(&Consolidation{Through: 3}, 5, 3))
	assert.True(t, ConsolidationDue(&Consolidation{Through: 3}, 6, 3))
}

func TestConsolidateExplorer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := range 3 {
		require.NoError(t, store.AppendRegion(ctx, "alice", regionAt(fmt.Sprintf("r%d", i), float64(i*2))))
	}

	c, err := ConsolidateExplorer(ctx, store, "alice", 5, false, nil)
	require.NoError(t, err)
	assert.Nil(t, c, "below threshold and nothing stored yet")

	c, err = ConsolidateExplorer(ctx, store, "alice", 5, true, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.Through)

	profile, err := store.Profile(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, profile.Consolidation)
	assert.Equal(t, 3, profile.Consolidation.Through)
	assert.Equal(t, 3, profile.RegionCount, "regions are kept after consolidation")
	assert.InDelta(t, 30, profile.DistanceMeters, 1e-9)
}

func TestSubtrahends(t *testing.T) {
	regions := []ArchivedRegion{regionAt("r1", 0), regionAt("r2", 2), regionAt("r3", 4)}
	c := &Consolidation{Through: 2, Geometry: orb.MultiPolygon{square(0, 0, 1)[0], square(2, 0, 1)[0]}}

	subs := Subtrahends(c, regions)
	require.Len(t, subs, 2)
	assert.Equal(t, "consolidation:2", subs[0].ID)
	assert.Equal(t, "region:r3", subs[1].ID)

	all := Subtrahends(nil, regions)
	require.Len(t, all, 3)
	assert.Equal(t, "region:r1", all[0].ID)

	// A stale snapshot that claims more than exists is ignored.
	stale := Subtrahends(&Consolidation{Through: 9}, regions)
	assert.Len(t, stale, 3)
}

func TestSubtrahends_FogMatchesRawRegions(t *testing.T) {
	regions := []ArchivedRegion{regionAt("r1", 0), regionAt("r2", 0.5), regionAt("r3", 4)}
	c, err := Consolidate(nil, regions[:2], time.Now())
	require.NoError(t, err)

	viaSnapshot := ComputeFog(WorldPolygon, Subtrahends(c, regions), Subtrahend{}, nil)
	direct := ComputeFog(WorldPolygon, Subtrahends(nil, regions), Subtrahend{}, nil)

	assert.InDelta(t, planarArea(direct.Polygons), planarArea(viaSnapshot.Polygons), 1e-9)
}
