package fog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *PostgresStore) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresStore(mock)
}

func sampleRegion(id string) ArchivedRegion {
	return ArchivedRegion{
		ID:             id,
		ExplorerID:     "alice",
		Geometry:       square(1, 1, 0.001),
		FixCount:       4,
		DistanceMeters: 120.5,
		StartedAt:      time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:        time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestPostgresStore_AppendRegionMergesDocument(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectExec(`(?s)INSERT INTO explorer_documents.*regions = explorer_documents.regions \|\| jsonb_build_array\(\$2::jsonb\).*distance_m = explorer_documents.distance_m \+ \$3`).
		WithArgs("alice", pgxmock.AnyArg(), 120.5, "r1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.AppendRegion(context.Background(), "alice", sampleRegion("r1")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRegionError(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectExec(`INSERT INTO explorer_documents`).
		WithArgs("alice", pgxmock.AnyArg(), 120.5, "r1").
		WillReturnError(errors.New("connection reset"))

	err := store.AppendRegion(context.Background(), "alice", sampleRegion("r1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgresStore_Regions(t *testing.T) {
	mock, store := newMockStore(t)

	raw, err := json.Marshal([]ArchivedRegion{sampleRegion("r1"), sampleRegion("r2")})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT regions FROM explorer_documents`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"regions"}).AddRow(raw))

	regions, err := store.Regions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, regions, 2)
	assert.Equal(t, "r1", regions[0].ID)
	assert.Equal(t, "r2", regions[1].ID)
	assert.Equal(t, 4, regions[0].FixCount)
	assert.Equal(t, sampleRegion("r1").Geometry, regions[0].Geometry)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegionsUnknownExplorer(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectQuery(`SELECT regions FROM explorer_documents`).
		WithArgs("bob").
		WillReturnError(pgx.ErrNoRows)

	regions, err := store.Regions(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, regions)
}

func TestPostgresStore_Profile(t *testing.T) {
	mock, store := newMockStore(t)

	cons, err := json.Marshal(Consolidation{Through: 2, Geometry: square(0, 0, 1)})
	require.NoError(t, err)
	updated := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT distance_m, jsonb_array_length\(regions\), consolidation, updated_at`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"distance_m", "count", "consolidation", "updated_at"}).
			AddRow(2500.0, 3, cons, updated))

	p, err := store.Profile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 2500.0, p.DistanceMeters)
	assert.Equal(t, 3, p.RegionCount)
	assert.Equal(t, updated, p.UpdatedAt)
	require.NotNil(t, p.Consolidation)
	assert.Equal(t, 2, p.Consolidation.Through)
}

func TestPostgresStore_SaveConsolidation(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectExec(`SET consolidation = \$2::jsonb`).
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveConsolidation(context.Background(), "alice", Consolidation{Through: 1, Geometry: square(0, 0, 1)}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS explorer_documents`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
