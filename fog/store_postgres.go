package fog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx used by PostgresStore. Both *pgxpool.Pool and
// pgxmock pools satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS explorer_documents (
	explorer_id   TEXT PRIMARY KEY,
	regions       JSONB NOT NULL DEFAULT '[]'::jsonb,
	distance_m    DOUBLE PRECISION NOT NULL DEFAULT 0,
	consolidation JSONB,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// OpenPostgres connects a pool and verifies it with a ping.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// PostgresStore keeps one JSONB document row per explorer.
type PostgresStore struct {
	db Querier
}

// NewPostgresStore returns a store backed by db.
func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the documents table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Regions(ctx context.Context, explorerID string) ([]ArchivedRegion, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT regions FROM explorer_documents WHERE explorer_id = $1
	`, explorerID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying regions: %w", err)
	}

	var regions []ArchivedRegion
	if err := json.Unmarshal(raw, &regions); err != nil {
		return nil, fmt.Errorf("decoding regions: %w", err)
	}
	return regions, nil
}

// AppendRegion concatenates the region onto the JSONB array and increments
// the distance counter in one statement. The WHERE clause makes a retried
// append of the same region a no-op.
func (s *PostgresStore) AppendRegion(ctx context.Context, explorerID string, region ArchivedRegion) error {
	feature, err := json.Marshal(region)
	if err != nil {
		return fmt.Errorf("encoding region %s: %w", region.ID, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO explorer_documents (explorer_id, regions, distance_m, updated_at)
		VALUES ($1, jsonb_build_array($2::jsonb), $3, now())
		ON CONFLICT (explorer_id) DO UPDATE
		SET regions = explorer_documents.regions || jsonb_build_array($2::jsonb),
		    distance_m = explorer_documents.distance_m + $3,
		    updated_at = now()
		WHERE NOT explorer_documents.regions @> jsonb_build_array(jsonb_build_object('id', $4::text))
	`, explorerID, feature, region.DistanceMeters, region.ID)
	if err != nil {
		return fmt.Errorf("appending region %s: %w", region.ID, err)
	}
	return nil
}

func (s *PostgresStore) Profile(ctx context.Context, explorerID string) (Profile, error) {
	p := Profile{ExplorerID: explorerID}

	var (
		consolidation []byte
		updatedAt     time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT distance_m, jsonb_array_length(regions), consolidation, updated_at
		FROM explorer_documents
		WHERE explorer_id = $1
	`, explorerID).Scan(&p.DistanceMeters, &p.RegionCount, &consolidation, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("querying profile: %w", err)
	}
	p.UpdatedAt = updatedAt

	if len(consolidation) > 0 {
		var c Consolidation
		if err := json.Unmarshal(consolidation, &c); err != nil {
			return p, fmt.Errorf("decoding consolidation: %w", err)
		}
		p.Consolidation = &c
	}
	return p, nil
}

func (s *PostgresStore) SaveConsolidation(ctx context.Context, explorerID string, c Consolidation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding consolidation: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO explorer_documents (explorer_id, consolidation, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (explorer_id) DO UPDATE
		SET consolidation = $2::jsonb,
		    updated_at = now()
	`, explorerID, raw)
	if err != nil {
		return fmt.Errorf("saving consolidation: %w", err)
	}
	return nil
}
