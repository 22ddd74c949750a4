package fog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// Archiver turns a finished session into an ArchivedRegion and persists it.
// A session is never dropped: when the store stays unavailable after the
// configured retries, the region and its fixes go to the SessionCache as a
// pending archive and are retried later.
type Archiver struct {
	store   RegionStore
	cache   SessionCache
	radius  float64
	opts    BufferOptions
	retries int
	backoff time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewArchiver builds an archiver from the engine settings.
func NewArchiver(store RegionStore, cache SessionCache, engine EngineConfig, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	radius := engine.BufferRadius
	if radius <= 0 {
		radius = DefaultBufferRadius
	}
	return &Archiver{
		store:   store,
		cache:   cache,
		radius:  radius,
		opts:    engine.BufferOptions(),
		retries: max(engine.ArchiveRetries, 0),
		backoff: 200 * time.Millisecond,
		logger:  logger.With("component", "archiver"),
		now:     time.Now,
	}
}

// BuildRegion computes the archived region for session. The region is the
// buffer of the whole path, unioned with explored (the live footprint of the
// session, if the caller has one) so that nothing cleared while tracking is
// lost. When the path cannot be buffered in one piece the region falls back
// to explored, or to a footprint replayed from the path.
func (a *Archiver) BuildRegion(explorerID string, session ActiveSession, explored orb.MultiPolygon) (ArchivedRegion, error) {
	path := session.Path()
	region := ArchivedRegion{
		ID:             uuid.NewString(),
		ExplorerID:     explorerID,
		FixCount:       len(session.Fixes),
		DistanceMeters: PathDistance(path),
		StartedAt:      session.StartedAt,
		EndedAt:        session.EndedAt(),
	}

	full, err := BufferPath(path, a.radius, a.opts)
	if err == nil {
		region.Geometry = full
		if merged, uerr := Union(full, explored); uerr == nil {
			region.Geometry = merged
		} else {
			geometryFailures.WithLabelValues("union").Inc()
			a.logger.Warn("archiving path buffer without live footprint", "explorer", explorerID, "region", region.ID, "error", uerr)
		}
		return region, nil
	}
	geometryFailures.WithLabelValues("buffer").Inc()

	if !isEmpty(explored) {
		a.logger.Warn("archiving live footprint", "explorer", explorerID, "region", region.ID, "error", err)
		region.Geometry = explored
		return region, nil
	}

	area, err := BuildFootprint(path, a.radius, a.opts)
	region.Geometry = area
	if err != nil {
		if isEmpty(area) {
			return region, fmt.Errorf("buffering session of %d fixes: %w", len(path), err)
		}
		a.logger.Warn("archiving partial footprint", "explorer", explorerID, "region", region.ID, "error", err)
	}
	return region, nil
}

// pathArea buffers path in one piece, falling back to a replayed footprint.
func (a *Archiver) pathArea(path []GeoPoint) (orb.MultiPolygon, error) {
	if area, err := BufferPath(path, a.radius, a.opts); err == nil {
		return area, nil
	}
	return BuildFootprint(path, a.radius, a.opts)
}

// Archive persists the session held by session and resets it. It returns
// nil, nil when the session is empty.
//
// On persistence failure the region is queued as a pending archive, the
// session is reset and the returned error wraps ErrArchivePersistenceFailed.
// If even the pending archive cannot be written the session is left intact.
func (a *Archiver) Archive(ctx context.Context, explorerID string, session *SessionStore, explored orb.MultiPolygon) (*ArchivedRegion, error) {
	snap := session.Snapshot()
	if len(snap.Fixes) == 0 {
		a.clearSession(ctx, explorerID)
		return nil, nil
	}

	region, buildErr := a.BuildRegion(explorerID, snap, explored)
	var err error
	if buildErr != nil {
		err = buildErr
	} else {
		err = a.persist(ctx, explorerID, region)
	}

	if err == nil {
		archivesTotal.WithLabelValues("ok").Inc()
		session.Reset(a.now())
		a.clearSession(ctx, explorerID)
		a.logger.Info("archived session",
			"explorer", explorerID,
			"region", region.ID,
			"fixes", region.FixCount,
			"distance_m", region.DistanceMeters)
		return &region, nil
	}

	a.logger.Error("archive failed, queueing pending archive", "explorer", explorerID, "region", region.ID, "error", err)
	pending := PendingArchive{
		Region:    region,
		Fixes:     snap.Fixes,
		Attempts:  a.retries + 1,
		LastError: err.Error(),
		CreatedAt: a.now(),
	}
	if buildErr != nil {
		pending.Region.Geometry = nil
	}
	// The caller's deadline may be what failed the store write.
	ctx = context.WithoutCancel(ctx)
	if cacheErr := a.cache.SavePending(ctx, explorerID, pending); cacheErr != nil {
		archivesTotal.WithLabelValues("failed").Inc()
		a.logger.Error("pending archive not saved, keeping active session", "explorer", explorerID, "error", cacheErr)
		return nil, fmt.Errorf("%w: %v (pending archive not saved: %v)", ErrArchivePersistenceFailed, err, cacheErr)
	}

	archivesTotal.WithLabelValues("pending").Inc()
	session.Reset(a.now())
	a.clearSession(ctx, explorerID)
	a.updatePendingGauge(ctx, explorerID)
	return nil, fmt.Errorf("%w: %v", ErrArchivePersistenceFailed, err)
}

// persist appends region, retrying with exponential backoff.
func (a *Archiver) persist(ctx context.Context, explorerID string, region ArchivedRegion) error {
	delay := a.backoff
	var err error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = a.store.AppendRegion(ctx, explorerID, region); err == nil {
			return nil
		}
		a.logger.Warn("persisting region failed", "explorer", explorerID, "region", region.ID, "attempt", attempt+1, "error", err)
	}
	return err
}

// RetryPending tries to persist the explorer's pending archives, oldest
// first, stopping at the first failure so they land in order. It returns
// how many were persisted and how many remain.
func (a *Archiver) RetryPending(ctx context.Context, explorerID string) (persisted, remaining int, err error) {
	pending, err := a.cache.LoadPending(ctx, explorerID)
	if err != nil {
		return 0, 0, fmt.Errorf("loading pending archives: %w", err)
	}
	defer func() { pendingArchives.WithLabelValues(explorerID).Set(float64(remaining)) }()

	for i, p := range pending {
		if isEmpty(p.Region.Geometry) {
			area, buildErr := a.pathArea(ActiveSession{Fixes: p.Fixes}.Path())
			if isEmpty(area) {
				p.Attempts++
				p.LastError = fmt.Sprintf("rebuilding geometry: %v", buildErr)
				_ = a.cache.SavePending(ctx, explorerID, p)
				return persisted, len(pending) - i, fmt.Errorf("%w: region %s has no geometry", ErrGeometryOperationFailed, p.Region.ID)
			}
			p.Region.Geometry = area
		}

		if err := a.store.AppendRegion(ctx, explorerID, p.Region); err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if saveErr := a.cache.SavePending(ctx, explorerID, p); saveErr != nil {
				a.logger.Warn("updating pending archive", "explorer", explorerID, "region", p.Region.ID, "error", saveErr)
			}
			return persisted, len(pending) - i, fmt.Errorf("%w: %v", ErrArchivePersistenceFailed, err)
		}
		if err := a.cache.RemovePending(ctx, explorerID, p.Region.ID); err != nil {
			// AppendRegion ignores a region ID it already holds.
			a.logger.Warn("removing pending archive", "explorer", explorerID, "region", p.Region.ID, "error", err)
		}
		persisted++
		archivesTotal.WithLabelValues("recovered").Inc()
		a.logger.Info("persisted pending archive", "explorer", explorerID, "region", p.Region.ID, "attempts", p.Attempts+1)
	}
	return persisted, 0, nil
}

// PendingCount returns the number of pending archives for explorerID.
func (a *Archiver) PendingCount(ctx context.Context, explorerID string) (int, error) {
	pending, err := a.cache.LoadPending(ctx, explorerID)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (a *Archiver) updatePendingGauge(ctx context.Context, explorerID string) {
	if n, err := a.PendingCount(ctx, explorerID); err == nil {
		pendingArchives.WithLabelValues(explorerID).Set(float64(n))
	}
}

func (a *Archiver) clearSession(ctx context.Context, explorerID string) {
	if err := a.cache.ClearSession(ctx, explorerID); err != nil {
		a.logger.Warn("clearing cached session", "explorer", explorerID, "error", err)
	}
}
