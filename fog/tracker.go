package fog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// Advisory codes reported in Status. Both are informational: tracking goes
// on while they are set.
const (
	AdvisoryArchivePersistenceFailed = "archive_persistence_failed"
	AdvisoryGeolocationUnavailable   = "geolocation_unavailable"
)

// Advisory is a user-visible, non-fatal condition.
type Advisory struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// Status is the user-facing state of one explorer's tracker.
type Status struct {
	ExplorerID      string     `json:"explorerId"`
	Tracking        bool       `json:"tracking"`
	FixCount        int        `json:"fixCount"`
	RegionCount     int        `json:"regionCount"`
	PendingArchives int        `json:"pendingArchives"`
	Advisories      []Advisory `json:"advisories,omitempty"`
	SkippedAreas    []string   `json:"skippedAreas,omitempty"`
	LastFixAt       *time.Time `json:"lastFixAt,omitempty"`
}

// FogUpdate is a computed fog together with the state it was computed from.
type FogUpdate struct {
	ExplorerID string
	Sequence   uint64
	Fog        *FogGeometry
	Session    ActiveSession
	Explored   orb.MultiPolygon
	Status     Status
}

// FogSink receives every fog update, e.g. an MQTT publisher or a websocket
// broadcaster.
type FogSink interface {
	PublishFog(ctx context.Context, u *FogUpdate) error
}

// TrackerDeps are the collaborators of a Tracker. Snapper and Geocoder are
// optional.
type TrackerDeps struct {
	Store    RegionStore
	Cache    SessionCache
	Snapper  RoadSnapper
	Geocoder Geocoder
	Sinks    []FogSink
	Logger   *slog.Logger
	Now      func() time.Time
}

// archiveView is the read-only state loaded from the RegionStore.
type archiveView struct {
	profile     Profile
	regions     []ArchivedRegion
	subtrahends []Subtrahend
}

// Tracker owns one explorer's active session and runs the pipeline
//
//	fix -> sanitize -> append -> (async enrichment) -> fog recompute -> sinks
//
// Everything it needs is held on the Tracker itself, so independent trackers
// share nothing.
type Tracker struct {
	explorer   ExplorerConfig
	engine     EngineConfig
	deps       TrackerDeps
	logger     *slog.Logger
	sanitizer  Sanitizer
	session    *SessionStore
	compositor *Compositor
	archiver   *Archiver

	// Footprint state, owned by whoever holds fpMu.
	fpMu      sync.Mutex
	footprint *Footprint
	fpEpoch   uint64
	touched   map[string]struct{}

	archive atomic.Pointer[archiveView]
	latest  atomic.Pointer[FogUpdate]
	seq     atomic.Uint64

	refreshMu sync.Mutex

	statusMu   sync.Mutex
	advisories map[string]Advisory
	pending    int

	running atomic.Bool

	// Lifecycle, guarded by runMu.
	runMu         sync.Mutex
	cancel        context.CancelFunc
	enrichCancel  context.CancelFunc
	subs          []*Subscription
	queue         chan RawFix
	recompute     chan struct{}
	forwarders    sync.WaitGroup
	workers       sync.WaitGroup
	enrichments   sync.WaitGroup
	ingestDone    chan struct{}
	enrichContext context.Context
}

// NewTracker builds a tracker for one explorer. Store and Cache are required.
func NewTracker(explorer ExplorerConfig, engine EngineConfig, deps TrackerDeps) *Tracker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if engine.BufferRadius <= 0 {
		engine.BufferRadius = DefaultBufferRadius
	}
	if engine.QueueSize <= 0 {
		engine.QueueSize = DefaultEngineConfig().QueueSize
	}
	logger := deps.Logger.With("explorer", explorer.ID)

	t := &Tracker{
		explorer:   explorer,
		engine:     engine,
		deps:       deps,
		logger:     logger,
		sanitizer:  NewSanitizer(engine.Precision),
		session:    NewSessionStore(deps.Now()),
		compositor: NewCompositor(WorldPolygon, logger),
		archiver:   NewArchiver(deps.Store, deps.Cache, engine, logger),
		footprint:  NewFootprint(engine.BufferRadius, engine.BufferOptions()),
		touched:    make(map[string]struct{}),
		advisories: make(map[string]Advisory),
	}
	t.archiver.now = deps.Now
	t.archive.Store(&archiveView{profile: Profile{ExplorerID: explorer.ID}})
	return t
}

// ID returns the explorer ID.
func (t *Tracker) ID() string { return t.explorer.ID }

// Explorer returns the explorer configuration.
func (t *Tracker) Explorer() ExplorerConfig { return t.explorer }

// Running reports whether the tracker is consuming fixes.
func (t *Tracker) Running() bool {
	return t.running.Load()
}

// Start restores any cached session, retries pending archives, subscribes
// to every source and begins consuming fixes.
func (t *Tracker) Start(ctx context.Context, sources ...FixSource) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.running.Load() {
		return fmt.Errorf("tracker %s already running", t.explorer.ID)
	}

	if err := t.loadArchive(ctx); err != nil {
		t.logger.Warn("loading archived regions", "error", err)
	}
	t.restoreSession(ctx)

	subs := make([]*Subscription, 0, len(sources))
	for _, src := range sources {
		if src == nil {
			continue
		}
		sub, err := src.Subscribe(t.explorer.ID, t.engine.QueueSize)
		if err != nil {
			for _, s := range subs {
				s.Cancel()
			}
			return fmt.Errorf("subscribing %s: %w", t.explorer.ID, err)
		}
		subs = append(subs, sub)
	}

	// The run context outlives the caller's: Stop decides when work ends.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	enrichCtx, enrichCancel := context.WithCancel(runCtx)
	t.cancel = cancel
	t.enrichContext = enrichCtx
	t.enrichCancel = enrichCancel
	t.subs = subs
	t.queue = make(chan RawFix, t.engine.QueueSize)
	t.recompute = make(chan struct{}, 1)
	t.ingestDone = make(chan struct{})
	t.running.Store(true)
	t.clearAdvisory(AdvisoryGeolocationUnavailable)

	for _, sub := range subs {
		t.forwarders.Add(1)
		go t.forward(sub)
	}
	go t.ingestLoop(runCtx)

	t.workers.Add(2)
	go t.recomputeLoop(runCtx)
	go t.retryLoop(runCtx)

	t.requestRecompute()
	t.logger.Info("tracker started", "sources", len(subs), "restored_fixes", t.session.Len())
	return nil
}

// Stop cancels the subscriptions, processes every fix already queued,
// waits for in-flight enrichment and archives the session. The returned
// error wraps ErrArchivePersistenceFailed when the archive could only be
// queued for retry.
func (t *Tracker) Stop(ctx context.Context) error {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if !t.running.Load() {
		return nil
	}

	for _, sub := range t.subs {
		sub.Cancel()
	}
	t.forwarders.Wait()
	close(t.queue)
	<-t.ingestDone

	if !waitContext(ctx, &t.enrichments) {
		t.logger.Warn("abandoning in-flight enrichment")
		t.enrichCancel()
		t.enrichments.Wait()
	}
	t.enrichCancel()

	t.cancel()
	t.workers.Wait()
	t.running.Store(false)
	t.subs = nil

	t.fpMu.Lock()
	t.syncFootprint()
	explored := t.footprint.Area()
	t.fpMu.Unlock()

	region, err := t.archiver.Archive(ctx, t.explorer.ID, t.session, explored)
	switch {
	case err != nil:
		t.setAdvisory(AdvisoryArchivePersistenceFailed, "Exploration could not be saved yet; it will be retried.")
	case region != nil:
		t.appendRegion(*region)
	}
	t.refreshPending(ctx)
	if loadErr := t.loadArchive(ctx); loadErr != nil {
		t.logger.Warn("reloading archived regions", "error", loadErr)
	}
	t.refresh(ctx)

	t.logger.Info("tracker stopped", "archived", region != nil)
	return err
}

func (t *Tracker) forward(sub *Subscription) {
	defer t.forwarders.Done()
	for raw := range sub.C() {
		t.queue <- raw
	}
}

func (t *Tracker) ingestLoop(ctx context.Context) {
	defer close(t.ingestDone)
	for raw := range t.queue {
		t.ingest(ctx, raw)
	}
}

// ingest runs one raw fix through the pipeline. It never blocks on the
// network.
func (t *Tracker) ingest(ctx context.Context, raw RawFix) {
	fixesReceived.WithLabelValues(t.explorer.ID).Inc()

	p, err := t.sanitizer.SanitizeFix(raw)
	if err != nil {
		fixesRejected.WithLabelValues(t.explorer.ID).Inc()
		t.logger.Warn("rejecting fix", "lon", raw.Lon, "lat", raw.Lat, "error", err)
		return
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = t.deps.Now()
	}
	fix := Fix{ID: uuid.NewString(), Point: p, Timestamp: ts}
	if !t.session.Append(fix) {
		fixesDuplicate.WithLabelValues(t.explorer.ID).Inc()
		return
	}
	t.clearAdvisory(AdvisoryGeolocationUnavailable)

	t.saveSession(ctx)
	t.enrich(fix)
	t.requestRecompute()
}

// enrich snaps and geocodes fix in the background and patches the stored
// fix by ID when results arrive.
func (t *Tracker) enrich(fix Fix) {
	snap := t.explorer.SnapToRoad && t.deps.Snapper != nil
	geocode := t.explorer.Geocode && t.deps.Geocoder != nil
	if !snap && !geocode {
		return
	}

	parent := t.enrichContext
	t.enrichments.Add(1)
	go func() {
		defer t.enrichments.Done()
		timeout := t.engine.EnrichmentTimeout
		if timeout <= 0 {
			timeout = DefaultEngineConfig().EnrichmentTimeout
		}
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()

		var point *GeoPoint
		if snap {
			snapped, err := t.deps.Snapper.SnapToRoad(ctx, fix.Point, t.engine.SnapThreshold)
			if err != nil {
				enrichmentFailures.WithLabelValues("snap").Inc()
				t.logger.Warn("road snap failed, keeping raw fix", "fix", fix.ID, "error", err)
			} else if snapped != fix.Point {
				if q, err := t.sanitizer.Sanitize(snapped.Lon, snapped.Lat); err == nil {
					point = &q
				}
			}
		}

		var place *Place
		if geocode {
			pl, err := t.deps.Geocoder.Reverse(ctx, fix.Point)
			if err != nil {
				enrichmentFailures.WithLabelValues("geocode").Inc()
				t.logger.Warn("reverse geocode failed", "fix", fix.ID, "error", err)
			} else {
				place = pl
			}
		}

		if point == nil && place == nil {
			return
		}
		moved, found := t.session.Enrich(fix.ID, point, place)
		if !found {
			return
		}
		if moved {
			t.fpMu.Lock()
			t.touched[fix.ID] = struct{}{}
			t.fpMu.Unlock()
			t.requestRecompute()
		}
		t.saveSession(parent)
	}()
}

func (t *Tracker) requestRecompute() {
	select {
	case t.recompute <- struct{}{}:
	default:
	}
}

func (t *Tracker) recomputeLoop(ctx context.Context) {
	defer t.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.recompute:
			t.refresh(ctx)
		}
	}
}

func (t *Tracker) retryLoop(ctx context.Context) {
	defer t.workers.Done()
	t.retryPending(ctx)

	interval := t.engine.ArchiveRetryInterval
	if interval <= 0 {
		interval = DefaultEngineConfig().ArchiveRetryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.retryPending(ctx)
		}
	}
}

// RetryPending retries pending archives now.
func (t *Tracker) RetryPending(ctx context.Context) error {
	return t.retryPending(ctx)
}

func (t *Tracker) retryPending(ctx context.Context) error {
	persisted, remaining, err := t.archiver.RetryPending(ctx, t.explorer.ID)
	t.statusMu.Lock()
	t.pending = remaining
	t.statusMu.Unlock()

	if remaining == 0 && err == nil {
		t.clearAdvisory(AdvisoryArchivePersistenceFailed)
	}
	if err != nil {
		t.logger.Warn("pending archives still waiting", "remaining", remaining, "error", err)
	}
	if persisted > 0 {
		if loadErr := t.loadArchive(ctx); loadErr != nil {
			t.logger.Warn("reloading archived regions", "error", loadErr)
		}
		t.requestRecompute()
	}
	return err
}

// syncFootprint brings the footprint up to date with the session. Caller
// holds fpMu.
func (t *Tracker) syncFootprint() {
	snap := t.session.Snapshot()
	path := snap.Path()

	if snap.Epoch != t.fpEpoch || len(path) < t.footprint.Count() {
		t.footprint = NewFootprint(t.engine.BufferRadius, t.engine.BufferOptions())
		t.fpEpoch = snap.Epoch
		clear(t.touched)
	}

	if len(t.touched) > 0 {
		for i, f := range snap.Fixes {
			if _, ok := t.touched[f.ID]; !ok || i >= t.footprint.Count() {
				continue
			}
			if err := t.footprint.Touch(path, i); err != nil {
				geometryFailures.WithLabelValues("buffer").Inc()
				t.logger.Error("re-buffering snapped fix", "fix", f.ID, "error", err)
			}
		}
		clear(t.touched)
	}

	if err := t.footprint.Extend(path); err != nil {
		geometryFailures.WithLabelValues("buffer").Inc()
		t.logger.Error("extending explored area", "error", err)
	}
}

// Refresh recomputes the fog now and returns it.
func (t *Tracker) Refresh(ctx context.Context) *FogUpdate {
	return t.refresh(ctx)
}

func (t *Tracker) refresh(ctx context.Context) *FogUpdate {
	t.refreshMu.Lock()
	defer t.refreshMu.Unlock()

	t.fpMu.Lock()
	t.syncFootprint()
	explored := t.footprint.Area()
	active := Subtrahend{
		ID:       fmt.Sprintf("active:%d:%d", t.fpEpoch, t.footprint.Revision()),
		Geometry: explored,
	}
	t.fpMu.Unlock()

	view := t.archive.Load()
	fog := t.compositor.Compute(view.subtrahends, active)

	update := &FogUpdate{
		ExplorerID: t.explorer.ID,
		Sequence:   t.seq.Add(1),
		Fog:        fog,
		Session:    t.session.Snapshot(),
		Explored:   explored,
	}
	update.Status = t.status(update)
	t.latest.Store(update)

	for _, sink := range t.deps.Sinks {
		if err := sink.PublishFog(ctx, update); err != nil {
			t.logger.Debug("fog sink failed", "error", err)
		}
	}
	return update
}

// Latest returns the most recent fog update, computing one if none exists.
// It may be slightly behind the session while a recompute is pending.
func (t *Tracker) Latest(ctx context.Context) *FogUpdate {
	if u := t.latest.Load(); u != nil {
		return u
	}
	return t.refresh(ctx)
}

// Session returns the current active session snapshot.
func (t *Tracker) Session() ActiveSession {
	return t.session.Snapshot()
}

// Regions returns the archived regions as last loaded.
func (t *Tracker) Regions() []ArchivedRegion {
	return t.archive.Load().regions
}

// Stats returns exploration statistics from the latest fog.
func (t *Tracker) Stats(ctx context.Context) Stats {
	u := t.Latest(ctx)
	return ComputeStats(t.explorer.ID, t.archive.Load().profile, u.Session, u.Fog)
}

// Status returns the tracker status.
func (t *Tracker) Status() Status {
	return t.status(t.latest.Load())
}

func (t *Tracker) status(u *FogUpdate) Status {
	view := t.archive.Load()
	s := Status{
		ExplorerID:  t.explorer.ID,
		Tracking:    t.running.Load(),
		RegionCount: len(view.regions),
	}

	session := t.session.Snapshot()
	if u != nil {
		session = u.Session
		s.SkippedAreas = u.Fog.Skipped
	}
	s.FixCount = len(session.Fixes)
	if n := len(session.Fixes); n > 0 {
		last := session.Fixes[n-1].Timestamp
		s.LastFixAt = &last
	}

	t.statusMu.Lock()
	s.PendingArchives = t.pending
	for _, code := range []string{AdvisoryArchivePersistenceFailed, AdvisoryGeolocationUnavailable} {
		if a, ok := t.advisories[code]; ok {
			s.Advisories = append(s.Advisories, a)
		}
	}
	t.statusMu.Unlock()
	return s
}

// ReportGeolocationUnavailable records that the explorer's position source
// is gone. Tracking stays idle until fixes arrive again.
func (t *Tracker) ReportGeolocationUnavailable(reason string) {
	if reason == "" {
		reason = "Location is unavailable."
	}
	t.logger.Warn("geolocation unavailable", "reason", reason, "error", ErrGeolocationUnavailable)
	t.setAdvisory(AdvisoryGeolocationUnavailable, reason)
	t.publishStatus()
}

// ReloadArchive reloads archived regions and the consolidation snapshot
// from the store and recomputes the fog.
func (t *Tracker) ReloadArchive(ctx context.Context) error {
	if err := t.loadArchive(ctx); err != nil {
		return err
	}
	if t.Running() {
		t.requestRecompute()
	} else {
		t.refresh(ctx)
	}
	return nil
}

func (t *Tracker) loadArchive(ctx context.Context) error {
	profile, err := t.deps.Store.Profile(ctx, t.explorer.ID)
	if err != nil {
		return fmt.Errorf("loading profile: %w", err)
	}
	regions, err := t.deps.Store.Regions(ctx, t.explorer.ID)
	if err != nil {
		return fmt.Errorf("loading regions: %w", err)
	}
	t.archive.Store(&archiveView{
		profile:     profile,
		regions:     regions,
		subtrahends: Subtrahends(profile.Consolidation, regions),
	})
	return nil
}

// appendRegion adds a freshly archived region to the loaded view, so the
// fog stays correct even if reloading from the store fails.
func (t *Tracker) appendRegion(r ArchivedRegion) {
	view := t.archive.Load()
	for _, existing := range view.regions {
		if existing.ID == r.ID {
			return
		}
	}
	regions := append(append([]ArchivedRegion(nil), view.regions...), r)
	profile := view.profile
	profile.RegionCount = len(regions)
	profile.DistanceMeters += r.DistanceMeters
	t.archive.Store(&archiveView{
		profile:     profile,
		regions:     regions,
		subtrahends: Subtrahends(profile.Consolidation, regions),
	})
}

func (t *Tracker) restoreSession(ctx context.Context) {
	cached, err := t.deps.Cache.LoadSession(ctx, t.explorer.ID)
	if err != nil {
		t.logger.Warn("loading cached session", "error", err)
		return
	}
	if cached == nil || len(cached.Fixes) == 0 {
		if t.session.Len() == 0 {
			t.session.Reset(t.deps.Now())
		}
		return
	}
	if t.session.Len() > 0 {
		// A live session survived in memory; it is at least as new.
		return
	}
	t.session.Restore(*cached)
	t.logger.Info("restored cached session", "fixes", t.session.Len(), "started_at", cached.StartedAt)
}

func (t *Tracker) saveSession(ctx context.Context) {
	if err := t.deps.Cache.SaveSession(ctx, t.explorer.ID, t.session.Snapshot()); err != nil {
		t.logger.Warn("caching session", "error", err)
	}
}

func (t *Tracker) refreshPending(ctx context.Context) {
	n, err := t.archiver.PendingCount(ctx, t.explorer.ID)
	if err != nil {
		return
	}
	t.statusMu.Lock()
	t.pending = n
	t.statusMu.Unlock()
}

func (t *Tracker) setAdvisory(code, message string) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	if _, ok := t.advisories[code]; ok {
		return
	}
	t.advisories[code] = Advisory{Code: code, Message: message, Since: t.deps.Now()}
}

func (t *Tracker) clearAdvisory(code string) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	delete(t.advisories, code)
}

// publishStatus re-sends the latest fog with a fresh status.
func (t *Tracker) publishStatus() {
	u := t.latest.Load()
	if u == nil {
		return
	}
	next := *u
	next.Sequence = t.seq.Add(1)
	next.Status = t.Status()
	t.latest.Store(&next)
	for _, sink := range t.deps.Sinks {
		if err := sink.PublishFog(context.Background(), &next); err != nil {
			t.logger.Debug("fog sink failed", "error", err)
		}
	}
}

// waitContext waits for wg, giving up when ctx is done. It reports whether
// wg finished.
func waitContext(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsAdvisory reports whether err is one of the user-visible conditions.
func IsAdvisory(err error) bool {
	return errors.Is(err, ErrArchivePersistenceFailed) || errors.Is(err, ErrGeolocationUnavailable)
}
