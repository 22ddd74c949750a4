package main

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/fogmesh/fog"
)

// errUnknownExplorer is returned for explorer IDs missing from the config.
var errUnknownExplorer = errors.New("unknown explorer")

// stopTimeout bounds draining and archiving a tracker on stop.
const stopTimeout = 30 * time.Second

// App encapsulates the application state and dependencies
type App struct {
	Config      *fog.Config
	Logger      *slog.Logger
	Store       fog.RegionStore
	Cache       fog.SessionCache
	Push        *fog.PushSource
	MQTT        *fog.MQTTSource
	NATS        *fog.NATSSource
	Publisher   *fog.FogPublisher
	Broadcaster *fog.Broadcaster
	Geocoder    fog.Geocoder
	Snapper     fog.RoadSnapper

	trackers map[string]*fog.Tracker
	redis    *redis.Client
	closers  []func()

	// CLI Flags (effectively dependencies)
	ConfigFile   string
	DataDir      string
	Explorer     string
	OutputFile   string
	RenderFormat string
	HTTPPort     int
	MQTTMode     bool
	NATSMode     bool
	HTTPMode     bool
}

// AppOptions are the command-line options of the service.
type AppOptions struct {
	ConfigFile   string
	DataDir      string
	Explorer     string
	OutputFile   string
	RenderFormat string
	HTTPPort     int
	MQTTMode     bool
	NATSMode     bool
	HTTPMode     bool
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Logger:   slog.Default(),
		trackers: make(map[string]*fog.Tracker),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.Explorer = opts.Explorer
	a.OutputFile = opts.OutputFile
	a.RenderFormat = opts.RenderFormat
	a.HTTPPort = opts.HTTPPort
	a.MQTTMode = opts.MQTTMode
	a.NATSMode = opts.NATSMode
	a.HTTPMode = opts.HTTPMode
}

// LoadConfig loads the configuration file, resolving the default config
// path against the data directory, and installs the configured logger.
func (a *App) LoadConfig() error {
	path := a.ConfigFile
	if a.DataDir != "" && path == "config.yaml" {
		path = filepath.Join(a.DataDir, "config.yaml")
	}

	config, err := fog.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("loading config (looked at %s): %w", path, err)
	}
	if a.DataDir != "" {
		config.DataDir = a.DataDir
	}
	if a.HTTPPort > 0 {
		config.HTTP.Addr = fmt.Sprintf(":%d", a.HTTPPort)
	}

	a.Config = config
	a.Logger = fog.SetupLogging(config.Log)
	a.Logger.Info("loaded config", "path", path, "explorers", len(config.Explorers))
	return nil
}

// Setup opens the store and cache, builds the transports and creates one
// tracker per configured explorer.
func (a *App) Setup(ctx context.Context) error {
	cfg := a.Config
	if cfg == nil {
		return errors.New("config not loaded")
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openCache(ctx); err != nil {
		return err
	}

	if cfg.Mapbox.Token != "" {
		a.Snapper = fog.NewMapboxRoadSnapper(cfg.Mapbox.BaseURL, cfg.Mapbox.Token, cfg.Engine.SnapRadius)
		a.Geocoder = fog.NewMapboxGeocoder(cfg.Mapbox.BaseURL, cfg.Mapbox.Token)
	}

	a.Push = fog.NewPushSource()
	a.Broadcaster = fog.NewBroadcaster(a.redis, cfg.Redis.KeyPrefix, a.Logger)

	if a.MQTTMode {
		src, err := fog.NewMQTTSource(cfg, a.Logger)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if src == nil {
			return errors.New("MQTT broker not configured in config.yaml")
		}
		src.SetControlHandler(a.handleControl)
		a.MQTT = src
		a.Publisher = fog.NewFogPublisher(src.Client(), cfg.MQTT.PublishPrefix, a.Logger)
		a.closers = append(a.closers, src.Disconnect)
	}

	if a.NATSMode {
		src, err := fog.NewNATSSource(cfg.NATS, a.Logger)
		if err != nil {
			return fmt.Errorf("initializing NATS: %w", err)
		}
		if src == nil {
			return errors.New("nats.url not configured in config.yaml")
		}
		src.SetControlHandler(a.handleControl)
		a.NATS = src
		a.closers = append(a.closers, src.Close)
	}

	sinks := []fog.FogSink{a.Broadcaster}
	if a.Publisher != nil {
		sinks = append(sinks, a.Publisher)
	}
	for _, e := range cfg.Explorers {
		a.trackers[e.ID] = fog.NewTracker(e, cfg.Engine, fog.TrackerDeps{
			Store:    a.Store,
			Cache:    a.Cache,
			Snapper:  a.Snapper,
			Geocoder: a.Geocoder,
			Sinks:    sinks,
			Logger:   a.Logger,
		})
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Store != nil {
		return nil
	}
	if a.Config.Postgres.DSN == "" {
		a.Logger.Warn("postgres.dsn not set, archived regions are kept in memory only")
		a.Store = fog.NewMemoryStore()
		return nil
	}

	pool, err := fog.OpenPostgres(ctx, a.Config.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.closers = append(a.closers, pool.Close)

	store := fog.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	a.Store = store
	a.Logger.Info("connected to postgres")
	return nil
}

func (a *App) openCache(ctx context.Context) error {
	if a.Cache != nil {
		return nil
	}
	if a.Config.Redis.URL == "" {
		dir := filepath.Join(a.Config.DataDir, "cache")
		a.Cache = fog.NewFileCache(dir)
		a.Logger.Info("using file session cache", "dir", dir)
		return nil
	}

	client, err := fog.OpenRedis(ctx, a.Config.Redis.URL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Cache = fog.NewRedisCache(client, a.Config.Redis.KeyPrefix)
	a.Logger.Info("connected to redis")
	return nil
}

// Close releases every connection opened by Setup, newest first.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Tracker returns the tracker of explorer id.
func (a *App) Tracker(id string) (*fog.Tracker, bool) {
	t, ok := a.trackers[id]
	return t, ok
}

// Trackers returns every tracker in configuration order.
func (a *App) Trackers() []*fog.Tracker {
	out := make([]*fog.Tracker, 0, len(a.Config.Explorers))
	for _, e := range a.Config.Explorers {
		if t, ok := a.trackers[e.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// sources returns every fix transport that is enabled.
func (a *App) sources() []fog.FixSource {
	sources := []fog.FixSource{a.Push}
	if a.MQTT != nil {
		sources = append(sources, a.MQTT)
	}
	if a.NATS != nil {
		sources = append(sources, a.NATS)
	}
	return sources
}

// StartTracker starts tracking explorer id. Starting a running tracker is
// not an error.
func (a *App) StartTracker(ctx context.Context, id string) error {
	t, ok := a.trackers[id]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownExplorer, id)
	}
	if t.Running() {
		return nil
	}
	return t.Start(ctx, a.sources()...)
}

// StopTracker stops tracking explorer id and archives its session. An
// advisory error means the session is queued for retry.
func (a *App) StopTracker(ctx context.Context, id string) error {
	t, ok := a.trackers[id]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownExplorer, id)
	}
	ctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	return t.Stop(ctx)
}

// handleControl applies start/stop/unavailable messages from a transport.
func (a *App) handleControl(explorerID, state string) {
	ctx := context.Background()
	var err error
	switch state {
	case fog.StateStart:
		err = a.StartTracker(ctx, explorerID)
	case fog.StateStop:
		err = a.StopTracker(ctx, explorerID)
	case fog.StateUnavailable:
		t, ok := a.trackers[explorerID]
		if !ok {
			err = fmt.Errorf("%w: %s", errUnknownExplorer, explorerID)
			break
		}
		t.ReportGeolocationUnavailable("")
	}

	switch {
	case err == nil:
		a.Logger.Info("control message applied", "explorer", explorerID, "state", state)
	case fog.IsAdvisory(err):
		a.Logger.Warn("control message applied with advisory", "explorer", explorerID, "state", state, "error", err)
	default:
		a.Logger.Error("control message failed", "explorer", explorerID, "state", state, "error", err)
	}
}

// resume restarts trackers whose session survived in the cache and loads
// the archived fog of the others.
func (a *App) resume(ctx context.Context) {
	for _, t := range a.Trackers() {
		cached, err := a.Cache.LoadSession(ctx, t.ID())
		if err != nil {
			a.Logger.Warn("loading cached session", "explorer", t.ID(), "error", err)
		}
		if cached != nil && len(cached.Fixes) > 0 {
			if err := a.StartTracker(ctx, t.ID()); err != nil {
				a.Logger.Error("resuming tracker", "explorer", t.ID(), "error", err)
			}
			continue
		}
		if err := t.ReloadArchive(ctx); err != nil {
			a.Logger.Warn("loading archived regions", "explorer", t.ID(), "error", err)
		}
	}
}

// stopAll stops every running tracker.
func (a *App) stopAll() {
	for _, t := range a.Trackers() {
		if !t.Running() {
			continue
		}
		if err := a.StopTracker(context.Background(), t.ID()); err != nil {
			a.Logger.Warn("stopping tracker", "explorer", t.ID(), "error", err)
		}
	}
}

// consolidate runs one consolidation pass over every explorer and reloads
// the fog of those that got a new snapshot.
func (a *App) consolidate(ctx context.Context, force bool) error {
	var errs []error
	for _, t := range a.Trackers() {
		if a.Explorer != "" && t.ID() != a.Explorer {
			continue
		}
		c, err := fog.ConsolidateExplorer(ctx, a.Store, t.ID(), a.Config.Engine.ConsolidateEvery, force, a.Logger)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.ID(), err))
			continue
		}
		if c == nil {
			continue
		}
		if err := t.ReloadArchive(ctx); err != nil {
			a.Logger.Warn("reloading after consolidation", "explorer", t.ID(), "error", err)
		}
	}
	return errors.Join(errs...)
}

// maintain consolidates archived regions in the background until ctx ends.
func (a *App) maintain(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Engine.ConsolidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := a.consolidate(ctx, false); err != nil {
				a.Logger.Error("background consolidation", "error", err)
			}
		}
	}
}

// RunService runs the tracking service until ctx is cancelled.
func (a *App) RunService(ctx context.Context) error {
	if err := a.Setup(ctx); err != nil {
		return err
	}
	defer a.Close()

	if a.MQTT != nil {
		if err := a.MQTT.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
	}
	if a.NATS != nil {
		if err := a.NATS.Start(); err != nil {
			return fmt.Errorf("subscribing to NATS: %w", err)
		}
	}

	a.resume(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Broadcaster.Run(gctx) })
	g.Go(func() error { return a.maintain(gctx) })

	if a.HTTPMode {
		srv := &http.Server{
			Addr:              a.Config.HTTP.Addr,
			Handler:           newRouter(a),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       120 * time.Second,
		}
		g.Go(func() error {
			a.Logger.Info("starting http server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.printServiceInfo()
	err := g.Wait()

	a.Logger.Info("shutting down service")
	a.stopAll()
	return err
}

func (a *App) printServiceInfo() {
	fmt.Println("\nService Running")
	fmt.Println("===============")

	if a.MQTT != nil {
		fmt.Println("\nMQTT:")
		fmt.Println("  Subscribed topics:")
		for _, e := range a.Config.Explorers {
			if e.Topic != "" {
				fmt.Printf("    - %s (%s), control %s\n", e.Topic, e.ID, fog.StateTopic(e.Topic))
			}
		}
		fmt.Printf("  Publishing to: %s/{explorerID}/fog\n", a.Config.MQTT.PublishPrefix)
		fmt.Printf("  Combined status: %s/status\n", a.Config.MQTT.PublishPrefix)
	}
	if a.NATS != nil {
		fmt.Printf("\nNATS: %s.{explorerID}.fix and .state\n", a.Config.NATS.SubjectPrefix)
	}
	if a.HTTPMode {
		fmt.Printf("\nHTTP endpoints (%s):\n", a.Config.HTTP.Addr)
		fmt.Println("  GET  /health                          - Health check")
		fmt.Println("  GET  /metrics                         - Prometheus metrics")
		fmt.Println("  GET  /fog-pattern.png                 - Tileable fog texture")
		fmt.Println("  GET  /api/explorers                   - Explorer statuses")
		fmt.Println("  GET  /api/explorers/{id}/fog          - Fog GeoJSON")
		fmt.Println("  GET  /api/explorers/{id}/fog.svg|png  - Fog preview")
		fmt.Println("  GET  /api/explorers/{id}/ws           - Live fog updates")
		fmt.Println("  POST /api/explorers/{id}/fixes        - Push a fix")
		fmt.Println("  POST /api/explorers/{id}/start|stop   - Control tracking")
	}
	fmt.Println("\nPress Ctrl+C to stop")
}

// RunConsolidate forces a consolidation pass and exits.
func (a *App) RunConsolidate(ctx context.Context) error {
	if err := a.Setup(ctx); err != nil {
		return err
	}
	defer a.Close()
	return a.consolidate(ctx, true)
}

// RunRender renders one explorer's fog to OutputFile.
func (a *App) RunRender(ctx context.Context) error {
	if err := a.Setup(ctx); err != nil {
		return err
	}
	defer a.Close()

	id := a.Explorer
	if id == "" {
		id = a.Config.Explorers[0].ID
	}
	t, ok := a.trackers[id]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownExplorer, id)
	}
	if err := t.ReloadArchive(ctx); err != nil {
		return err
	}
	if cached, err := a.Cache.LoadSession(ctx, id); err == nil && cached != nil {
		a.Logger.Info("cached session not archived, rendering archived fog only", "explorer", id, "fixes", len(cached.Fixes))
	}
	scene := fog.SceneFromUpdate(t.Latest(ctx), a.explorerColor(id))

	f, err := os.Create(a.OutputFile)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := renderScene(f, scene, a.RenderFormat); err != nil {
		return fmt.Errorf("rendering %s: %w", id, err)
	}
	fmt.Printf("Saved %s fog to %s\n", id, a.OutputFile)
	return nil
}

// explorerColor returns the configured path colour of explorer id.
func (a *App) explorerColor(id string) color.NRGBA {
	def := fog.DefaultColors()[0]
	e, ok := a.Config.Explorer(id)
	if !ok {
		return def
	}
	return fog.ParseColor(e.Color, def)
}

// renderFormat normalizes the -format flag.
func renderFormat(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "raster", "png":
		return "raster", nil
	case "vector", "vector-png":
		return "vector", nil
	case "svg":
		return "svg", nil
	default:
		return "", fmt.Errorf("unknown render format %q (raster, vector or svg)", format)
	}
}
