package fog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// GeoPoint is a WGS84 position in degrees.
type GeoPoint struct {
	Lon float64 `json:"longitude"`
	Lat float64 `json:"latitude"`
}

// Orb returns the point as an orb.Point (lon, lat order).
func (p GeoPoint) Orb() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

// PointFromOrb converts an orb.Point back to a GeoPoint.
func PointFromOrb(p orb.Point) GeoPoint {
	return GeoPoint{Lon: p.Lon(), Lat: p.Lat()}
}

// Place is the display enrichment filled in by reverse geocoding.
type Place struct {
	City   string `json:"city,omitempty"`
	Region string `json:"region,omitempty"`
}

// Label returns "City, Region" with empty parts left out.
func (p *Place) Label() string {
	if p == nil {
		return ""
	}
	switch {
	case p.City != "" && p.Region != "":
		return p.City + ", " + p.Region
	case p.City != "":
		return p.City
	default:
		return p.Region
	}
}

// RawFix is a device position as delivered by a FixSource, before sanitizing.
type RawFix struct {
	Lon       float64
	Lat       float64
	Timestamp time.Time
}

// Fix is an accepted, sanitized position sample in the active session.
type Fix struct {
	ID        string    `json:"id"`
	Point     GeoPoint  `json:"point"`
	Timestamp time.Time `json:"timestamp"`
	Snapped   bool      `json:"snapped,omitempty"`
	Place     *Place    `json:"place,omitempty"`
}

// ActiveSession is an immutable snapshot of the in-progress session.
// Readers must not modify Fixes.
type ActiveSession struct {
	StartedAt time.Time `json:"startedAt"`
	Fixes     []Fix     `json:"fixes"`
	// Epoch changes whenever the session is reset or restored.
	Epoch uint64 `json:"-"`
	// Version changes on every accepted mutation.
	Version uint64 `json:"-"`
}

// Path returns the fix coordinates in arrival order.
func (s ActiveSession) Path() []GeoPoint {
	path := make([]GeoPoint, len(s.Fixes))
	for i, f := range s.Fixes {
		path[i] = f.Point
	}
	return path
}

// EndedAt returns the timestamp of the last fix, or StartedAt when empty.
func (s ActiveSession) EndedAt() time.Time {
	if len(s.Fixes) == 0 {
		return s.StartedAt
	}
	return s.Fixes[len(s.Fixes)-1].Timestamp
}

// ArchivedRegion is the buffered footprint of a finished session. Once
// persisted it is never modified.
type ArchivedRegion struct {
	ID             string
	ExplorerID     string
	Geometry       orb.MultiPolygon
	FixCount       int
	DistanceMeters float64
	StartedAt      time.Time
	EndedAt        time.Time
}

// Feature returns the region as a GeoJSON Feature. A single-polygon region
// is written as a Polygon.
func (r ArchivedRegion) Feature() *geojson.Feature {
	var g orb.Geometry = r.Geometry
	if len(r.Geometry) == 1 {
		g = r.Geometry[0]
	}
	f := geojson.NewFeature(g)
	f.ID = r.ID
	f.Properties["id"] = r.ID
	f.Properties["explorer"] = r.ExplorerID
	f.Properties["fixCount"] = r.FixCount
	f.Properties["distanceMeters"] = r.DistanceMeters
	f.Properties["startedAt"] = r.StartedAt.UTC().Format(time.RFC3339Nano)
	f.Properties["endedAt"] = r.EndedAt.UTC().Format(time.RFC3339Nano)
	return f
}

// MarshalJSON encodes the region as a GeoJSON Feature.
func (r ArchivedRegion) MarshalJSON() ([]byte, error) {
	return r.Feature().MarshalJSON()
}

// UnmarshalJSON decodes a region written by MarshalJSON.
func (r *ArchivedRegion) UnmarshalJSON(data []byte) error {
	f, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return fmt.Errorf("decoding region feature: %w", err)
	}
	mp, err := asMultiPolygon(f.Geometry)
	if err != nil {
		return err
	}

	out := ArchivedRegion{
		ID:             f.Properties.MustString("id", ""),
		ExplorerID:     f.Properties.MustString("explorer", ""),
		Geometry:       mp,
		FixCount:       f.Properties.MustInt("fixCount", 0),
		DistanceMeters: f.Properties.MustFloat64("distanceMeters", 0),
	}
	if out.ID == "" {
		if id, ok := f.ID.(string); ok {
			out.ID = id
		}
	}
	if s := f.Properties.MustString("startedAt", ""); s != "" {
		out.StartedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s := f.Properties.MustString("endedAt", ""); s != "" {
		out.EndedAt, _ = time.Parse(time.RFC3339Nano, s)
	}
	*r = out
	return nil
}

// Consolidation is a union snapshot of the first Through archived regions.
type Consolidation struct {
	Through   int              `json:"through"`
	Geometry  orb.MultiPolygon `json:"-"`
	CreatedAt time.Time        `json:"createdAt"`
}

type consolidationJSON struct {
	Through   int               `json:"through"`
	Geometry  *geojson.Geometry `json:"geometry"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MarshalJSON writes the geometry as a GeoJSON geometry object.
func (c Consolidation) MarshalJSON() ([]byte, error) {
	return json.Marshal(consolidationJSON{
		Through:   c.Through,
		Geometry:  geojson.NewGeometry(c.Geometry),
		CreatedAt: c.CreatedAt,
	})
}

// UnmarshalJSON reads a snapshot written by MarshalJSON.
func (c *Consolidation) UnmarshalJSON(data []byte) error {
	var raw consolidationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var mp orb.MultiPolygon
	if raw.Geometry != nil {
		var err error
		if mp, err = asMultiPolygon(raw.Geometry.Geometry()); err != nil {
			return err
		}
	}
	*c = Consolidation{Through: raw.Through, Geometry: mp, CreatedAt: raw.CreatedAt}
	return nil
}

// PendingArchive is an archive that could not be persisted yet. It holds the
// computed region plus the fixes it came from so nothing is lost.
type PendingArchive struct {
	Region    ArchivedRegion `json:"region"`
	Fixes     []Fix          `json:"fixes"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"lastError,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// asMultiPolygon normalizes polygonal geometry to a MultiPolygon.
func asMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case nil:
		return nil, nil
	case orb.Polygon:
		if len(v) == 0 {
			return nil, nil
		}
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		return v, nil
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}, nil
	case orb.Collection:
		var out orb.MultiPolygon
		for _, member := range v {
			mp, err := asMultiPolygon(member)
			if err != nil {
				continue
			}
			out = append(out, mp...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported geometry type %s", g.GeoJSONType())
	}
}

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Config represents the complete service configuration.
type Config struct {
	DataDir   string           `yaml:"dataDir" json:"dataDir" env:"FOGMESH_DATA_DIR"`
	MQTT      MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	NATS      NATSConfig       `yaml:"nats" json:"nats"`
	Postgres  PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis     RedisConfig      `yaml:"redis" json:"redis"`
	Mapbox    MapboxConfig     `yaml:"mapbox" json:"mapbox"`
	Engine    EngineConfig     `yaml:"engine" json:"engine"`
	HTTP      HTTPConfig       `yaml:"http" json:"http"`
	Log       LogConfig        `yaml:"log" json:"log"`
	Explorers []ExplorerConfig `yaml:"explorers" json:"explorers"`
}

// MQTTConfig holds MQTT broker connection settings.
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker" env:"MQTT_BROKER"`
	ClientID      string `yaml:"clientId" json:"clientId" env:"MQTT_CLIENT_ID"`
	Username      string `yaml:"username" json:"username" env:"MQTT_USERNAME"`
	Password      string `yaml:"password" json:"-" env:"MQTT_PASSWORD"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix" env:"MQTT_PUBLISH_PREFIX"`
}

// NATSConfig configures the optional NATS fix transport.
type NATSConfig struct {
	URL           string `yaml:"url" json:"url" env:"FOGMESH_NATS_URL"`
	SubjectPrefix string `yaml:"subjectPrefix" json:"subjectPrefix" env:"FOGMESH_NATS_PREFIX"`
}

// PostgresConfig configures the document store. Empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN      string `yaml:"dsn" json:"-" env:"FOGMESH_POSTGRES_DSN"`
	MaxConns int32  `yaml:"maxConns" json:"maxConns" env:"FOGMESH_POSTGRES_MAX_CONNS"`
}

// RedisConfig configures the session cache. Empty URL selects the file cache.
type RedisConfig struct {
	URL       string `yaml:"url" json:"-" env:"FOGMESH_REDIS_URL"`
	KeyPrefix string `yaml:"keyPrefix" json:"keyPrefix" env:"FOGMESH_REDIS_PREFIX"`
}

// MapboxConfig configures road snapping and geocoding.
type MapboxConfig struct {
	Token   string `yaml:"token" json:"-" env:"MAPBOX_TOKEN"`
	BaseURL string `yaml:"baseUrl" json:"baseUrl" env:"FOGMESH_MAPBOX_URL"`
}

// EngineConfig holds the fog engine tunables.
type EngineConfig struct {
	Precision            int           `yaml:"precision" json:"precision" env:"FOGMESH_PRECISION"`
	BufferRadius         float64       `yaml:"bufferRadius" json:"bufferRadius" env:"FOGMESH_BUFFER_RADIUS"`
	SmoothingIterations  int           `yaml:"smoothingIterations" json:"smoothingIterations" env:"FOGMESH_SMOOTHING_ITERATIONS"`
	CircleSegments       int           `yaml:"circleSegments" json:"circleSegments" env:"FOGMESH_CIRCLE_SEGMENTS"`
	SnapThreshold        float64       `yaml:"snapThreshold" json:"snapThreshold" env:"FOGMESH_SNAP_THRESHOLD"`
	SnapRadius           float64       `yaml:"snapRadius" json:"snapRadius" env:"FOGMESH_SNAP_RADIUS"`
	QueueSize            int           `yaml:"queueSize" json:"queueSize" env:"FOGMESH_QUEUE_SIZE"`
	ConsolidateEvery     int           `yaml:"consolidateEvery" json:"consolidateEvery" env:"FOGMESH_CONSOLIDATE_EVERY"`
	ConsolidateInterval  time.Duration `yaml:"consolidateInterval" json:"consolidateInterval" env:"FOGMESH_CONSOLIDATE_INTERVAL"`
	ArchiveRetries       int           `yaml:"archiveRetries" json:"archiveRetries" env:"FOGMESH_ARCHIVE_RETRIES"`
	ArchiveRetryInterval time.Duration `yaml:"archiveRetryInterval" json:"archiveRetryInterval" env:"FOGMESH_ARCHIVE_RETRY_INTERVAL"`
	EnrichmentTimeout    time.Duration `yaml:"enrichmentTimeout" json:"enrichmentTimeout" env:"FOGMESH_ENRICHMENT_TIMEOUT"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Precision:            DefaultPrecision,
		BufferRadius:         DefaultBufferRadius,
		SmoothingIterations:  DefaultSmoothingIterations,
		CircleSegments:       DefaultCircleSegments,
		SnapThreshold:        DefaultSnapThreshold,
		SnapRadius:           DefaultSnapRadius,
		QueueSize:            64,
		ConsolidateEvery:     20,
		ConsolidateInterval:  10 * time.Minute,
		ArchiveRetries:       3,
		ArchiveRetryInterval: time.Minute,
		EnrichmentTimeout:    10 * time.Second,
	}
}

// BufferOptions returns the buffer settings derived from the engine config.
func (e EngineConfig) BufferOptions() BufferOptions {
	return BufferOptions{Iterations: e.SmoothingIterations, Segments: e.CircleSegments}
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr        string `yaml:"addr" json:"addr" env:"FOGMESH_HTTP_ADDR"`
	PatternSize int    `yaml:"patternSize" json:"patternSize" env:"FOGMESH_PATTERN_SIZE"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" env:"FOGMESH_LOG_LEVEL"`
	Format string `yaml:"format" json:"format" env:"FOGMESH_LOG_FORMAT"`
}

// ExplorerConfig describes one tracked explorer (a user's device).
type ExplorerConfig struct {
	ID         string `yaml:"id" json:"id"`
	Topic      string `yaml:"topic" json:"topic"`
	Color      string `yaml:"color" json:"color"`
	SnapToRoad bool   `yaml:"snapToRoad" json:"snapToRoad"`
	Geocode    bool   `yaml:"geocode" json:"geocode"`
}
