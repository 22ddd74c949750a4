package fog

import (
	"errors"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads the configuration from a YAML file, applies FOGMESH_*
// (and MQTT_*) environment overrides, fills defaults and validates it.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(path, nil)
}

// loadConfig reads environment overrides from environ, or from the process
// environment when environ is nil.
func loadConfig(path string, environ map[string]string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := env.ParseWithOptions(&config, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyDefaults fills every unset field with its default.
func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "fogmesh"
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultNATSPrefix
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "fogmesh"
	}
	if c.Mapbox.BaseURL == "" {
		c.Mapbox.BaseURL = DefaultMapboxURL
	}

	def := DefaultEngineConfig()
	e := &c.Engine
	if e.Precision == 0 {
		e.Precision = def.Precision
	}
	if e.BufferRadius == 0 {
		e.BufferRadius = def.BufferRadius
	}
	if e.SmoothingIterations == 0 {
		e.SmoothingIterations = def.SmoothingIterations
	}
	if e.CircleSegments == 0 {
		e.CircleSegments = def.CircleSegments
	}
	if e.SnapThreshold == 0 {
		e.SnapThreshold = def.SnapThreshold
	}
	if e.SnapRadius == 0 {
		e.SnapRadius = def.SnapRadius
	}
	if e.QueueSize == 0 {
		e.QueueSize = def.QueueSize
	}
	if e.ConsolidateEvery == 0 {
		e.ConsolidateEvery = def.ConsolidateEvery
	}
	if e.ConsolidateInterval == 0 {
		e.ConsolidateInterval = def.ConsolidateInterval
	}
	if e.ArchiveRetries == 0 {
		e.ArchiveRetries = def.ArchiveRetries
	}
	if e.ArchiveRetryInterval == 0 {
		e.ArchiveRetryInterval = def.ArchiveRetryInterval
	}
	if e.EnrichmentTimeout == 0 {
		e.EnrichmentTimeout = def.EnrichmentTimeout
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.PatternSize == 0 {
		c.HTTP.PatternSize = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	palette := DefaultColors()
	for i := range c.Explorers {
		if c.Explorers[i].Color == "" {
			p := palette[i%len(palette)]
			c.Explorers[i].Color = fmt.Sprintf("#%02x%02x%02x", p.R, p.G, p.B)
		}
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Explorers) == 0 {
		errs = append(errs, errors.New("at least one explorer must be defined"))
	}

	seen := make(map[string]bool)
	for i, e := range c.Explorers {
		switch {
		case e.ID == "":
			errs = append(errs, fmt.Errorf("explorers[%d].id is required", i))
		case seen[e.ID]:
			errs = append(errs, fmt.Errorf("explorers[%d].id %q is duplicated", i, e.ID))
		}
		seen[e.ID] = true
		if c.MQTT.Broker != "" && e.Topic == "" {
			errs = append(errs, fmt.Errorf("explorers[%d].topic is required for %s when mqtt.broker is set", i, e.ID))
		}
		if (e.SnapToRoad || e.Geocode) && c.Mapbox.Token == "" {
			errs = append(errs, fmt.Errorf("explorers[%d] (%s) needs mapbox.token for snapToRoad or geocode", i, e.ID))
		}
	}

	if c.Engine.Precision < 0 || c.Engine.Precision > 9 {
		errs = append(errs, fmt.Errorf("engine.precision must be between 0 and 9, got %d", c.Engine.Precision))
	}
	if c.Engine.BufferRadius < 0 {
		errs = append(errs, fmt.Errorf("engine.bufferRadius must be positive, got %g", c.Engine.BufferRadius))
	}
	if c.Engine.CircleSegments != 0 && c.Engine.CircleSegments < 8 {
		errs = append(errs, fmt.Errorf("engine.circleSegments must be at least 8, got %d", c.Engine.CircleSegments))
	}
	if c.Engine.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("engine.queueSize must be positive, got %d", c.Engine.QueueSize))
	}
	return errors.Join(errs...)
}

// Explorer returns the configuration of explorer id.
func (c *Config) Explorer(id string) (ExplorerConfig, bool) {
	for _, e := range c.Explorers {
		if e.ID == id {
			return e, true
		}
	}
	return ExplorerConfig{}, false
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
