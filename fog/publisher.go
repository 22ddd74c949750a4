package fog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultPublishPrefix is the topic prefix used when none is configured.
const DefaultPublishPrefix = "fogmesh"

// FogPublisher publishes fog updates to MQTT:
//
//	<prefix>/<explorer>/fog     fog FeatureCollection
//	<prefix>/<explorer>/status  explorer Status
//	<prefix>/status             every known Status
//
// Messages are retained so a new subscriber gets the latest state.
type FogPublisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	logger        *slog.Logger

	statuses map[string]Status
	mu       sync.RWMutex
}

// NewFogPublisher creates a publisher. If client is nil, publishing is
// disabled.
func NewFogPublisher(client mqtt.Client, prefix string, logger *slog.Logger) *FogPublisher {
	if prefix == "" {
		prefix = DefaultPublishPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FogPublisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		logger:        logger.With("component", "publisher"),
		statuses:      make(map[string]Status),
	}
}

// FogTopic returns the fog topic for an explorer.
func (p *FogPublisher) FogTopic(explorerID string) string {
	return fmt.Sprintf("%s/%s/fog", p.publishPrefix, explorerID)
}

// StatusTopic returns the status topic for an explorer.
func (p *FogPublisher) StatusTopic(explorerID string) string {
	return fmt.Sprintf("%s/%s/status", p.publishPrefix, explorerID)
}

// PublishFog implements FogSink.
func (p *FogPublisher) PublishFog(_ context.Context, u *FogUpdate) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	p.mu.Lock()
	p.statuses[u.ExplorerID] = u.Status
	p.mu.Unlock()

	fog, err := json.Marshal(FogFeatureCollection(u.ExplorerID, u.Fog))
	if err != nil {
		return fmt.Errorf("marshaling fog: %w", err)
	}
	if err := p.publish(p.FogTopic(u.ExplorerID), fog); err != nil {
		return err
	}

	status, err := json.Marshal(u.Status)
	if err != nil {
		return fmt.Errorf("marshaling status: %w", err)
	}
	if err := p.publish(p.StatusTopic(u.ExplorerID), status); err != nil {
		return err
	}

	if err := p.publishCombined(); err != nil {
		return err
	}

	p.logger.Debug("published fog", "explorer", u.ExplorerID, "sequence", u.Sequence, "holes", u.Fog.HoleCount())
	return nil
}

func (p *FogPublisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// publishCombined publishes every known explorer status to the combined topic.
func (p *FogPublisher) publishCombined() error {
	statuses := p.Statuses()
	if len(statuses) == 0 {
		return nil
	}

	message := map[string]interface{}{
		"explorers": statuses,
		"timestamp": time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling combined status: %w", err)
	}
	return p.publish(p.publishPrefix+"/status", payload)
}

// Status returns the last published status for an explorer.
func (p *FogPublisher) Status(explorerID string) (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.statuses[explorerID]
	return s, ok
}

// Statuses returns every known status ordered by explorer ID.
func (p *FogPublisher) Statuses() []Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Status, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExplorerID < out[j].ExplorerID })
	return out
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2).
func (p *FogPublisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker.
func (p *FogPublisher) SetRetain(retain bool) {
	p.retain = retain
}
