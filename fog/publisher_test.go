package fog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fogUpdate returns an update with one 0.01 degree hole per corner point.
func fogUpdate(explorerID string, seq uint64, holes ...GeoPoint) *FogUpdate {
	subs := make([]Subtrahend, len(holes))
	for i, h := range holes {
		subs[i] = Subtrahend{ID: explorerID + string(rune('a'+i)), Geometry: square(h.Lon, h.Lat, 0.01)}
	}
	fog := ComputeFog(WorldPolygon, subs, Subtrahend{}, nil)
	return &FogUpdate{
		ExplorerID: explorerID,
		Sequence:   seq,
		Fog:        fog,
		Status:     Status{ExplorerID: explorerID, Tracking: true, RegionCount: len(holes)},
	}
}

func TestFogPublisher_Topics(t *testing.T) {
	p := NewFogPublisher(nil, "", nil)
	assert.Equal(t, "fogmesh/alice/fog", p.FogTopic("alice"))
	assert.Equal(t, "fogmesh/alice/status", p.StatusTopic("alice"))

	p = NewFogPublisher(nil, "home/fog", nil)
	assert.Equal(t, "home/fog/bob/fog", p.FogTopic("bob"))
}

func TestFogPublisher_NotConnected(t *testing.T) {
	client := NewMockClient()
	p := NewFogPublisher(client, "", nil)
	assert.Error(t, p.PublishFog(context.Background(), fogUpdate("alice", 1)))
	assert.Empty(t, client.Published())

	assert.Error(t, NewFogPublisher(nil, "", nil).PublishFog(context.Background(), fogUpdate("alice", 1)))
}

func TestFogPublisher_PublishFog(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewFogPublisher(client, "", nil)

	require.NoError(t, p.PublishFog(context.Background(), fogUpdate("alice", 1, GeoPoint{Lon: 2, Lat: 48})))

	fog := client.PublishedTo("fogmesh/alice/fog")
	require.Len(t, fog, 1)
	assert.True(t, fog[0].Retain)
	assert.Equal(t, byte(0), fog[0].QoS)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type string `json:"type"`
			} `json:"geometry"`
			Properties map[string]any `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(fog[0].Payload, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "Polygon", fc.Features[0].Geometry.Type)
	assert.Equal(t, float64(1), fc.Features[0].Properties["holes"])

	status := client.PublishedTo("fogmesh/alice/status")
	require.Len(t, status, 1)
	var s Status
	require.NoError(t, json.Unmarshal(status[0].Payload, &s))
	assert.Equal(t, "alice", s.ExplorerID)
	assert.True(t, s.Tracking)

	got, ok := p.Status("alice")
	assert.True(t, ok)
	assert.Equal(t, 1, got.RegionCount)
}

func TestFogPublisher_CombinedStatus(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewFogPublisher(client, "", nil)

	require.NoError(t, p.PublishFog(context.Background(), fogUpdate("bob", 1)))
	require.NoError(t, p.PublishFog(context.Background(), fogUpdate("alice", 1)))

	combined := client.PublishedTo("fogmesh/status")
	require.Len(t, combined, 2)

	var msg struct {
		Explorers []Status `json:"explorers"`
		Timestamp int64    `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(combined[1].Payload, &msg))
	require.Len(t, msg.Explorers, 2)
	assert.Equal(t, "alice", msg.Explorers[0].ExplorerID)
	assert.Equal(t, "bob", msg.Explorers[1].ExplorerID)
	assert.NotZero(t, msg.Timestamp)
}

func TestFogPublisher_PublishError(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	client.SetPublishError(errors.New("broker gone"))
	p := NewFogPublisher(client, "", nil)

	err := p.PublishFog(context.Background(), fogUpdate("alice", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fogmesh/alice/fog")
}

func TestFogPublisher_QoSAndRetain(t *testing.T) {
	client := NewMockClient()
	client.SetConnected(true)
	p := NewFogPublisher(client, "", nil)
	p.SetQoS(1)
	p.SetQoS(7)
	p.SetRetain(false)

	require.NoError(t, p.PublishFog(context.Background(), fogUpdate("alice", 1)))
	msg := client.PublishedTo("fogmesh/alice/fog")[0]
	assert.Equal(t, byte(1), msg.QoS, "invalid QoS is ignored")
	assert.False(t, msg.Retain)
}
