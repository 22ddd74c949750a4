package fog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMQTTConfig() *Config {
	return &Config{
		MQTT: MQTTConfig{Broker: "tcp://localhost:1883"},
		Explorers: []ExplorerConfig{
			{ID: "alice", Topic: "owntracks/alice/phone"},
			{ID: "bob", Topic: "owntracks/bob/phone"},
		},
	}
}

func connectedMockSource(t *testing.T) (*MQTTSource, *MockClient) {
	t.Helper()
	client := NewMockClient()
	s := newMQTTSource(client, testMQTTConfig(), nil)
	client.SetOnConnect(s.onConnect)
	require.NoError(t, s.Connect(context.Background()))
	return s, client
}

func TestNewMQTTSource_Disabled(t *testing.T) {
	s, err := NewMQTTSource(&Config{Explorers: []ExplorerConfig{{ID: "a", Topic: "t"}}}, nil)
	assert.NoError(t, err)
	assert.Nil(t, s)
}

func TestNewMQTTSource_NoExplorers(t *testing.T) {
	_, err := NewMQTTSource(&Config{MQTT: MQTTConfig{Broker: "tcp://localhost:1883"}}, nil)
	assert.Error(t, err)
}

func TestMQTTSource_ConnectSubscribesTopics(t *testing.T) {
	s, client := connectedMockSource(t)

	assert.True(t, s.IsConnected())
	for _, topic := range []string{
		"owntracks/alice/phone", "owntracks/alice/phone/state",
		"owntracks/bob/phone", "owntracks/bob/phone/state",
	} {
		assert.True(t, client.Subscribed(topic), "expected subscription to %s", topic)
	}
}

func TestMQTTSource_ConnectCancelled(t *testing.T) {
	client := NewMockClient()
	client.SetConnectError(assert.AnError)
	s := newMQTTSource(client, testMQTTConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := s.Connect(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, s.IsConnected())
}

func TestMQTTSource_RoutesFixesInOrder(t *testing.T) {
	s, client := connectedMockSource(t)

	sub, err := s.Subscribe("alice", 8)
	require.NoError(t, err)
	defer sub.Cancel()

	client.SimulateMessage("owntracks/alice/phone", []byte(`{"_type":"location","lat":35.22,"lon":-97.44,"tst":1700000000}`))
	client.SimulateMessage("owntracks/alice/phone", []byte(`{"_type":"location","lat":35.23,"lon":-97.45,"tst":1700000060}`))
	client.SimulateMessage("owntracks/alice/phone", []byte(`{"_type":"transition"}`))
	client.SimulateMessage("owntracks/bob/phone", []byte(`{"_type":"location","lat":1,"lon":1}`))

	first := <-sub.C()
	second := <-sub.C()
	assert.Equal(t, 35.22, first.Lat)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), first.Timestamp)
	assert.Equal(t, -97.45, second.Lon)

	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected extra fix %+v", extra)
	default:
	}
}

func TestMQTTSource_SubscribeErrors(t *testing.T) {
	s, _ := connectedMockSource(t)

	_, err := s.Subscribe("carol", 4)
	assert.Error(t, err, "unknown explorer")

	sub, err := s.Subscribe("alice", 4)
	require.NoError(t, err)
	_, err = s.Subscribe("alice", 4)
	assert.Error(t, err, "second subscription for the same explorer")

	sub.Cancel()
	again, err := s.Subscribe("alice", 4)
	require.NoError(t, err, "explorer can resubscribe after cancel")
	again.Cancel()
}

func TestMQTTSource_StateMessages(t *testing.T) {
	s, client := connectedMockSource(t)

	type event struct{ explorer, state string }
	events := make(chan event, 4)
	s.SetControlHandler(func(explorerID, state string) {
		events <- event{explorerID, state}
	})

	client.SimulateMessage("owntracks/alice/phone/state", []byte(`{"value":"stop"}`))
	client.SimulateMessage("owntracks/bob/phone/state", []byte(`"START"`))
	client.SimulateMessage("owntracks/bob/phone/state", []byte(`docked`))

	got := map[string]string{}
	for range 2 {
		select {
		case e := <-events:
			got[e.explorer] = e.state
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for control event")
		}
	}
	assert.Equal(t, map[string]string{"alice": StateStop, "bob": StateStart}, got)

	select {
	case e := <-events:
		t.Fatalf("unknown state should be ignored, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMQTTSource_ExplorerByTopic(t *testing.T) {
	s := newMQTTSource(nil, testMQTTConfig(), nil)

	id, ok := s.ExplorerByTopic("owntracks/bob/phone")
	assert.True(t, ok)
	assert.Equal(t, "bob", id)

	_, ok = s.ExplorerByTopic("owntracks/bob/phone/state")
	assert.False(t, ok)
}

func TestMQTTSource_Disconnect(t *testing.T) {
	s, client := connectedMockSource(t)
	s.Disconnect()
	assert.False(t, s.IsConnected())
	assert.False(t, client.IsConnected())
}
