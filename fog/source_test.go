package fog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_CancelDrainsQueued(t *testing.T) {
	cancelled := false
	sub := NewSubscription(4, func() { cancelled = true })

	require.True(t, sub.Deliver(context.Background(), RawFix{Lon: 1}))
	require.True(t, sub.Deliver(context.Background(), RawFix{Lon: 2}))
	sub.Cancel()
	sub.Cancel()

	assert.True(t, cancelled)
	assert.False(t, sub.Deliver(context.Background(), RawFix{Lon: 3}))

	var got []float64
	for f := range sub.C() {
		got = append(got, f.Lon)
	}
	assert.Equal(t, []float64{1, 2}, got)
}

func TestSubscription_DeliverBlocksWhenFull(t *testing.T) {
	sub := NewSubscription(1, nil)
	require.True(t, sub.Deliver(context.Background(), RawFix{Lon: 1}))

	delivered := make(chan bool)
	go func() {
		delivered <- sub.Deliver(context.Background(), RawFix{Lon: 2})
	}()

	select {
	case <-delivered:
		t.Fatal("Deliver should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, 1.0, (<-sub.C()).Lon)
	assert.True(t, <-delivered)
	assert.Equal(t, 2.0, (<-sub.C()).Lon)
}

func TestSubscription_CancelUnblocksProducer(t *testing.T) {
	sub := NewSubscription(1, nil)
	sub.Deliver(context.Background(), RawFix{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.False(t, sub.Deliver(context.Background(), RawFix{Lon: 9}))
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Cancel()
	wg.Wait()
}

func TestPushSource(t *testing.T) {
	src := NewPushSource()
	ctx := context.Background()

	err := src.Push(ctx, "alice", RawFix{})
	assert.True(t, errors.Is(err, ErrNoSubscriber))

	sub, err := src.Subscribe("alice", 2)
	require.NoError(t, err)
	require.NoError(t, src.Push(ctx, "alice", RawFix{Lon: 5}))
	assert.Equal(t, 5.0, (<-sub.C()).Lon)

	sub.Cancel()
	assert.True(t, errors.Is(src.Push(ctx, "alice", RawFix{}), ErrNoSubscriber))
}

func TestDecodeFixPayload(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		payload string
		want    RawFix
		wantErr bool
	}{
		{
			name:    "owntracks location",
			payload: `{"_type":"location","lat":35.22,"lon":-97.44,"tst":1700000000,"acc":12}`,
			want:    RawFix{Lon: -97.44, Lat: 35.22, Timestamp: time.Unix(1700000000, 0).UTC()},
		},
		{
			name:    "plain form",
			payload: `{"longitude":2.35,"latitude":48.85,"timestamp":"2024-05-01T10:00:00Z"}`,
			want:    RawFix{Lon: 2.35, Lat: 48.85, Timestamp: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		},
		{
			name:    "missing timestamp uses now",
			payload: `{"lat":0,"lon":0}`,
			want:    RawFix{Lon: 0, Lat: 0, Timestamp: now},
		},
		{
			name:    "out of range is left to sanitizer",
			payload: `{"lat":95,"lon":200}`,
			want:    RawFix{Lon: 200, Lat: 95, Timestamp: now},
		},
		{name: "other owntracks type", payload: `{"_type":"waypoint","lat":1,"lon":1}`, wantErr: true},
		{name: "no coordinates", payload: `{"tst":1}`, wantErr: true},
		{name: "not json", payload: `lat=1`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFixPayload([]byte(tt.payload), now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeStatePayload(t *testing.T) {
	assert.Equal(t, "start", DecodeStatePayload([]byte(`{"value":"start"}`)))
	assert.Equal(t, "stop", DecodeStatePayload([]byte(`"Stop"`)))
	assert.Equal(t, "unavailable", DecodeStatePayload([]byte(" unavailable\n")))
	assert.Equal(t, "", DecodeStatePayload([]byte("")))
}
