package fog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, "test"), s
}

func sampleSession() ActiveSession {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return ActiveSession{
		StartedAt: ts,
		Fixes: []Fix{
			{ID: "f1", Point: GeoPoint{Lon: -97.44, Lat: 35.22}, Timestamp: ts},
			{ID: "f2", Point: GeoPoint{Lon: -97.441, Lat: 35.221}, Timestamp: ts.Add(time.Minute), Place: &Place{City: "Norman"}},
		},
	}
}

func samplePending(id string, created time.Time) PendingArchive {
	r := sampleRegion(id)
	return PendingArchive{Region: r, Fixes: sampleSession().Fixes, Attempts: 1, LastError: "db down", CreatedAt: created}
}

func TestSessionCaches(t *testing.T) {
	caches := map[string]func(t *testing.T) SessionCache{
		"file": func(t *testing.T) SessionCache { return NewFileCache(t.TempDir()) },
		"redis": func(t *testing.T) SessionCache {
			c, _ := newTestRedisCache(t)
			return c
		},
	}

	for name, newCache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing session", func(t *testing.T) {
				c := newCache(t)
				s, err := c.LoadSession(ctx, "alice")
				require.NoError(t, err)
				assert.Nil(t, s)
			})

			t.Run("session round trip", func(t *testing.T) {
				c := newCache(t)
				want := sampleSession()
				require.NoError(t, c.SaveSession(ctx, "alice", want))

				got, err := c.LoadSession(ctx, "alice")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, want.StartedAt, got.StartedAt)
				assert.Equal(t, want.Fixes, got.Fixes)
			})

			t.Run("save overwrites", func(t *testing.T) {
				c := newCache(t)
				require.NoError(t, c.SaveSession(ctx, "alice", sampleSession()))
				shorter := sampleSession()
				shorter.Fixes = shorter.Fixes[:1]
				require.NoError(t, c.SaveSession(ctx, "alice", shorter))

				got, err := c.LoadSession(ctx, "alice")
				require.NoError(t, err)
				assert.Len(t, got.Fixes, 1)
			})

			t.Run("clear keeps pending", func(t *testing.T) {
				c := newCache(t)
				require.NoError(t, c.SaveSession(ctx, "alice", sampleSession()))
				require.NoError(t, c.SavePending(ctx, "alice", samplePending("r1", time.Now().UTC())))

				require.NoError(t, c.ClearSession(ctx, "alice"))
				require.NoError(t, c.ClearSession(ctx, "alice"), "clearing twice is fine")

				s, err := c.LoadSession(ctx, "alice")
				require.NoError(t, err)
				assert.Nil(t, s)

				pending, err := c.LoadPending(ctx, "alice")
				require.NoError(t, err)
				assert.Len(t, pending, 1)
			})

			t.Run("pending lifecycle", func(t *testing.T) {
				c := newCache(t)
				base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
				require.NoError(t, c.SavePending(ctx, "alice", samplePending("r2", base.Add(time.Hour))))
				require.NoError(t, c.SavePending(ctx, "alice", samplePending("r1", base)))

				updated := samplePending("r2", base.Add(time.Hour))
				updated.Attempts = 3
				require.NoError(t, c.SavePending(ctx, "alice", updated))

				pending, err := c.LoadPending(ctx, "alice")
				require.NoError(t, err)
				require.Len(t, pending, 2)
				assert.Equal(t, "r1", pending[0].Region.ID, "oldest first")
				assert.Equal(t, 3, pending[1].Attempts)
				assert.Equal(t, sampleRegion("r1").Geometry, pending[0].Region.Geometry)

				require.NoError(t, c.RemovePending(ctx, "alice", "r1"))
				pending, err = c.LoadPending(ctx, "alice")
				require.NoError(t, err)
				require.Len(t, pending, 1)
				assert.Equal(t, "r2", pending[0].Region.ID)

				require.NoError(t, c.RemovePending(ctx, "alice", "r2"))
				pending, err = c.LoadPending(ctx, "alice")
				require.NoError(t, err)
				assert.Empty(t, pending)
			})

			t.Run("explorers are isolated", func(t *testing.T) {
				c := newCache(t)
				require.NoError(t, c.SaveSession(ctx, "alice", sampleSession()))

				s, err := c.LoadSession(ctx, "bob")
				require.NoError(t, err)
				assert.Nil(t, s)
			})
		})
	}
}

func TestRedisCache_FixedSessionKey(t *testing.T) {
	c, s := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, c.SaveSession(ctx, "alice", sampleSession()))
	require.NoError(t, c.SaveSession(ctx, "alice", sampleSession()))

	assert.Equal(t, []string{"test:alice:session"}, s.Keys())
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "alice", safeName("alice"))
	assert.Equal(t, "a_b_c", safeName("a/b c"))
	assert.Equal(t, "___etc", safeName("../etc"))
}
