package dlrstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	m := Mapping{MessageID: "msg-1", Submitter: "alice", ConnectorID: "smpp-us", SubmittedAt: time.Now().UTC().Truncate(time.Second)}

	require.NoError(t, s.Save(ctx, "c-77", m, time.Hour))

	got, err := s.Lookup(ctx, "smpp-us", "c-77")
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, got.MessageID)
	assert.Equal(t, m.Submitter, got.Submitter)
	assert.True(t, m.SubmittedAt.Equal(got.SubmittedAt))

	// carrier ids are only unique per connector
	_, err = s.Lookup(ctx, "smpp-eu", "c-77")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "smpp-us", "c-77"))
	_, err = s.Lookup(ctx, "smpp-us", "c-77")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	require.NoError(t, s.Save(context.Background(), "c", Mapping{ConnectorID: "x"}, time.Minute))

	now = now.Add(2 * time.Minute)
	_, err := s.Lookup(context.Background(), "x", "c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client)
	exerciseStore(t, s)

	require.NoError(t, s.Save(context.Background(), "c-1", Mapping{ConnectorID: "x"}, time.Minute))
	assert.True(t, mr.Exists("smsgw:dlr:x:c-1"))
	mr.FastForward(2 * time.Minute)
	_, err := s.Lookup(context.Background(), "x", "c-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
