package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLease_SingleHolder(t *testing.T) {
	ctx := context.Background()
	_, client := newClient(t)
	log := zaptest.NewLogger(t).Sugar()

	a := NewRedisLease(client, "slotpulse:leader", 10*time.Second, log)
	b := NewRedisLease(client, "slotpulse:leader", 10*time.Second, log)

	assert.True(t, a.Held(ctx))
	assert.False(t, b.Held(ctx))
	assert.True(t, a.Held(ctx), "refresh keeps the lease")

	require.NoError(t, a.Resign(ctx))
	assert.True(t, b.Held(ctx))
	assert.False(t, a.Held(ctx))
}

func TestRedisLease_LapsedLeaseMovesOn(t *testing.T) {
	ctx := context.Background()
	mr, client := newClient(t)
	log := zaptest.NewLogger(t).Sugar()

	a := NewRedisLease(client, "slotpulse:leader", 5*time.Second, log)
	b := NewRedisLease(client, "slotpulse:leader", 5*time.Second, log)

	require.True(t, a.Held(ctx))
	mr.FastForward(6 * time.Second)

	assert.True(t, b.Held(ctx))
	assert.False(t, a.Held(ctx), "a's refresh fails once b owns the key")
}

func TestRedisLease_ResignWithoutLease(t *testing.T) {
	_, client := newClient(t)
	l := NewRedisLease(client, "k", time.Second, zaptest.NewLogger(t).Sugar())
	assert.NoError(t, l.Resign(context.Background()))
}

func TestDial(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := Dial(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	client.Close()

	_, err = Dial(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}

func TestLocal(t *testing.T) {
	assert.True(t, Local{}.Held(context.Background()))
	assert.NoError(t, Local{}.Resign(context.Background()))
}
