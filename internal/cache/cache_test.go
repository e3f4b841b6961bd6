package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "stream"), mr
}

func TestCache_GetSet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "t1:high")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "t1:high", "https://signed", time.Minute))
	v, ok := c.Get(ctx, "t1:high")
	assert.True(t, ok)
	assert.Equal(t, "https://signed", v)
	assert.Equal(t, time.Minute, mr.TTL("stream:t1:high"))

	mr.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, "t1:high")
	assert.False(t, ok)
}

func TestCache_JSONAndDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type entry struct {
		URL    string `json:"url"`
		Format string `json:"format"`
	}
	require.NoError(t, c.SetJSON(ctx, "t1:medium", entry{URL: "u", Format: "mp3_128"}, time.Minute))

	var got entry
	require.True(t, c.GetJSON(ctx, "t1:medium", &got))
	assert.Equal(t, "mp3_128", got.Format)

	require.NoError(t, c.Delete(ctx, "t1:medium", "t1:high"))
	assert.False(t, c.GetJSON(ctx, "t1:medium", &got))
	assert.NoError(t, c.Delete(ctx))
}

func TestCache_RedisDownReadsAsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	mr.Close()

	_, ok := c.Get(context.Background(), "t1:high")
	assert.False(t, ok)
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	client.Close()

	_, err = Connect(context.Background(), "::not a url")
	assert.Error(t, err)
}
