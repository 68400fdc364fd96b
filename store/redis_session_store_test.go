package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSessionStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, addr, "", 0, "vpn_bot_test_"+uuid.NewString())
	require.NoError(t, err)
	defer rdb.Close()

	sessions := NewRedisSessionStore(rdb, time.Minute)

	_, ok, err := sessions.Load(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, sessions.Save(ctx, "main", "3x-ui=abc"))
	v, ok, err := sessions.Load(ctx, "main")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3x-ui=abc", v)

	require.NoError(t, sessions.Invalidate(ctx, "main"))
	_, ok, err = sessions.Load(ctx, "main")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateKey(t *testing.T) {
	r := &RedisClient{prefix: "vpn_bot"}
	assert.Equal(t, "vpn_bot:panel_session:main", r.generateKey("panel_session", "main"))
}
