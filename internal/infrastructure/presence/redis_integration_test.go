//go:build integration

package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hilthontt/eventgate/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisTracker_Integration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	tr, err := NewRedisTracker(ctx, RedisConfig{Addr: addr, TTL: time.Minute}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })

	userID := "it-" + time.Now().Format("150405.000000")

	require.NoError(t, tr.Online(ctx, userID))
	online, err := tr.IsOnline(ctx, userID)
	require.NoError(t, err)
	assert.True(t, online)

	ttl, err := tr.client.TTL(ctx, Key(userID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, tr.Offline(ctx, userID))
	online, err = tr.IsOnline(ctx, userID)
	require.NoError(t, err)
	assert.False(t, online)
}
