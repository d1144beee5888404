package kv

import (
	"context"
	"os"
	"testing"
	"time"

	"git.handmade.network/hmn/reviewq/src/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	url := os.Getenv("REVIEWQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("REVIEWQ_TEST_REDIS_URL not set")
	}
	client, err := Connect(context.Background(), config.RedisConfig{URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return &Locker{Client: client, Keys: Keys{Prefix: "reviewq_test:" + t.Name() + ":"}}
}

func TestLocker(t *testing.T) {
	ctx := context.Background()
	l := newTestLocker(t)

	release, ok, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a held lock cannot be taken")

	release()
	release2, ok, err := l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// releasing a lock we no longer hold leaves the new holder alone
	release()
	_, ok, err = l.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	release2()
}
