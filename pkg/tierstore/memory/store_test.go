package memory_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/tierstore/memory"
	"github.com/oceanbase/memtier-go/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.Set(ctx, "stm:1", []byte("hello"), 0))

	got, err := s.Get(ctx, "stm:1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	ok, err := s.Delete(ctx, "stm:1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.Get(ctx, "stm:1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	ok, err = s.Delete(ctx, "stm:1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := memory.New(memory.WithClock(clock.Now))

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Minute))

	// Remove the expiry from b.
	ok, err := s.Expire(ctx, "b", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = s.Get(ctx, "b")
	assert.NoError(t, err)

	ok, err = s.Expire(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expired keys cannot be revived")
	assert.Equal(t, 1, s.Len())
}

func TestStore_SetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	ok, err := s.SetNX(ctx, "lease", []byte("node-a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "lease", []byte("node-b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, "lease", []byte("node-b"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndDelete(ctx, "lease", []byte("node-a"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	require.NoError(t, s.Set(ctx, "stm:1", []byte("x"), 0))
	require.NoError(t, s.Set(ctx, "stm:2", []byte("y"), 0))
	require.NoError(t, s.Set(ctx, "lease:sweep", []byte("z"), 0))

	seen := map[string]string{}
	err := s.Scan(ctx, "stm:", func(key string, val []byte) error {
		seen[key] = string(val)
		// Writes during a scan must not deadlock.
		return s.Set(ctx, "other:"+key, val, 0)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"stm:1": "x", "stm:2": "y"}, seen)
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := memory.New()
	err := s.Set(ctx, "k", []byte("v"), 0)
	assert.ErrorIs(t, err, context.Canceled)
}
