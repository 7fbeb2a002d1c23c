package policy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/policy"
	"github.com/oceanbase/memtier-go/pkg/registry"
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

type fixture struct {
	clock *fakeClock
	reg   *registry.Registry
	pol   *policy.Policy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now))
	reg := registry.New(store, registry.WithClock(clock.Now))
	return &fixture{
		clock: clock,
		reg:   reg,
		pol:   policy.New(reg, policy.DefaultConfig(), nil),
	}
}

func (f *fixture) put(t *testing.T, id string, importance int, ttl time.Duration) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.reg.Put(context.Background(), &types.MemoryRecord{
		ID:        id,
		Content:   "content " + id,
		Metadata:  types.Metadata{Importance: importance},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: types.TimePtr(now.Add(ttl)),
	}))
}

func TestLockUnlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", 0, time.Minute)

	rec, err := f.pol.Lock(ctx, "a")
	require.NoError(t, err)
	assert.True(t, rec.Locked)
	first := *rec.LockTimestamp

	// Re-locking is idempotent and refreshes the timestamp.
	f.clock.Advance(time.Second)
	rec, err = f.pol.Lock(ctx, "a")
	require.NoError(t, err)
	assert.True(t, rec.LockTimestamp.After(first))

	ttl := 10 * time.Minute
	rec, err = f.pol.Unlock(ctx, "a", &ttl)
	require.NoError(t, err)
	assert.False(t, rec.Locked)
	assert.Nil(t, rec.LockTimestamp)
	assert.Equal(t, f.clock.Now().Add(ttl), *rec.ExpiresAt)

	_, err = f.pol.Unlock(ctx, "a", nil)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	_, err = f.pol.Lock(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestUnlockComputesExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", 10, time.Minute)

	_, err := f.pol.Lock(ctx, "a")
	require.NoError(t, err)
	rec, err := f.pol.Unlock(ctx, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(2*time.Hour), *rec.ExpiresAt)
}

func TestExtend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", 0, time.Minute)

	rec, err := f.pol.Extend(ctx, "a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), *rec.ExpiresAt)

	_, err = f.pol.Extend(ctx, "a", 0)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.pol.Extend(ctx, "a", -time.Second)
	assert.ErrorIs(t, err, types.ErrValidation)
	_, err = f.pol.Extend(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

// stubConsolidator marks records consolidated in the registry, or fails.
type stubConsolidator struct {
	reg       *registry.Registry
	threshold int64
	fail      bool
	calls     int
}

func (s *stubConsolidator) Eligible(rec *types.MemoryRecord) bool {
	return rec.AccessCount >= s.threshold || rec.Metadata.MarkedForConsolidation
}

func (s *stubConsolidator) ConsolidateLocked(ctx context.Context, rec *types.MemoryRecord) error {
	s.calls++
	if s.fail {
		return types.ErrConsolidationFailed
	}
	rec.Consolidated = true
	rec.ConsolidatedInto = "ltm-" + rec.ID
	rec.UpdatedAt = s.reg.Now()
	return s.reg.Put(ctx, rec)
}

func TestSweepLockedRecordSurvives(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "locked", 0, time.Second)
	f.put(t, "plain", 0, time.Second)

	_, err := f.pol.Lock(ctx, "locked")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	sweeper := policy.NewSweeper(f.reg, nil, nil, nil, 0)
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)

	_, err = f.reg.Get(ctx, "locked")
	assert.NoError(t, err)
	_, err = f.reg.Get(ctx, "plain")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSweepConsolidatesEligible(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	log := audit.NewMemoryLog()
	recorder := audit.NewRecorder(log, nil)

	f.put(t, "hot", 0, time.Second)
	f.put(t, "cold", 0, time.Second)
	f.put(t, "fresh", 0, time.Hour)
	hot, err := f.reg.Get(ctx, "hot")
	require.NoError(t, err)
	hot.AccessCount = 7
	require.NoError(t, f.reg.Put(ctx, hot))

	cons := &stubConsolidator{reg: f.reg, threshold: 5}
	sweeper := policy.NewSweeper(f.reg, cons, recorder, nil, time.Minute)

	f.clock.Advance(10 * time.Second)
	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consolidated)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Purged)

	got, err := f.reg.Get(ctx, "hot")
	require.NoError(t, err)
	assert.True(t, got.Consolidated)
	_, err = f.reg.Get(ctx, "fresh")
	assert.NoError(t, err)

	events, err := log.List(ctx, "cold", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OpExpire, events[0].Op)

	// Consolidated records are purged once the retention has elapsed.
	f.clock.Advance(2 * time.Minute)
	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	_, err = f.reg.Get(ctx, "hot")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSweepKeepsRecordWhenConsolidationFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", 0, time.Second)
	rec, err := f.reg.Get(ctx, "a")
	require.NoError(t, err)
	rec.Metadata.MarkedForConsolidation = true
	require.NoError(t, f.reg.Put(ctx, rec))

	cons := &stubConsolidator{reg: f.reg, fail: true}
	sweeper := policy.NewSweeper(f.reg, cons, nil, nil, 0)
	f.clock.Advance(time.Minute)

	res, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := f.reg.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Consolidated)

	// Retried on the next pass.
	cons.fail = false
	res, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Consolidated)
	assert.Equal(t, 2, cons.calls)
}

func TestSweepSkipsBusyRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.put(t, "a", 0, time.Second)
	f.clock.Advance(time.Minute)

	sweeper := policy.NewSweeper(f.reg, nil, nil, nil, 0)
	err := f.reg.WithLock(ctx, "a", func() error {
		res, err := sweeper.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Busy)
		assert.Equal(t, 0, res.Expired)
		return nil
	})
	require.NoError(t, err)

	_, err = f.reg.Get(ctx, "a")
	assert.NoError(t, err)
}

// Lock and sweep racing on the same record: whichever takes the record lock
// first wins, and a record that ends up locked is never deleted.
func TestLockRacingSweep(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		f := newFixture(t)
		f.put(t, "a", 0, time.Second)
		f.clock.Advance(time.Minute)
		sweeper := policy.NewSweeper(f.reg, nil, nil, nil, 0)

		var (
			wg      sync.WaitGroup
			lockErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, lockErr = f.pol.Lock(ctx, "a")
		}()
		go func() {
			defer wg.Done()
			_, _ = sweeper.Sweep(ctx)
		}()
		wg.Wait()

		rec, err := f.reg.Get(ctx, "a")
		if lockErr == nil {
			require.NoError(t, err, "a locked record must survive the sweep")
			assert.True(t, rec.Locked)
		} else {
			assert.True(t, errors.Is(lockErr, types.ErrNotFound))
			assert.ErrorIs(t, err, types.ErrNotFound)
		}
	}
}
