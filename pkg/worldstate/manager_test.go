package worldstate_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

func newManager(t *testing.T, cfg worldstate.Config, opts ...worldstate.Option) *worldstate.Manager {
	t.Helper()
	m, err := worldstate.New(context.Background(), worldstate.NewMemoryLog(), cfg, opts...)
	require.NoError(t, err)
	return m
}

func TestManager_StartsAtVersionZero(t *testing.T) {
	m := newManager(t, worldstate.DefaultConfig())

	snap := m.Get()
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.State)
	assert.Empty(t, m.History())
}

func TestManager_UpdateMergesShallow(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, worldstate.DefaultConfig())

	_, err := m.Update(ctx, map[string]value.Value{
		"user": value.Map(map[string]value.Value{"name": value.String("ann"), "age": value.Int(30)}),
		"mode": value.String("focus"),
	})
	require.NoError(t, err)

	snap, err := m.Update(ctx, map[string]value.Value{
		"user": value.Map(map[string]value.Value{"name": value.String("bob")}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)

	// A provided key replaces its value entirely; absent keys are kept.
	user, ok := snap.State["user"].AsMap()
	require.True(t, ok)
	assert.Len(t, user, 1)
	assert.True(t, snap.State["mode"].Equal(value.String("focus")))

	history := m.History()
	require.Len(t, history, 2)
	for i, h := range history {
		assert.Equal(t, int64(i), h.Version)
	}
}

func TestManager_UpdateValidation(t *testing.T) {
	m := newManager(t, worldstate.DefaultConfig())

	_, err := m.Update(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = m.Update(context.Background(), map[string]value.Value{"": value.Int(1)})
	assert.ErrorIs(t, err, types.ErrValidation)
	assert.Equal(t, int64(0), m.Version())
}

func TestManager_UpdateRollbackScenario(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, worldstate.DefaultConfig())

	_, err := m.Update(ctx, map[string]value.Value{"seed": value.Bool(true)})
	require.NoError(t, err)
	base := m.Version()

	v1, err := m.Update(ctx, map[string]value.Value{"a": value.Int(1)})
	require.NoError(t, err)
	_, err = m.Update(ctx, map[string]value.Value{"b": value.Int(2)})
	require.NoError(t, err)

	before := m.History()
	rolled, err := m.Rollback(ctx, v1.Version)
	require.NoError(t, err)

	assert.Equal(t, base+3, rolled.Version)
	assert.True(t, value.MapsEqual(v1.State, m.Get().State))
	require.NotNil(t, rolled.RolledBackFrom)
	require.NotNil(t, rolled.RolledBackTo)
	assert.Equal(t, base+2, *rolled.RolledBackFrom)
	assert.Equal(t, v1.Version, *rolled.RolledBackTo)

	// History before the rollback point is unchanged.
	after := m.History()
	require.Len(t, after, len(before)+1)
	for i := range before {
		assert.Equal(t, before[i].Version, after[i].Version)
		assert.True(t, value.MapsEqual(before[i].State, after[i].State))
	}
}

func TestManager_RollbackFromEmpty(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, worldstate.DefaultConfig())

	_, err := m.Update(ctx, map[string]value.Value{"a": value.Int(1)})
	require.NoError(t, err)
	_, err = m.Update(ctx, map[string]value.Value{"b": value.Int(2)})
	require.NoError(t, err)

	snap, err := m.Rollback(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, int64(3), m.Get().Version)
	assert.True(t, value.MapsEqual(map[string]value.Value{"a": value.Int(1)}, m.Get().State))
}

func TestManager_VersionNotFound(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, worldstate.DefaultConfig())

	_, err := m.GetVersion(5)
	assert.ErrorIs(t, err, types.ErrVersionNotFound)

	_, err = m.GetVersion(-1)
	assert.ErrorIs(t, err, types.ErrVersionNotFound)

	_, err = m.Rollback(ctx, 7)
	assert.ErrorIs(t, err, types.ErrVersionNotFound)
	assert.Equal(t, int64(0), m.Version())
}

func TestManager_HistoryLimit(t *testing.T) {
	ctx := context.Background()
	cfg := worldstate.DefaultConfig()
	cfg.HistoryLimit = 3
	m := newManager(t, cfg)

	for i := 0; i < 6; i++ {
		_, err := m.Update(ctx, map[string]value.Value{"i": value.Int(int64(i))})
		require.NoError(t, err)
	}

	history := m.History()
	require.Len(t, history, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{history[0].Version, history[1].Version, history[2].Version})

	_, err := m.GetVersion(2)
	assert.ErrorIs(t, err, types.ErrVersionNotFound)
	_, err = m.Rollback(ctx, 2)
	assert.ErrorIs(t, err, types.ErrVersionNotFound)

	snap, err := m.GetVersion(6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.Version)
}

func TestManager_HistoryMaxAge(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	cfg := worldstate.DefaultConfig()
	cfg.HistoryMaxAge = time.Hour
	m := newManager(t, cfg, worldstate.WithClock(clock))

	_, err := m.Update(ctx, map[string]value.Value{"a": value.Int(1)})
	require.NoError(t, err)
	advance(2 * time.Hour)
	_, err = m.Update(ctx, map[string]value.Value{"b": value.Int(2)})
	require.NoError(t, err)

	// Versions 0 and 1 were committed more than an hour ago; the current
	// version is never pruned.
	history := m.History()
	require.Len(t, history, 0)
	assert.Equal(t, int64(2), m.Version())

	_, err = m.Update(ctx, map[string]value.Value{"c": value.Int(3)})
	require.NoError(t, err)
	history = m.History()
	require.Len(t, history, 1)
	assert.Equal(t, int64(2), history[0].Version)
}

func TestManager_ConcurrentUpdatesAreNotLost(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, worldstate.DefaultConfig())
	start := m.Version()

	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Update(ctx, map[string]value.Value{fmt.Sprintf("k%d", i): value.Int(int64(i))})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap := m.Get()
	assert.Equal(t, start+n, snap.Version)
	assert.Len(t, snap.State, n)
}

func TestManager_SharedLogAcrossManagers(t *testing.T) {
	ctx := context.Background()
	log := worldstate.NewMemoryLog()
	cfg := worldstate.DefaultConfig()
	cfg.MaxRetries = 1000
	cfg.RetryBackoff = 0

	a, err := worldstate.New(ctx, log, cfg)
	require.NoError(t, err)
	b, err := worldstate.New(ctx, log, cfg)
	require.NoError(t, err)

	const perManager = 20
	var wg sync.WaitGroup
	for _, m := range []*worldstate.Manager{a, b} {
		wg.Add(1)
		go func(m *worldstate.Manager, name string) {
			defer wg.Done()
			for i := 0; i < perManager; i++ {
				_, err := m.Update(ctx, map[string]value.Value{fmt.Sprintf("%s-%d", name, i): value.Int(int64(i))})
				assert.NoError(t, err)
			}
		}(m, fmt.Sprintf("%p", m))
	}
	wg.Wait()

	latest, ok, err := log.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2*perManager), latest.Version)
	assert.Len(t, latest.State, 2*perManager)
}

func TestManager_ConflictSurfacesAfterRetries(t *testing.T) {
	ctx := context.Background()
	log := &stuckLog{MemoryLog: worldstate.NewMemoryLog()}
	cfg := worldstate.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 0

	m, err := worldstate.New(ctx, log, cfg)
	require.NoError(t, err)

	log.conflict = true
	_, err = m.Update(ctx, map[string]value.Value{"a": value.Int(1)})
	assert.ErrorIs(t, err, types.ErrConflict)
	assert.Equal(t, 3, log.attempts)
	assert.Equal(t, int64(0), m.Version())
}

func TestManager_ReadsAreIsolated(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, worldstate.DefaultConfig())

	_, err := m.Update(ctx, map[string]value.Value{"a": value.Int(1)})
	require.NoError(t, err)

	snap := m.Get()
	snap.State["a"] = value.Int(99)
	assert.True(t, m.Get().State["a"].Equal(value.Int(1)))
}

// stuckLog rejects every append after conflict is set.
type stuckLog struct {
	*worldstate.MemoryLog
	conflict bool
	attempts int
}

func (l *stuckLog) Append(ctx context.Context, snap worldstate.Snapshot) error {
	if l.conflict {
		l.attempts++
		return types.Errorf(types.ErrConflict, "version %d taken", snap.Version)
	}
	return l.MemoryLog.Append(ctx, snap)
}
