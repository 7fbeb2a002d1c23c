// Package worldstate maintains a shared, versioned key/value snapshot with
// bounded history and forward-only rollback.
//
// Reads never block: the current view is published through an atomic
// pointer. Commits inside one process go through a single writer section,
// and the StateLog's compare-and-append on the version number catches
// writers in other processes; a lost race reloads from the log and retries.
package worldstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
)

// Snapshot is one committed version of the world state.
type Snapshot struct {
	Version   int64                  `json:"version"`
	State     map[string]value.Value `json:"state"`
	UpdatedAt time.Time              `json:"updated_at"`

	// RolledBackFrom and RolledBackTo are set on versions minted by Rollback.
	RolledBackFrom *int64 `json:"rolled_back_from,omitempty"`
	RolledBackTo   *int64 `json:"rolled_back_to,omitempty"`
}

// Clone returns a copy that shares no maps or pointers with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.State = value.CloneMap(s.State)
	if out.State == nil {
		out.State = map[string]value.Value{}
	}
	if s.RolledBackFrom != nil {
		v := *s.RolledBackFrom
		out.RolledBackFrom = &v
	}
	if s.RolledBackTo != nil {
		v := *s.RolledBackTo
		out.RolledBackTo = &v
	}
	return out
}

// Config controls retention and conflict handling.
type Config struct {
	// HistoryLimit keeps at most this many prior versions (0 = unbounded).
	HistoryLimit int

	// HistoryMaxAge drops prior versions older than this (0 = unbounded).
	HistoryMaxAge time.Duration

	// MaxRetries bounds reload-and-retry after a log conflict.
	MaxRetries int

	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

// DefaultConfig returns the default world state configuration.
func DefaultConfig() Config {
	return Config{
		HistoryLimit: 100,
		MaxRetries:   5,
		RetryBackoff: 5 * time.Millisecond,
	}
}

// view is an immutable published state. history holds retained prior
// versions in ascending, contiguous version order.
type view struct {
	current Snapshot
	history []Snapshot
}

// Manager owns one logical world state.
type Manager struct {
	log    StateLog
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex
	view    atomic.Pointer[view]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager over log, loading the latest state from it. An
// empty log is seeded with version 0 holding an empty state.
func New(ctx context.Context, log StateLog, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.MaxRetries < 0 {
		return nil, types.Errorf(types.ErrValidation, "negative MaxRetries")
	}
	m := &Manager{
		log:    log,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, ok, err := log.Latest(ctx); err != nil {
		return nil, types.Translate(err)
	} else if !ok {
		genesis := Snapshot{Version: 0, State: map[string]value.Value{}, UpdatedAt: m.now()}
		if err := log.Append(ctx, genesis); err != nil && !errors.Is(err, types.ErrConflict) {
			return nil, types.Translate(err)
		}
	}
	if err := m.reload(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// reload rebuilds the published view from the log.
func (m *Manager) reload(ctx context.Context) error {
	latest, ok, err := m.log.Latest(ctx)
	if err != nil {
		return types.Translate(err)
	}
	if !ok {
		return types.Errorf(types.ErrStorageOperation, "state log is empty")
	}

	from := int64(0)
	if m.cfg.HistoryLimit > 0 {
		from = latest.Version - int64(m.cfg.HistoryLimit)
	}
	snaps, err := m.log.Range(ctx, from)
	if err != nil {
		return types.Translate(err)
	}

	var history []Snapshot
	for _, s := range snaps {
		if s.Version < latest.Version {
			history = append(history, s)
		}
	}
	m.view.Store(&view{current: latest, history: m.prune(history)})
	return nil
}

// prune drops the oldest entries beyond the retention bounds.
func (m *Manager) prune(history []Snapshot) []Snapshot {
	if m.cfg.HistoryLimit > 0 && len(history) > m.cfg.HistoryLimit {
		history = history[len(history)-m.cfg.HistoryLimit:]
	}
	if m.cfg.HistoryMaxAge > 0 {
		cutoff := m.now().Add(-m.cfg.HistoryMaxAge)
		drop := 0
		for drop < len(history) && history[drop].UpdatedAt.Before(cutoff) {
			drop++
		}
		history = history[drop:]
	}
	return history
}

// Get returns the current snapshot.
func (m *Manager) Get() Snapshot {
	return m.view.Load().current.Clone()
}

// Version returns the current version number.
func (m *Manager) Version() int64 {
	return m.view.Load().current.Version
}

// GetVersion returns a retained snapshot, including the current one.
func (m *Manager) GetVersion(n int64) (Snapshot, error) {
	v := m.view.Load()
	snap, ok := v.lookup(n)
	if !ok {
		return Snapshot{}, types.Errorf(types.ErrVersionNotFound, "version %d (current %d)", n, v.current.Version)
	}
	return snap.Clone(), nil
}

// History returns the retained prior snapshots in ascending version order.
// The current version is not included.
func (m *Manager) History() []Snapshot {
	v := m.view.Load()
	out := make([]Snapshot, len(v.history))
	for i, s := range v.history {
		out[i] = s.Clone()
	}
	return out
}

func (v *view) lookup(n int64) (Snapshot, bool) {
	if n == v.current.Version {
		return v.current, true
	}
	if len(v.history) == 0 {
		return Snapshot{}, false
	}
	idx := n - v.history[0].Version
	if idx < 0 || idx >= int64(len(v.history)) {
		return Snapshot{}, false
	}
	return v.history[idx], true
}

// Update merges patch into the current state and commits a new version.
// Each key in patch replaces its prior value; keys absent from patch are
// kept. A null value is stored as null, not deleted.
func (m *Manager) Update(ctx context.Context, patch map[string]value.Value) (Snapshot, error) {
	if len(patch) == 0 {
		return Snapshot{}, types.Errorf(types.ErrValidation, "empty patch")
	}
	for k := range patch {
		if k == "" {
			return Snapshot{}, types.Errorf(types.ErrValidation, "empty key in patch")
		}
	}
	patch = value.CloneMap(patch)

	return m.commit(ctx, func(v *view) (Snapshot, error) {
		state := value.CloneMap(v.current.State)
		if state == nil {
			state = make(map[string]value.Value, len(patch))
		}
		for k, val := range patch {
			state[k] = val
		}
		return Snapshot{State: state}, nil
	})
}

// Rollback commits a new version whose state equals retained version n.
// History is never rewritten; the new version records where it came from.
func (m *Manager) Rollback(ctx context.Context, n int64) (Snapshot, error) {
	return m.commit(ctx, func(v *view) (Snapshot, error) {
		target, ok := v.lookup(n)
		if !ok {
			return Snapshot{}, types.Errorf(types.ErrVersionNotFound, "version %d (current %d)", n, v.current.Version)
		}
		from := v.current.Version
		to := n
		return Snapshot{
			State:          value.CloneMap(target.State),
			RolledBackFrom: &from,
			RolledBackTo:   &to,
		}, nil
	})
}

// commit runs build against the current view and appends the result as the
// next version, retrying from a fresh view when another writer won.
func (m *Manager) commit(ctx context.Context, build func(*view) (Snapshot, error)) (Snapshot, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	backoff := m.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		v := m.view.Load()
		next, err := build(v)
		if err != nil {
			return Snapshot{}, err
		}
		next.Version = v.current.Version + 1
		next.UpdatedAt = m.now()
		if next.State == nil {
			next.State = map[string]value.Value{}
		}

		err = m.log.Append(ctx, next)
		if err == nil {
			history := make([]Snapshot, len(v.history), len(v.history)+1)
			copy(history, v.history)
			history = append(history, v.current)
			m.view.Store(&view{current: next, history: m.prune(history)})
			return next.Clone(), nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return Snapshot{}, types.Translate(err)
		}
		if attempt >= m.cfg.MaxRetries {
			return Snapshot{}, types.Errorf(types.ErrConflict,
				"world state version %d: gave up after %d retries", next.Version, attempt)
		}

		m.logger.DebugContext(ctx, "world state conflict, reloading",
			slog.Int64("version", next.Version),
			slog.Int("attempt", attempt+1))

		if backoff > 0 {
			select {
			case <-ctx.Done():
				return Snapshot{}, types.Translate(ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := m.reload(ctx); err != nil {
			return Snapshot{}, fmt.Errorf("reload after conflict: %w", err)
		}
	}
}
