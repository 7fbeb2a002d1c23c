package worldstate

import (
	"context"
	"sync"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// StateLog is the append-only, version-keyed log behind a Manager.
//
// Append is a compare-and-append: it succeeds only when snap.Version is the
// next version after the latest stored one, and fails with types.ErrConflict
// otherwise. Several Managers (in one or many processes) may share a log.
type StateLog interface {
	// Append stores snap as the next version.
	Append(ctx context.Context, snap Snapshot) error

	// Latest returns the newest snapshot. ok is false for an empty log.
	Latest(ctx context.Context) (snap Snapshot, ok bool, err error)

	// Range returns every stored snapshot with Version >= from, ascending.
	Range(ctx context.Context, from int64) ([]Snapshot, error)
}

// MemoryLog is an in-process StateLog.
type MemoryLog struct {
	mu    sync.RWMutex
	snaps []Snapshot
}

// NewMemoryLog creates an empty in-memory state log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements StateLog.
func (l *MemoryLog) Append(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.Version != int64(len(l.snaps)) {
		return types.Errorf(types.ErrConflict, "version %d already committed or out of order (next is %d)",
			snap.Version, len(l.snaps))
	}
	l.snaps = append(l.snaps, snap.Clone())
	return nil
}

// Latest implements StateLog.
func (l *MemoryLog) Latest(ctx context.Context) (Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, false, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.snaps) == 0 {
		return Snapshot{}, false, nil
	}
	return l.snaps[len(l.snaps)-1].Clone(), true, nil
}

// Range implements StateLog.
func (l *MemoryLog) Range(ctx context.Context, from int64) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= int64(len(l.snaps)) {
		return nil, nil
	}
	out := make([]Snapshot, 0, int64(len(l.snaps))-from)
	for _, s := range l.snaps[from:] {
		out = append(out, s.Clone())
	}
	return out, nil
}
