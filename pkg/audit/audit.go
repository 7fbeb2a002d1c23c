// Package audit records lifecycle transitions (create, consolidate, forget,
// retrieve, rollback, world-state update) with their outcome.
//
// Event ids are ULIDs, so sorting by id sorts by time.
package audit

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// Operation names recorded in the trail.
const (
	OpCreate           = "stm.create"
	OpDelete           = "stm.delete"
	OpExpire           = "stm.expire"
	OpConsolidate      = "consolidate"
	OpRetrieve         = "retrieve"
	OpForget           = "forget"
	OpLongTermCreate   = "ltm.create"
	OpLongTermUpdate   = "ltm.update"
	OpLongTermDelete   = "ltm.delete"
	OpWorldStateUpdate = "worldstate.update"
	OpRollback         = "worldstate.rollback"
)

// Log persists audit events.
type Log interface {
	// Append stores an event.
	Append(ctx context.Context, ev types.AuditEvent) error

	// List returns events for subjectID (all subjects when empty) in id
	// order. A limit <= 0 returns everything.
	List(ctx context.Context, subjectID string, limit int) ([]types.AuditEvent, error)
}

// Recorder mints event ids and writes events to a Log.
//
// Recording never fails the calling operation: a Log error is logged and
// dropped.
type Recorder struct {
	log    Log
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewRecorder creates a Recorder writing to log.
func NewRecorder(log Log, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		log:     log,
		logger:  logger,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

func (r *Recorder) newID(at time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), r.entropy).String()
}

// Record appends an event for op on subjectID. A nil opErr records success.
func (r *Recorder) Record(ctx context.Context, op, subjectID string, opErr error, detail string) {
	if r == nil {
		return
	}
	at := r.now()
	ev := types.AuditEvent{
		ID:        r.newID(at),
		Op:        op,
		SubjectID: subjectID,
		Outcome:   types.OutcomeSuccess,
		Detail:    detail,
		At:        at,
	}
	if opErr != nil {
		ev.Outcome = types.OutcomeFailure
		ev.Error = opErr.Error()
	}

	// The caller's context may already be done when the failure being
	// recorded is a timeout.
	ctx = context.WithoutCancel(ctx)
	if err := r.log.Append(ctx, ev); err != nil {
		r.logger.WarnContext(ctx, "audit append failed",
			slog.String("op", op),
			slog.String("subject_id", subjectID),
			slog.Any("error", err))
	}
}

// Trail returns the recorded events for subjectID.
func (r *Recorder) Trail(ctx context.Context, subjectID string, limit int) ([]types.AuditEvent, error) {
	return r.log.List(ctx, subjectID, limit)
}

// MemoryLog is an in-process Log.
type MemoryLog struct {
	mu     sync.RWMutex
	events []types.AuditEvent
}

// NewMemoryLog creates an empty in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, ev types.AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

// List implements Log.
func (l *MemoryLog) List(ctx context.Context, subjectID string, limit int) ([]types.AuditEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.AuditEvent
	for _, ev := range l.events {
		if subjectID == "" || ev.SubjectID == subjectID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
