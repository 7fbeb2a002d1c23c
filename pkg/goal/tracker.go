package goal

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oceanbase/memtier-go/pkg/types"
)

// Tracker owns the goal mapping. It is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	goals    map[string]*Goal
	notifier Notifier
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithNotifier sets where automatic status changes are reported.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) {
		t.notifier = n
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates an empty tracker. Notifications go to the default
// slog logger unless WithNotifier is given.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		goals:    make(map[string]*Goal),
		notifier: LogNotifier{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create adds a goal. The initial status is Blocked if any dependency is
// not Completed, NotStarted otherwise.
func (t *Tracker) Create(ctx context.Context, spec Spec) (*Goal, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	deps, err := normalizeIDs(spec.Dependencies, "dependency")
	if err != nil {
		return nil, err
	}
	refs, err := normalizeIDs(spec.MemoryRefs, "memory ref")
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.goals[id]; exists {
		return nil, types.Errorf(types.ErrConflict, "goal %s already exists", id)
	}
	for _, dep := range deps {
		if dep == id {
			return nil, types.Errorf(types.ErrCyclicDependency, "goal %s depends on itself", id)
		}
		// Existing goals may already reference id before it is created.
		if t.reaches(dep, id) {
			return nil, types.Errorf(types.ErrCyclicDependency, "goal %s -> %s closes a cycle", id, dep)
		}
	}

	now := t.now()
	status := StatusNotStarted
	if !t.depsCompleted(deps) {
		status = StatusBlocked
	}
	g := &Goal{
		ID:            id,
		Title:         spec.Title,
		Status:        status,
		Priority:      spec.Priority,
		Deadline:      spec.Deadline,
		Dependencies:  deps,
		MemoryRefs:    refs,
		StatusHistory: []StatusChange{{To: status, At: now, Reason: "created"}},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if g.Deadline != nil {
		d := *g.Deadline
		g.Deadline = &d
	}
	t.goals[id] = g
	return g.Clone(), nil
}

// AddDependency makes id depend on depID.
func (t *Tracker) AddDependency(ctx context.Context, id, depID string) (*Goal, error) {
	depID = strings.TrimSpace(depID)
	if depID == "" {
		return nil, types.Errorf(types.ErrValidation, "empty dependency id")
	}

	var notes []Notification
	t.mu.Lock()
	g, ok := t.goals[id]
	if !ok {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrNotFound, "goal %s", id)
	}
	if depID == id {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrCyclicDependency, "goal %s depends on itself", id)
	}
	for _, d := range g.Dependencies {
		if d == depID {
			out := g.Clone()
			t.mu.Unlock()
			return out, nil
		}
	}
	if t.reaches(depID, id) {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrCyclicDependency, "goal %s -> %s closes a cycle", id, depID)
	}
	depDone := t.completed(depID)
	if g.Status == StatusCompleted && !depDone {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrDependencyViolation,
			"completed goal %s cannot gain incomplete dependency %s", id, depID)
	}

	g.Dependencies = append(g.Dependencies, depID)
	sort.Strings(g.Dependencies)
	now := t.now()
	g.UpdatedAt = now
	if !depDone && g.Status != StatusBlocked {
		notes = append(notes, t.transition(g, StatusBlocked, now, "dependency "+depID+" added"))
	}
	out := g.Clone()
	t.mu.Unlock()

	t.notify(ctx, notes)
	return out, nil
}

// SetStatus moves a goal to status.
//
// Completing requires every dependency to be Completed. Reopening a
// Completed goal is rejected while another Completed goal depends on it.
// Completing a goal unblocks dependents whose dependencies are now all
// Completed; they resume InProgress if they were ever started.
func (t *Tracker) SetStatus(ctx context.Context, id string, status Status) (*Goal, error) {
	if !status.Valid() {
		return nil, types.Errorf(types.ErrValidation, "unknown status %q", status)
	}
	if status == StatusBlocked {
		return nil, types.Errorf(types.ErrValidation, "blocked is derived from dependencies and cannot be set")
	}

	var notes []Notification
	t.mu.Lock()
	g, ok := t.goals[id]
	if !ok {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrNotFound, "goal %s", id)
	}
	if g.Status == status {
		out := g.Clone()
		t.mu.Unlock()
		return out, nil
	}
	if pending := t.incomplete(g.Dependencies); len(pending) > 0 {
		t.mu.Unlock()
		return nil, types.Errorf(types.ErrDependencyViolation,
			"goal %s has incomplete dependencies %s", id, strings.Join(pending, ", "))
	}
	reopening := g.Status == StatusCompleted
	if reopening {
		for _, dep := range t.dependents(id) {
			if dep.Status == StatusCompleted {
				t.mu.Unlock()
				return nil, types.Errorf(types.ErrDependencyViolation,
					"completed goal %s depends on %s", dep.ID, id)
			}
		}
	}

	now := t.now()
	t.transition(g, status, now, "")

	switch {
	case status == StatusCompleted:
		for _, dep := range t.dependents(id) {
			if dep.Status == StatusBlocked && t.depsCompleted(dep.Dependencies) {
				next := StatusNotStarted
				if dep.everStarted() {
					next = StatusInProgress
				}
				notes = append(notes, t.transition(dep, next, now, "dependency "+id+" completed"))
			}
		}
	case reopening:
		for _, dep := range t.dependents(id) {
			if dep.Status != StatusBlocked {
				notes = append(notes, t.transition(dep, StatusBlocked, now, "dependency "+id+" reopened"))
			}
		}
	}
	out := g.Clone()
	t.mu.Unlock()

	t.notify(ctx, notes)
	return out, nil
}

// Get returns the goal with the given id.
func (t *Tracker) Get(id string) (*Goal, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.goals[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "goal %s", id)
	}
	return g.Clone(), nil
}

// Query returns matching goals by priority (highest first), then deadline
// (earliest first, none last), then id.
func (t *Tracker) Query(filter Filter) []*Goal {
	t.mu.RLock()
	var out []*Goal
	for _, g := range t.goals {
		if filter.match(g) {
			out = append(out, g.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.Deadline != nil && b.Deadline != nil && !a.Deadline.Equal(*b.Deadline):
			return a.Deadline.Before(*b.Deadline)
		case a.Deadline != nil && b.Deadline == nil:
			return true
		case a.Deadline == nil && b.Deadline != nil:
			return false
		}
		return a.ID < b.ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// ReferencedByCompleted returns a Completed goal whose MemoryRefs include
// memoryID.
func (t *Tracker) ReferencedByCompleted(memoryID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var ids []string
	for _, g := range t.goals {
		if g.Status != StatusCompleted {
			continue
		}
		for _, ref := range g.MemoryRefs {
			if ref == memoryID {
				ids = append(ids, g.ID)
				break
			}
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// transition records a status change on g. Caller holds mu.
func (t *Tracker) transition(g *Goal, to Status, at time.Time, reason string) Notification {
	from := g.Status
	g.Status = to
	g.UpdatedAt = at
	g.StatusHistory = append(g.StatusHistory, StatusChange{From: from, To: to, At: at, Reason: reason})
	return Notification{GoalID: g.ID, From: from, To: to, Cause: reason, At: at}
}

func (t *Tracker) notify(ctx context.Context, notes []Notification) {
	if t.notifier == nil {
		return
	}
	for _, n := range notes {
		t.notifier.Notify(ctx, n)
	}
}

// reaches reports whether to is reachable from from along dependency edges.
// Caller holds mu.
func (t *Tracker) reaches(from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		if g, ok := t.goals[cur]; ok {
			stack = append(stack, g.Dependencies...)
		}
	}
	return false
}

// dependents returns goals that list id as a dependency. Caller holds mu.
func (t *Tracker) dependents(id string) []*Goal {
	var out []*Goal
	for _, g := range t.goals {
		for _, d := range g.Dependencies {
			if d == id {
				out = append(out, g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Tracker) completed(id string) bool {
	g, ok := t.goals[id]
	return ok && g.Status == StatusCompleted
}

func (t *Tracker) depsCompleted(deps []string) bool {
	return len(t.incomplete(deps)) == 0
}

func (t *Tracker) incomplete(deps []string) []string {
	var out []string
	for _, d := range deps {
		if !t.completed(d) {
			out = append(out, d)
		}
	}
	return out
}

func normalizeIDs(ids []string, what string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, types.Errorf(types.ErrValidation, "empty %s id", what)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
