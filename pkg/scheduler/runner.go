// Package scheduler runs the background lifecycle tasks (decay sweep and
// consolidation batch) on fixed intervals.
//
// Each task is single-runner: a tick that arrives while the previous run is
// still going is skipped, not queued. With a lease store configured, a run
// also needs a short-lived lease key, so only one instance in a fleet
// sharing the store runs a task at a time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oceanbase/memtier-go/pkg/tierstore"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// LeasePrefix is prepended to task names to form lease keys.
const LeasePrefix = "lease:"

// Task is a named periodic job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type taskState struct {
	Task
	running atomic.Bool
	runs    atomic.Int64
	skipped atomic.Int64
}

// Stats counts completed and skipped runs of a task.
type Stats struct {
	Runs    int64 `json:"runs"`
	Skipped int64 `json:"skipped"`
}

// Runner drives registered tasks.
type Runner struct {
	logger   *slog.Logger
	leases   tierstore.Store
	owner    string
	leaseTTL time.Duration

	mu      sync.Mutex
	tasks   map[string]*taskState
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLeaseStore makes every run hold a lease in store. owner identifies
// this instance (a random id when empty). ttl bounds how long a crashed
// holder blocks others (the task interval when <= 0). A live run renews its
// lease, so runs may outlast ttl.
func WithLeaseStore(store tierstore.Store, owner string, ttl time.Duration) Option {
	return func(r *Runner) {
		r.leases = store
		if owner == "" {
			owner = uuid.NewString()
		}
		r.owner = owner
		r.leaseTTL = ttl
	}
}

// New creates a Runner with no tasks.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger: slog.Default(),
		tasks:  make(map[string]*taskState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a task. Tasks must be added before Start.
func (r *Runner) Add(task Task) error {
	if task.Name == "" || task.Run == nil {
		return types.Errorf(types.ErrValidation, "task needs a name and a run function")
	}
	if task.Interval <= 0 {
		return types.Errorf(types.ErrValidation, "task %s: interval must be positive", task.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return types.Errorf(types.ErrInvalidState, "runner already started")
	}
	if _, dup := r.tasks[task.Name]; dup {
		return types.Errorf(types.ErrConflict, "task %s already registered", task.Name)
	}
	r.tasks[task.Name] = &taskState{Task: task}
	r.order = append(r.order, task.Name)
	return nil
}

// Start launches one loop per task. The loops run until Stop is called or
// ctx ends.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return types.Errorf(types.ErrInvalidState, "runner already started")
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	for _, name := range r.order {
		t := r.tasks[name]
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	r.logger.InfoContext(ctx, "scheduler started", slog.Int("tasks", len(r.order)))
	return nil
}

// Stop cancels the loops and waits for in-progress runs to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Trigger runs the named task now, under the same single-runner and lease
// rules as a tick. ran is false when the run was skipped.
func (r *Runner) Trigger(ctx context.Context, name string) (ran bool, err error) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return false, types.Errorf(types.ErrNotFound, "task %s", name)
	}
	return r.runOnce(ctx, t)
}

// Stats returns the counters of the named task.
func (r *Runner) Stats(name string) (Stats, bool) {
	r.mu.Lock()
	t, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return Stats{Runs: t.runs.Load(), Skipped: t.skipped.Load()}, true
}

func (r *Runner) loop(ctx context.Context, t *taskState) {
	defer r.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.runOnce(ctx, t); err != nil && ctx.Err() == nil {
				r.logger.WarnContext(ctx, "scheduled task failed",
					slog.String("task", t.Name), slog.Any("error", err))
			}
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, t *taskState) (bool, error) {
	if !t.running.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return false, nil
	}
	defer t.running.Store(false)

	if r.leases != nil {
		release, ok, err := r.acquireLease(ctx, t)
		if err != nil {
			return false, err
		}
		if !ok {
			t.skipped.Add(1)
			return false, nil
		}
		defer release()
	}

	err := t.Run(ctx)
	t.runs.Add(1)
	return true, err
}

func (r *Runner) acquireLease(ctx context.Context, t *taskState) (func(), bool, error) {
	key := LeasePrefix + t.Name
	ttl := r.leaseTTL
	if ttl <= 0 {
		ttl = t.Interval
	}
	ok, err := r.leases.SetNX(ctx, key, []byte(r.owner), ttl)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", key, types.Translate(err))
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go r.renewLease(context.WithoutCancel(ctx), key, ttl, stop, renewed)

	return func() {
		close(stop)
		<-renewed
		// Only drop the lease if it is still ours.
		releaseCtx := context.WithoutCancel(ctx)
		if _, err := r.leases.CompareAndDelete(releaseCtx, key, []byte(r.owner)); err != nil {
			r.logger.WarnContext(ctx, "lease release failed",
				slog.String("key", key), slog.Any("error", err))
		}
	}, true, nil
}

// renewLease pushes the lease expiry out every third of ttl until stop is
// closed, so a run longer than ttl keeps the lease. It gives up once the key
// holds another owner.
func (r *Runner) renewLease(ctx context.Context, key string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	period := ttl / 3
	if period <= 0 {
		period = ttl
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		holder, err := r.leases.Get(ctx, key)
		if err != nil || string(holder) != r.owner {
			r.logger.WarnContext(ctx, "lease lost during run",
				slog.String("key", key), slog.Any("error", err))
			return
		}
		if _, err := r.leases.Expire(ctx, key, ttl); err != nil {
			r.logger.WarnContext(ctx, "lease renewal failed",
				slog.String("key", key), slog.Any("error", err))
		}
	}
}
