package consolidation

import "sync"

// InFlight tracks long-term ids that a write is currently touching.
// Forget refuses ids that are busy.
type InFlight struct {
	mu  sync.Mutex
	ids map[string]int
}

// NewInFlight creates an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[string]int)}
}

// Acquire marks ids busy until the returned func is called. Empty ids are
// ignored.
func (f *InFlight) Acquire(ids ...string) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireLocked(ids)
}

// TryAcquire marks ids busy only if none of them is busy already.
func (f *InFlight) TryAcquire(ids ...string) (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if f.ids[id] > 0 {
			return nil, false
		}
	}
	return f.acquireLocked(ids), true
}

func (f *InFlight) acquireLocked(ids []string) func() {
	for _, id := range ids {
		if id != "" {
			f.ids[id]++
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for _, id := range ids {
				if id == "" {
					continue
				}
				f.ids[id]--
				if f.ids[id] <= 0 {
					delete(f.ids, id)
				}
			}
		})
	}
}

// Busy reports whether id is held by an in-flight write.
func (f *InFlight) Busy(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id] > 0
}
