// Package goal tracks goals and their dependency DAG.
//
// A goal is Blocked exactly when one of its dependencies is not Completed,
// and it can only be Completed once every dependency is. Blocked is derived
// by the tracker; callers never set it directly.
package goal

import (
	"time"
)

// Status is the lifecycle state of a goal.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted:
		return true
	}
	return false
}

// StatusChange is one entry in a goal's status history.
type StatusChange struct {
	From   Status    `json:"from,omitempty"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Goal is a tracked objective.
type Goal struct {
	ID       string     `json:"id"`
	Title    string     `json:"title,omitempty"`
	Status   Status     `json:"status"`
	Priority int        `json:"priority"`
	Deadline *time.Time `json:"deadline,omitempty"`

	// Dependencies are the ids of goals that must complete first. Ids of
	// goals that do not exist yet are allowed and count as not completed.
	Dependencies []string `json:"dependencies,omitempty"`

	// MemoryRefs are memory ids (short- or long-term) the goal relies on.
	MemoryRefs []string `json:"memory_refs,omitempty"`

	StatusHistory []StatusChange `json:"status_history"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the goal.
func (g *Goal) Clone() *Goal {
	out := *g
	if g.Deadline != nil {
		d := *g.Deadline
		out.Deadline = &d
	}
	out.Dependencies = append([]string(nil), g.Dependencies...)
	out.MemoryRefs = append([]string(nil), g.MemoryRefs...)
	out.StatusHistory = append([]StatusChange(nil), g.StatusHistory...)
	return &out
}

// everStarted reports whether the goal was ever InProgress.
func (g *Goal) everStarted() bool {
	for _, c := range g.StatusHistory {
		if c.To == StatusInProgress {
			return true
		}
	}
	return false
}

// Spec describes a goal to create.
type Spec struct {
	// ID is optional; a UUID is generated when empty.
	ID           string
	Title        string
	Priority     int
	Deadline     *time.Time
	Dependencies []string
	MemoryRefs   []string
}

// Filter selects goals in Query. Zero fields match everything.
type Filter struct {
	Statuses    []Status
	MinPriority *int
	DueBefore   *time.Time
	Limit       int
}

func (f Filter) match(g *Goal) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if g.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinPriority != nil && g.Priority < *f.MinPriority {
		return false
	}
	if f.DueBefore != nil && (g.Deadline == nil || !g.Deadline.Before(*f.DueBefore)) {
		return false
	}
	return true
}
