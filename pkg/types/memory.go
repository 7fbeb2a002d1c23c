package types

import (
	"sort"
	"strings"
	"time"

	"github.com/oceanbase/memtier-go/pkg/value"
)

// MaxImportance is the upper bound of the importance scale (0..MaxImportance).
const MaxImportance = 10

// Metadata describes a short-term memory.
type Metadata struct {
	// Category groups memories and selects the category decay rate.
	Category string `json:"category,omitempty"`

	// Tags is a set of labels; stored sorted and de-duplicated.
	Tags []string `json:"tags,omitempty"`

	// Importance is an integer score in [0, MaxImportance].
	Importance int `json:"importance"`

	// Attributes holds caller supplied, loosely typed fields.
	Attributes map[string]value.Value `json:"attributes,omitempty"`

	// MarkedForConsolidation makes the record eligible regardless of access
	// count and importance.
	MarkedForConsolidation bool `json:"marked_for_consolidation,omitempty"`
}

// Validate checks the metadata bounds and normalizes the tag set.
func (m *Metadata) Validate() error {
	if m.Importance < 0 || m.Importance > MaxImportance {
		return Errorf(ErrValidation, "importance %d outside [0, %d]", m.Importance, MaxImportance)
	}
	tags, err := NormalizeTags(m.Tags)
	if err != nil {
		return err
	}
	m.Tags = tags
	return nil
}

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	out := m
	out.Tags = append([]string(nil), m.Tags...)
	if m.Attributes != nil {
		out.Attributes = value.CloneMap(m.Attributes)
	}
	return out
}

// NormalizeTags trims, de-duplicates and sorts tags. Empty tags are rejected.
func NormalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, Errorf(ErrValidation, "empty tag")
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// HasTags reports whether have contains every tag in want.
func HasTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// MemoryRecord is a short-term, TTL-bound memory unit.
//
// A locked record is never expired by the decay sweep: ExpiresAt is ignored
// while Locked is true.
type MemoryRecord struct {
	// ID is the unique, immutable identifier.
	ID string `json:"id"`

	// Content is the opaque payload.
	Content string `json:"content"`

	// Metadata describes the record.
	Metadata Metadata `json:"metadata"`

	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when content or metadata last changed.
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is when the record becomes eligible for the decay sweep
	// (nil means it never expires).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// AccessCount is incremented on every read.
	AccessCount int64 `json:"access_count"`

	// LastAccessedAt is when the record was last read (nil if never read).
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// Locked exempts the record from decay.
	Locked bool `json:"locked"`

	// LockTimestamp is when the lock was last taken or refreshed.
	LockTimestamp *time.Time `json:"lock_timestamp,omitempty"`

	// Consolidated is set once the record has been migrated to long-term
	// storage; it is removed shortly after.
	Consolidated bool `json:"consolidated,omitempty"`

	// ConsolidatedInto is the long-term id created from this record.
	ConsolidatedInto string `json:"consolidated_into,omitempty"`

	// SourceLTMID is set when the record was retrieved from long-term storage.
	SourceLTMID string `json:"source_ltm_id,omitempty"`

	// RetrievedAt is when the record was retrieved from long-term storage.
	RetrievedAt *time.Time `json:"retrieved_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *MemoryRecord) Clone() *MemoryRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Metadata = r.Metadata.Clone()
	out.ExpiresAt = cloneTime(r.ExpiresAt)
	out.LastAccessedAt = cloneTime(r.LastAccessedAt)
	out.LockTimestamp = cloneTime(r.LockTimestamp)
	out.RetrievedAt = cloneTime(r.RetrievedAt)
	return &out
}

// Expired reports whether the decay sweep may act on the record at now.
func (r *MemoryRecord) Expired(now time.Time) bool {
	if r.Locked || r.ExpiresAt == nil {
		return false
	}
	return !r.ExpiresAt.After(now)
}

// Relationship is a typed edge from a long-term memory to another entity.
type Relationship struct {
	// Type names the relationship (e.g. "related_to", "derived_from").
	Type string `json:"type"`

	// TargetID is the id of the related entity.
	TargetID string `json:"target_id"`

	// Properties holds edge attributes.
	Properties map[string]value.Value `json:"properties,omitempty"`
}

// LongTermMetadata describes a consolidated memory.
type LongTermMetadata struct {
	// Category groups memories.
	Category string `json:"category,omitempty"`

	// Tags is a sorted set of labels.
	Tags []string `json:"tags,omitempty"`

	// Confidence is in [0, 1].
	Confidence float64 `json:"confidence"`

	// Attributes holds caller supplied, loosely typed fields.
	Attributes map[string]value.Value `json:"attributes,omitempty"`
}

// Clone returns a deep copy of the metadata.
func (m LongTermMetadata) Clone() LongTermMetadata {
	out := m
	out.Tags = append([]string(nil), m.Tags...)
	if m.Attributes != nil {
		out.Attributes = value.CloneMap(m.Attributes)
	}
	return out
}

// Outcome tags lifecycle transitions and audit events.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Transition is one entry in a long-term memory's lifecycle trail.
type Transition struct {
	Event   string    `json:"event"`
	At      time.Time `json:"at"`
	Outcome Outcome   `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// Provenance records where a consolidated memory came from.
type Provenance struct {
	// SourceSTMID is the short-term id the memory was consolidated from
	// (empty for memories created directly in long-term storage).
	SourceSTMID string `json:"source_stm_id,omitempty"`

	// STMCreatedAt is when the source short-term record was created.
	STMCreatedAt *time.Time `json:"stm_created_at,omitempty"`

	// ConsolidatedAt is when the consolidation committed.
	ConsolidatedAt *time.Time `json:"consolidated_at,omitempty"`

	// Trail is the audit trail of lifecycle transitions.
	Trail []Transition `json:"trail,omitempty"`
}

// ConsolidatedMemory is a durable, versioned, richly indexed memory unit.
//
// Version starts at 1 and strictly increases on every update.
type ConsolidatedMemory struct {
	ID            string           `json:"id"`
	Content       string           `json:"content"`
	Metadata      LongTermMetadata `json:"metadata"`
	Embedding     []float64        `json:"embedding,omitempty"`
	Version       int64            `json:"version"`
	Relationships []Relationship   `json:"relationships,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	Provenance    Provenance       `json:"provenance"`

	// Score is the similarity score from similarity queries.
	Score float64 `json:"score,omitempty"`
}

// Clone returns a deep copy of the memory.
func (m *ConsolidatedMemory) Clone() *ConsolidatedMemory {
	if m == nil {
		return nil
	}
	out := *m
	out.Metadata = m.Metadata.Clone()
	out.Embedding = append([]float64(nil), m.Embedding...)
	if m.Relationships != nil {
		out.Relationships = make([]Relationship, len(m.Relationships))
		for i, r := range m.Relationships {
			r.Properties = value.CloneMap(r.Properties)
			out.Relationships[i] = r
		}
	}
	out.Provenance.STMCreatedAt = cloneTime(m.Provenance.STMCreatedAt)
	out.Provenance.ConsolidatedAt = cloneTime(m.Provenance.ConsolidatedAt)
	out.Provenance.Trail = append([]Transition(nil), m.Provenance.Trail...)
	return &out
}

// AuditEvent records one lifecycle transition, successful or not.
type AuditEvent struct {
	ID        string    `json:"id"`
	Op        string    `json:"op"`
	SubjectID string    `json:"subject_id"`
	Outcome   Outcome   `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
