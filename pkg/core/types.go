package core

import (
	"time"

	"github.com/oceanbase/memtier-go/pkg/value"
)

// ShortTermPatch describes a partial update of a short-term memory. Nil
// fields are left unchanged; Attributes are merged key by key.
//
// Example:
//
//	importance := 9
//	rec, err := client.UpdateShortTerm(ctx, id, core.ShortTermPatch{
//	    Importance: &importance,
//	    Attributes: map[string]value.Value{"source": value.String("chat")},
//	})
type ShortTermPatch struct {
	// Content replaces the payload.
	Content *string `json:"content,omitempty"`

	// Category replaces the category.
	Category *string `json:"category,omitempty"`

	// Tags replaces the tag set.
	Tags *[]string `json:"tags,omitempty"`

	// Importance replaces the importance score.
	Importance *int `json:"importance,omitempty"`

	// Attributes are written over the existing attributes.
	Attributes map[string]value.Value `json:"attributes,omitempty"`
}

func (p ShortTermPatch) empty() bool {
	return p.Content == nil && p.Category == nil && p.Tags == nil && p.Importance == nil && len(p.Attributes) == 0
}

// LongTermPatch describes a partial update of a long-term memory.
//
// ExpectedVersion makes the update conditional: when it is non-zero and the
// stored version differs, the update fails with ErrConflict.
type LongTermPatch struct {
	// Content replaces the payload; the embedding is recomputed.
	Content *string `json:"content,omitempty"`

	// Category replaces the category.
	Category *string `json:"category,omitempty"`

	// Tags replaces the tag set.
	Tags *[]string `json:"tags,omitempty"`

	// Confidence replaces the confidence score.
	Confidence *float64 `json:"confidence,omitempty"`

	// Attributes are written over the existing attributes.
	Attributes map[string]value.Value `json:"attributes,omitempty"`

	// ExpectedVersion is the version the caller last read (0 = any).
	ExpectedVersion int64 `json:"expected_version,omitempty"`
}

func (p LongTermPatch) empty() bool {
	return p.Content == nil && p.Category == nil && p.Tags == nil && p.Confidence == nil && len(p.Attributes) == 0
}

// ShortTermQuery selects short-term memories in SearchShortTerm. Zero
// fields match everything.
type ShortTermQuery struct {
	// Text is a case-insensitive substring of the content.
	Text string `json:"text,omitempty"`

	// Category matches exactly.
	Category string `json:"category,omitempty"`

	// Tags must all be present.
	Tags []string `json:"tags,omitempty"`

	// MinImportance is the lowest importance to return.
	MinImportance int `json:"min_importance,omitempty"`

	// Attributes must all be present with equal values.
	Attributes map[string]value.Value `json:"attributes,omitempty"`
}

// SimilarityQuery describes a nearest-neighbor search over long-term
// memories. Exactly one of Text and Embedding must be set.
type SimilarityQuery struct {
	// Text is embedded with the configured provider.
	Text string `json:"text,omitempty"`

	// Embedding is used as is.
	Embedding []float64 `json:"embedding,omitempty"`

	// Limit bounds the number of results (default 10).
	Limit int `json:"limit,omitempty"`

	// Threshold is the lowest cosine similarity to return.
	Threshold float64 `json:"threshold,omitempty"`
}

// ConsolidateOptions overrides the configured threshold and batch size for
// one Consolidate call. Zero fields use the configuration.
type ConsolidateOptions struct {
	Threshold int64 `json:"threshold,omitempty"`
	Limit     int   `json:"limit,omitempty"`
}

// ConsolidateResult summarizes one Consolidate call.
type ConsolidateResult struct {
	// ConsolidatedCount is the number of records moved to the long-term tier.
	ConsolidatedCount int `json:"consolidated_count"`

	// FailedCount is the number of attempts that were rolled back.
	FailedCount int `json:"failed_count"`

	// SkippedCount is the number of records another caller was working on.
	SkippedCount int `json:"skipped_count"`

	// LongTermIDs are the ids of the created long-term memories.
	LongTermIDs []string `json:"long_term_ids,omitempty"`

	// Elapsed is how long the batch took.
	Elapsed time.Duration `json:"elapsed"`
}

// RetrieveResult describes a long-term memory copied back into the
// short-term tier.
type RetrieveResult struct {
	STMID     string     `json:"stm_id"`
	LTMID     string     `json:"ltm_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
