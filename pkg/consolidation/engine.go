// Package consolidation migrates short-term memories into the long-term
// tier.
//
// A migration writes the document, its relationship edges and its vector
// as a saga: if any write fails, the earlier ones are undone and the
// short-term record is left exactly as it was, so the attempt can be
// retried. Only after every write succeeded is the short-term record marked
// consolidated and removed.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/embedder"
	"github.com/oceanbase/memtier-go/pkg/policy"
	"github.com/oceanbase/memtier-go/pkg/registry"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// RelDerivedFrom links a memory consolidated from a retrieved record to the
// long-term memory it was retrieved from.
const RelDerivedFrom = "derived_from"

// Config controls eligibility and batching.
type Config struct {
	// Threshold is the access count at which a record becomes eligible.
	Threshold int64 `json:"threshold"`

	// HighWatermark is the importance at which a record is eligible
	// regardless of access count.
	HighWatermark int `json:"high_watermark"`

	// BatchSize bounds one ConsolidateBatch call.
	BatchSize int `json:"batch_size"`

	// CapabilityTimeout bounds each embedder and store call.
	CapabilityTimeout time.Duration `json:"capability_timeout"`

	// RetainConsolidated keeps a consolidated short-term record for this long
	// before it is removed (0 removes it right away).
	RetainConsolidated time.Duration `json:"retain_consolidated"`

	// NodeID seeds the snowflake generator for long-term ids (0-1023).
	NodeID int64 `json:"node_id"`
}

// DefaultConfig returns the default consolidation configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:         5,
		HighWatermark:     8,
		BatchSize:         100,
		CapabilityTimeout: 10 * time.Second,
	}
}

// Eligibility is the outcome of Evaluate.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Evaluate decides whether rec should move to the long-term tier: it must
// have been read at least threshold times, carry an importance at or above
// highWatermark, or be marked for consolidation.
func Evaluate(rec *types.MemoryRecord, threshold int64, highWatermark int) Eligibility {
	switch {
	case rec.Metadata.MarkedForConsolidation:
		return Eligibility{Eligible: true, Reason: "marked for consolidation"}
	case rec.AccessCount >= threshold:
		return Eligibility{Eligible: true, Reason: fmt.Sprintf("access count %d >= %d", rec.AccessCount, threshold)}
	case rec.Metadata.Importance >= highWatermark:
		return Eligibility{Eligible: true, Reason: fmt.Sprintf("importance %d >= %d", rec.Metadata.Importance, highWatermark)}
	}
	return Eligibility{Reason: "below thresholds"}
}

// Engine consolidates records from a registry into durable stores.
type Engine struct {
	cfg      Config
	reg      *registry.Registry
	store    durable.Store
	embedder embedder.Provider
	policy   *policy.Policy
	node     *snowflake.Node
	recorder *audit.Recorder
	inflight *InFlight
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAuditRecorder records consolidation outcomes.
func WithAuditRecorder(r *audit.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithInFlight shares an in-flight tracker with other long-term writers.
func WithInFlight(f *InFlight) Option {
	return func(e *Engine) {
		if f != nil {
			e.inflight = f
		}
	}
}

// New creates an Engine.
func New(reg *registry.Registry, store durable.Store, emb embedder.Provider, pol *policy.Policy, cfg Config, opts ...Option) (*Engine, error) {
	if store.Documents == nil || store.Graph == nil || store.Vectors == nil {
		return nil, fmt.Errorf("consolidation: durable store is incomplete")
	}
	if emb == nil {
		return nil, fmt.Errorf("consolidation: embedder is required")
	}
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("consolidation: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	e := &Engine{
		cfg:      cfg,
		reg:      reg,
		store:    store,
		embedder: emb,
		policy:   pol,
		node:     node,
		inflight: NewInFlight(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewLongTermID mints a long-term memory id.
func (e *Engine) NewLongTermID() string {
	return e.node.Generate().String()
}

// InFlight returns the engine's in-flight tracker.
func (e *Engine) InFlight() *InFlight {
	return e.inflight
}

// Evaluate applies the engine's high watermark. A threshold <= 0 uses the
// configured one.
func (e *Engine) Evaluate(rec *types.MemoryRecord, threshold int64) Eligibility {
	if threshold <= 0 {
		threshold = e.cfg.Threshold
	}
	return Evaluate(rec, threshold, e.cfg.HighWatermark)
}

// Eligible implements policy.Consolidator.
func (e *Engine) Eligible(rec *types.MemoryRecord) bool {
	return e.Evaluate(rec, 0).Eligible
}

// Consolidate writes rec to the long-term tier without touching the
// short-term record. On failure every partial write has been undone and
// the error wraps types.ErrConsolidationFailed.
func (e *Engine) Consolidate(ctx context.Context, rec *types.MemoryRecord) (*types.ConsolidatedMemory, error) {
	return e.migrate(ctx, rec, false)
}

// ConsolidateLocked implements policy.Consolidator: it consolidates rec,
// marks it consolidated and removes it (or leaves it for the sweep when
// consolidated records are retained). The caller holds rec's registry lock.
func (e *Engine) ConsolidateLocked(ctx context.Context, rec *types.MemoryRecord) error {
	_, err := e.consolidateLocked(ctx, rec)
	return err
}

func (e *Engine) consolidateLocked(ctx context.Context, rec *types.MemoryRecord) (*types.ConsolidatedMemory, error) {
	mem, err := e.migrate(ctx, rec, true)
	if err != nil {
		e.recorder.Record(ctx, audit.OpConsolidate, rec.ID, err, "")
		return nil, err
	}
	e.recorder.Record(ctx, audit.OpConsolidate, rec.ID, nil, mem.ID)

	if e.cfg.RetainConsolidated <= 0 {
		if _, err := e.reg.Delete(ctx, rec.ID); err != nil {
			// The record is already marked; the sweep purges it later.
			e.logger.WarnContext(ctx, "removing consolidated record failed",
				slog.String("stm_id", rec.ID), slog.Any("error", err))
		}
	}
	return mem, nil
}

func (e *Engine) migrate(ctx context.Context, rec *types.MemoryRecord, mark bool) (*types.ConsolidatedMemory, error) {
	if rec.Consolidated {
		return nil, types.Errorf(types.ErrInvalidState, "short-term memory %s is already consolidated", rec.ID)
	}

	embedCtx, cancel := e.bounded(ctx)
	embedding, err := e.embedder.Embed(embedCtx, rec.Content)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: embed %s: %w", types.ErrConsolidationFailed, rec.ID, types.Translate(err))
	}

	now := e.reg.Now()
	mem := e.buildMemory(rec, embedding, now)
	release := e.inflight.Acquire(mem.ID, rec.SourceLTMID)
	defer release()

	steps := []Step{
		{
			Name: "document",
			Do:   func(ctx context.Context) error { return e.store.Documents.InsertDocument(ctx, mem) },
			Undo: func(ctx context.Context) error {
				_, err := e.store.Documents.DeleteDocument(ctx, mem.ID)
				return err
			},
		},
		{
			Name: "edges",
			Do:   func(ctx context.Context) error { return e.store.Graph.AddEdges(ctx, mem.ID, mem.Relationships) },
			Undo: func(ctx context.Context) error {
				_, err := e.store.Graph.DeleteEdges(ctx, mem.ID)
				return err
			},
		},
		{
			Name: "vector",
			Do:   func(ctx context.Context) error { return e.store.Vectors.Upsert(ctx, mem.ID, mem.Embedding) },
			Undo: func(ctx context.Context) error { return e.store.Vectors.DeleteVector(ctx, mem.ID) },
		},
	}
	if mark {
		original := rec.Clone()
		steps = append(steps, Step{
			Name: "mark",
			Do: func(ctx context.Context) error {
				marked := rec.Clone()
				marked.Consolidated = true
				marked.ConsolidatedInto = mem.ID
				marked.UpdatedAt = now
				return e.reg.Put(ctx, marked)
			},
			Undo: func(ctx context.Context) error { return e.reg.Put(ctx, original) },
		})
	}

	if err := NewSaga(e.cfg.CapabilityTimeout, e.logger).Run(ctx, steps...); err != nil {
		var stepErr *StepError
		if errors.As(err, &stepErr) && len(stepErr.Compensation) > 0 {
			e.logger.ErrorContext(ctx, "consolidation left partial writes",
				slog.String("stm_id", rec.ID),
				slog.String("ltm_id", mem.ID),
				slog.Any("error", err))
		}
		return nil, fmt.Errorf("%w: %s: %w", types.ErrConsolidationFailed, rec.ID, err)
	}

	e.logger.DebugContext(ctx, "consolidated short-term memory",
		slog.String("stm_id", rec.ID), slog.String("ltm_id", mem.ID))
	return mem, nil
}

func (e *Engine) buildMemory(rec *types.MemoryRecord, embedding []float64, now time.Time) *types.ConsolidatedMemory {
	md := rec.Metadata.Clone()
	mem := &types.ConsolidatedMemory{
		ID:      e.NewLongTermID(),
		Content: rec.Content,
		Metadata: types.LongTermMetadata{
			Category:   md.Category,
			Tags:       md.Tags,
			Confidence: e.policy.Confidence(rec, now),
			Attributes: md.Attributes,
		},
		Embedding: embedding,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		Provenance: types.Provenance{
			SourceSTMID:    rec.ID,
			STMCreatedAt:   types.TimePtr(rec.CreatedAt),
			ConsolidatedAt: types.TimePtr(now),
			Trail: []types.Transition{{
				Event:   audit.OpConsolidate,
				At:      now,
				Outcome: types.OutcomeSuccess,
				Detail:  "from short-term memory " + rec.ID,
			}},
		},
	}
	if rec.SourceLTMID != "" {
		mem.Relationships = []types.Relationship{{Type: RelDerivedFrom, TargetID: rec.SourceLTMID}}
	}
	return mem
}

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.CapabilityTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.CapabilityTimeout)
	}
	return context.WithCancel(ctx)
}
