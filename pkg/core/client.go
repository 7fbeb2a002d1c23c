package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/oceanbase/memtier-go/pkg/audit"
	"github.com/oceanbase/memtier-go/pkg/consolidation"
	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/durable/cache"
	"github.com/oceanbase/memtier-go/pkg/durable/chromemdb"
	"github.com/oceanbase/memtier-go/pkg/durable/sqlstore"
	"github.com/oceanbase/memtier-go/pkg/embedder"
	"github.com/oceanbase/memtier-go/pkg/embedder/hash"
	openaiEmbedder "github.com/oceanbase/memtier-go/pkg/embedder/openai"
	"github.com/oceanbase/memtier-go/pkg/goal"
	"github.com/oceanbase/memtier-go/pkg/policy"
	"github.com/oceanbase/memtier-go/pkg/registry"
	"github.com/oceanbase/memtier-go/pkg/scheduler"
	"github.com/oceanbase/memtier-go/pkg/tierstore"
	"github.com/oceanbase/memtier-go/pkg/tierstore/memory"
	redisStore "github.com/oceanbase/memtier-go/pkg/tierstore/redis"
	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

// Scheduled task names.
const (
	TaskDecaySweep    = "decay-sweep"
	TaskConsolidation = "consolidation"
)

// Client is the memtier orchestrator.
//
// It provides the complete interface of the engine:
//   - Short-term memories with decay, locking and access counting
//   - Long-term memories with versions, relationships and similarity search
//   - Consolidation, retrieval back to short-term and forgetting
//   - A versioned world state with rollback
//   - Goals whose dependencies gate memory mutations
//
// The client is safe for concurrent use. Operations on one short-term id
// are linearized; operations on distinct ids run in parallel.
//
// Example usage:
//
//	config, _ := core.LoadConfigFromEnv()
//	client, _ := core.NewClient(ctx, config, core.WithBackground())
//	defer client.Close()
//
//	rec, _ := client.CreateShortTerm(ctx, "User likes Go",
//	    types.Metadata{Category: "preference", Importance: 6})
type Client struct {
	// config contains the client configuration.
	config *Config

	// logger receives structured logs from every component.
	logger *slog.Logger

	// tier holds short-term records.
	tier tierstore.Store

	// sql backs the long-term stores, the world state log and the audit log.
	sql *sqlstore.Client

	// durable bundles the long-term capabilities (possibly cached).
	durable durable.Store

	// closeDocuments closes the document store chain, including sql.
	closeDocuments func() error

	// embedder derives embeddings for long-term memories.
	embedder embedder.Provider

	registry      *registry.Registry
	policy        *policy.Policy
	engine        *consolidation.Engine
	sweeper       *policy.Sweeper
	worldState    *worldstate.Manager
	goals         *goal.Tracker
	recorder      *audit.Recorder
	scheduler     *scheduler.Runner
	capabilityTTL time.Duration
}

// NewClient creates a new memtier client.
//
// The client is initialized with:
//   - Tier store (memory or Redis), and the registry loaded from it
//   - Durable stores (SQLite, PostgreSQL or MySQL, optional chromem index
//     and document cache)
//   - Embedding provider (OpenAI or hash)
//   - World state, goal tracker, audit trail and background scheduler
//
// Parameters:
//   - ctx: Context for the connection checks and the initial loads
//   - cfg: Client configuration (must be valid)
//   - opts: Optional overrides (logger, clock, tier store, embedder)
//
// Returns an error if the configuration is invalid or a store cannot be
// opened.
//
// Example:
//
//	client, err := core.NewClient(ctx, core.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
func NewClient(ctx context.Context, cfg *Config, opts ...Option) (client *Client, err error) {
	if cfg == nil {
		return nil, NewMemoryError("NewClient", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &clientOptions{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		level, _ := parseLogLevel(cfg.Runtime.LogLevel)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	c := &Client{
		config:        cfg,
		logger:        logger,
		capabilityTTL: seconds(cfg.Runtime.CapabilityTimeoutSeconds),
	}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.tier = o.tierStore
	if c.tier == nil {
		if c.tier, err = initTierStore(ctx, cfg.TierStore, o.now); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	if err := c.initDurable(ctx, cfg.Durable); err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	c.embedder = o.embedder
	if c.embedder == nil {
		if c.embedder, err = initEmbedder(cfg.Embedder); err != nil {
			return nil, NewMemoryError("NewClient", err)
		}
	}

	c.recorder = audit.NewRecorder(c.sql.AuditLog(), logger)

	c.registry = registry.New(c.tier,
		registry.WithLogger(logger),
		registry.WithClock(o.now),
		registry.WithSweepGrace(seconds(cfg.TierStore.SweepGraceSeconds)),
		registry.WithMaxSize(cfg.TierStore.MaxSize),
		registry.WithCallTimeout(c.capabilityTTL),
	)
	if _, err := c.registry.Load(ctx); err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	c.policy = policy.New(c.registry, cfg.Policy.policyConfig(), logger)

	c.engine, err = consolidation.New(c.registry, c.durable, c.embedder, c.policy, cfg.consolidationConfig(),
		consolidation.WithLogger(logger),
		consolidation.WithAuditRecorder(c.recorder),
	)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}
	c.sweeper = policy.NewSweeper(c.registry, c.engine, c.recorder, logger,
		seconds(cfg.Consolidation.RetainConsolidatedSeconds))

	c.worldState, err = worldstate.New(ctx, c.sql.StateLog(), cfg.WorldState.worldStateConfig(),
		worldstate.WithLogger(logger),
		worldstate.WithClock(o.now),
	)
	if err != nil {
		return nil, NewMemoryError("NewClient", err)
	}

	goalOpts := []goal.Option{goal.WithClock(o.now)}
	if o.notifier != nil {
		goalOpts = append(goalOpts, goal.WithNotifier(o.notifier))
	}
	c.goals = goal.NewTracker(goalOpts...)

	if err := c.initScheduler(); err != nil {
		return nil, NewMemoryError("NewClient", err)
	}
	if o.background {
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
	}

	logger.InfoContext(ctx, "memtier client ready",
		slog.String("tier_store", cfg.TierStore.Provider),
		slog.String("durable", cfg.Durable.Provider),
		slog.String("vector_index", cfg.Durable.VectorIndex),
		slog.String("embedder", cfg.Embedder.Provider),
		slog.Int("short_term_records", c.registry.Len()))
	return c, nil
}

// Start launches the decay sweep and scheduled consolidation. Background
// work stops on Close.
func (c *Client) Start(ctx context.Context) error {
	return NewMemoryError("Start", c.scheduler.Start(context.WithoutCancel(ctx)))
}

// Sweep runs one decay sweep now: expired records are consolidated when
// eligible and deleted otherwise. It is skipped (ran == false) when a sweep
// is already running.
func (c *Client) Sweep(ctx context.Context) (ran bool, err error) {
	ran, err = c.scheduler.Trigger(ctx, TaskDecaySweep)
	return ran, NewMemoryError("Sweep", err)
}

// SchedulerStats returns run counters of a scheduled task.
func (c *Client) SchedulerStats(task string) (scheduler.Stats, bool) {
	return c.scheduler.Stats(task)
}

// Config returns the client configuration.
func (c *Client) Config() *Config {
	return c.config
}

// Logger returns the logger the client was built with.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// Close stops background work and releases all resources.
//
// This method:
//   - Stops the decay sweep and scheduled consolidation
//   - Closes the tier store
//   - Closes the durable stores
//   - Closes the embedder provider
//
// Returns the first error encountered during cleanup, or nil if all resources
// were closed successfully.
func (c *Client) Close() error {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}

	var errs []error
	if c.tier != nil {
		if err := c.tier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.closeDocuments != nil {
		if err := c.closeDocuments(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.embedder != nil {
		if err := c.embedder.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0] // Return the first error
	}
	return nil
}

func (c *Client) initScheduler() error {
	var runnerOpts []scheduler.Option
	runnerOpts = append(runnerOpts, scheduler.WithLogger(c.logger))
	if c.config.TierStore.Provider == "redis" {
		// Instances sharing a Redis tier store take turns.
		runnerOpts = append(runnerOpts, scheduler.WithLeaseStore(c.tier, "", 0))
	}
	c.scheduler = scheduler.New(runnerOpts...)

	err := c.scheduler.Add(scheduler.Task{
		Name:     TaskDecaySweep,
		Interval: sweepInterval(c.config),
		Run: func(ctx context.Context) error {
			_, err := c.sweeper.Sweep(ctx)
			return err
		},
	})
	if err != nil {
		return err
	}
	if c.config.Consolidation.IntervalSeconds > 0 {
		return c.scheduler.Add(scheduler.Task{
			Name:     TaskConsolidation,
			Interval: seconds(c.config.Consolidation.IntervalSeconds),
			Run: func(ctx context.Context) error {
				_, err := c.engine.ConsolidateBatch(ctx, consolidation.BatchOptions{})
				return err
			},
		})
	}
	return nil
}

// sweepInterval is the configured interval, or an hour when the periodic
// sweep is disabled so Sweep still has a task to trigger.
func sweepInterval(cfg *Config) time.Duration {
	if cfg.Consolidation.SweepIntervalSeconds > 0 {
		return seconds(cfg.Consolidation.SweepIntervalSeconds)
	}
	return time.Hour
}

// initTierStore initializes the short-term tier store.
func initTierStore(ctx context.Context, cfg TierStoreConfig, now func() time.Time) (tierstore.Store, error) {
	switch cfg.Provider {
	case "memory":
		return memory.New(memory.WithClock(now)), nil
	case "redis":
		store, err := redisStore.NewClient(ctx, &redisStore.Config{
			Addr:      cfg.Addr,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("initTierStore: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("initTierStore: %w: %q", ErrInvalidConfig, cfg.Provider)
	}
}

// initDurable opens the SQL store and assembles the long-term capabilities.
func (c *Client) initDurable(ctx context.Context, cfg DurableConfig) error {
	var err error
	switch cfg.Provider {
	case "sqlite":
		c.sql, err = sqlstore.NewSQLiteClient(ctx, &sqlstore.SQLiteConfig{
			DBPath:      cfg.SQLitePath,
			TablePrefix: cfg.TablePrefix,
		})
	case "postgres":
		c.sql, err = sqlstore.NewPostgresClient(ctx, &sqlstore.PostgresConfig{
			Host:        cfg.Host,
			Port:        cfg.Port,
			User:        cfg.User,
			Password:    cfg.Password,
			DBName:      cfg.DBName,
			SSLMode:     cfg.SSLMode,
			TablePrefix: cfg.TablePrefix,
		})
	case "mysql":
		c.sql, err = sqlstore.NewMySQLClient(ctx, &sqlstore.MySQLConfig{
			Host:        cfg.Host,
			Port:        cfg.Port,
			User:        cfg.User,
			Password:    cfg.Password,
			DBName:      cfg.DBName,
			TablePrefix: cfg.TablePrefix,
		})
	default:
		err = fmt.Errorf("%w: durable provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return fmt.Errorf("initDurable: %w", err)
	}
	c.closeDocuments = c.sql.Close

	c.durable = durable.Store{Documents: c.sql, Graph: c.sql, Vectors: c.sql}
	if cfg.CacheSize > 0 {
		docs, err := cache.NewDocuments(c.sql, &cache.Config{
			MaxItems: cfg.CacheSize,
			TTL:      seconds(cfg.CacheTTLSeconds),
		})
		if err != nil {
			return fmt.Errorf("initDurable: %w", err)
		}
		c.durable.Documents = docs
		c.closeDocuments = docs.Close
	}
	if cfg.VectorIndex == "chromem" {
		index, err := chromemdb.NewIndex(&chromemdb.Config{PersistDir: cfg.ChromemPath, Compress: true})
		if err != nil {
			return fmt.Errorf("initDurable: %w", err)
		}
		c.durable.Vectors = index
	}
	return nil
}

// initEmbedder initializes the embedder provider.
func initEmbedder(cfg EmbedderConfig) (embedder.Provider, error) {
	switch cfg.Provider {
	case "openai":
		client, err := openaiEmbedder.NewClient(&openaiEmbedder.Config{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("initEmbedder: %w", err)
		}
		return client, nil
	case "hash":
		return hash.NewClient(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("initEmbedder: %w: %q", ErrInvalidConfig, cfg.Provider)
	}
}

// bounded limits a capability call to the configured timeout.
func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.capabilityTTL > 0 {
		return context.WithTimeout(ctx, c.capabilityTTL)
	}
	return context.WithCancel(ctx)
}

// gate rejects a mutation of memoryID when a Completed goal relies on it.
func (c *Client) gate(memoryID string) error {
	if goalID, ok := c.goals.ReferencedByCompleted(memoryID); ok {
		return fmt.Errorf("%w: completed goal %s references memory %s", ErrDependencyViolation, goalID, memoryID)
	}
	return nil
}

// wrap converts err into a MemoryError after translating capability errors
// into the client's error kinds.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *MemoryError
	if errors.As(err, &me) {
		return err
	}
	return NewMemoryError(op, types.Translate(err))
}
