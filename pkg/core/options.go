package core

import (
	"log/slog"
	"time"

	"github.com/oceanbase/memtier-go/pkg/embedder"
	"github.com/oceanbase/memtier-go/pkg/goal"
	"github.com/oceanbase/memtier-go/pkg/tierstore"
)

// Option is a function type for configuring a Client.
//
// Options override what NewClient would otherwise build from the Config.
type Option func(*clientOptions)

type clientOptions struct {
	logger     *slog.Logger
	now        func() time.Time
	tierStore  tierstore.Store
	embedder   embedder.Provider
	notifier   goal.Notifier
	background bool
}

// WithLogger sets the logger used by the client and every component.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	client, _ := core.NewClient(ctx, config, core.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(opts *clientOptions) {
		opts.logger = logger
	}
}

// WithClock overrides the time source. Tests use it to drive expiry and
// decay without sleeping.
func WithClock(now func() time.Time) Option {
	return func(opts *clientOptions) {
		opts.now = now
	}
}

// WithTierStore uses store for short-term records instead of the one named
// in the Config. The client closes it on Close.
//
// Example:
//
//	rdb := redis.NewFromClient(existing, "memtier:", 0)
//	client, _ := core.NewClient(ctx, config, core.WithTierStore(rdb))
func WithTierStore(store tierstore.Store) Option {
	return func(opts *clientOptions) {
		opts.tierStore = store
	}
}

// WithEmbedder uses provider instead of the one named in the Config.
func WithEmbedder(provider embedder.Provider) Option {
	return func(opts *clientOptions) {
		opts.embedder = provider
	}
}

// WithNotifier receives automatic goal status changes. The default logs
// them.
func WithNotifier(n goal.Notifier) Option {
	return func(opts *clientOptions) {
		opts.notifier = n
	}
}

// WithBackground starts the decay sweep and scheduled consolidation when
// the client is created. Without it, call Start.
func WithBackground() Option {
	return func(opts *clientOptions) {
		opts.background = true
	}
}

// ShortTermOption is a function type for configuring CreateShortTerm.
type ShortTermOption func(*ShortTermOptions)

// ShortTermOptions contains configuration options for CreateShortTerm.
type ShortTermOptions struct {
	// TTL sets the lifetime explicitly instead of computing it from
	// importance and category.
	TTL *time.Duration

	// Locked creates the record locked, exempt from decay.
	Locked bool
}

// WithTTL sets an explicit lifetime for a new short-term memory.
//
// Example:
//
//	rec, _ := client.CreateShortTerm(ctx, "call back at 5pm", md, core.WithTTL(time.Hour))
func WithTTL(ttl time.Duration) ShortTermOption {
	return func(opts *ShortTermOptions) {
		opts.TTL = &ttl
	}
}

// WithLocked creates the short-term memory locked.
func WithLocked() ShortTermOption {
	return func(opts *ShortTermOptions) {
		opts.Locked = true
	}
}

func applyShortTermOptions(opts []ShortTermOption) *ShortTermOptions {
	out := &ShortTermOptions{}
	for _, opt := range opts {
		opt(out)
	}
	return out
}
