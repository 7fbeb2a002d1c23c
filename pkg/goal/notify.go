package goal

import (
	"context"
	"log/slog"
	"time"
)

// Notification describes a status change the tracker made on its own, such
// as unblocking a dependent when its last dependency completes.
type Notification struct {
	GoalID string
	From   Status
	To     Status
	Cause  string
	At     time.Time
}

// Notifier receives automatic status changes.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) {
	f(ctx, n)
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (l LogNotifier) Notify(ctx context.Context, n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "goal status changed",
		slog.String("goal_id", n.GoalID),
		slog.String("from", string(n.From)),
		slog.String("to", string(n.To)),
		slog.String("cause", n.Cause))
}
