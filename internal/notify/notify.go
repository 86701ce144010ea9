// Package notify delivers backup outcome events to operators. Delivery is
// fire-and-forget from the scheduler's point of view; a notification failure
// never alters a backup's persisted state.
package notify

import (
	"context"
	"log/slog"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is the structured notification payload.
type Event struct {
	Outcome  Outcome `json:"outcome"`
	Type     string  `json:"type"`
	BackupID string  `json:"backup_id"`
	Details  string  `json:"details"`
}

// Notifier delivers an event to an operator-facing channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log. Used when no email transport is
// configured so the scheduler always has a notifier.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Logger.Info("backup notification",
		"outcome", ev.Outcome, "type", ev.Type, "backup_id", ev.BackupID, "details", ev.Details)
	return nil
}
