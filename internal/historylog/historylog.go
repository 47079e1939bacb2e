// Package historylog implements the external historical-log collaborator's
// interface (§6): it receives a user's full event ring at the moment of a
// status transition, and periodic high-usage snapshots, for an external
// SQLite event-log store (out of scope per §1) to persist. This package
// only defines the contract and a logging default; a real deployment
// injects a store-backed Sink the way the panel injects a real
// notifier.Service.
package historylog

import (
	"context"
	"log/slog"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

// Sink is the collaborator the core control loop hands event-ring
// snapshots to on a status transition or periodic high-usage check.
type Sink interface {
	RecordTransition(ctx context.Context, n arbiter.Notification) error
	RecordHighUsage(ctx context.Context, n arbiter.Notification) error
}

// LoggerSink is the default Sink: it logs a summary of the ring instead of
// writing to the historical SQLite store, for environments that have not
// wired one in.
type LoggerSink struct {
	logger *slog.Logger
}

// NewLoggerSink constructs a LoggerSink.
func NewLoggerSink(logger *slog.Logger) *LoggerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) RecordTransition(ctx context.Context, n arbiter.Notification) error {
	s.logger.InfoContext(ctx, "history: status transition",
		"id", n.ID, "uid", n.UID, "kind", n.Kind, "events", len(n.Events), "status", n.Status.CurrentGroup)
	return nil
}

func (s *LoggerSink) RecordHighUsage(ctx context.Context, n arbiter.Notification) error {
	s.logger.InfoContext(ctx, "history: high usage snapshot",
		"id", n.ID, "uid", n.UID, "events", len(n.Events))
	return nil
}
