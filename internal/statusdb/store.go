// Package statusdb implements §4.6 of the specification: the shared SQL
// status store that lets multiple Arbiter2 instances in the same sync
// group converge on a consistent per-user status and badness under
// network partitions and crashes, plus §4.7's startup bootstrap read.
// Grounded on the teacher's internal/repository (Store interface +
// database/sql backends) split.
package statusdb

import (
	"context"
	"time"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

// Store is the shared-SQL-store contract the Synchronizer and the
// bootstrap reader depend on. The v2 schema (§9 Design Notes) carries
// hostname and sync_group columns; no migration path from the v1 schema
// is implemented, matching the design note's "fresh implementation
// targets the v2 schema" decision.
type Store interface {
	// Upsert writes one host's row for one uid, overwriting any existing
	// row for the same (hostname, uid, sync_group) key.
	Upsert(ctx context.Context, row arbiter.StatusDBRow) error

	// PeerRows returns every row for the given sync group and uid written
	// by a host other than excludeHostname (§4.6 step 2).
	PeerRows(ctx context.Context, syncGroup string, uid int, excludeHostname string) ([]arbiter.StatusDBRow, error)

	// BootstrapRows returns every row this host previously wrote for its
	// own sync group, younger than the given cutoff (§4.7). Rows older
	// than the cutoff are left out of the result but not deleted; because
	// this method already applies the cutoff, callers need not re-check it.
	BootstrapRows(ctx context.Context, hostname, syncGroup string, newerThan time.Time) ([]arbiter.StatusDBRow, error)

	Close() error
}
