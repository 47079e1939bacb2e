// Package bootstrap wires the daemon's startup-time collaborators together:
// opening the status store, rehydrating tracked users from it (§4.7), and
// the privileged one-shot slice creation that forces systemd to start
// accounting a uid before its first login is observed (SPEC_FULL §12).
// Grounded on the teacher's internal/bootstrap package, which plays the
// same "assemble infrastructure before the service starts" role for its
// own auth stack (internal/bootstrap/infra.go, database.go).
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/config"
	"github.com/creamcroissant/xboard/internal/retry"
	"github.com/creamcroissant/xboard/internal/statusdb"
	"github.com/creamcroissant/xboard/internal/statusdb/migrations"
	"github.com/creamcroissant/xboard/internal/statusdb/sqlite"
	"github.com/creamcroissant/xboard/internal/status"
)

// OpenStatusStore opens the configured status store and migrates it to the
// latest schema. It returns (nil, nil) when synchronization is disabled —
// callers must treat a nil store as "run unsynchronized", not an error.
func OpenStatusStore(cfg config.SyncConfig) (statusdb.Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Driver != "" && cfg.Driver != "sqlite" {
		return nil, fmt.Errorf("bootstrap: unsupported statusdb driver %q", cfg.Driver)
	}
	store, err := sqlite.Open(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open statusdb: %w", err)
	}
	if err := migrations.Up(store.DB()); err != nil {
		store.Close()
		return nil, fmt.Errorf("bootstrap: migrate statusdb: %w", err)
	}
	return store, nil
}

// Rehydrate implements §4.7: it reads every row this host previously wrote
// for its own sync group younger than importedBadnessTimeout, and merges
// each into the matching tracked UserSlice (creating one if the uid isn't
// yet tracked). A row naming a status group no longer present in groups
// falls back to defaultGroupFor's computed default and logs a warning,
// rather than failing startup.
func Rehydrate(ctx context.Context, store statusdb.Store, hostname, syncGroup string, importedBadnessTimeout time.Duration, groups status.Groups, defaultGroupFor func(uid int) string, users map[int]*arbiter.UserSlice, logger *slog.Logger) error {
	if store == nil {
		return nil
	}
	rows, err := retryRows(ctx, store, hostname, syncGroup, time.Now().Add(-importedBadnessTimeout))
	if err != nil {
		return fmt.Errorf("bootstrap: read bootstrap rows: %w", err)
	}
	for _, row := range rows {
		u, ok := users[row.UID]
		if !ok {
			u = &arbiter.UserSlice{UID: row.UID}
			users[row.UID] = u
		}
		current, defaultGroup := row.Current, row.DefaultGroup
		if _, ok := groups[current]; !ok {
			logger.Warn("bootstrap: rehydrated row names unknown status group, using computed default",
				"uid", row.UID, "current", current)
			current = defaultGroupFor(row.UID)
			defaultGroup = current
		} else if _, ok := groups[defaultGroup]; !ok {
			logger.Warn("bootstrap: rehydrated row names unknown default group, using computed default",
				"uid", row.UID, "default_group", defaultGroup)
			defaultGroup = defaultGroupFor(row.UID)
		}
		u.Status.CurrentGroup = current
		u.Status.DefaultGroup = defaultGroup
		u.Status.Occurrences = row.Occurrences
		u.Status.PenaltyExpiry = row.PenaltyExpiry
		u.Status.OccurExpiry = row.OccurExpiry
		u.Status.Authority = row.Authority
		u.Badness.CPUScore = row.CPUScore
		u.Badness.MemScore = row.MemScore
		u.Badness.ExpiryTS = row.BadnessExpiry
	}
	return nil
}

func retryRows(ctx context.Context, store statusdb.Store, hostname, syncGroup string, newerThan time.Time) ([]arbiter.StatusDBRow, error) {
	var rows []arbiter.StatusDBRow
	err := retry.Do(ctx, retry.Default(), func(ctx context.Context) error {
		r, err := store.BootstrapRows(ctx, hostname, syncGroup, newerThan)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	return rows, err
}

// AccountUID forces systemd to create and start accounting the login
// slice for uid, for users who have not yet logged in interactively this
// boot (cgroup accounting otherwise only begins on first session). It
// runs a no-op command under the slice via sudo systemd-run and returns
// once that unit exits; SPEC_FULL §12.
func AccountUID(ctx context.Context, uid int, sudoEnabled bool) error {
	args := []string{
		"systemd-run",
		"--uid", strconv.Itoa(uid),
		"--slice", fmt.Sprintf("user-%d.slice", uid),
		"--quiet", "--wait", "--collect",
		"/bin/true",
	}
	if sudoEnabled {
		args = append([]string{"sudo"}, args...)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("bootstrap: account-uid %d: %w: %s", uid, err, out)
	}
	return nil
}
