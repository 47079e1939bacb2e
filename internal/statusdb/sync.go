package statusdb

import (
	"context"
	"fmt"
	"time"

	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/retry"
)

// SyncConfig parameterizes a Synchronizer.
type SyncConfig struct {
	Hostname               string
	SyncGroup              string
	ImportedBadnessTimeout time.Duration
	RoundTripTimeout       time.Duration
	Retry                  retry.Config
}

// Synchronizer implements §4.6: it upserts the local UserSlice's status and
// badness into the shared store, reads the rows peers have written for the
// same uid, and reconciles on a deterministic total order so every host in
// a sync group converges on the same winner.
type Synchronizer struct {
	store Store
	cfg   SyncConfig
}

// New constructs a Synchronizer. store may be nil, in which case Sync is a
// no-op returning an empty Result and a nil error — the caller's tick
// continues unsynchronized,
// matching the spec's "Synchronizer is optional" stance.
func New(store Store, cfg SyncConfig) *Synchronizer {
	if cfg.RoundTripTimeout <= 0 {
		cfg.RoundTripTimeout = 5 * time.Second
	}
	return &Synchronizer{store: store, cfg: cfg}
}

// Result is the outcome of one Sync call for one user.
type Result struct {
	Adopted   bool
	PeerHosts []string
}

// Sync upserts u's local row, reads peer rows for the same uid, and — if a
// peer's row wins the reconciliation order — adopts it into u wholesale
// (§4.6 step 4). A failed round trip returns an error and leaves u
// untouched; the caller skips sync for this tick only (§4.6 failure
// semantics), it does not abort the rest of the control loop.
func (sy *Synchronizer) Sync(ctx context.Context, u *arbiter.UserSlice, now time.Time) (Result, error) {
	if sy == nil || sy.store == nil {
		return Result{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, sy.cfg.RoundTripTimeout)
	defer cancel()

	myRow := sy.rowFor(u, now)

	if err := retry.Do(ctx, sy.cfg.Retry, func(ctx context.Context) error {
		return sy.store.Upsert(ctx, myRow)
	}); err != nil {
		return Result{}, fmt.Errorf("statusdb: upsert failed: %w", err)
	}

	var peers []arbiter.StatusDBRow
	if err := retry.Do(ctx, sy.cfg.Retry, func(ctx context.Context) error {
		rows, err := sy.store.PeerRows(ctx, sy.cfg.SyncGroup, u.UID, sy.cfg.Hostname)
		if err != nil {
			return err
		}
		peers = rows
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("statusdb: peer select failed: %w", err)
	}

	peerHosts := make([]string, 0, len(peers))
	for _, p := range peers {
		peerHosts = append(peerHosts, p.Hostname)
	}

	winner := myRow
	for _, p := range peers {
		if preferred(p, winner, now, sy.cfg.ImportedBadnessTimeout) {
			winner = p
		}
	}

	if winner.Hostname == sy.cfg.Hostname {
		return Result{Adopted: false, PeerHosts: peerHosts}, nil
	}

	adopt(u, winner)
	return Result{Adopted: true, PeerHosts: peerHosts}, nil
}

func (sy *Synchronizer) rowFor(u *arbiter.UserSlice, now time.Time) arbiter.StatusDBRow {
	return arbiter.StatusDBRow{
		Hostname:      sy.cfg.Hostname,
		UID:           u.UID,
		SyncGroup:     sy.cfg.SyncGroup,
		Current:       u.Status.CurrentGroup,
		DefaultGroup:  u.Status.DefaultGroup,
		Occurrences:   u.Status.Occurrences,
		PenaltyExpiry: u.Status.PenaltyExpiry,
		OccurExpiry:   u.Status.OccurExpiry,
		Authority:     u.Status.Authority,
		CPUScore:      u.Badness.CPUScore,
		MemScore:      u.Badness.MemScore,
		BadnessExpiry: u.Badness.ExpiryTS,
		ModifiedTS:    now,
	}
}

func adopt(u *arbiter.UserSlice, row arbiter.StatusDBRow) {
	u.Status.CurrentGroup = row.Current
	u.Status.DefaultGroup = row.DefaultGroup
	u.Status.Occurrences = row.Occurrences
	u.Status.PenaltyExpiry = row.PenaltyExpiry
	u.Status.OccurExpiry = row.OccurExpiry
	u.Status.Authority = row.Authority
	u.Badness.CPUScore = row.CPUScore
	u.Badness.MemScore = row.MemScore
	u.Badness.ExpiryTS = row.BadnessExpiry
}

// isValid reports whether a row's penalty is still live, or it was
// written recently enough to trust (§4.6 step 3(a)).
func isValid(row arbiter.StatusDBRow, now time.Time, importedBadnessTimeout time.Duration) bool {
	if !row.PenaltyExpiry.IsZero() && row.PenaltyExpiry.After(now) {
		return true
	}
	if importedBadnessTimeout <= 0 {
		return false
	}
	return row.ModifiedTS.After(now.Add(-importedBadnessTimeout))
}

// preferred implements §4.6 step 3's total order: reports whether a beats
// b as the reconciliation winner.
func preferred(a, b arbiter.StatusDBRow, now time.Time, importedBadnessTimeout time.Duration) bool {
	av, bv := isValid(a, now, importedBadnessTimeout), isValid(b, now, importedBadnessTimeout)
	if av != bv {
		return av
	}
	if a.Occurrences != b.Occurrences {
		return a.Occurrences > b.Occurrences
	}
	ap, bp := a.Current != a.DefaultGroup, b.Current != b.DefaultGroup
	if ap != bp {
		return ap
	}
	if !a.ModifiedTS.Equal(b.ModifiedTS) {
		return a.ModifiedTS.After(b.ModifiedTS)
	}
	return a.Hostname > b.Hostname
}
