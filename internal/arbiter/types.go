// Package arbiter holds the data model shared by every phase of the
// control loop: usage samples, the averaged events derived from them, and
// the per-user state those events drive.
package arbiter

import "time"

// UsageSample is one uncombined moment of observed consumption for a
// single user, taken from cgroup accounting files and /proc. Samples are
// immutable once produced by the collector and consumed by the aggregator
// within the same sub-tick.
type UsageSample struct {
	UID           int
	Timestamp     time.Time
	CPUUserNS     uint64
	CPUSystemNS   uint64
	MemRSSBytes   uint64
	MemFileBytes  uint64
	Processes     []ProcessSample
}

// ProcessSample is the raw per-pid reading backing a UsageSample, prior to
// percentage derivation (which needs two samples of the same pid).
type ProcessSample struct {
	PID       int
	Name      string // kernel comm, truncated to 15 bytes
	UIDOwner  int
	CPUTicks  uint64
	MemBytes  uint64
}

// ProcessUsage is one process's contribution to an Event: usage already
// expressed as a percentage/byte count over the event's interval.
type ProcessUsage struct {
	PID         int
	Name        string
	UIDOwner    int
	CPUPercent  float64
	MemBytes    uint64
	Whitelisted bool
}

// Event is the aggregator's output: poll UsageSamples averaged into one
// sub-interval, retained in a user's bounded ring.
type Event struct {
	StartTime time.Time
	EndTime   time.Time
	CPUPercent float64
	MemBytes   uint64
	Processes  []ProcessUsage

	// AccountedCPUPercent/AccountedMemBytes are the non-whitelisted
	// decomposition that feeds the scorer.
	AccountedCPUPercent float64
	AccountedMemBytes   uint64
}

// Badness is a user's bounded, per-axis score in [0,100].
type Badness struct {
	CPUScore      float64
	MemScore      float64
	LastUpdate    time.Time
	StartOfBadTS  time.Time
	ExpiryTS      time.Time
}

// Score returns the total badness across axes, capped at 100.
func (b Badness) Score() float64 {
	total := b.CPUScore + b.MemScore
	if total > 100 {
		return 100
	}
	return total
}

// IsViolation reports whether the total score has reached the penalty
// threshold.
func (b Badness) IsViolation() bool {
	return b.Score() >= 100
}

// IsGood reports whether both axes have decayed to zero.
func (b Badness) IsGood() bool {
	return b.CPUScore == 0 && b.MemScore == 0
}

// Status is a user's place in the status state machine: which group they
// are currently enforced under, their default group, and the penalty
// escalation bookkeeping.
type Status struct {
	CurrentGroup    string
	DefaultGroup    string
	Occurrences     int
	PenaltyExpiry   time.Time
	OccurExpiry     time.Time
	Authority       string // hostname that promoted this user, cleared on release
}

// InPenalty reports whether the current group differs from the default
// group, i.e. the user is presently under a penalty tier.
func (s Status) InPenalty() bool {
	return s.CurrentGroup != s.DefaultGroup
}

// StatusGroup is an immutable policy tier loaded from configuration.
//
// CPUQuotaPct and MemQuotaBytes carry absolute units (percent of a core,
// bytes) for a non-relative group. For a Relative group (always a penalty
// tier) the same two fields instead carry a fraction in (0,1] to multiply
// against the user's default group's absolute quotas — mirroring the
// source implementation, which reuses the same config key for both
// meanings rather than adding a second field.
type StatusGroup struct {
	Name          string
	CPUQuotaPct   float64 // percent of a core, e.g. 400 = 4 cores; or a fraction if Relative
	MemQuotaBytes float64 // bytes; or a fraction if Relative
	Whitelist     []string // glob patterns, in addition to the global whitelist
	Timeout       time.Duration
	Relative      bool // quotas are fractions of the user's default group
}

// UserSlice is the full tracked state for one logged-in user.
type UserSlice struct {
	UID      int
	Username string

	Ring    []Event // bounded, oldest first
	Badness Badness
	Status  Status

	// LastSeen marks the last tick this uid's cgroup was observed; used
	// to decide eviction once badness/occurrences/status all go quiet.
	LastSeen time.Time

	// HighUsageSince and HighUsageCooldownUntil back the supplemented
	// high-usage-snapshot notification (SPEC_FULL §12): independent of
	// penalty promotion, a sustained dwell above a configured usage
	// fraction fires a notice at most once per cooldown window.
	HighUsageSince        time.Time
	HighUsageCooldownUntil time.Time
}

// Idle reports whether a UserSlice is eligible for eviction: no cgroup
// observed, no residual badness, no occurrence history, and resting in
// their default status.
func (u *UserSlice) Idle(seenThisTick bool) bool {
	return !seenThisTick &&
		u.Badness.IsGood() &&
		u.Status.Occurrences == 0 &&
		!u.Status.InPenalty()
}

// PushEvent appends an event to the ring, evicting the oldest entry once
// the ring exceeds maxHistory.
func (u *UserSlice) PushEvent(ev Event, maxHistory int) {
	u.Ring = append(u.Ring, ev)
	if over := len(u.Ring) - maxHistory; over > 0 {
		u.Ring = u.Ring[over:]
	}
}

// StatusDBRow is the shared-SQL-store representation of one user's status
// and badness, as written and read by the synchronizer.
type StatusDBRow struct {
	Hostname      string
	UID           int
	SyncGroup     string
	Current       string
	DefaultGroup  string
	Occurrences   int
	PenaltyExpiry time.Time
	OccurExpiry   time.Time
	Authority     string
	CPUScore      float64
	MemScore      float64
	BadnessExpiry time.Time
	ModifiedTS    time.Time
}

// NotificationKind enumerates the events the external notifier collaborator
// is told about.
type NotificationKind string

const (
	NotifyViolation NotificationKind = "violation"
	NotifyRelease   NotificationKind = "release"
	NotifyHighUsage NotificationKind = "high_usage"
)

// Notification is the payload handed to the external Notifier and
// historical-log collaborators on a status transition or high-usage
// snapshot.
type Notification struct {
	ID         string
	Kind       NotificationKind
	UID        int
	Username   string
	Status     Status
	Events     []Event // ring snapshot at the moment of transition
	PeerHosts  []string
	Debug      bool
	OccurredAt time.Time
}
