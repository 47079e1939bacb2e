// Package status implements §4.4 of the specification: the per-user status
// state machine that promotes users through escalating penalty tiers on
// badness crossings and restores them on timeout, plus the forgiveness
// timer that decays occurrences during quiet periods.
package status

import (
	"time"

	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/config"
)

// Groups is the resolved set of immutable status groups loaded from
// configuration, keyed by name.
type Groups map[string]arbiter.StatusGroup

// Engine runs the status transitions for one tracked user per tick. It
// holds no per-user state itself: every UserSlice carries its own Status
// and Badness, and the engine only computes the next value.
type Engine struct {
	groups       Groups
	penaltyOrder []string
	occurTimeout time.Duration
	hostname     string
}

// New constructs a status Engine from resolved configuration.
func New(groups Groups, penaltyOrder []string, occurTimeout time.Duration, hostname string) *Engine {
	return &Engine{
		groups:       groups,
		penaltyOrder: penaltyOrder,
		occurTimeout: occurTimeout,
		hostname:     hostname,
	}
}

// Transition is the outcome of one Step call: which way (if any) the user
// moved, for the Notifier/Logger phase to act on.
type Transition int

const (
	NoTransition Transition = iota
	EnteredPenalty
	ReleasedToDefault
)

// Step advances one user's Status for this tick, given their current
// badness. It mutates status and badness in place and returns which
// transition (if any) occurred, per §4.4's rules:
//
//   - default -> penalty[occurrences] when total badness reaches 100.
//   - penalty[i] -> default when now >= PenaltyExpiry.
//   - default occurrences timer: decays occurrences after occur_timeout of
//     quiet, restarts the timer on any nonzero badness.
func (e *Engine) Step(st *arbiter.Status, b *arbiter.Badness, now time.Time) Transition {
	if st.InPenalty() {
		if !st.PenaltyExpiry.IsZero() && !now.Before(st.PenaltyExpiry) {
			e.release(st, now)
			return ReleasedToDefault
		}
		return NoTransition
	}

	if b.IsViolation() {
		e.promote(st, b, now)
		return EnteredPenalty
	}

	if !b.IsGood() {
		st.OccurExpiry = now.Add(e.occurTimeout)
		return NoTransition
	}

	if st.Occurrences > 0 && !st.OccurExpiry.IsZero() && !now.Before(st.OccurExpiry) {
		st.Occurrences--
		st.OccurExpiry = now.Add(e.occurTimeout)
	}
	return NoTransition
}

// promote increments occurrences (saturating at len(penaltyOrder)), places
// the user in the corresponding penalty tier, resets badness, and stamps
// this host as the authority.
func (e *Engine) promote(st *arbiter.Status, b *arbiter.Badness, now time.Time) {
	if st.Occurrences < len(e.penaltyOrder) {
		st.Occurrences++
	}
	tier := e.penaltyOrder[clampIndex(st.Occurrences-1, len(e.penaltyOrder))]
	group := e.groups[tier]

	st.CurrentGroup = tier
	st.PenaltyExpiry = time.Time{}
	if group.Timeout > 0 {
		st.PenaltyExpiry = now.Add(group.Timeout)
	}
	st.Authority = e.hostname

	b.CPUScore = 0
	b.MemScore = 0
	b.LastUpdate = now
	b.StartOfBadTS = time.Time{}
}

// release returns the user to their default group, starts the occurrence
// forgiveness clock, and clears the authority tag. Whether a "nice"
// release notification should be sent is the caller's decision — it fires
// only when Authority == local hostname, which the caller must check with
// WasAuthority before Step clears it.
func (e *Engine) release(st *arbiter.Status, now time.Time) {
	st.CurrentGroup = st.DefaultGroup
	st.PenaltyExpiry = time.Time{}
	st.OccurExpiry = now.Add(e.occurTimeout)
	st.Authority = ""
}

// WasAuthority reports whether this host promoted the user into the
// penalty they are about to be released from. Call before Step clears
// Authority (the core loop calls this before every Step, and uses the
// result only when Step reports a release, to decide nice-email
// eligibility).
func (e *Engine) WasAuthority(st arbiter.Status) bool {
	return st.Authority == e.hostname
}

// ResolveQuota resolves a status group's absolute CPU/mem quota, applying
// §4.4's relative-quota and threads-per-core rules against the user's
// default group. For a Relative group, CPUQuotaPct/MemQuotaBytes hold
// fractions of the default group's absolute quotas rather than absolute
// values — see arbiter.StatusGroup's doc comment.
func (e *Engine) ResolveQuota(groupName, defaultGroupName string, divByThreadsPerCore bool, threadsPerCore int) (cpuPct, memBytes float64) {
	group, ok := e.groups[groupName]
	if !ok {
		return 0, 0
	}
	cpuPct, memBytes = group.CPUQuotaPct, group.MemQuotaBytes
	if group.Relative {
		def := e.groups[defaultGroupName]
		cpuPct = def.CPUQuotaPct * group.CPUQuotaPct
		memBytes = def.MemQuotaBytes * group.MemQuotaBytes
	}
	if divByThreadsPerCore && threadsPerCore > 0 {
		cpuPct /= float64(threadsPerCore)
	}
	return cpuPct, memBytes
}

// Group looks up a status group by name.
func (e *Engine) Group(name string) (arbiter.StatusGroup, bool) {
	g, ok := e.groups[name]
	return g, ok
}

// Groups returns the engine's resolved group set, for callers (bootstrap
// rehydration) that need to validate a group name without a per-name
// lookup method for every check.
func (e *Engine) Groups() Groups {
	return e.groups
}

// Whitelist resolves the union of global and a named group's whitelist
// patterns, per §4.2's decomposition rule.
func (e *Engine) Whitelist(global []string, groupName string) []string {
	g := e.groups[groupName]
	if len(g.Whitelist) == 0 {
		return global
	}
	out := make([]string, 0, len(global)+len(g.Whitelist))
	out = append(out, global...)
	out = append(out, g.Whitelist...)
	return out
}

func clampIndex(i, n int) int {
	if n == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// GroupsFromConfig builds a Groups map out of the declarative config form.
func GroupsFromConfig(cfg map[string]config.StatusGroupConfig) Groups {
	out := make(Groups, len(cfg))
	for name, g := range cfg {
		out[name] = arbiter.StatusGroup{
			Name:          name,
			CPUQuotaPct:   g.CPUQuotaPct,
			MemQuotaBytes: g.MemQuotaBytes,
			Whitelist:     g.Whitelist,
			Timeout:       g.Timeout,
			Relative:      g.Relative,
		}
	}
	return out
}
