package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/config"
)

func testGroups() Groups {
	return Groups{
		"normal": arbiter.StatusGroup{Name: "normal", CPUQuotaPct: 100, MemQuotaBytes: 1 << 30},
		"warn":   arbiter.StatusGroup{Name: "warn", CPUQuotaPct: 0.5, MemQuotaBytes: 0.5, Relative: true, Timeout: time.Hour},
		"strict": arbiter.StatusGroup{Name: "strict", CPUQuotaPct: 0.1, MemQuotaBytes: 0.1, Relative: true, Timeout: 4 * time.Hour},
	}
}

func newEngine() *Engine {
	return New(testGroups(), []string{"warn", "strict"}, time.Hour, "node-a")
}

func TestStepPromotesOnViolation(t *testing.T) {
	e := newEngine()
	st := &arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal"}
	b := &arbiter.Badness{CPUScore: 100}
	now := time.Now()

	tr := e.Step(st, b, now)

	require.Equal(t, EnteredPenalty, tr)
	assert.Equal(t, "warn", st.CurrentGroup)
	assert.Equal(t, 1, st.Occurrences)
	assert.Equal(t, "node-a", st.Authority)
	assert.Equal(t, now.Add(time.Hour), st.PenaltyExpiry)
	assert.Equal(t, 0.0, b.CPUScore, "promotion resets badness")
}

func TestStepEscalatesOnRepeatedViolation(t *testing.T) {
	e := newEngine()
	st := &arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal", Occurrences: 1}
	b := &arbiter.Badness{CPUScore: 100}

	e.Step(st, b, time.Now())

	assert.Equal(t, "strict", st.CurrentGroup)
	assert.Equal(t, 2, st.Occurrences)
}

func TestStepOccurrencesSaturateAtPenaltyOrderLength(t *testing.T) {
	e := newEngine()
	st := &arbiter.Status{CurrentGroup: "normal", DefaultGroup: "normal", Occurrences: 2}
	b := &arbiter.Badness{CPUScore: 100}

	e.Step(st, b, time.Now())

	assert.Equal(t, 2, st.Occurrences, "occurrences must not exceed len(penaltyOrder)")
	assert.Equal(t, "strict", st.CurrentGroup)
}

func TestStepReleasesAfterExpiry(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := &arbiter.Status{
		CurrentGroup:  "warn",
		DefaultGroup:  "normal",
		Occurrences:   1,
		PenaltyExpiry: now.Add(-time.Second),
		Authority:     "node-a",
	}
	b := &arbiter.Badness{}

	tr := e.Step(st, b, now)

	require.Equal(t, ReleasedToDefault, tr)
	assert.Equal(t, "normal", st.CurrentGroup)
	assert.True(t, st.PenaltyExpiry.IsZero())
	assert.Empty(t, st.Authority)
	assert.Equal(t, now.Add(time.Hour), st.OccurExpiry)
}

func TestStepHoldsPenaltyBeforeExpiry(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := &arbiter.Status{CurrentGroup: "warn", DefaultGroup: "normal", PenaltyExpiry: now.Add(time.Minute)}
	b := &arbiter.Badness{}

	tr := e.Step(st, b, now)

	assert.Equal(t, NoTransition, tr)
	assert.Equal(t, "warn", st.CurrentGroup)
}

func TestStepDecaysOccurrencesAfterQuietTimeout(t *testing.T) {
	e := newEngine()
	now := time.Now()
	st := &arbiter.Status{
		CurrentGroup: "normal", DefaultGroup: "normal",
		Occurrences: 2,
		OccurExpiry: now.Add(-time.Second),
	}
	b := &arbiter.Badness{}

	tr := e.Step(st, b, now)

	assert.Equal(t, NoTransition, tr)
	assert.Equal(t, 1, st.Occurrences)
	assert.Equal(t, now.Add(time.Hour), st.OccurExpiry)
}

func TestWasAuthority(t *testing.T) {
	e := newEngine()
	assert.True(t, e.WasAuthority(arbiter.Status{Authority: "node-a"}))
	assert.False(t, e.WasAuthority(arbiter.Status{Authority: "node-b"}))
}

func TestResolveQuotaRelativeGroup(t *testing.T) {
	e := newEngine()
	cpu, mem := e.ResolveQuota("warn", "normal", false, 1)
	assert.Equal(t, 50.0, cpu)
	assert.Equal(t, float64(1<<29), mem)
}

func TestResolveQuotaDividesByThreadsPerCore(t *testing.T) {
	e := newEngine()
	cpu, _ := e.ResolveQuota("normal", "normal", true, 4)
	assert.Equal(t, 25.0, cpu)
}

func TestResolveQuotaUnknownGroup(t *testing.T) {
	e := newEngine()
	cpu, mem := e.ResolveQuota("missing", "normal", false, 1)
	assert.Equal(t, 0.0, cpu)
	assert.Equal(t, 0.0, mem)
}

func TestWhitelistUnionsGlobalAndGroup(t *testing.T) {
	groups := testGroups()
	g := groups["warn"]
	g.Whitelist = []string{"sshd"}
	groups["warn"] = g
	e := New(groups, nil, time.Hour, "node-a")

	out := e.Whitelist([]string{"init"}, "warn")
	assert.Equal(t, []string{"init", "sshd"}, out)

	out = e.Whitelist([]string{"init"}, "normal")
	assert.Equal(t, []string{"init"}, out)
}

func TestGroupsAccessor(t *testing.T) {
	e := newEngine()
	_, ok := e.Groups()["strict"]
	assert.True(t, ok)
}

func TestGroupsFromConfigRoundTrips(t *testing.T) {
	out := GroupsFromConfig(nil)
	assert.Empty(t, out)

	out = GroupsFromConfig(map[string]config.StatusGroupConfig{
		"warn": {CPUQuotaPct: 0.5, MemQuotaBytes: 0.25, Whitelist: []string{"sshd"}, Timeout: time.Hour, Relative: true},
	})
	assert.Equal(t, arbiter.StatusGroup{
		Name: "warn", CPUQuotaPct: 0.5, MemQuotaBytes: 0.25, Whitelist: []string{"sshd"}, Timeout: time.Hour, Relative: true,
	}, out["warn"])
}
