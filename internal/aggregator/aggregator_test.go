package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

func sample(t time.Time, cpuNS uint64, mem uint64, procs ...arbiter.ProcessSample) arbiter.UsageSample {
	return arbiter.UsageSample{
		Timestamp:   t,
		CPUUserNS:   cpuNS,
		MemRSSBytes: mem,
		Processes:   procs,
	}
}

func TestCombineRequiresTwoSamples(t *testing.T) {
	a := New(time.Minute, nil)
	_, ok := a.Combine(1000, []arbiter.UsageSample{sample(time.Now(), 0, 0)}, Whitelist{})
	assert.False(t, ok)
}

func TestCombineDerivesCPUPercent(t *testing.T) {
	a := New(time.Minute, nil)
	t0 := time.Now()
	samples := []arbiter.UsageSample{
		sample(t0, 0, 1000),
		sample(t0.Add(time.Second), 500_000_000, 2000), // 0.5s of cpu time over 1s wall time
	}

	ev, ok := a.Combine(1000, samples, Whitelist{})
	require.True(t, ok)
	assert.InDelta(t, 50.0, ev.CPUPercent, 0.01)
	assert.Equal(t, uint64(1500), ev.MemBytes)
}

func TestCombineDecomposesWhitelistedProcesses(t *testing.T) {
	a := New(time.Minute, nil)
	t0 := time.Now()
	t1 := t0.Add(time.Second)

	samples := []arbiter.UsageSample{
		sample(t0, 0, 0,
			arbiter.ProcessSample{PID: 1, Name: "sshd", CPUTicks: 0, MemBytes: 100},
			arbiter.ProcessSample{PID: 2, Name: "python", CPUTicks: 0, MemBytes: 200},
		),
		sample(t1, 1_000_000_000, 0,
			arbiter.ProcessSample{PID: 1, Name: "sshd", CPUTicks: 50, MemBytes: 100},
			arbiter.ProcessSample{PID: 2, Name: "python", CPUTicks: 50, MemBytes: 200},
		),
	}

	wl := Whitelist{Global: []string{"sshd"}}
	ev, ok := a.Combine(1000, samples, wl)
	require.True(t, ok)

	var accountedSeen, whitelistedSeen bool
	for _, p := range ev.Processes {
		if p.Name == "sshd" {
			assert.True(t, p.Whitelisted)
			whitelistedSeen = true
		}
		if p.Name == "python" {
			assert.False(t, p.Whitelisted)
			accountedSeen = true
		}
	}
	assert.True(t, accountedSeen)
	assert.True(t, whitelistedSeen)
	assert.Greater(t, ev.AccountedCPUPercent, 0.0)
}

func TestCombineOwnerUIDAlwaysWhitelisted(t *testing.T) {
	a := New(time.Minute, nil)
	t0 := time.Now()
	samples := []arbiter.UsageSample{
		sample(t0, 0, 0, arbiter.ProcessSample{PID: 1, Name: "weird", UIDOwner: 0, CPUTicks: 0}),
		sample(t0.Add(time.Second), 0, 0, arbiter.ProcessSample{PID: 1, Name: "weird", UIDOwner: 0, CPUTicks: 10}),
	}
	wl := Whitelist{OwnerUIDs: map[int]bool{0: true}}
	ev, ok := a.Combine(1000, samples, wl)
	require.True(t, ok)
	require.Len(t, ev.Processes, 1)
	assert.True(t, ev.Processes[0].Whitelisted)
}

func TestCombineBackwardsCounterDropsCPU(t *testing.T) {
	a := New(time.Minute, nil)
	t0 := time.Now()
	samples := []arbiter.UsageSample{
		sample(t0, 1000, 0),
		sample(t0.Add(time.Second), 500, 0), // went backwards
	}
	ev, ok := a.Combine(1000, samples, Whitelist{})
	require.True(t, ok)
	assert.Equal(t, 0.0, ev.CPUPercent)
}

func TestStaleReflectsTouchLiveness(t *testing.T) {
	a := New(time.Hour, nil)
	assert.True(t, a.Stale(1000), "never touched")

	t0 := time.Now()
	samples := []arbiter.UsageSample{sample(t0, 0, 0), sample(t0.Add(time.Second), 0, 0)}
	a.Combine(1000, samples, Whitelist{})
	assert.False(t, a.Stale(1000))
}

func TestMatchGlobNegatedClass(t *testing.T) {
	wl := Whitelist{Global: []string{"[!a]ython"}}
	assert.True(t, isWhitelisted(0, "python", wl))
	assert.False(t, isWhitelisted(0, "aython", wl))
}
