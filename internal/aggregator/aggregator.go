// Package aggregator implements §4.2 of the specification: combining poll
// consecutive UsageSamples into one Event, and decomposing that event's
// process list into whitelisted versus accounted usage.
package aggregator

import (
	"log/slog"
	"time"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

// Whitelist is the resolved set of whitelist rules in effect for one
// user's current status group: the global whitelist plus that group's own
// patterns, and the set of uids whose processes are always whitelisted.
type Whitelist struct {
	Global                  []string
	Group                   []string
	OwnerUIDs               map[int]bool
	WhitelistOtherProcesses bool
}

// Aggregator turns raw sub-tick samples into Events. It is stateless with
// respect to the ring (owned by the caller's UserSlice per the design
// notes); it only tracks per-uid liveness for the ring-eviction safety net.
type Aggregator struct {
	logger *slog.Logger
	touch  *touchCache
}

// New constructs an Aggregator. staleAfter bounds how long a uid can go
// untouched before Stale reports it — a backstop against a caller that
// forgets to evict a UserSlice whose cgroup vanished.
func New(staleAfter time.Duration, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{logger: logger, touch: newTouchCache(staleAfter)}
}

// Combine averages the given sub-tick samples (already filtered to one
// uid) into a single Event and classifies its processes per the
// whitelist. It requires at least two samples to derive a CPU percentage
// (§4.1 step 5); with fewer, it returns ok=false and the caller should
// skip emitting an event this interval without treating it as an error.
func (a *Aggregator) Combine(uid int, samples []arbiter.UsageSample, wl Whitelist) (arbiter.Event, bool) {
	if len(samples) < 2 {
		return arbiter.Event{}, false
	}
	a.touch.Touch(uid)

	first, last := samples[0], samples[len(samples)-1]

	cpuPct, cpuOK := deltaPercent(
		first.CPUUserNS+first.CPUSystemNS, first.Timestamp,
		last.CPUUserNS+last.CPUSystemNS, last.Timestamp,
	)
	if !cpuOK {
		a.logger.Debug("cgroup cpu delta dropped", "uid", uid)
	}

	memBytes := averageMem(samples)

	processes, sumCPU, sumMem := a.combineProcesses(samples, wl)

	otherCPU := nonNegative(cpuPct - sumCPU)
	otherMem := nonNegativeU(memBytes, sumMem)

	accountedCPU := sumAccountedCPU(processes)
	accountedMem := sumAccountedMem(processes)
	if wl.WhitelistOtherProcesses {
		// other mass joins the whitelisted bucket: accounted totals are
		// unaffected.
	} else {
		accountedCPU += otherCPU
		accountedMem += otherMem
	}

	ev := arbiter.Event{
		StartTime:           first.Timestamp,
		EndTime:             last.Timestamp,
		CPUPercent:          cpuPct,
		MemBytes:            memBytes,
		Processes:           processes,
		AccountedCPUPercent: accountedCPU,
		AccountedMemBytes:   accountedMem,
	}
	return ev, true
}

// Stale reports whether uid has not been touched within the configured
// window, so the caller can consider evicting their UserSlice once the
// other eviction conditions (badness, occurrences, status) also hold.
func (a *Aggregator) Stale(uid int) bool {
	return a.touch.Stale(uid)
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func nonNegativeU(total, sum uint64) uint64 {
	if sum >= total {
		return 0
	}
	return total - sum
}

func averageMem(samples []arbiter.UsageSample) uint64 {
	var sum uint64
	for _, s := range samples {
		sum += s.MemRSSBytes + s.MemFileBytes
	}
	return sum / uint64(len(samples))
}

func sumAccountedCPU(processes []arbiter.ProcessUsage) float64 {
	var total float64
	for _, p := range processes {
		if !p.Whitelisted {
			total += p.CPUPercent
		}
	}
	return total
}

func sumAccountedMem(processes []arbiter.ProcessUsage) uint64 {
	var total uint64
	for _, p := range processes {
		if !p.Whitelisted {
			total += p.MemBytes
		}
	}
	return total
}

// deltaPercent derives a percentage from two cumulative nanosecond
// counters. ok=false means the identifier should be dropped this event:
// no advancing clock, or a counter that went backwards (cgroup recreated
// or pid reused), per §4.1 step 5.
func deltaPercent(prevNS uint64, prevAt time.Time, curNS uint64, curAt time.Time) (float64, bool) {
	if prevAt.IsZero() || !curAt.After(prevAt) || curNS < prevNS {
		return 0, false
	}
	elapsed := curAt.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return 100 * (float64(curNS-prevNS) / 1e9) / elapsed, true
}
