package aggregator

import (
	"path"
	"strings"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

type processWindow struct {
	firstTicks uint64
	firstAt    int64 // unix nanos
	lastTicks  uint64
	lastAt     int64
	seenTwice  bool
	name       string
	uidOwner   int
	lastMem    uint64
}

// combineProcesses builds the per-process usage list for an Event from the
// raw per-pid readings across the sub-tick window, classifying each
// process as whitelisted or accounted.
func (a *Aggregator) combineProcesses(samples []arbiter.UsageSample, wl Whitelist) (processes []arbiter.ProcessUsage, sumCPU float64, sumMem uint64) {
	windows := map[int]*processWindow{}
	for _, sample := range samples {
		for _, p := range sample.Processes {
			w, ok := windows[p.PID]
			if !ok {
				windows[p.PID] = &processWindow{
					firstTicks: p.CPUTicks,
					firstAt:    sample.Timestamp.UnixNano(),
					lastTicks:  p.CPUTicks,
					lastAt:     sample.Timestamp.UnixNano(),
					name:       p.Name,
					uidOwner:   p.UIDOwner,
					lastMem:    p.MemBytes,
				}
				continue
			}
			w.lastTicks = p.CPUTicks
			w.lastAt = sample.Timestamp.UnixNano()
			w.lastMem = p.MemBytes
			w.name = p.Name
			w.uidOwner = p.UIDOwner
			w.seenTwice = true
		}
	}

	for pid, w := range windows {
		var cpuPct float64
		if w.seenTwice && w.lastTicks >= w.firstTicks && w.lastAt > w.firstAt {
			elapsedSec := float64(w.lastAt-w.firstAt) / 1e9
			// /proc ticks are USER_HZ (typically 100/s); convert to seconds
			// of cpu time the same way top/ps do.
			deltaSeconds := float64(w.lastTicks-w.firstTicks) / userHZ
			if elapsedSec > 0 {
				cpuPct = 100 * deltaSeconds / elapsedSec
			}
		}

		whitelisted := isWhitelisted(w.uidOwner, w.name, wl)
		pu := arbiter.ProcessUsage{
			PID:         pid,
			Name:        w.name,
			UIDOwner:    w.uidOwner,
			CPUPercent:  cpuPct,
			MemBytes:    w.lastMem,
			Whitelisted: whitelisted,
		}
		processes = append(processes, pu)
		sumCPU += cpuPct
		sumMem += w.lastMem
	}
	return processes, sumCPU, sumMem
}

// userHZ is the kernel clock tick rate assumed for /proc/<pid>/stat
// fields; 100 is standard on every architecture Arbiter2 targets.
const userHZ = 100.0

// isWhitelisted applies §4.2's decomposition rule: owner uid whitelist
// first, then a glob match against the union of global and group
// whitelists.
func isWhitelisted(uidOwner int, name string, wl Whitelist) bool {
	if wl.OwnerUIDs[uidOwner] {
		return true
	}
	for _, pattern := range wl.Global {
		if matchGlob(pattern, name) {
			return true
		}
	}
	for _, pattern := range wl.Group {
		if matchGlob(pattern, name) {
			return true
		}
	}
	return false
}

// matchGlob supports the spec's glob syntax (*, ?, [seq], [!seq]),
// translating the ![seq] negation spelling to path.Match's [^seq] form.
func matchGlob(pattern, name string) bool {
	translated := translateNegation(pattern)
	ok, err := path.Match(translated, name)
	return err == nil && ok
}

func translateNegation(pattern string) string {
	var b strings.Builder
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '[' && !inClass:
			inClass = true
			b.WriteByte(c)
			if i+1 < len(pattern) && pattern[i+1] == '!' {
				b.WriteByte('^')
				i++
			}
		case c == ']' && inClass:
			inClass = false
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
