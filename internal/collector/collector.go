// Package collector implements §4.1 of the specification: one sub-tick's
// worth of per-user cgroup and per-process usage sampling, tolerant of
// vanished cgroups, vanished pids, and pid reuse.
package collector

import (
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

const (
	defaultCgroupRoot = "/sys/fs/cgroup"
	commMaxBytes       = 15
)

// Paths lets tests point the collector at a scratch directory instead of
// the real cgroupfs/procfs roots.
type Paths struct {
	CgroupRoot string
	ProcRoot   string
}

func defaultPaths() Paths {
	return Paths{CgroupRoot: defaultCgroupRoot, ProcRoot: "/proc"}
}

// Options configures one Collector instance.
type Options struct {
	MinUID       int
	PSSEnabled   bool
	PSSThreshold uint64
	MemswEnabled bool
	Paths        Paths
}

// Collector samples per-user cgroup and per-process usage for one
// sub-tick. It emits raw cumulative counters (§3's UsageSample); deriving a
// CPU percentage needs a pair of consecutive samples and is the
// aggregator's job (§4.2), since it is the aggregator that owns the
// sub-tick buffer.
type Collector struct {
	opts   Options
	logger *slog.Logger

	// ListPIDs is overridable for tests; defaults to gopsutil's process
	// enumeration, used only as a sanity cross-check against cgroup.procs
	// (gopsutil has no notion of cgroups, so it cannot replace the
	// cgroupfs reads themselves).
	ListPIDs func() ([]int32, error)

	// ownGID is this daemon's own primary group, excluded from
	// DiscoverUsers per §4.1: a uid sharing the daemon's own primary
	// group is never tracked, regardless of MinUID.
	ownGID int
}

// New constructs a Collector. If opts.Paths is the zero value, the real
// cgroupfs/procfs roots are used.
func New(opts Options, logger *slog.Logger) *Collector {
	if opts.Paths.CgroupRoot == "" && opts.Paths.ProcRoot == "" {
		opts.Paths = defaultPaths()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		opts:     opts,
		logger:   logger,
		ListPIDs: process.Pids,
		ownGID:   os.Getgid(),
	}
}

// DiscoverUsers enumerates uid-named user slices with an active
// cgroup.procs file, filtering out anything below MinUID (step 1 of §4.1).
func (c *Collector) DiscoverUsers() ([]int, error) {
	pattern := filepath.Join(c.opts.Paths.CgroupRoot, "systemd", "user.slice", "user-*.slice", "cgroup.procs")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	uids := make([]int, 0, len(matches))
	for _, m := range matches {
		dir := filepath.Base(filepath.Dir(m))
		uid, ok := parseUserSliceDir(dir)
		if !ok || uid < c.opts.MinUID {
			continue
		}
		if c.sharesOwnPrimaryGroup(uid) {
			continue
		}
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	return uids, nil
}

// sharesOwnPrimaryGroup reports whether uid's primary group is this
// daemon's own primary group (§4.1: "uid >= min_uid, primary group != the
// daemon's own"). A lookup failure is not a match — an unresolvable uid
// falls through to the normal MinUID-only filtering.
func (c *Collector) sharesOwnPrimaryGroup(uid int) bool {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return false
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return false
	}
	return gid == c.ownGID
}

func parseUserSliceDir(dir string) (int, bool) {
	if !strings.HasPrefix(dir, "user-") || !strings.HasSuffix(dir, ".slice") {
		return 0, false
	}
	middle := strings.TrimSuffix(strings.TrimPrefix(dir, "user-"), ".slice")
	uid, err := strconv.Atoi(middle)
	if err != nil {
		return 0, false
	}
	return uid, true
}

// Collect samples every uid in uids for this sub-tick, skipping (not
// failing on) any uid whose cgroup vanished mid-collection. The returned
// slice may be shorter than uids.
func (c *Collector) Collect(uids []int) []arbiter.UsageSample {
	now := time.Now()
	samples := make([]arbiter.UsageSample, 0, len(uids))
	for _, uid := range uids {
		sample, ok := c.collectUser(uid, now)
		if !ok {
			continue
		}
		samples = append(samples, sample)
	}
	return samples
}

func (c *Collector) collectUser(uid int, now time.Time) (arbiter.UsageSample, bool) {
	if c.sharesOwnPrimaryGroup(uid) {
		return arbiter.UsageSample{}, false
	}

	cpuUser, cpuSys, ok := c.readCPUAcct(uid)
	if !ok {
		c.logger.Debug("cpuacct read failed", "uid", uid)
		return arbiter.UsageSample{}, false
	}

	memRSS, memFile, ok := c.readMemoryStat(uid)
	if !ok {
		c.logger.Debug("memory.stat read failed", "uid", uid)
		return arbiter.UsageSample{}, false
	}

	pids, ok := c.readCgroupProcs(uid)
	if !ok {
		c.logger.Debug("cgroup.procs read failed", "uid", uid)
		return arbiter.UsageSample{}, false
	}
	c.crossCheckPIDs(pids)

	procs := make([]arbiter.ProcessSample, 0, len(pids))
	for _, pid := range pids {
		p, ok := c.readProcess(pid)
		if !ok {
			continue // ESRCH/short read: pid vanished between listing and reading
		}
		procs = append(procs, p)
	}

	return arbiter.UsageSample{
		UID:          uid,
		Timestamp:    now,
		CPUUserNS:    cpuUser,
		CPUSystemNS:  cpuSys,
		MemRSSBytes:  memRSS,
		MemFileBytes: memFile,
		Processes:    procs,
	}, true
}

// readProcess reads one pid's stat/status/comm, and optionally smaps_rollup
// for PSS, tolerating the pid having exited between calls.
func (c *Collector) readProcess(pid int) (arbiter.ProcessSample, bool) {
	ticks, uidOwner, vmRSS, rssFile, rssShmem, ok := c.readProcStatusAndStat(pid)
	if !ok {
		return arbiter.ProcessSample{}, false
	}

	comm, ok := c.readComm(pid)
	if !ok {
		comm = ""
	}

	memBytes := vmRSS
	if c.opts.PSSEnabled && rssFile+rssShmem >= c.opts.PSSThreshold {
		if pss, ok := c.readPSS(pid); ok {
			memBytes = pss
		}
	}

	return arbiter.ProcessSample{
		PID:      pid,
		Name:     truncateComm(comm),
		UIDOwner: uidOwner,
		CPUTicks: ticks,
		MemBytes: memBytes,
	}, true
}

func truncateComm(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > commMaxBytes {
		return name[:commMaxBytes]
	}
	return name
}

// crossCheckPIDs logs (does not fail) when gopsutil's view of live pids
// disagrees wildly with cgroup.procs, which would indicate the cgroupfs
// mount is stale or unreadable.
func (c *Collector) crossCheckPIDs(cgroupPIDs []int) {
	if c.ListPIDs == nil {
		return
	}
	live, err := c.ListPIDs()
	if err != nil {
		return
	}
	if len(live) == 0 && len(cgroupPIDs) > 0 {
		c.logger.Warn("process enumeration returned no pids while cgroup.procs is non-empty")
	}
}
