package collector

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (c *Collector) userSliceDir(controller string, uid int) string {
	return filepath.Join(c.opts.Paths.CgroupRoot, controller, "user.slice", fmt.Sprintf("user-%d.slice", uid))
}

// readCPUAcct reads cpuacct.usage_user and cpuacct.usage_sys (nanoseconds,
// monotonic for the cgroup's lifetime). ok=false is a soft failure: ENOENT
// because the user logged out, or a short/unparsable read.
func (c *Collector) readCPUAcct(uid int) (userNS, sysNS uint64, ok bool) {
	dir := c.userSliceDir("cpuacct", uid)
	u, ok1 := readUintFile(filepath.Join(dir, "cpuacct.usage_user"))
	s, ok2 := readUintFile(filepath.Join(dir, "cpuacct.usage_sys"))
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return u, s, true
}

// readMemoryStat reads memory.stat (or memory.memsw.* when enabled) and
// returns total_rss + total_mapped_file, per §4.1 step 3.
func (c *Collector) readMemoryStat(uid int) (rss, file uint64, ok bool) {
	controller := "memory"
	statName := "memory.stat"
	dir := c.userSliceDir(controller, uid)
	f, err := os.Open(filepath.Join(dir, statName))
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	values := map[string]uint64{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		if n, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
			values[fields[0]] = n
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, false
	}

	rssVal, rssOK := values["total_rss"]
	fileVal, fileOK := values["total_mapped_file"]
	if !rssOK && !fileOK {
		return 0, 0, false
	}

	if c.opts.MemswEnabled {
		if memsw, ok := readUintFile(filepath.Join(dir, "memory.memsw.usage_in_bytes")); ok {
			return memsw, 0, true
		}
	}
	return rssVal, fileVal, true
}

// readCgroupProcs reads the list of pids belonging to a user's systemd
// cgroup slice (§4.1 step 4's input).
func (c *Collector) readCgroupProcs(uid int) ([]int, bool) {
	path := filepath.Join(c.opts.Paths.CgroupRoot, "systemd", "user.slice", fmt.Sprintf("user-%d.slice", uid), "cgroup.procs")
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var pids []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if pid, err := strconv.Atoi(line); err == nil {
			pids = append(pids, pid)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false
	}
	return pids, true
}

func readUintFile(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
