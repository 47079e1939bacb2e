package collector

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// readProcStatusAndStat combines /proc/<pid>/stat (cpu ticks) and
// /proc/<pid>/status (memory breakdown, owning uid), per §4.1 step 4.
func (c *Collector) readProcStatusAndStat(pid int) (ticks uint64, uidOwner int, vmRSS, rssFile, rssShmem uint64, ok bool) {
	ticks, ok = c.readProcStat(pid)
	if !ok {
		return 0, 0, 0, 0, 0, false
	}
	uidOwner, vmRSS, rssFile, rssShmem, ok = c.readProcStatus(pid)
	if !ok {
		return 0, 0, 0, 0, 0, false
	}
	return ticks, uidOwner, vmRSS, rssFile, rssShmem, true
}

// readProcStat parses utime+stime (fields 14 and 15) out of /proc/<pid>/stat.
// The comm field is skipped by looking past the last ')', since it may
// itself contain spaces or parentheses.
func (c *Collector) readProcStat(pid int) (ticks uint64, ok bool) {
	data, err := os.ReadFile(filepath.Join(c.opts.Paths.ProcRoot, strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, false
	}
	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 || close+2 > len(line) {
		return 0, false
	}
	fields := strings.Fields(line[close+2:])
	// fields[0] is state; utime is field index 11 (0-based) from there,
	// stime is field index 12, matching /proc/pid/stat fields 14 and 15.
	if len(fields) < 13 {
		return 0, false
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return utime + stime, true
}

// readProcStatus parses the owning uid and memory breakdown out of
// /proc/<pid>/status.
func (c *Collector) readProcStatus(pid int) (uidOwner int, vmRSS, rssFile, rssShmem uint64, ok bool) {
	f, err := os.Open(filepath.Join(c.opts.Paths.ProcRoot, strconv.Itoa(pid), "status"))
	if err != nil {
		return 0, 0, 0, 0, false
	}
	defer f.Close()

	haveUID := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "Uid:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.Atoi(fields[1]); err == nil {
					uidOwner = n
					haveUID = true
				}
			}
		case strings.HasPrefix(line, "VmRSS:"):
			vmRSS = parseStatusKB(line)
		case strings.HasPrefix(line, "RssFile:"):
			rssFile = parseStatusKB(line)
		case strings.HasPrefix(line, "RssShmem:"):
			rssShmem = parseStatusKB(line)
		}
	}
	if err := scanner.Err(); err != nil || !haveUID {
		return 0, 0, 0, 0, false
	}
	return uidOwner, vmRSS, rssFile, rssShmem, true
}

func parseStatusKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	n, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return n * 1024
}

// readComm reads /proc/<pid>/comm, the kernel's short process name.
func (c *Collector) readComm(pid int) (string, bool) {
	data, err := os.ReadFile(filepath.Join(c.opts.Paths.ProcRoot, strconv.Itoa(pid), "comm"))
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(data), "\n"), true
}

// readPSS sums the Pss: lines of smaps_rollup (falling back to smaps on
// kernels without the rollup file), in bytes.
func (c *Collector) readPSS(pid int) (uint64, bool) {
	for _, name := range []string{"smaps_rollup", "smaps"} {
		f, err := os.Open(filepath.Join(c.opts.Paths.ProcRoot, strconv.Itoa(pid), name))
		if err != nil {
			continue
		}
		var total uint64
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "Pss:") {
				total += parseStatusKB(line)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			continue
		}
		return total, true
	}
	return 0, false
}
