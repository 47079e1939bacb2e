// Package enforcer implements §4.5 of the specification: writing each
// tracked user's current status quota into their cgroup's CPU and memory
// controller files, idempotently, with a sudo-backed permission fixup when
// the daemon does not already own the file. Grounded on the teacher's
// internal/agent/proxy/cgroup_manager.go raw-cgroupfs-write style.
package enforcer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creamcroissant/xboard/internal/retry"
)

const (
	defaultCgroupRoot  = "/sys/fs/cgroup"
	cfsPeriodUS        = 1_000_000 // 1 second, per §4.5
	unlimitedCPUQuota  = -1
)

// Options configures one Enforcer instance.
type Options struct {
	CgroupRoot   string
	MemswEnabled bool
	SudoEnabled  bool
	// DebugMode disables writes entirely; the enforcer still computes what
	// it would have written, for logging/testing (§8 scenario 6).
	DebugMode bool
}

// Enforcer writes cgroup quota files to match each user's current status
// quota. Writes are idempotent: writing the same value twice produces no
// additional filesystem change.
type Enforcer struct {
	opts   Options
	logger *slog.Logger

	// runSudo is overridable for tests.
	runSudo func(ctx context.Context, args ...string) error
}

// New constructs an Enforcer.
func New(opts Options, logger *slog.Logger) *Enforcer {
	if opts.CgroupRoot == "" {
		opts.CgroupRoot = defaultCgroupRoot
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Enforcer{opts: opts, logger: logger}
	e.runSudo = e.execSudo
	return e
}

// Quota is the resolved absolute quota to enforce for one user.
type Quota struct {
	UID         int
	CPUPercent  float64 // percent of a core; <= 0 means unlimited
	MemBytes    float64
}

// Apply writes cpu.cfs_quota_us, cpu.cfs_period_us, and
// memory.limit_in_bytes (and memory.memsw.limit_in_bytes when enabled) for
// one user's cgroup, per §4.5. A vanished cgroup is a soft failure (user
// logged out between tick phases): Apply returns ok=false, not an error,
// so the caller does not treat it as a persistent failure to retry.
func (e *Enforcer) Apply(ctx context.Context, q Quota) (ok bool, err error) {
	if e.opts.DebugMode {
		e.logger.Debug("enforcer debug mode: skipping write", "uid", q.UID, "cpu_pct", q.CPUPercent, "mem_bytes", q.MemBytes)
		return true, nil
	}

	cpuDir := e.userSliceDir("cpu", q.UID)
	memDir := e.userSliceDir("memory", q.UID)

	if !e.cgroupExists(cpuDir) || !e.cgroupExists(memDir) {
		return false, nil
	}

	quotaUS := unlimitedCPUQuota
	if q.CPUPercent > 0 {
		quotaUS = int64ToInt(round(q.CPUPercent * 10000))
	}

	if err := e.writeFile(ctx, filepath.Join(cpuDir, "cpu.cfs_period_us"), strconv.Itoa(cfsPeriodUS)); err != nil {
		return true, fmt.Errorf("write cpu.cfs_period_us for uid %d: %w", q.UID, err)
	}
	if err := e.writeFile(ctx, filepath.Join(cpuDir, "cpu.cfs_quota_us"), strconv.Itoa(quotaUS)); err != nil {
		return true, fmt.Errorf("write cpu.cfs_quota_us for uid %d: %w", q.UID, err)
	}

	memLimit := strconv.FormatUint(uint64(q.MemBytes), 10)
	if err := e.writeFile(ctx, filepath.Join(memDir, "memory.limit_in_bytes"), memLimit); err != nil {
		return true, fmt.Errorf("write memory.limit_in_bytes for uid %d: %w", q.UID, err)
	}
	if e.opts.MemswEnabled {
		if err := e.writeFile(ctx, filepath.Join(memDir, "memory.memsw.limit_in_bytes"), memLimit); err != nil {
			return true, fmt.Errorf("write memory.memsw.limit_in_bytes for uid %d: %w", q.UID, err)
		}
	}
	return true, nil
}

func (e *Enforcer) userSliceDir(controller string, uid int) string {
	return filepath.Join(e.opts.CgroupRoot, controller, "user.slice", fmt.Sprintf("user-%d.slice", uid))
}

func (e *Enforcer) cgroupExists(dir string) bool {
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}

// writeFile writes value to path, skipping the write entirely if the file
// already holds that value (idempotence, §8). If the file is not
// currently writable and sudo is enabled, it invokes the privileged
// chown helper (retried under retry.Privileged) and then retries the
// write once.
func (e *Enforcer) writeFile(ctx context.Context, path, value string) error {
	current, readErr := os.ReadFile(path)
	if readErr == nil && strings.TrimSpace(string(current)) == value {
		return nil
	}

	err := os.WriteFile(path, []byte(value), 0644)
	if err == nil {
		return nil
	}
	if !os.IsPermission(err) || !e.opts.SudoEnabled {
		return err
	}

	fixErr := retry.Do(ctx, retry.Privileged(), func(ctx context.Context) error {
		return e.fixPermissions(ctx, path)
	})
	if fixErr != nil {
		e.logger.Warn("sudo permission fixup failed", "path", path, "error", fixErr)
		return err
	}
	return os.WriteFile(path, []byte(value), 0644)
}

// fixPermissions invokes the external sudo-gated chown helper so the
// daemon's own uid can subsequently write path directly, per §4.5/§7.
func (e *Enforcer) fixPermissions(ctx context.Context, path string) error {
	uid := os.Getuid()
	return e.runSudo(ctx, "chown", strconv.Itoa(uid), path)
}

func (e *Enforcer) execSudo(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "sudo", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

func round(f float64) float64 {
	if f < 0 {
		return f - 0.5
	}
	return f + 0.5
}

func int64ToInt(f float64) int {
	return int(f)
}
