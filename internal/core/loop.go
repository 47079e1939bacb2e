package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/creamcroissant/xboard/internal/aggregator"
	"github.com/creamcroissant/xboard/internal/arbiter"
	"github.com/creamcroissant/xboard/internal/bootstrap"
	"github.com/creamcroissant/xboard/internal/collector"
	"github.com/creamcroissant/xboard/internal/config"
	"github.com/creamcroissant/xboard/internal/enforcer"
	"github.com/creamcroissant/xboard/internal/historylog"
	"github.com/creamcroissant/xboard/internal/metrics"
	"github.com/creamcroissant/xboard/internal/notifier"
	"github.com/creamcroissant/xboard/internal/scorer"
	"github.com/creamcroissant/xboard/internal/status"
	"github.com/creamcroissant/xboard/internal/statusdb"
)

// Loop orchestrates one full control cycle's worth of phases (§2): it is
// the only component that holds the uid -> UserSlice map, since every
// phase after the Collector needs to read or write a user's accumulated
// state (§9 Design Notes).
type Loop struct {
	cfg    *config.Config
	logger *slog.Logger

	collector  *collector.Collector
	aggregator *aggregator.Aggregator
	engine     *status.Engine
	enforcer   *enforcer.Enforcer
	sync       *statusdb.Synchronizer
	notifier   notifier.Service
	history    historylog.Sink
	metrics    *metrics.Metrics

	ownerUIDs map[int]bool

	users   map[int]*arbiter.UserSlice
	buffers map[int][]arbiter.UsageSample

	subTickCount    int
	eventsThisCycle int

	exitFilePath  string
	exitFileSince time.Time
	exitRequested bool
	exitCh        chan struct{}

	lastRunAt time.Time
}

// New constructs a Loop from its resolved collaborators.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	col *collector.Collector,
	agg *aggregator.Aggregator,
	eng *status.Engine,
	enf *enforcer.Enforcer,
	sy *statusdb.Synchronizer,
	notif notifier.Service,
	hist historylog.Sink,
	met *metrics.Metrics,
) *Loop {
	owner := make(map[int]bool, len(cfg.General.ProcOwnerWhitelist))
	for _, uid := range cfg.General.ProcOwnerWhitelist {
		owner[uid] = true
	}
	return &Loop{
		cfg:          cfg,
		logger:       logger,
		collector:    col,
		aggregator:   agg,
		engine:       eng,
		enforcer:     enf,
		sync:         sy,
		notifier:     notif,
		history:      hist,
		metrics:      met,
		ownerUIDs:    owner,
		users:        make(map[int]*arbiter.UserSlice),
		buffers:      make(map[int][]arbiter.UsageSample),
		exitFilePath: cfg.General.ExitFile,
		exitCh:       make(chan struct{}),
	}
}

// Rehydrate seeds the Loop's tracked users from the status store's own
// prior rows (§4.7), before the scheduler starts ticking.
func (l *Loop) Rehydrate(ctx context.Context, store statusdb.Store) error {
	return bootstrap.Rehydrate(ctx, store,
		l.cfg.General.Hostname, l.cfg.Sync.SyncGroup, l.cfg.Sync.ImportedBadnessTimeout,
		l.engine.Groups(), l.defaultGroupFor, l.users, l.logger)
}

func (l *Loop) defaultGroupFor(uid int) string {
	return status.DefaultGroup(uid, resolveGIDs(uid), l.cfg.Status.Order, l.cfg.Status.FallbackStatus)
}

// Done returns a channel that closes once the configured --exit-file has
// been touched after startup, signalling the caller to shut down for a
// coordinated restart.
func (l *Loop) Done() <-chan struct{} {
	return l.exitCh
}

// SubTickInterval returns the cadence at which sub-samples must be
// collected (§5): arbiter_refresh / history_per_refresh / poll.
func SubTickInterval(cfg *config.Config) time.Duration {
	divisor := cfg.General.HistoryPerRefresh * cfg.General.Poll
	if divisor <= 0 {
		divisor = 1
	}
	return cfg.General.ArbiterRefresh / time.Duration(divisor)
}

// Name implements Runnable.
func (l *Loop) Name() string { return "arbiter-tick" }

// Run implements Runnable: it executes one sub-tick, and every poll-th
// sub-tick assembles an event, and every history_per_refresh-th event runs
// the full control cycle (scorer through notifier).
func (l *Loop) Run(ctx context.Context) error {
	l.checkExitFile()
	if l.exitRequested {
		return nil
	}

	now := time.Now()
	l.checkLate(now)
	uids, err := l.collector.DiscoverUsers()
	if err != nil {
		return fmt.Errorf("core: discover users: %w", err)
	}

	seen := make(map[int]bool, len(uids))
	for _, uid := range uids {
		seen[uid] = true
		l.ensureTracked(uid, now)
	}

	var samples []arbiter.UsageSample
	l.metrics.ObservePhase("collector", func() {
		samples = l.collector.Collect(uids)
	})
	if dropped := len(uids) - len(samples); dropped > 0 {
		l.metrics.CollectorDrops.WithLabelValues("vanished").Add(float64(dropped))
	}
	for _, s := range samples {
		l.buffers[s.UID] = append(l.buffers[s.UID], s)
	}

	l.evictIdle(seen)

	l.subTickCount++
	if l.subTickCount < l.cfg.General.Poll {
		return nil
	}
	l.subTickCount = 0

	l.metrics.ObservePhase("aggregator", func() {
		l.assembleEvents(now)
	})

	l.eventsThisCycle++
	if l.eventsThisCycle < l.cfg.General.HistoryPerRefresh {
		return nil
	}
	l.eventsThisCycle = 0

	l.metrics.TrackedUsers.Set(float64(len(l.users)))
	l.mainCycle(ctx, now)
	return nil
}

// assembleEvents combines each tracked user's buffered sub-samples into one
// Event (§4.2), using the whitelist resolved against their current status
// group.
func (l *Loop) assembleEvents(now time.Time) {
	for uid, u := range l.users {
		samples := l.buffers[uid]
		delete(l.buffers, uid)
		if len(samples) == 0 {
			continue
		}
		group, _ := l.engine.Group(u.Status.CurrentGroup)
		wl := aggregator.Whitelist{
			Global:                  l.cfg.General.GlobalWhitelist,
			Group:                   group.Whitelist,
			OwnerUIDs:               l.ownerUIDs,
			WhitelistOtherProcesses: l.cfg.General.WhitelistOtherProcesses,
		}
		ev, ok := l.aggregator.Combine(uid, samples, wl)
		if !ok {
			continue
		}
		u.PushEvent(ev, l.cfg.General.MaxHistoryKept)
		_ = now
	}
}

// mainCycle runs the Scorer, Status engine, Enforcer, Synchronizer, and
// Notifier/Logger phases (§2 steps 3-7) for every tracked user against
// their latest event.
func (l *Loop) mainCycle(ctx context.Context, now time.Time) {
	thresholds := scorer.Thresholds{
		CPUThreshold:   l.cfg.Badness.CPUBadnessThreshold,
		MemThreshold:   l.cfg.Badness.MemBadnessThreshold,
		TimeToMaxBad:   l.cfg.Badness.TimeToMaxBad,
		TimeToMinBad:   l.cfg.Badness.TimeToMinBad,
		CapBadnessIncr: l.cfg.Badness.CapBadnessIncr,
		Refresh:        l.cfg.General.ArbiterRefresh,
	}
	highUsage := scorer.HighUsageConfig{
		Enabled:   l.cfg.HighUsage.Enabled,
		Threshold: l.cfg.HighUsage.Threshold,
		Duration:  l.cfg.HighUsage.Duration,
		Cooldown:  l.cfg.HighUsage.Cooldown,
	}

	for uid, u := range l.users {
		if len(u.Ring) == 0 {
			continue
		}
		latest := u.Ring[len(u.Ring)-1]

		quotaCPU, quotaMem := l.engine.ResolveQuota(u.Status.CurrentGroup, u.Status.DefaultGroup,
			l.cfg.General.DivCPUQuotasByThreadsPerCore, l.cfg.General.ThreadsPerCore)
		quota := scorer.Quota{CPUPercent: quotaCPU, MemBytes: quotaMem}

		if !u.Status.InPenalty() {
			l.metrics.ObservePhase("scorer", func() {
				scorer.Update(&u.Badness, latest.AccountedCPUPercent, latest.AccountedMemBytes, quota, thresholds, now)
			})
		}

		wantsHighUsage := scorer.CheckHighUsage(u, latest.AccountedCPUPercent, latest.AccountedMemBytes, quota, highUsage, now)

		wasAuthority := l.engine.WasAuthority(u.Status)
		var transition status.Transition
		l.metrics.ObservePhase("status", func() {
			transition = l.engine.Step(&u.Status, &u.Badness, now)
		})
		statusSnapshot := u.Status

		l.metrics.ObservePhase("enforcer", func() {
			l.applyEnforcement(ctx, uid, u)
		})

		var syncResult statusdb.Result
		l.metrics.ObservePhase("synchronizer", func() {
			syncResult = l.runSync(ctx, u, now)
		})

		l.metrics.ObservePhase("notifier", func() {
			l.notify(ctx, uid, u, statusSnapshot, latest, transition, wasAuthority, wantsHighUsage, syncResult.PeerHosts, now)
		})
	}
}

func (l *Loop) applyEnforcement(ctx context.Context, uid int, u *arbiter.UserSlice) {
	cpuPct, memBytes := l.engine.ResolveQuota(u.Status.CurrentGroup, u.Status.DefaultGroup,
		l.cfg.General.DivCPUQuotasByThreadsPerCore, l.cfg.General.ThreadsPerCore)
	_, err := l.enforcer.Apply(ctx, enforcer.Quota{UID: uid, CPUPercent: cpuPct, MemBytes: memBytes})
	if err != nil {
		l.metrics.EnforcerWriteErrors.Inc()
		l.logger.Error("enforcer write failed", "uid", uid, "error", err)
	}
}

// FlushSync performs one final Synchronizer round trip for every tracked
// user, so peers see this host's last modified_ts before it exits (§5
// Cancellation). A no-op when no synchronizer is configured.
func (l *Loop) FlushSync(ctx context.Context) {
	if l.sync == nil {
		return
	}
	now := time.Now()
	for uid, u := range l.users {
		if _, err := l.sync.Sync(ctx, u, now); err != nil {
			l.logger.Warn("final sync flush failed", "uid", uid, "error", err)
		}
	}
}

func (l *Loop) runSync(ctx context.Context, u *arbiter.UserSlice, now time.Time) statusdb.Result {
	if l.sync == nil {
		return statusdb.Result{}
	}
	result, err := l.sync.Sync(ctx, u, now)
	if err != nil {
		l.metrics.SyncRoundTrips.WithLabelValues("error").Inc()
		l.logger.Warn("synchronizer round trip failed", "uid", u.UID, "error", err)
		return statusdb.Result{}
	}
	if result.Adopted {
		l.metrics.SyncRoundTrips.WithLabelValues("adopted").Inc()
	} else {
		l.metrics.SyncRoundTrips.WithLabelValues("ok").Inc()
	}
	return result
}

func (l *Loop) notify(ctx context.Context, uid int, u *arbiter.UserSlice, snapshot arbiter.Status, latest arbiter.Event, transition status.Transition, wasAuthority, wantsHighUsage bool, peers []string, now time.Time) {
	switch transition {
	case status.EnteredPenalty:
		l.metrics.StatusTransitions.WithLabelValues("penalty").Inc()
		n := l.buildNotification(arbiter.NotifyViolation, uid, u, snapshot, peers, now)
		l.deliver(ctx, n)
	case status.ReleasedToDefault:
		l.metrics.StatusTransitions.WithLabelValues("release").Inc()
		if wasAuthority {
			n := l.buildNotification(arbiter.NotifyRelease, uid, u, snapshot, nil, now)
			l.deliver(ctx, n)
		}
	}

	if wantsHighUsage {
		n := l.buildNotification(arbiter.NotifyHighUsage, uid, u, snapshot, nil, now)
		_ = latest
		if err := l.history.RecordHighUsage(ctx, n); err != nil {
			l.logger.Warn("history: record high usage failed", "uid", uid, "error", err)
		}
		if err := l.notifier.Enqueue(ctx, n); err != nil {
			l.logger.Warn("notifier: enqueue high usage failed", "uid", uid, "error", err)
		}
	}
}

func (l *Loop) buildNotification(kind arbiter.NotificationKind, uid int, u *arbiter.UserSlice, snapshot arbiter.Status, peers []string, now time.Time) arbiter.Notification {
	return arbiter.Notification{
		Kind:       kind,
		UID:        uid,
		Username:   u.Username,
		Status:     snapshot,
		Events:     append([]arbiter.Event(nil), u.Ring...),
		PeerHosts:  peers,
		Debug:      l.cfg.General.DebugMode,
		OccurredAt: now,
	}
}

func (l *Loop) deliver(ctx context.Context, n arbiter.Notification) {
	if err := l.history.RecordTransition(ctx, n); err != nil {
		l.logger.Warn("history: record transition failed", "uid", n.UID, "error", err)
	}
	if err := l.notifier.Enqueue(ctx, n); err != nil {
		l.logger.Warn("notifier: enqueue failed", "uid", n.UID, "kind", n.Kind, "error", err)
	}
}

// ensureTracked creates a UserSlice the first time uid is observed,
// resolving its default group from the configured rules (§4.4).
func (l *Loop) ensureTracked(uid int, now time.Time) *arbiter.UserSlice {
	u, ok := l.users[uid]
	if !ok {
		def := l.defaultGroupFor(uid)
		u = &arbiter.UserSlice{
			UID:      uid,
			Username: resolveUsername(uid),
			Status:   arbiter.Status{CurrentGroup: def, DefaultGroup: def},
		}
		l.users[uid] = u
		l.logger.Info("tracking new user", "uid", uid, "default_group", def)
	}
	if u.Username == "" {
		u.Username = resolveUsername(uid)
	}
	u.LastSeen = now
	return u
}

// evictIdle drops UserSlices that are no longer observed and have no
// residual badness, occurrences, or penalty status (§3's UserSlice
// lifecycle).
func (l *Loop) evictIdle(seen map[int]bool) {
	for uid, u := range l.users {
		if u.Idle(seen[uid]) {
			delete(l.users, uid)
			delete(l.buffers, uid)
			l.logger.Debug("evicted idle user", "uid", uid)
		}
	}
}

// checkExitFile implements the --exit-file coordinated-restart contract:
// once the file's mtime advances past the value observed at startup, Done
// closes and the caller is expected to shut down.
func (l *Loop) checkExitFile() {
	if l.exitFilePath == "" || l.exitRequested {
		return
	}
	info, err := os.Stat(l.exitFilePath)
	if err != nil {
		return
	}
	if l.exitFileSince.IsZero() {
		l.exitFileSince = info.ModTime()
		return
	}
	if info.ModTime().After(l.exitFileSince) {
		l.exitRequested = true
		close(l.exitCh)
		l.logger.Warn("exit file touched, requesting shutdown", "path", l.exitFilePath)
	}
}

// checkLate logs and counts a tick that started noticeably later than the
// configured sub-tick interval, which DelayIfStillRunning causes whenever
// the previous tick's phases overran (§5: logged, never skipped).
func (l *Loop) checkLate(now time.Time) {
	interval := SubTickInterval(l.cfg)
	if !l.lastRunAt.IsZero() {
		if gap := now.Sub(l.lastRunAt); gap > interval+interval/2 {
			l.metrics.TickLate.Inc()
			l.logger.Warn("tick started late", "expected_interval", interval, "actual_gap", gap)
		}
	}
	l.lastRunAt = now
}

func resolveGIDs(uid int) []int {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil
	}
	gids := make([]int, 0, len(ids))
	for _, id := range ids {
		if n, err := strconv.Atoi(id); err == nil {
			gids = append(gids, n)
		}
	}
	return gids
}

func resolveUsername(uid int) string {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return strconv.Itoa(uid)
	}
	return u.Username
}
