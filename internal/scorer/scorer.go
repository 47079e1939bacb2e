// Package scorer implements §4.3 of the specification: the per-tick,
// per-axis badness update driven by accounted usage against the user's
// current status quota.
package scorer

import (
	"time"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

// Thresholds is the badness rate law's configuration (§4.3), read from
// config.BadnessConfig.
type Thresholds struct {
	CPUThreshold  float64
	MemThreshold  float64
	TimeToMaxBad  time.Duration
	TimeToMinBad  time.Duration
	CapBadnessIncr bool
	Refresh       time.Duration
}

// Quota is the pair of quotas the scorer measures accounted usage against:
// the user's current status quota, already resolved to absolute units by
// the status engine (§4.4's quota resolution).
type Quota struct {
	CPUPercent float64
	MemBytes   float64
}

// Update mutates badness in place from one tick's accounted usage, per the
// rate law in §4.3. It is the caller's responsibility to skip calling
// Update entirely while the user is in a penalty status (§4.3: "the Scorer
// is short-circuited to zero" inside any penalty).
func Update(b *arbiter.Badness, accountedCPUPercent float64, accountedMemBytes uint64, quota Quota, t Thresholds, now time.Time) {
	wasBad := !b.IsGood()

	b.CPUScore = updateAxis(b.CPUScore, accountedCPUPercent, quota.CPUPercent, t.CPUThreshold, t)
	b.MemScore = updateAxis(b.MemScore, float64(accountedMemBytes), quota.MemBytes, t.MemThreshold, t)
	b.LastUpdate = now

	isBad := !b.IsGood()
	switch {
	case wasBad && !isBad:
		b.StartOfBadTS = time.Time{}
	case !wasBad && isBad:
		b.StartOfBadTS = now
	}
}

// updateAxis computes one axis's new score given usage u, quota Q, and
// threshold T: r = u/Q; above T the score rises toward 100 over
// time_to_max_bad, below T it decays toward 0 over time_to_min_bad.
func updateAxis(score, usage, quota, threshold float64, t Thresholds) float64 {
	if quota <= 0 {
		// An unlimited ("-1") or misconfigured quota can never be
		// exceeded in relative terms; hold the score steady rather than
		// divide by zero.
		return score
	}
	r := usage / quota

	refreshSec := t.Refresh.Seconds()
	switch {
	case r > threshold:
		maxIncrPerSec := 100.0 / (t.TimeToMaxBad.Seconds() * threshold)
		delta := (r - threshold) * maxIncrPerSec * refreshSec
		if t.CapBadnessIncr {
			capped := (1 - threshold) * maxIncrPerSec * refreshSec
			if delta > capped {
				delta = capped
			}
		}
		score += delta
	case r < threshold:
		maxDecrPerSec := 100.0 / t.TimeToMinBad.Seconds()
		delta := (threshold - r) * maxDecrPerSec * refreshSec
		score -= delta
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Reset zeroes a badness score on entry to a penalty status, per §4.4.
func Reset(b *arbiter.Badness, now time.Time) {
	b.CPUScore = 0
	b.MemScore = 0
	b.LastUpdate = now
	b.StartOfBadTS = time.Time{}
}

// HighUsageConfig controls the supplemented high-usage-snapshot
// notification (SPEC_FULL §12), independent of penalty promotion.
type HighUsageConfig struct {
	Enabled   bool
	Threshold float64 // fraction of quota, e.g. 0.9
	Duration  time.Duration
	Cooldown  time.Duration
}

// CheckHighUsage tracks how long a user's accounted usage has stayed above
// HighUsageConfig.Threshold of their current quota on either axis, and
// reports true at most once per Cooldown once the dwell exceeds Duration.
// It mutates u's dwell-tracking fields in place; it does not touch Badness,
// since high usage is scored independently of the penalty badness engine
// (SPEC_FULL §12 — "a side output alongside the badness update").
func CheckHighUsage(u *arbiter.UserSlice, accountedCPUPercent float64, accountedMemBytes uint64, quota Quota, cfg HighUsageConfig, now time.Time) bool {
	if !cfg.Enabled {
		return false
	}

	over := quota.CPUPercent > 0 && accountedCPUPercent/quota.CPUPercent >= cfg.Threshold
	over = over || (quota.MemBytes > 0 && float64(accountedMemBytes)/quota.MemBytes >= cfg.Threshold)

	if !over {
		u.HighUsageSince = time.Time{}
		return false
	}
	if u.HighUsageSince.IsZero() {
		u.HighUsageSince = now
	}
	if now.Sub(u.HighUsageSince) < cfg.Duration {
		return false
	}
	if now.Before(u.HighUsageCooldownUntil) {
		return false
	}
	u.HighUsageCooldownUntil = now.Add(cfg.Cooldown)
	return true
}
