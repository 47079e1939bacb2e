package scorer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

func thresholds() Thresholds {
	return Thresholds{
		CPUThreshold:   0.8,
		MemThreshold:   0.8,
		TimeToMaxBad:   5 * time.Minute,
		TimeToMinBad:   10 * time.Minute,
		CapBadnessIncr: true,
		Refresh:        30 * time.Second,
	}
}

func TestUpdateRisesAboveThreshold(t *testing.T) {
	b := &arbiter.Badness{}
	now := time.Now()

	Update(b, 95, 0, Quota{CPUPercent: 100, MemBytes: 1000}, thresholds(), now)

	assert.Greater(t, b.CPUScore, 0.0)
	assert.Equal(t, 0.0, b.MemScore)
	assert.Equal(t, now, b.LastUpdate)
	assert.Equal(t, now, b.StartOfBadTS, "entering bad state stamps StartOfBadTS")
}

func TestUpdateDecaysBelowThreshold(t *testing.T) {
	b := &arbiter.Badness{CPUScore: 3, StartOfBadTS: time.Now().Add(-time.Minute)}
	now := time.Now()

	Update(b, 10, 0, Quota{CPUPercent: 100, MemBytes: 1000}, thresholds(), now)

	assert.Less(t, b.CPUScore, 3.0)
	assert.True(t, b.StartOfBadTS.IsZero(), "leaving bad state clears StartOfBadTS once both axes are good")
}

func TestUpdateNeverExceedsCapOrFloor(t *testing.T) {
	b := &arbiter.Badness{CPUScore: 99}
	now := time.Now()

	for i := 0; i < 100; i++ {
		Update(b, 1000, 0, Quota{CPUPercent: 100, MemBytes: 1000}, thresholds(), now)
	}
	assert.LessOrEqual(t, b.CPUScore, 100.0)

	for i := 0; i < 100; i++ {
		Update(b, 0, 0, Quota{CPUPercent: 100, MemBytes: 1000}, thresholds(), now)
	}
	assert.GreaterOrEqual(t, b.CPUScore, 0.0)
}

func TestUpdateZeroQuotaHoldsScoreSteady(t *testing.T) {
	b := &arbiter.Badness{CPUScore: 42}
	Update(b, 1000, 0, Quota{CPUPercent: 0, MemBytes: 1000}, thresholds(), time.Now())
	assert.Equal(t, 42.0, b.CPUScore, "an unlimited/misconfigured quota must not divide by zero or move the score")
}

func TestResetZeroesBadness(t *testing.T) {
	b := &arbiter.Badness{CPUScore: 80, MemScore: 90, StartOfBadTS: time.Now()}
	now := time.Now()

	Reset(b, now)

	require.Equal(t, 0.0, b.CPUScore)
	require.Equal(t, 0.0, b.MemScore)
	assert.True(t, b.StartOfBadTS.IsZero())
	assert.Equal(t, now, b.LastUpdate)
}

func TestCheckHighUsageDwellAndCooldown(t *testing.T) {
	cfg := HighUsageConfig{Enabled: true, Threshold: 0.9, Duration: time.Minute, Cooldown: time.Hour}
	quota := Quota{CPUPercent: 100, MemBytes: 1000}
	u := &arbiter.UserSlice{}
	now := time.Now()

	assert.False(t, CheckHighUsage(u, 95, 0, quota, cfg, now), "dwell has not yet elapsed")
	assert.False(t, u.HighUsageSince.IsZero())

	later := now.Add(2 * time.Minute)
	assert.True(t, CheckHighUsage(u, 95, 0, quota, cfg, later), "dwell elapsed, should fire once")

	assert.False(t, CheckHighUsage(u, 95, 0, quota, cfg, later.Add(time.Second)), "cooldown should suppress the next fire")
}

func TestCheckHighUsageResetsWhenUsageDrops(t *testing.T) {
	cfg := HighUsageConfig{Enabled: true, Threshold: 0.9, Duration: time.Minute, Cooldown: time.Hour}
	quota := Quota{CPUPercent: 100, MemBytes: 1000}
	u := &arbiter.UserSlice{}
	now := time.Now()

	CheckHighUsage(u, 95, 0, quota, cfg, now)
	require.False(t, u.HighUsageSince.IsZero())

	CheckHighUsage(u, 10, 0, quota, cfg, now.Add(time.Second))
	assert.True(t, u.HighUsageSince.IsZero(), "dropping below threshold resets the dwell clock")
}

func TestCheckHighUsageDisabled(t *testing.T) {
	cfg := HighUsageConfig{Enabled: false}
	u := &arbiter.UserSlice{}
	assert.False(t, CheckHighUsage(u, 1000, 0, Quota{CPUPercent: 1, MemBytes: 1}, cfg, time.Now()))
}
