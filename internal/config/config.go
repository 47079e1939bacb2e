// Package config loads Arbiter2's cascaded configuration into an immutable
// Config value, threaded explicitly through every component constructor —
// there is no package-level configuration singleton.
package config

import (
	"log/slog"
	"time"
)

// Config is the fully resolved, immutable configuration for one daemon
// instance. It is built once at startup by Load and never mutated.
type Config struct {
	General   GeneralConfig               `mapstructure:"general"`
	Badness   BadnessConfig                `mapstructure:"badness"`
	Status    StatusConfig                 `mapstructure:"status"`
	Groups    map[string]StatusGroupConfig `mapstructure:"groups"`
	Sync      SyncConfig                   `mapstructure:"statusdb"`
	HighUsage HighUsageConfig              `mapstructure:"high_usage"`
	Notify    NotifyConfig                 `mapstructure:"notify"`
	Metrics   MetricsConfig                `mapstructure:"metrics"`
	Log       LogConfig                    `mapstructure:"log"`
}

// GeneralConfig controls the tick cadence and collection behavior.
type GeneralConfig struct {
	// ArbiterRefresh is the full control-loop period; must be >= 5s.
	ArbiterRefresh    time.Duration `mapstructure:"arbiter_refresh"`
	HistoryPerRefresh int           `mapstructure:"history_per_refresh"`
	// Poll is how many sub-samples are averaged into one event.
	Poll           int `mapstructure:"poll"`
	MaxHistoryKept int `mapstructure:"max_history_kept"`

	MinUID   int    `mapstructure:"min_uid"`
	Hostname string `mapstructure:"hostname"`

	PSSEnabled   bool   `mapstructure:"pss"`
	PSSThreshold uint64 `mapstructure:"pss_threshold"`
	MemswEnabled bool   `mapstructure:"memsw"`
	DebugMode    bool   `mapstructure:"debug_mode"`

	ProcOwnerWhitelist      []int    `mapstructure:"proc_owner_whitelist"`
	GlobalWhitelist         []string `mapstructure:"global_whitelist"`
	WhitelistOtherProcesses bool     `mapstructure:"whitelist_other_processes"`

	DivCPUQuotasByThreadsPerCore bool `mapstructure:"div_cpu_quotas_by_threads_per_core"`
	ThreadsPerCore               int  `mapstructure:"threads_per_core"`

	SudoEnabled bool   `mapstructure:"sudo"`
	EtcDir      string `mapstructure:"etc_dir"`
	ExitFile    string `mapstructure:"exit_file"`
}

// BadnessConfig controls the scorer's rate law (§4.3).
type BadnessConfig struct {
	CPUBadnessThreshold    float64       `mapstructure:"cpu_badness_threshold"`
	MemBadnessThreshold    float64       `mapstructure:"mem_badness_threshold"`
	TimeToMaxBad           time.Duration `mapstructure:"time_to_max_bad"`
	TimeToMinBad           time.Duration `mapstructure:"time_to_min_bad"`
	CapBadnessIncr         bool          `mapstructure:"cap_badness_incr"`
	ImportedBadnessTimeout time.Duration `mapstructure:"imported_badness_timeout"`
}

// StatusRule matches a uid or gid to a default status group name. Expression
// is a tiny DSL: "uid==1000", "gid==100", or "*" to match everyone; rules
// are evaluated in order and the first match wins.
type StatusRule struct {
	Expression string `mapstructure:"expression"`
	Group      string `mapstructure:"group"`
}

// StatusConfig controls the status engine (§4.4).
type StatusConfig struct {
	Order          []StatusRule `mapstructure:"order"`
	FallbackStatus string       `mapstructure:"fallback_status"`
	PenaltyOrder   []string     `mapstructure:"penalty_order"`
	OccurTimeout   time.Duration `mapstructure:"occur_timeout"`
}

// StatusGroupConfig is the declarative form of arbiter.StatusGroup. See
// arbiter.StatusGroup's doc comment for how CPUQuotaPct/MemQuotaBytes are
// overloaded between absolute and relative (fraction) groups.
type StatusGroupConfig struct {
	CPUQuotaPct   float64       `mapstructure:"cpu_quota"`
	MemQuotaBytes float64       `mapstructure:"mem_quota"`
	Whitelist     []string      `mapstructure:"whitelist"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Relative      bool          `mapstructure:"relative"`
}

// SyncConfig controls the optional cross-node synchronizer (§4.6).
type SyncConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Driver                 string        `mapstructure:"driver"`
	DSN                    string        `mapstructure:"dsn"`
	SyncGroup              string        `mapstructure:"sync_group"`
	ImportedBadnessTimeout time.Duration `mapstructure:"imported_badness_timeout"`
	RoundTripTimeout       time.Duration `mapstructure:"round_trip_timeout"`
}

// HighUsageConfig controls the supplemented high-usage-snapshot notifier
// (SPEC_FULL §12), independent of penalty promotion.
type HighUsageConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Threshold float64       `mapstructure:"threshold"`
	Duration  time.Duration `mapstructure:"duration"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

// NotifyConfig resolves the notifier.Integrations capability (§6): who
// gets personal violation/release mail, who gets admin-only mail, and the
// domain used to turn a uid's local account name into an address.
type NotifyConfig struct {
	Domain         string `mapstructure:"domain"`
	AdminAddresses []string `mapstructure:"admin_addresses"`
}

// MetricsConfig controls the optional /metrics HTTP listener, following
// the teacher's token-guarded promhttp.Handler() exposure.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Token   string `mapstructure:"token"`
}

// LogConfig controls the slog handler built by internal/support/logging.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"add_source"`
}

// SlogLevel maps the configured textual level to a slog.Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
