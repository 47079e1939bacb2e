package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

// Load reads and merges one or more cascaded config files, in the order
// given, later files overriding keys set by earlier ones (§6). Environment
// variables under the ARBITER_ prefix take precedence over every file.
// String values are then passed through substitution (%H for hostname,
// ${VAR} for environment variables).
func Load(files []string) (*Config, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("config: at least one --config file is required")
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARBITER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for i, file := range files {
		v.SetConfigFile(file)
		if i == 0 {
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
			continue
		}
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("merge config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}
	substituteStrings(&cfg, hostname)
	if cfg.General.Hostname == "" {
		cfg.General.Hostname = hostname
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.arbiter_refresh", "30s")
	v.SetDefault("general.history_per_refresh", 6)
	v.SetDefault("general.poll", 5)
	v.SetDefault("general.max_history_kept", 30)
	v.SetDefault("general.min_uid", 1000)
	v.SetDefault("general.pss", false)
	v.SetDefault("general.pss_threshold", 0)
	v.SetDefault("general.memsw", false)
	v.SetDefault("general.debug_mode", false)
	v.SetDefault("general.proc_owner_whitelist", []int{0})
	v.SetDefault("general.whitelist_other_processes", false)
	v.SetDefault("general.div_cpu_quotas_by_threads_per_core", false)
	v.SetDefault("general.threads_per_core", 1)

	v.SetDefault("badness.cpu_badness_threshold", 0.8)
	v.SetDefault("badness.mem_badness_threshold", 0.8)
	v.SetDefault("badness.time_to_max_bad", "5m")
	v.SetDefault("badness.time_to_min_bad", "10m")
	v.SetDefault("badness.cap_badness_incr", true)
	v.SetDefault("badness.imported_badness_timeout", "5m")

	v.SetDefault("status.fallback_status", "normal")
	v.SetDefault("status.occur_timeout", "1h")

	v.SetDefault("statusdb.enabled", false)
	v.SetDefault("statusdb.driver", "sqlite")
	v.SetDefault("statusdb.round_trip_timeout", "5s")
	v.SetDefault("statusdb.imported_badness_timeout", "5m")

	v.SetDefault("high_usage.enabled", false)
	v.SetDefault("high_usage.threshold", 0.9)
	v.SetDefault("high_usage.duration", "30m")
	v.SetDefault("high_usage.cooldown", "6h")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func validate(cfg *Config) error {
	if cfg.General.ArbiterRefresh < 5_000_000_000 { // 5s in ns, avoids importing time just for the constant
		return fmt.Errorf("config: general.arbiter_refresh must be >= 5s")
	}
	if cfg.General.Poll <= 0 {
		return fmt.Errorf("config: general.poll must be > 0")
	}
	if cfg.General.HistoryPerRefresh <= 0 {
		return fmt.Errorf("config: general.history_per_refresh must be > 0")
	}
	if cfg.Status.FallbackStatus == "" {
		return fmt.Errorf("config: status.fallback_status is required")
	}
	if _, ok := cfg.Groups[cfg.Status.FallbackStatus]; !ok {
		return fmt.Errorf("config: fallback_status %q has no matching groups entry", cfg.Status.FallbackStatus)
	}
	for _, name := range cfg.Status.PenaltyOrder {
		if _, ok := cfg.Groups[name]; !ok {
			return fmt.Errorf("config: penalty_order references unknown group %q", name)
		}
	}
	return nil
}

// substituteStrings walks cfg by reflection, replacing %H with hostname and
// ${VAR} with the named environment variable's value (empty if unset) in
// every string field, including map values and slice elements.
func substituteStrings(cfg *Config, hostname string) {
	substituteValue(reflect.ValueOf(cfg).Elem(), hostname)
}

func substituteValue(v reflect.Value, hostname string) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(substitute(v.String(), hostname))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			substituteValue(v.Field(i), hostname)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			substituteValue(v.Index(i), hostname)
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			elem := v.MapIndex(key)
			if elem.Kind() == reflect.String {
				v.SetMapIndex(key, reflect.ValueOf(substitute(elem.String(), hostname)))
				continue
			}
			if elem.Kind() == reflect.Struct {
				// Map values are not addressable; substitute into a copy
				// and write it back.
				cp := reflect.New(elem.Type()).Elem()
				cp.Set(elem)
				substituteValue(cp, hostname)
				v.SetMapIndex(key, cp)
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			substituteValue(v.Elem(), hostname)
		}
	}
}

func substitute(s, hostname string) string {
	s = strings.ReplaceAll(s, "%H", hostname)
	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	})
}
