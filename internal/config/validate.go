package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate performs structural checks that need no running services: duration
// fields parse, fractions are sane, section cross-references hold. Schedule
// strings are validated by the scheduler at registration (app startup and the
// reload validator), not here.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("logging.telegram.enabled requires telegram.token")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Telegram.MinLevel)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.telegram.min_level: unknown level %q", c.Logging.Telegram.MinLevel)
	}

	durations := []struct {
		path string
		raw  string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"scheduler.sweep_interval", c.Scheduler.SweepInterval},
		{"scheduler.launch_pause", c.Scheduler.LaunchPause},
		{"scheduler.error_sleep", c.Scheduler.ErrorSleep},
		{"scheduler.shutdown_grace", c.Scheduler.ShutdownGrace},
		{"scheduler.start_stagger", c.Scheduler.StartStagger},
		{"scheduler.backoff_cap", c.Scheduler.BackoffCap},
		{"allocator.retention", c.Allocator.Retention},
		{"allocator.stale_age", c.Allocator.StaleAge},
		{"balance.cache_ttl", c.Balance.CacheTTL},
		{"pprof.read_timeout", c.Pprof.ReadTimeout},
		{"pprof.write_timeout", c.Pprof.WriteTimeout},
		{"pprof.idle_timeout", c.Pprof.IdleTimeout},
	}
	if c.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", c.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", c.Notifier.DedupWindow},
		)
	}
	if c.Storage != nil {
		durations = append(durations,
			struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout},
		)
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	if err := c.Allocator.validate(); err != nil {
		return err
	}
	if err := c.Balance.validate(); err != nil {
		return err
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path: required when storage section is present")
		}
	}

	for name, a := range c.Agents {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("agents: empty agent name")
		}
		if a.Enabled && strings.TrimSpace(a.Schedule) == "" {
			return fmt.Errorf("agents.%s: schedule required when enabled", name)
		}
		if _, err := ParseDurationField("agents."+name+".max_runtime", a.MaxRuntime); err != nil {
			return err
		}
	}

	return nil
}

func (a AllocatorConfig) validate() error {
	fracs := []struct {
		path string
		v    float64
	}{
		{"allocator.base_fraction", a.BaseFraction},
		{"allocator.small_account_fraction", a.SmallAccountFraction},
		{"allocator.max_increase_fraction", a.MaxIncreaseFraction},
		{"allocator.max_single_fraction", a.MaxSingleFraction},
		{"allocator.max_total_fraction", a.MaxTotalFraction},
	}
	for _, f := range fracs {
		if f.v < 0 || f.v > 1 {
			return fmt.Errorf("%s: must be in [0, 1], got %v", f.path, f.v)
		}
	}
	usd := []struct {
		path string
		v    float64
	}{
		{"allocator.base_order_usd", a.BaseOrderUSD},
		{"allocator.small_account_threshold_usd", a.SmallAccountThresholdUSD},
		{"allocator.dust_usd", a.DustUSD},
		{"allocator.stale_floor_usd", a.StaleFloorUSD},
	}
	for _, u := range usd {
		if u.v < 0 {
			return fmt.Errorf("%s: must be >= 0, got %v", u.path, u.v)
		}
	}
	if a.MaxPositions < 0 {
		return fmt.Errorf("allocator.max_positions: must be >= 0, got %d", a.MaxPositions)
	}
	if a.HardCap < 0 || a.SoftTarget < 0 {
		return fmt.Errorf("allocator.hard_cap/soft_target: must be >= 0")
	}
	if a.HardCap > 0 && a.SoftTarget > 0 && a.SoftTarget > a.HardCap {
		return fmt.Errorf("allocator.soft_target (%d) must not exceed hard_cap (%d)", a.SoftTarget, a.HardCap)
	}
	return nil
}

func (b BalanceConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Provider)) {
	case "", "static", "file":
	default:
		return fmt.Errorf("balance.provider: unknown provider %q", b.Provider)
	}
	if strings.EqualFold(strings.TrimSpace(b.Provider), "file") && strings.TrimSpace(b.Path) == "" {
		return fmt.Errorf("balance.path: required for the file provider")
	}
	if b.AmountUSD < 0 {
		return fmt.Errorf("balance.amount_usd: must be >= 0, got %v", b.AmountUSD)
	}
	if b.FallbackUSD < 0 {
		return fmt.Errorf("balance.fallback_usd: must be >= 0, got %v", b.FallbackUSD)
	}
	return nil
}
