package app

import (
	"fmt"
	"strings"

	"datafarm/internal/allocator"
	"datafarm/internal/balance"
	"datafarm/internal/notifier"
	"datafarm/internal/observability/pprof"
	"datafarm/internal/scheduler"
	"datafarm/internal/storage"
	logx "datafarm/pkg/logx"
)

// The mapping layer turns the JSON config (duration strings, omitted
// sections, pointer flags) into each service's native Config. Zero values
// pass through; the services apply their own defaults.

func mapLogConfig(cfg *Config, telegramEnabled bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    telegramEnabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapSchedulerConfig(cfg *Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{
		Enabled:  sc.Enabled,
		Timezone: sc.Timezone,
	}

	var err error
	if out.SweepInterval, err = parseDurationField("scheduler.sweep_interval", sc.SweepInterval); err != nil {
		return scheduler.Config{}, err
	}
	if out.LaunchPause, err = parseDurationField("scheduler.launch_pause", sc.LaunchPause); err != nil {
		return scheduler.Config{}, err
	}
	if out.ErrorSleep, err = parseDurationField("scheduler.error_sleep", sc.ErrorSleep); err != nil {
		return scheduler.Config{}, err
	}
	if out.ShutdownGrace, err = parseDurationField("scheduler.shutdown_grace", sc.ShutdownGrace); err != nil {
		return scheduler.Config{}, err
	}
	if out.StartStagger, err = parseDurationField("scheduler.start_stagger", sc.StartStagger); err != nil {
		return scheduler.Config{}, err
	}
	if out.BackoffCap, err = parseDurationField("scheduler.backoff_cap", sc.BackoffCap); err != nil {
		return scheduler.Config{}, err
	}
	return out, nil
}

func mapAllocatorConfig(cfg *Config) (allocator.Config, error) {
	ac := cfg.Allocator

	// Omitted means dynamic sizing on; the pointer keeps "false" distinguishable.
	dynamic := true
	if ac.DynamicSizing != nil {
		dynamic = *ac.DynamicSizing
	}

	out := allocator.Config{
		BaseOrderUSD:             ac.BaseOrderUSD,
		DynamicSizing:            dynamic,
		BaseFraction:             ac.BaseFraction,
		SmallAccountFraction:     ac.SmallAccountFraction,
		SmallAccountThresholdUSD: ac.SmallAccountThresholdUSD,
		MaxIncreaseFraction:      ac.MaxIncreaseFraction,
		MaxSingleFraction:        ac.MaxSingleFraction,
		MaxTotalFraction:         ac.MaxTotalFraction,
		MaxPositions:             ac.MaxPositions,
		DustUSD:                  ac.DustUSD,
		StaleFloorUSD:            ac.StaleFloorUSD,
		HardCap:                  ac.HardCap,
		SoftTarget:               ac.SoftTarget,
	}

	var err error
	if out.Retention, err = parseDurationField("allocator.retention", ac.Retention); err != nil {
		return allocator.Config{}, err
	}
	if out.StaleAge, err = parseDurationField("allocator.stale_age", ac.StaleAge); err != nil {
		return allocator.Config{}, err
	}
	return out, nil
}

func mapBalanceProvider(cfg *Config) (balance.Provider, error) {
	bc := cfg.Balance
	switch strings.ToLower(strings.TrimSpace(bc.Provider)) {
	case "", "static":
		return balance.Static{AmountUSD: bc.AmountUSD}, nil
	case "file":
		if strings.TrimSpace(bc.Path) == "" {
			return nil, fmt.Errorf("balance.path is required when balance.provider=file")
		}
		return balance.File{Path: bc.Path}, nil
	default:
		return nil, fmt.Errorf("unknown balance.provider: %s", bc.Provider)
	}
}

func mapBalanceCacheConfig(cfg *Config) (balance.CacheConfig, error) {
	ttl, err := parseDurationField("balance.cache_ttl", cfg.Balance.CacheTTL)
	if err != nil {
		return balance.CacheConfig{}, err
	}
	return balance.CacheConfig{TTL: ttl, FallbackUSD: cfg.Balance.FallbackUSD}, nil
}

func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	// An omitted section means "enabled with defaults".
	if cfg == nil || cfg.Notifier == nil {
		return notifier.Config{Enabled: true}, nil
	}
	nc := cfg.Notifier
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}

	var err error
	if out.RetryBase, err = parseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = parseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = parseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	pc := cfg.Pprof
	out := pprof.Config{
		Enabled:              pc.Enabled,
		Addr:                 pc.Addr,
		Token:                pc.Token,
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
		MemProfileRate:       pc.MemProfileRate,
	}

	var err error
	if out.ReadTimeout, err = parseDurationField("pprof.read_timeout", pc.ReadTimeout); err != nil {
		return pprof.Config{}, err
	}
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", pc.WriteTimeout); err != nil {
		return pprof.Config{}, err
	}
	if out.IdleTimeout, err = parseDurationField("pprof.idle_timeout", pc.IdleTimeout); err != nil {
		return pprof.Config{}, err
	}
	return out, nil
}
