package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	// Instance names this deployment in logs and notifications.
	Instance string `json:"instance,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`

	// Scheduler tunes the sweep loop. Per-agent cadence lives in Agents.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Allocator limits are construction-time: a reload that changes them is
	// accepted but takes effect on the next process start.
	Allocator AllocatorConfig `json:"allocator"`

	Balance BalanceConfig `json:"balance"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Agents map[string]AgentConfigRaw `json:"agents"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	JSON     bool            `json:"json,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

// SchedulerConfig tunes the sweep loop. All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - sweep_interval: "10s"
//   - launch_pause: "2s"
//   - error_sleep: "30s"
//   - shutdown_grace: "30s"
//   - start_stagger: "90s"
//   - backoff_cap: "60m"
type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	SweepInterval string `json:"sweep_interval,omitempty"`
	LaunchPause   string `json:"launch_pause,omitempty"`
	ErrorSleep    string `json:"error_sleep,omitempty"`
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
	StartStagger  string `json:"start_stagger,omitempty"`
	BackoffCap    string `json:"backoff_cap,omitempty"`

	// Timezone for cron schedules (e.g. "Asia/Jakarta"). Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// AllocatorConfig holds the capital limits. Fractions are of account balance
// (0 < f <= 1). Zero values fall back to the built-in defaults.
type AllocatorConfig struct {
	BaseOrderUSD float64 `json:"base_order_usd,omitempty"` // default 25

	// DynamicSizing scales the base order with the account balance and uses
	// BaseOrderUSD as a ceiling. Pointer so "omitted" defaults to true.
	DynamicSizing *bool `json:"dynamic_sizing,omitempty"`

	BaseFraction             float64 `json:"base_fraction,omitempty"`               // default 0.02
	SmallAccountFraction     float64 `json:"small_account_fraction,omitempty"`      // default 0.05
	SmallAccountThresholdUSD float64 `json:"small_account_threshold_usd,omitempty"` // default 1000

	MaxIncreaseFraction float64 `json:"max_increase_fraction,omitempty"` // default 0.05
	MaxSingleFraction   float64 `json:"max_single_fraction,omitempty"`   // default 0.10
	MaxTotalFraction    float64 `json:"max_total_fraction,omitempty"`    // default 0.65

	MaxPositions int     `json:"max_positions,omitempty"` // default 10
	DustUSD      float64 `json:"dust_usd,omitempty"`      // default 5

	// Eviction tuning. Durations are Go duration strings.
	Retention     string  `json:"retention,omitempty"`       // default "168h" (7d)
	StaleAge      string  `json:"stale_age,omitempty"`       // default "24h"
	StaleFloorUSD float64 `json:"stale_floor_usd,omitempty"` // default 1
	HardCap       int     `json:"hard_cap,omitempty"`        // default 50
	SoftTarget    int     `json:"soft_target,omitempty"`     // default 30
}

// BalanceConfig selects the account balance provider.
//
// Providers:
//   - "static": fixed AmountUSD (paper balance; default)
//   - "file": reads {"balance_usd": N} from Path so an external process can
//     refresh the figure
type BalanceConfig struct {
	Provider    string  `json:"provider,omitempty"`
	AmountUSD   float64 `json:"amount_usd,omitempty"`
	Path        string  `json:"path,omitempty"`
	CacheTTL    string  `json:"cache_ttl,omitempty"`    // default "30s"
	FallbackUSD float64 `json:"fallback_usd,omitempty"` // default 1000
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// StorageConfig controls the run/position journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./datafarm_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// AgentConfigRaw is one row of the agents table. Schedule accepts a cron
// expression, a Go duration, or "HH:MM" (see the scheduler's spec parser).
type AgentConfigRaw struct {
	Enabled    bool   `json:"enabled"`
	Schedule   string `json:"schedule,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	MaxRetries uint   `json:"max_retries,omitempty"`
	// MaxRuntime is a Go duration string; "0s" falls back to the default.
	MaxRuntime string          `json:"max_runtime,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typoed agent keys are caught
// during config reload instead of being silently ignored.
func (a *AgentConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled    bool            `json:"enabled"`
		Schedule   string          `json:"schedule,omitempty"`
		Priority   int             `json:"priority,omitempty"`
		MaxRetries uint            `json:"max_retries,omitempty"`
		MaxRuntime string          `json:"max_runtime,omitempty"`
		Config     json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*a = AgentConfigRaw{
		Enabled:    t.Enabled,
		Schedule:   t.Schedule,
		Priority:   t.Priority,
		MaxRetries: t.MaxRetries,
		MaxRuntime: t.MaxRuntime,
		Config:     t.Config,
	}
	return nil
}
