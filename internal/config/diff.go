package config

import (
	"reflect"
	"sort"
	"strings"

	logx "datafarm/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of agent names whose row changed (enable/schedule/config).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Pprof (never log token)
	oP, nP := oldCfg.Pprof, newCfg.Pprof
	oP.Token, nP.Token = "", ""
	tokenChanged := (strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "")
	if !reflect.DeepEqual(oP, nP) || tokenChanged {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Scheduler loop tuning (hot-applied; the agents table is separate)
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.sweep_interval", strings.TrimSpace(newCfg.Scheduler.SweepInterval)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Allocator limits (construction-time; surfaced so the reload log can say
	// a restart is needed)
	if !reflect.DeepEqual(oldCfg.Allocator, newCfg.Allocator) {
		changed = append(changed, "allocator")
		attrs = append(attrs,
			logx.Int("allocator.max_positions", newCfg.Allocator.MaxPositions),
			logx.Float64("allocator.max_total_fraction", newCfg.Allocator.MaxTotalFraction),
			logx.Float64("allocator.max_single_fraction", newCfg.Allocator.MaxSingleFraction),
		)
	}

	// Balance (construction-time)
	if !reflect.DeepEqual(oldCfg.Balance, newCfg.Balance) {
		changed = append(changed, "balance")
		attrs = append(attrs,
			logx.String("balance.provider", strings.TrimSpace(newCfg.Balance.Provider)),
			logx.Bool("balance.path_set", strings.TrimSpace(newCfg.Balance.Path) != ""),
		)
	}

	// Notifier. Section may be nil (omitted); treat nil as runtime defaults
	// for a more accurate summary.
	defN := &NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.persist_dedup", newN.PersistDedup),
		)
	}

	// Storage. Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
		oBusy = strings.TrimSpace(oldCfg.Storage.BusyTimeout)
		oPathSet = strings.TrimSpace(oldCfg.Storage.Path) != ""
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
		nBusy = strings.TrimSpace(newCfg.Storage.BusyTimeout)
		nPathSet = strings.TrimSpace(newCfg.Storage.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
		)
	}

	// Agents (summarize only; details at debug)
	agentsChanged := diffAgents(oldCfg.Agents, newCfg.Agents)
	if len(agentsChanged) > 0 {
		changed = append(changed, "agents")
		attrs = append(attrs,
			logx.Int("agents.changed_count", len(agentsChanged)),
			logx.Int("agents.enabled_count", countEnabledAgents(newCfg.Agents)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, agentsChanged
}

func countEnabledAgents(m map[string]AgentConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffAgents(oldM, newM map[string]AgentConfigRaw) []string {
	if oldM == nil {
		oldM = map[string]AgentConfigRaw{}
	}
	if newM == nil {
		newM = map[string]AgentConfigRaw{}
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o := oldM[name]
		n := newM[name]
		if o.Enabled != n.Enabled ||
			strings.TrimSpace(o.Schedule) != strings.TrimSpace(n.Schedule) ||
			o.Priority != n.Priority ||
			o.MaxRetries != n.MaxRetries ||
			strings.TrimSpace(o.MaxRuntime) != strings.TrimSpace(n.MaxRuntime) {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Config) != canonicalHashJSON(n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
