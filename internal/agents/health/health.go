// Package health is the self-observation agent: it folds the scheduler and
// ledger snapshots into one heartbeat, and raises an alert when agent error
// counts or ledger dust cross their thresholds.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/eventbus"
	"datafarm/internal/scheduler"
	logx "datafarm/pkg/logx"
)

// Config is the health block of the agents table.
type Config struct {
	// MaxErrorCount flags an agent once its consecutive error count reaches
	// it (default 3).
	MaxErrorCount uint `json:"max_error_count"`
	// MaxDustPositions flags the ledger once this many entries sit below
	// the dust threshold (default 3).
	MaxDustPositions int `json:"max_dust_positions"`
}

func (c Config) withDefaults() Config {
	if c.MaxErrorCount == 0 {
		c.MaxErrorCount = 3
	}
	if c.MaxDustPositions <= 0 {
		c.MaxDustPositions = 3
	}
	return c
}

// ParseConfig decodes an agents-table config block. Empty raw keeps the
// defaults.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("health config: %w", err)
		}
	}
	return c.withDefaults(), nil
}

// SchedulerInfo is the scheduler slice the reporter reads.
type SchedulerInfo interface {
	Snapshot() scheduler.Snapshot
}

// LedgerInfo is the allocator slice the reporter reads.
type LedgerInfo interface {
	MemoryStats() allocator.MemoryStats
}

// Notifier carries threshold alerts out of the agent. nil drops them.
type Notifier interface {
	Alert(ctx context.Context, key, text string) error
}

// Report is the bus payload for health.heartbeat.
type Report struct {
	At       time.Time `json:"at"`
	Agents   int       `json:"agents"`
	Running  int       `json:"running"`
	InFlight int       `json:"in_flight"`
	Paused   bool      `json:"paused"`
	Degraded []string  `json:"degraded,omitempty"`

	Positions     int     `json:"positions"`
	TotalValueUSD float64 `json:"total_value_usd"`
	DustPositions int     `json:"dust_positions"`
	OldestHours   float64 `json:"oldest_hours"`
}

type Agent struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	sched  SchedulerInfo
	ledger LedgerInfo
	notif  Notifier

	mu       sync.Mutex
	agentBad bool
	dustBad  bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, sched SchedulerInfo, ledger LedgerInfo, notif Notifier) *Agent {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Agent{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		sched:  sched,
		ledger: ledger,
		notif:  notif,
	}
}

// Execute implements scheduler.Agent. Reading snapshots cannot fail, so the
// run itself always succeeds; problems it finds travel through alerts and
// the heartbeat, not through the run verdict.
func (a *Agent) Execute(ctx context.Context) (bool, error) {
	rep := Report{At: time.Now()}

	if a.sched != nil {
		snap := a.sched.Snapshot()
		rep.Agents = len(snap.Agents)
		rep.InFlight = snap.InFlight
		rep.Paused = snap.Paused
		for _, st := range snap.Agents {
			if st.Status == "running" {
				rep.Running++
			}
			if st.ErrorCount >= a.cfg.MaxErrorCount {
				rep.Degraded = append(rep.Degraded, fmt.Sprintf("%s (%d)", st.ID, st.ErrorCount))
			}
		}
	}
	if a.ledger != nil {
		stats := a.ledger.MemoryStats()
		rep.Positions = stats.Positions
		rep.TotalValueUSD = stats.TotalValueUSD
		rep.DustPositions = stats.DustPositions
		rep.OldestHours = stats.OldestAgeHours
	}

	a.publish(rep)
	a.log.Info("heartbeat",
		logx.Int("agents", rep.Agents),
		logx.Int("running", rep.Running),
		logx.Int("in_flight", rep.InFlight),
		logx.Bool("paused", rep.Paused),
		logx.Int("degraded", len(rep.Degraded)),
		logx.Int("positions", rep.Positions),
		logx.Float64("total_usd", rep.TotalValueUSD),
		logx.Int("dust", rep.DustPositions),
	)

	agentBad := len(rep.Degraded) > 0
	dustBad := rep.DustPositions >= a.cfg.MaxDustPositions

	a.mu.Lock()
	agentWas, dustWas := a.agentBad, a.dustBad
	a.agentBad, a.dustBad = agentBad, dustBad
	a.mu.Unlock()

	switch {
	case agentBad && !agentWas:
		a.alert(ctx, "health:agents", fmt.Sprintf("🩺 degraded agents: %s (threshold %d errors)",
			strings.Join(rep.Degraded, ", "), a.cfg.MaxErrorCount))
	case !agentBad && agentWas:
		a.log.Info("agents recovered")
	}
	switch {
	case dustBad && !dustWas:
		a.alert(ctx, "health:dust", fmt.Sprintf("🧹 ledger dust piling up: %d of %d positions below threshold",
			rep.DustPositions, rep.Positions))
	case !dustBad && dustWas:
		a.log.Info("ledger dust cleared")
	}

	return true, nil
}

func (a *Agent) alert(ctx context.Context, key, text string) {
	if a.notif == nil {
		return
	}
	if err := a.notif.Alert(ctx, key, text); err != nil {
		a.log.Warn("alert failed", logx.String("key", key), logx.Err(err))
	}
}

func (a *Agent) publish(rep Report) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: "health.heartbeat", Time: rep.At, Data: rep})
}
