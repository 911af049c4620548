package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"datafarm/internal/agents/health"
	"datafarm/internal/agents/risk"
	"datafarm/internal/agents/sentinel"
	"datafarm/internal/allocator"
	"datafarm/internal/config"
	"datafarm/internal/eventbus"
	"datafarm/internal/notifier"
	"datafarm/internal/scheduler"
	kit "datafarm/internal/transport"
	logx "datafarm/pkg/logx"
)

// agentKinds lists the built-in agent bodies an agents-table row can name.
var agentKinds = map[string]bool{
	"sentinel": true,
	"risk":     true,
	"health":   true,
}

// validateAgentRow rejects rows the scheduler or the agent body would choke
// on at registration. Disabled rows are checked too so a typoed name does
// not hide until someone flips enabled.
func validateAgentRow(name string, row config.AgentConfigRaw) error {
	if !agentKinds[name] {
		return fmt.Errorf("agents.%s: unknown agent", name)
	}
	if _, err := parseDurationField("agents."+name+".max_runtime", row.MaxRuntime); err != nil {
		return err
	}
	if row.Enabled {
		if _, err := scheduler.ParseSchedule(row.Schedule); err != nil {
			return fmt.Errorf("agents.%s.schedule: %w", name, err)
		}
	}

	var err error
	switch name {
	case "sentinel":
		_, err = sentinel.ParseConfig(row.Config)
	case "risk":
		_, err = risk.ParseConfig(row.Config)
	case "health":
		_, err = health.ParseConfig(row.Config)
	}
	if err != nil {
		return fmt.Errorf("agents.%s.config: %w", name, err)
	}
	return nil
}

// registerAgents builds the bodies named by the agents table and registers
// them with the scheduler. The table is fixed for the process lifetime; the
// scheduler rejects registration after Start.
func registerAgents(cfg *Config, log logx.Logger, bus eventbus.Bus, sched *scheduler.Service, ledger *allocator.Service, alerts *alerter) (int, error) {
	names := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	registered := 0
	for _, name := range names {
		row := cfg.Agents[name]
		if err := validateAgentRow(name, row); err != nil {
			return registered, err
		}
		if !row.Enabled {
			log.Debug("agent disabled", logx.String("agent", name))
			continue
		}

		maxRuntime, err := parseDurationField("agents."+name+".max_runtime", row.MaxRuntime)
		if err != nil {
			return registered, err
		}

		alog := log.With(logx.String("agent", name))
		var body scheduler.Agent
		switch name {
		case "sentinel":
			c, err := sentinel.ParseConfig(row.Config)
			if err != nil {
				return registered, fmt.Errorf("agents.%s.config: %w", name, err)
			}
			var notif sentinel.Notifier
			if alerts != nil {
				notif = alerts
			}
			body = sentinel.New(c, alog, bus, notif)
		case "risk":
			c, err := risk.ParseConfig(row.Config)
			if err != nil {
				return registered, fmt.Errorf("agents.%s.config: %w", name, err)
			}
			body = risk.New(name, c, alog, bus, ledger)
		case "health":
			c, err := health.ParseConfig(row.Config)
			if err != nil {
				return registered, fmt.Errorf("agents.%s.config: %w", name, err)
			}
			var notif health.Notifier
			if alerts != nil {
				notif = alerts
			}
			body = health.New(c, alog, bus, sched, ledger, notif)
		}

		if err := sched.Register(scheduler.AgentSpec{
			ID:         name,
			Schedule:   row.Schedule,
			Priority:   row.Priority,
			MaxRetries: row.MaxRetries,
			MaxRuntime: maxRuntime,
		}, body); err != nil {
			return registered, err
		}
		registered++
	}
	return registered, nil
}

// alerter adapts the notifier to the agents' Alert seam: it pins the
// operator chat as the target and keys every send so the notifier's dedup
// window applies.
type alerter struct {
	notif *notifier.Service

	mu     sync.Mutex
	target kit.ChatTarget
}

func newAlerter(notif *notifier.Service, target kit.ChatTarget) *alerter {
	return &alerter{notif: notif, target: target}
}

// setTarget follows config reloads. A zero target drops alerts; the
// triggering condition is still logged by the agent itself.
func (al *alerter) setTarget(t kit.ChatTarget) {
	al.mu.Lock()
	al.target = t
	al.mu.Unlock()
}

func (al *alerter) Alert(ctx context.Context, key, text string) error {
	al.mu.Lock()
	target := al.target
	al.mu.Unlock()
	if target.ChatID == 0 {
		return nil
	}
	return al.notif.Notify(ctx, kit.Notification{
		Channel:  "telegram",
		Priority: 7,
		Target:   target,
		Text:     text,
		Key:      key,
	})
}

// groupLogTarget parses telegram.group_log into a chat id.
func groupLogTarget(cfg *Config) (int64, bool) {
	s := strings.TrimSpace(cfg.Telegram.GroupLog)
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// alertTarget picks where agent alerts go: the log group when configured,
// otherwise the first owner's DM.
func alertTarget(cfg *Config) (kit.ChatTarget, bool) {
	if id, ok := groupLogTarget(cfg); ok {
		return kit.ChatTarget{ChatID: id, ThreadID: cfg.Logging.Telegram.ThreadID}, true
	}
	for _, owner := range cfg.Telegram.OwnerUserIDs {
		if owner != 0 {
			return kit.ChatTarget{ChatID: owner}, true
		}
	}
	return kit.ChatTarget{}, false
}
