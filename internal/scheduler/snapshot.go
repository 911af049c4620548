package scheduler

import "strings"

// Snapshot returns a point-in-time view of the scheduler and every agent.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:       s.cfg.Enabled,
		Paused:        s.paused,
		Running:       s.started,
		SweepInterval: s.cfg.SweepInterval,
		InFlight:      s.inFlight,
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	} else if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		snap.Timezone = tz
	}
	snap.Agents = make([]AgentStatus, 0, len(s.order))
	for _, t := range s.order {
		snap.Agents = append(snap.Agents, statusLocked(t))
	}
	s.mu.Unlock()
	return snap
}

// Status returns per-agent schedule state keyed by agent ID.
func (s *Service) Status() map[string]AgentStatus {
	s.mu.Lock()
	out := make(map[string]AgentStatus, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = statusLocked(t)
	}
	s.mu.Unlock()
	return out
}

func statusLocked(t *task) AgentStatus {
	return AgentStatus{
		ID:          t.id,
		Priority:    t.priority,
		Schedule:    t.spec,
		Interval:    t.interval,
		Status:      t.status.String(),
		LastRun:     t.lastRun,
		NextRun:     t.nextRun,
		StartedAt:   t.startedAt,
		ErrorCount:  t.errorCount,
		MaxRetries:  t.maxRetries,
		MaxRuntime:  t.maxRuntime,
		Runs:        t.runs,
		Fails:       t.fails,
		Timeouts:    t.timeouts,
		LastError:   t.lastErr,
		LastErrorAt: t.lastErrAt,
	}
}

// Runs returns up to limit most recent run records, oldest first.
// limit <= 0 means all retained records.
func (s *Service) Runs(limit int) []RunRecord {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	n := len(s.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RunRecord, limit)
	copy(out, s.history[n-limit:])
	return out
}
