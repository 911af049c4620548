package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"datafarm/internal/eventbus"
	logx "datafarm/pkg/logx"
)

// drainPoll is the cadence Stop uses while waiting for running agents.
const drainPoll = 2 * time.Second

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg.withDefaults(),
		log: log,
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tasks:  map[string]*task{},
	}
}

// Register adds one agent to the sweep set. The agent table is fixed at
// startup: registration errors are meant to be fatal, and Register fails
// once Start has run.
func (s *Service) Register(spec AgentSpec, body Agent) error {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return fmt.Errorf("scheduler: agent id required")
	}
	if body == nil {
		return fmt.Errorf("scheduler: agent %q: nil body", id)
	}
	ps, err := ParseSchedule(spec.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: agent %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if _, dup := s.tasks[id]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, id)
	}

	t := &task{
		id:         id,
		priority:   spec.Priority,
		spec:       strings.TrimSpace(spec.Schedule),
		kind:       ps.Kind,
		body:       body,
		maxRetries: spec.MaxRetries,
		maxRuntime: spec.MaxRuntime,
		status:     StatusIdle,
	}
	if t.maxRetries == 0 {
		t.maxRetries = 3
	}
	if t.maxRuntime <= 0 {
		t.maxRuntime = 5 * time.Minute
	}

	switch ps.Kind {
	case SpecCron:
		expr := ps.Cron
		if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" &&
			!strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
			expr = "CRON_TZ=" + tz + " " + expr
		}
		sch, err := s.parser.Parse(expr)
		if err != nil {
			return fmt.Errorf("scheduler: agent %q: invalid cron %q: %w", id, ps.Cron, err)
		}
		t.cronSch = sch
		t.interval = nominalInterval(sch)
	case SpecInterval:
		t.interval = ps.Every
	}

	s.tasks[id] = t
	s.order = append(s.order, t)
	sort.SliceStable(s.order, func(i, j int) bool {
		if s.order[i].priority != s.order[j].priority {
			return s.order[i].priority < s.order[j].priority
		}
		return s.order[i].id < s.order[j].id
	})

	s.log.Debug("agent registered",
		logx.String("agent", id),
		logx.String("schedule", t.spec),
		logx.Int("priority", t.priority),
		logx.Duration("interval", t.interval),
		logx.Duration("max_runtime", t.maxRuntime),
	)
	return nil
}

// nominalInterval derives a representative cadence from a cron schedule so
// backoff math has an interval to work with.
func nominalInterval(sch cron.Schedule) time.Duration {
	n1 := sch.Next(time.Now())
	n2 := sch.Next(n1)
	if d := n2.Sub(n1); d > 0 {
		return d
	}
	return time.Hour
}

// Enabled reports the current config flag. (Thread-safe; Apply may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps loop tuning live. Timezone is construction-time (cron schedules
// are parsed at Register); a changed zone is ignored with a warning.
func (s *Service) Apply(cfg Config) {
	norm := cfg.withDefaults()

	s.mu.Lock()
	tzChanged := strings.TrimSpace(norm.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	if tzChanged {
		norm.Timezone = s.cfg.Timezone
	}
	s.cfg = norm
	s.mu.Unlock()

	if tzChanged {
		s.log.Warn("scheduler timezone change requires restart", logx.String("tz", cfg.Timezone))
	}
}

// Pause suspends dispatching; schedule state keeps aging so due agents fire
// on Resume.
func (s *Service) Pause() {
	s.mu.Lock()
	was := s.paused
	s.paused = true
	s.mu.Unlock()
	if !was {
		s.log.Info("dispatch paused")
		s.publish("scheduler.paused", nil)
	}
}

func (s *Service) Resume() {
	s.mu.Lock()
	was := s.paused
	s.paused = false
	s.mu.Unlock()
	if was {
		s.log.Info("dispatch resumed")
		s.publish("scheduler.resumed", nil)
	}
}

func (s *Service) Paused() bool {
	s.mu.Lock()
	p := s.paused
	s.mu.Unlock()
	return p
}

// RunNow makes an agent due immediately. A currently running agent is left
// alone; its next cadence comes from the run's own schedule update.
func (s *Service) RunNow(id string) error {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	running := t.status == StatusRunning
	if !running {
		t.nextRun = time.Now()
	}
	s.mu.Unlock()

	if running {
		s.log.Debug("run-now ignored; agent already running", logx.String("agent", id))
		return nil
	}
	s.log.Info("immediate run requested", logx.String("agent", id))
	return nil
}

// Start launches the sweep loop. Idempotent; a second Start while running is
// a no-op. Descriptors keep their schedule state across Stop/Start, so only
// never-started agents get a staggered initial next run.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopping = false
	s.paused = false
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()

	now := time.Now().In(s.loc)
	rank := 0
	for _, t := range s.order {
		if !t.nextRun.IsZero() {
			continue
		}
		if t.kind == SpecCron {
			t.nextRun = t.cronSch.Next(now)
			continue
		}
		// Spread first runs out so agents don't all fire at startup.
		t.nextRun = now.Add(time.Duration(rank) * s.cfg.StartStagger)
		rank++
	}

	runCtx := s.runCtx
	stopCh := s.stopCh
	loopDone := s.loopDone
	n := len(s.order)
	loc := s.loc
	sweep := s.cfg.SweepInterval
	s.mu.Unlock()

	go s.loop(runCtx, stopCh, loopDone)
	s.log.Info("service started",
		logx.Int("agents", n),
		logx.Duration("sweep", sweep),
		logx.String("tz", loc.String()),
	)
}

// Stop halts dispatching, then waits up to the grace window for running
// agents to finish (polling, best effort). Stragglers get their context
// canceled and are abandoned.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if !s.stopping {
		s.stopping = true
		close(s.stopCh)
	}
	loopDone := s.loopDone
	cancel := s.cancel
	grace := s.cfg.ShutdownGrace
	s.mu.Unlock()

	s.log.Info("stop requested")

	// The loop may be blocked inside a dispatch, so drain by polling
	// descriptor state rather than waiting for the loop itself.
	deadline := time.Now().Add(grace)
	for s.runningCount() > 0 {
		if !time.Now().Before(deadline) || ctx.Err() != nil {
			s.log.Warn("shutdown grace elapsed; abandoning running agents",
				logx.Int("running", s.runningCount()),
				logx.Duration("grace", grace),
			)
			break
		}
		wait := drainPoll
		if rem := time.Until(deadline); rem < wait {
			wait = rem
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	// Canceling the run context releases a dispatch the loop is still
	// blocked on; the straggler's body is abandoned.
	if cancel != nil {
		cancel()
	}

	select {
	case <-loopDone:
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.started = false
	s.stopping = false
	s.stopCh = nil
	s.loopDone = nil
	s.runCtx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.order {
		if t.status == StatusRunning {
			n++
		}
	}
	return n
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) sweepInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SweepInterval
}

func (s *Service) launchPause() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.LaunchPause
}

func (s *Service) errorSleep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ErrorSleep
}

func (s *Service) historySize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.HistorySize
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
