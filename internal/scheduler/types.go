package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"datafarm/internal/eventbus"
	logx "datafarm/pkg/logx"
)

// Agent is the uniform task-body contract every scheduled worker implements.
// Execute reports whether the run succeeded; a non-nil error is a failure
// regardless of ok. The context carries the run deadline and the shutdown
// signal; bodies that ignore it can outlive their slot (see package doc).
type Agent interface {
	Execute(ctx context.Context) (ok bool, err error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context) (bool, error)

func (f AgentFunc) Execute(ctx context.Context) (bool, error) { return f(ctx) }

// Config tunes the sweep loop. Zero fields fall back to defaults.
type Config struct {
	Enabled bool

	SweepInterval time.Duration // pause between full sweeps (default 10s)
	LaunchPause   time.Duration // pause between dispatches in one sweep (default 2s)
	ErrorSleep    time.Duration // pause after a sweep-level panic (default 30s)
	ShutdownGrace time.Duration // drain window on Stop (default 30s)
	StartStagger  time.Duration // initial next-run spacing per priority rank (default 90s)
	BackoffCap    time.Duration // ceiling for the degraded-backoff push (default 60m)

	HistorySize int // in-memory run records (default 200)

	// Timezone applies to cron schedules (IANA name). Empty means local.
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.LaunchPause <= 0 {
		c.LaunchPause = 2 * time.Second
	}
	if c.ErrorSleep <= 0 {
		c.ErrorSleep = 30 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.StartStagger < 0 {
		c.StartStagger = 0
	} else if c.StartStagger == 0 {
		c.StartStagger = 90 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// AgentSpec describes one agent row at registration time.
type AgentSpec struct {
	ID       string
	Schedule string // cron expression, Go duration, or HH:MM (see ParseSchedule)
	Priority int    // lower runs earlier in a sweep

	MaxRetries uint          // consecutive failures before backoff (default 3)
	MaxRuntime time.Duration // wall-clock budget per run (default 5m)
}

type Status int

const (
	StatusIdle Status = iota
	StatusRunning
)

func (s Status) String() string {
	if s == StatusRunning {
		return "running"
	}
	return "idle"
}

// task is the scheduling descriptor for one agent: immutable identity plus
// mutable schedule state. Created at registration, mutated only under
// Service.mu, never destroyed during the process lifetime.
type task struct {
	id       string
	priority int
	spec     string
	kind     SpecKind
	interval time.Duration // nominal cadence; for cron, the derived gap
	cronSch  cron.Schedule // set when kind == SpecCron
	body     Agent

	maxRetries uint
	maxRuntime time.Duration

	// schedule state, guarded by Service.mu
	status     Status
	nextRun    time.Time
	lastRun    time.Time
	startedAt  time.Time // set only while Running
	errorCount uint
	runSeq     uint64 // increments per dispatch; guards stale schedule updates
	runs       uint64
	fails      uint64
	timeouts   uint64
	lastErr    string
	lastErrAt  time.Time
}

// AgentStatus is the observable schedule state of one agent.
type AgentStatus struct {
	ID       string        `json:"id"`
	Priority int           `json:"priority"`
	Schedule string        `json:"schedule"`
	Interval time.Duration `json:"interval"`

	Status     string        `json:"status"`
	LastRun    time.Time     `json:"last_run"`
	NextRun    time.Time     `json:"next_run"`
	StartedAt  time.Time     `json:"started_at"`
	ErrorCount uint          `json:"error_count"`
	MaxRetries uint          `json:"max_retries"`
	MaxRuntime time.Duration `json:"max_runtime"`

	Runs        uint64    `json:"runs"`
	Fails       uint64    `json:"fails"`
	Timeouts    uint64    `json:"timeouts"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
}

// Snapshot is a point-in-time view of the whole scheduler.
type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Paused   bool   `json:"paused"`
	Running  bool   `json:"running"` // sweep loop active
	Timezone string `json:"timezone"`

	SweepInterval time.Duration `json:"sweep_interval"`
	InFlight      int           `json:"in_flight"` // active dispatches

	// Agents in sweep order (priority, then ID).
	Agents []AgentStatus `json:"agents"`
}

// RunRecord is one entry of the in-memory run history ring.
type RunRecord struct {
	Agent    string        `json:"agent"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Timeout  bool          `json:"timeout,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// RunEvent is the bus payload for agent.run.* events.
type RunEvent struct {
	Agent      string        `json:"agent"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Timeout    bool          `json:"timeout,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCount uint          `json:"error_count"`
	NextRun    time.Time     `json:"next_run"`
}

// BackoffEvent is the bus payload for agent.backoff.
type BackoffEvent struct {
	Agent      string        `json:"agent"`
	ErrorCount uint          `json:"error_count"`
	Backoff    time.Duration `json:"backoff"`
	NextRun    time.Time     `json:"next_run"`
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	loc *time.Location

	parser cron.Parser

	tasks map[string]*task
	order []*task // sweep order: (priority, id)

	paused   bool
	started  bool
	stopping bool
	stopCh   chan struct{}
	loopDone chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	inFlight int

	hmu     sync.Mutex
	history []RunRecord
}
