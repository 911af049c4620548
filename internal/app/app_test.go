package app

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/config"
	"datafarm/internal/eventbus"
	"datafarm/internal/notifier"
	"datafarm/internal/scheduler"
	"datafarm/internal/storage"
	kit "datafarm/internal/transport"
	logx "datafarm/pkg/logx"
)

type memStore struct {
	mu        sync.Mutex
	runs      []storage.RunEntry
	positions []storage.PositionEntry
}

func (m *memStore) AppendRun(_ context.Context, e storage.RunEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, e)
	return nil
}

func (m *memStore) AppendPositionEvent(_ context.Context, e storage.PositionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append(m.positions, e)
	return nil
}

func (m *memStore) RecentRuns(context.Context, int) ([]storage.RunEntry, error) { return nil, nil }

func (m *memStore) PutDedup(context.Context, string, time.Time) error { return nil }

func (m *memStore) GetDedup(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) runEntries() []storage.RunEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.RunEntry(nil), m.runs...)
}

func (m *memStore) positionEntries() []storage.PositionEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.PositionEntry(nil), m.positions...)
}

func baseConfig() *Config {
	return &Config{
		Telegram: config.TelegramConfig{
			Token:        "123:abc",
			OwnerUserIDs: []int64{42},
			GroupLog:     "-100200300",
		},
		Scheduler: config.SchedulerConfig{Enabled: true},
		Agents: map[string]config.AgentConfigRaw{
			"sentinel": {Enabled: true, Schedule: "30m", Priority: 1},
			"risk":     {Enabled: true, Schedule: "15m", Priority: 2},
			"health":   {Enabled: true, Schedule: "cron:*/5 * * * *", Priority: 3},
		},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	if err := validateConfig(baseConfig()); err != nil {
		t.Fatalf("validateConfig(base) = %v, want nil", err)
	}

	cfg := baseConfig()
	cfg.Agents["miner"] = config.AgentConfigRaw{Enabled: false}
	err := validateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "agents.miner") {
		t.Fatalf("unknown agent err = %v, want agents.miner mention", err)
	}

	cfg = baseConfig()
	cfg.Agents["risk"] = config.AgentConfigRaw{Enabled: true, Schedule: "whenever"}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("bad schedule accepted")
	}

	cfg = baseConfig()
	cfg.Agents["health"] = config.AgentConfigRaw{
		Enabled:  true,
		Schedule: "5m",
		Config:   json.RawMessage(`{"max_error_count": "three"}`),
	}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("bad agent config accepted")
	}
}

func TestValidateAgentRowChecksDisabledRows(t *testing.T) {
	t.Parallel()

	// A disabled row with an unknown name must still fail so a typo does
	// not sit dormant.
	err := validateAgentRow("sentinal", config.AgentConfigRaw{Enabled: false})
	if err == nil {
		t.Fatal("typoed disabled row accepted")
	}

	// A disabled row with a known name may omit the schedule.
	if err := validateAgentRow("sentinel", config.AgentConfigRaw{Enabled: false}); err != nil {
		t.Fatalf("disabled sentinel row = %v, want nil", err)
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Scheduler.SweepInterval = "5s"
	cfg.Scheduler.BackoffCap = "30m"
	cfg.Scheduler.Timezone = "UTC"

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig = %v", err)
	}
	if !sc.Enabled || sc.SweepInterval != 5*time.Second || sc.BackoffCap != 30*time.Minute || sc.Timezone != "UTC" {
		t.Fatalf("mapped = %+v", sc)
	}

	cfg.Scheduler.LaunchPause = "soon"
	if _, err := mapSchedulerConfig(cfg); err == nil {
		t.Fatal("bad launch_pause accepted")
	}
}

func TestMapAllocatorConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	ac, err := mapAllocatorConfig(cfg)
	if err != nil {
		t.Fatalf("mapAllocatorConfig = %v", err)
	}
	if !ac.DynamicSizing {
		t.Fatal("omitted dynamic_sizing should default to true")
	}

	off := false
	cfg.Allocator.DynamicSizing = &off
	cfg.Allocator.Retention = "48h"
	ac, err = mapAllocatorConfig(cfg)
	if err != nil {
		t.Fatalf("mapAllocatorConfig = %v", err)
	}
	if ac.DynamicSizing {
		t.Fatal("explicit dynamic_sizing=false ignored")
	}
	if ac.Retention != 48*time.Hour {
		t.Fatalf("Retention = %v, want 48h", ac.Retention)
	}
}

func TestMapNotifierConfig(t *testing.T) {
	t.Parallel()

	// Omitted section: enabled with service defaults.
	nc, err := mapNotifierConfig(baseConfig())
	if err != nil {
		t.Fatalf("mapNotifierConfig(nil section) = %v", err)
	}
	if !nc.Enabled {
		t.Fatal("omitted notifier section should default to enabled")
	}

	cfg := baseConfig()
	cfg.Notifier = &config.NotifierConfig{
		Enabled:     true,
		Workers:     4,
		RetryBase:   "250ms",
		DedupWindow: "1m",
	}
	nc, err = mapNotifierConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifierConfig = %v", err)
	}
	if nc.Workers != 4 || nc.RetryBase != 250*time.Millisecond || nc.DedupWindow != time.Minute {
		t.Fatalf("mapped = %+v", nc)
	}

	cfg.Notifier.RetryMaxDelay = "later"
	if _, err := mapNotifierConfig(cfg); err == nil {
		t.Fatal("bad retry_max_delay accepted")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapStorageConfig(baseConfig()); err != nil || enabled {
		t.Fatalf("nil section = (%v, %v), want disabled", enabled, err)
	}

	cfg := baseConfig()
	cfg.Storage = &config.StorageConfig{Driver: "none", Path: "x"}
	if _, enabled, _ := mapStorageConfig(cfg); enabled {
		t.Fatal("driver=none should disable storage")
	}

	cfg.Storage = &config.StorageConfig{Driver: "file"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("file driver without path accepted")
	}

	cfg.Storage = &config.StorageConfig{Driver: "sqlite3", Path: "./farm.db", BusyTimeout: "2s"}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("sqlite3 = (%v, %v)", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("mapped = %+v", sc)
	}
}

func TestMapPprofConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Pprof = config.PprofConfig{Enabled: true, Addr: "127.0.0.1:0", ReadTimeout: "5s"}
	pc, err := mapPprofConfig(cfg)
	if err != nil {
		t.Fatalf("mapPprofConfig = %v", err)
	}
	if !pc.Enabled || pc.ReadTimeout != 5*time.Second {
		t.Fatalf("mapped = %+v", pc)
	}

	cfg.Pprof.WriteTimeout = "forever"
	if _, err := mapPprofConfig(cfg); err == nil {
		t.Fatal("bad write_timeout accepted")
	}
}

func TestAlertTarget(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Logging.Telegram.ThreadID = 7
	target, ok := alertTarget(cfg)
	if !ok || target.ChatID != -100200300 || target.ThreadID != 7 {
		t.Fatalf("alertTarget = (%+v, %v), want group log chat", target, ok)
	}

	cfg.Telegram.GroupLog = "not-a-chat"
	target, ok = alertTarget(cfg)
	if !ok || target.ChatID != 42 {
		t.Fatalf("alertTarget fallback = (%+v, %v), want first owner", target, ok)
	}

	cfg.Telegram.OwnerUserIDs = nil
	if _, ok := alertTarget(cfg); ok {
		t.Fatal("alertTarget with no chat should report false")
	}
}

func TestRegisterAgents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{Enabled: true}, logx.Nop(), bus)
	ledger := allocator.New(allocator.Config{}, func() float64 { return 1000 }, logx.Nop(), bus)

	cfg := baseConfig()
	cfg.Agents["risk"] = config.AgentConfigRaw{Enabled: false, Schedule: "15m"}

	registered, err := registerAgents(cfg, logx.Nop(), bus, sched, ledger, nil)
	if err != nil {
		t.Fatalf("registerAgents = %v", err)
	}
	if registered != 2 {
		t.Fatalf("registered = %d, want 2 (risk disabled)", registered)
	}

	status := sched.Status()
	if _, ok := status["sentinel"]; !ok {
		t.Fatal("sentinel not registered")
	}
	if _, ok := status["health"]; !ok {
		t.Fatal("health not registered")
	}
	if _, ok := status["risk"]; ok {
		t.Fatal("disabled risk agent registered anyway")
	}
}

func TestRegisterAgentsRejectsUnknown(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	sched := scheduler.New(scheduler.Config{Enabled: true}, logx.Nop(), bus)
	ledger := allocator.New(allocator.Config{}, func() float64 { return 1000 }, logx.Nop(), bus)

	cfg := baseConfig()
	cfg.Agents["scalper"] = config.AgentConfigRaw{Enabled: true, Schedule: "1m"}

	if _, err := registerAgents(cfg, logx.Nop(), bus, sched, ledger, nil); err == nil {
		t.Fatal("unknown agent name accepted")
	}
}

func TestJournalEventRuns(t *testing.T) {
	t.Parallel()

	ms := &memStore{}
	a := &App{log: logx.Nop(), store: ms}
	ctx := context.Background()
	started := time.Now().Add(-3 * time.Second)

	a.journalEvent(ctx, eventbus.Event{
		Type: "agent.run.finished",
		Data: scheduler.RunEvent{Agent: "sentinel", Started: started, Duration: 1200 * time.Millisecond, Success: true},
	})
	a.journalEvent(ctx, eventbus.Event{
		Type: "agent.run.failed",
		Data: scheduler.RunEvent{Agent: "risk", Started: started, Duration: time.Second, Error: "boom", ErrorCount: 2},
	})
	a.journalEvent(ctx, eventbus.Event{
		Type: "agent.run.timeout",
		Data: scheduler.RunEvent{Agent: "health", Started: started, Duration: 5 * time.Minute, Timeout: true, Error: "max runtime exceeded"},
	})
	// Wrong payload type is ignored, not persisted.
	a.journalEvent(ctx, eventbus.Event{Type: "agent.run.finished", Data: "junk"})

	runs := ms.runEntries()
	if len(runs) != 3 {
		t.Fatalf("len(runs) = %d, want 3", len(runs))
	}
	if runs[0].Status != storage.RunSuccess || runs[0].TookMS != 1200 {
		t.Fatalf("finished mapped to %+v", runs[0])
	}
	if runs[1].Status != storage.RunFailure || runs[1].Error != "boom" || runs[1].ErrorCount != 2 {
		t.Fatalf("failed mapped to %+v", runs[1])
	}
	if runs[2].Status != storage.RunTimeout {
		t.Fatalf("timeout mapped to %+v", runs[2])
	}
}

func TestJournalEventPositions(t *testing.T) {
	t.Parallel()

	ms := &memStore{}
	a := &App{log: logx.Nop(), store: ms}
	at := time.Now().Add(-time.Minute)

	a.journalEvent(context.Background(), eventbus.Event{
		Type: "position.evicted",
		Time: at,
		Data: allocator.PositionEvent{Token: "SOL", AgentID: "risk", SizeUSD: 12.5, Reason: "stale"},
	})

	positions := ms.positionEntries()
	if len(positions) != 1 {
		t.Fatalf("len(positions) = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Event != "evicted" || p.Token != "SOL" || p.Agent != "risk" || p.Reason != "stale" {
		t.Fatalf("position mapped to %+v", p)
	}
	if !p.At.Equal(at) {
		t.Fatalf("At = %v, want bus time %v", p.At, at)
	}
}

func TestJournalEventNoStore(t *testing.T) {
	t.Parallel()

	a := &App{log: logx.Nop()}
	a.journalEvent(context.Background(), eventbus.Event{
		Type: "agent.run.finished",
		Data: scheduler.RunEvent{Agent: "sentinel", Success: true},
	})
	// Nothing to assert beyond "does not panic" with store and alerts unset.
}

func TestSizingRejectWindow(t *testing.T) {
	t.Parallel()

	var w sizingRejects
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 1; i < sizingRejectThreshold; i++ {
		if w.note(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("note #%d crossed the threshold early", i)
		}
	}
	if !w.note(base.Add(time.Duration(sizingRejectThreshold) * time.Second)) {
		t.Fatalf("note #%d = false, want threshold crossing", sizingRejectThreshold)
	}
	if w.note(base.Add(time.Minute)) {
		t.Fatal("note after crossing = true, want one alert per window")
	}

	// A rejection past the window starts a fresh count.
	later := base.Add(sizingRejectWindow + time.Hour)
	if w.note(later) {
		t.Fatal("first note of a new window = true, want false")
	}
	if w.count != 1 {
		t.Fatalf("count after window reset = %d, want 1", w.count)
	}
}

func TestAlerter(t *testing.T) {
	t.Parallel()

	// A zero target drops the alert before touching the notifier.
	al := newAlerter(nil, kit.ChatTarget{})
	if err := al.Alert(context.Background(), "k", "text"); err != nil {
		t.Fatalf("Alert with zero target = %v, want nil", err)
	}

	// With a target set, the call reaches the notifier.
	notif := notifier.New(notifier.Config{Enabled: false}, nil, logx.Nop(), nil, nil)
	al = newAlerter(notif, kit.ChatTarget{ChatID: 42})
	err := al.Alert(context.Background(), "k", "text")
	if !errors.Is(err, notifier.ErrDisabled) {
		t.Fatalf("Alert = %v, want ErrDisabled pass-through", err)
	}

	// setTarget swaps live; clearing disables again.
	al.setTarget(kit.ChatTarget{})
	if err := al.Alert(context.Background(), "k", "text"); err != nil {
		t.Fatalf("Alert after clearing target = %v, want nil", err)
	}
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()

	a := &App{log: logx.Nop()}
	if err := a.Stop(context.Background(), StopAppStop); err != nil {
		t.Fatalf("Stop before Start = %v, want nil", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done() should be closed before Start")
	}
	if a.Err() != nil {
		t.Fatalf("Err() = %v, want nil", a.Err())
	}
}
