package health

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"datafarm/internal/allocator"
	"datafarm/internal/eventbus"
	"datafarm/internal/scheduler"
	logx "datafarm/pkg/logx"
)

type fakeSched struct{ snap scheduler.Snapshot }

func (f *fakeSched) Snapshot() scheduler.Snapshot { return f.snap }

type fakeLedger struct{ stats allocator.MemoryStats }

func (f *fakeLedger) MemoryStats() allocator.MemoryStats { return f.stats }

type fakeNotifier struct {
	mu    sync.Mutex
	keys  []string
	texts []string
}

func (f *fakeNotifier) Alert(_ context.Context, key, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.keys)
}

func (f *fakeNotifier) last() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.keys) == 0 {
		return "", ""
	}
	return f.keys[len(f.keys)-1], f.texts[len(f.texts)-1]
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	c, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig(nil): %v", err)
	}
	if c.MaxErrorCount != 3 || c.MaxDustPositions != 3 {
		t.Fatalf("defaults = %+v", c)
	}

	c, err = ParseConfig(json.RawMessage(`{"max_error_count":1,"max_dust_positions":10}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if c.MaxErrorCount != 1 || c.MaxDustPositions != 10 {
		t.Fatalf("parsed = %+v", c)
	}

	if _, err := ParseConfig(json.RawMessage(`[]`)); err == nil {
		t.Fatal("ParseConfig on wrong shape: want error")
	}
}

func TestExecuteHeartbeat(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sched := &fakeSched{snap: scheduler.Snapshot{
		Paused:   true,
		InFlight: 1,
		Agents: []scheduler.AgentStatus{
			{ID: "sentinel", Status: "running", ErrorCount: 1},
			{ID: "risk", Status: "idle"},
		},
	}}
	ledger := &fakeLedger{stats: allocator.MemoryStats{
		Positions:      4,
		TotalValueUSD:  310.5,
		DustPositions:  1,
		OldestAgeHours: 12,
	}}
	notif := &fakeNotifier{}

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	a := New(Config{}, logx.Nop(), bus, sched, ledger, notif)
	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v), want (true, nil)", ok, err)
	}

	ev := <-ch
	if ev.Type != "health.heartbeat" {
		t.Fatalf("event type = %q, want health.heartbeat", ev.Type)
	}
	rep := ev.Data.(Report)
	if rep.Agents != 2 || rep.Running != 1 || rep.InFlight != 1 || !rep.Paused {
		t.Fatalf("scheduler side = %+v", rep)
	}
	if rep.Positions != 4 || rep.TotalValueUSD != 310.5 || rep.DustPositions != 1 || rep.OldestHours != 12 {
		t.Fatalf("ledger side = %+v", rep)
	}
	if len(rep.Degraded) != 0 {
		t.Fatalf("Degraded = %v, want none", rep.Degraded)
	}
	if notif.count() != 0 {
		t.Fatalf("alerts = %d, want 0", notif.count())
	}
}

func TestExecuteDegradedAgentsAlert(t *testing.T) {
	t.Parallel()
	sched := &fakeSched{snap: scheduler.Snapshot{Agents: []scheduler.AgentStatus{
		{ID: "sentinel", Status: "idle", ErrorCount: 3},
		{ID: "risk", Status: "idle", ErrorCount: 1},
	}}}
	notif := &fakeNotifier{}
	a := New(Config{}, logx.Nop(), nil, sched, nil, notif)

	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v)", ok, err)
	}
	if notif.count() != 1 {
		t.Fatalf("alerts = %d, want 1", notif.count())
	}
	key, text := notif.last()
	if key != "health:agents" {
		t.Fatalf("key = %q", key)
	}
	if !strings.Contains(text, "sentinel (3)") || strings.Contains(text, "risk") {
		t.Fatalf("text = %q", text)
	}

	// Same condition again: latched, no repeat.
	_, _ = a.Execute(context.Background())
	if notif.count() != 1 {
		t.Fatalf("alerts after repeat = %d, want 1", notif.count())
	}

	// Recovery resets the latch; a relapse alerts again.
	sched.snap = scheduler.Snapshot{Agents: []scheduler.AgentStatus{{ID: "sentinel", Status: "idle"}}}
	_, _ = a.Execute(context.Background())
	sched.snap = scheduler.Snapshot{Agents: []scheduler.AgentStatus{{ID: "sentinel", Status: "idle", ErrorCount: 4}}}
	_, _ = a.Execute(context.Background())
	if notif.count() != 2 {
		t.Fatalf("alerts after relapse = %d, want 2", notif.count())
	}
}

func TestExecuteDustAlert(t *testing.T) {
	t.Parallel()
	ledger := &fakeLedger{stats: allocator.MemoryStats{Positions: 7, DustPositions: 3}}
	notif := &fakeNotifier{}
	a := New(Config{}, logx.Nop(), nil, nil, ledger, notif)

	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v)", ok, err)
	}
	if notif.count() != 1 {
		t.Fatalf("alerts = %d, want 1", notif.count())
	}
	key, text := notif.last()
	if key != "health:dust" {
		t.Fatalf("key = %q", key)
	}
	if !strings.Contains(text, "3 of 7") {
		t.Fatalf("text = %q", text)
	}

	ledger.stats.DustPositions = 0
	_, _ = a.Execute(context.Background())
	if notif.count() != 1 {
		t.Fatalf("alerts after clear = %d, want 1", notif.count())
	}
}

func TestExecuteNilPorts(t *testing.T) {
	t.Parallel()
	a := New(Config{}, logx.Nop(), nil, nil, nil, nil)
	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v), want (true, nil)", ok, err)
	}
}
