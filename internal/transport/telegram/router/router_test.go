package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/config"
	"datafarm/internal/scheduler"
	"datafarm/internal/storage"
	kit "datafarm/internal/transport"
	logx "datafarm/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Message) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                          { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeSched struct {
	mu      sync.Mutex
	paused  bool
	pauses  int
	resumes int
	snap    scheduler.Snapshot
}

func (f *fakeSched) Enabled() bool { return true }

func (f *fakeSched) Paused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeSched) Pause() {
	f.mu.Lock()
	f.paused = true
	f.pauses++
	f.mu.Unlock()
}

func (f *fakeSched) Resume() {
	f.mu.Lock()
	f.paused = false
	f.resumes++
	f.mu.Unlock()
}

func (f *fakeSched) Snapshot() scheduler.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func newTestManager(ad kit.Adapter, serv *Services, owners []int64) *CommandManager {
	m := NewCommandManager(logx.Nop(), ad, config.NewManager("unused.json"), serv, owners)
	m.SetRegistry(Builtin())
	return m
}

// drainOne runs the next enqueued job synchronously.
func drainOne(t *testing.T, m *CommandManager) {
	t.Helper()
	select {
	case job := <-m.jobs:
		job()
	case <-time.After(time.Second):
		t.Fatal("no job enqueued")
	}
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"/runs 20", []string{"/runs", "20"}},
		{`/runs 20 --agent "net probe"`, []string{"/runs", "20", "--agent", "net probe"}},
		{`/x 'a b' c`, []string{"/x", "a b", "c"}},
		{`/x a\ b`, []string{"/x", "a b"}},
		{"   ", nil},
	}
	for _, tt := range tests {
		if got := tokenizeCommandLine(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("tokenize(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"10", "--agent", "sentinel", "--json", "-v", "-k=5"})
	if !reflect.DeepEqual(pos, []string{"10"}) {
		t.Fatalf("pos = %v, want [10]", pos)
	}
	if flags["agent"] != "sentinel" || flags["k"] != "5" {
		t.Fatalf("flags = %v", flags)
	}
	if !bools["json"] || !bools["v"] {
		t.Fatalf("bools = %v", bools)
	}
}

func TestSanitizeTelegramCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"status", "status"},
		{"alloc positions", "alloc_positions"},
		{"net-probe", "net_probe"},
		{"9lives", "cmd_9lives"},
		{"__a__", "a"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := sanitizeTelegramCommand(tt.in); got != tt.want {
			t.Fatalf("sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildTelegramMenuCommands(t *testing.T) {
	t.Parallel()

	stub := func(ctx context.Context, req *Request) error { return nil }
	cmds := []Command{
		{Route: "status", Description: "agent table", Access: AccessOwnerOnly, Handle: stub},
		{Route: "alloc positions", Description: "ledger", Handle: stub},
	}
	root := newRoot()
	for _, c := range cmds {
		root.add(splitRoute(c.Route), c)
	}

	menu := buildTelegramMenuCommands(root, cmds)
	if len(menu) != 3 {
		t.Fatalf("menu entries = %d, want 3", len(menu))
	}
	// Top-level entries sort first, alphabetically.
	if menu[0].Command != "alloc" || menu[1].Command != "status" {
		t.Fatalf("top-level order = %q, %q", menu[0].Command, menu[1].Command)
	}
	if menu[2].Command != "alloc_positions" {
		t.Fatalf("leaf shortcut = %q, want alloc_positions", menu[2].Command)
	}
	if !strings.HasPrefix(menu[1].Description, "🔒") {
		t.Fatalf("owner-only entry not marked: %q", menu[1].Description)
	}
}

func TestHelpTextListsCommands(t *testing.T) {
	t.Parallel()

	m := newTestManager(nil, nil, nil)

	top := m.helpText(nil)
	for _, want := range []string{"/status", "/positions", "/runs", "/pause", "/health", "/help"} {
		if !strings.Contains(top, want) {
			t.Fatalf("top help missing %q:\n%s", want, top)
		}
	}

	node := m.helpText([]string{"runs"})
	if !strings.Contains(node, "/runs [n]") {
		t.Fatalf("node help missing usage:\n%s", node)
	}
	if !strings.Contains(node, "Owner only") {
		t.Fatalf("node help missing access marker:\n%s", node)
	}

	if !strings.Contains(m.helpText([]string{"nope"}), "Unknown command") {
		t.Fatal("unknown path should render the unknown-command help")
	}
}

func TestRouteMessageOwnerGate(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	sched := &fakeSched{}
	m := newTestManager(ad, &Services{Scheduler: sched}, []int64{7})

	m.routeMessage(context.Background(), kit.Message{ChatID: 1, FromID: 9, Text: "/pause"})
	if got := ad.texts(); len(got) != 1 || got[0] != "unauthorized" {
		t.Fatalf("non-owner reply = %v, want [unauthorized]", got)
	}

	m.routeMessage(context.Background(), kit.Message{ChatID: 1, FromID: 7, Text: "/pause"})
	drainOne(t, m)
	if sched.pauses != 1 {
		t.Fatalf("pauses = %d, want 1", sched.pauses)
	}
	if got := ad.texts(); !strings.Contains(got[len(got)-1], "paused") {
		t.Fatalf("owner reply = %q", got[len(got)-1])
	}
}

func TestRouteMessageUnknownCommand(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	m := newTestManager(ad, nil, nil)

	m.routeMessage(context.Background(), kit.Message{ChatID: 1, FromID: 7, Text: "/nope"})
	got := ad.texts()
	if len(got) != 1 || !strings.Contains(got[0], "unknown command") {
		t.Fatalf("reply = %v", got)
	}

	// Plain text is not a command and produces no reply.
	m.routeMessage(context.Background(), kit.Message{ChatID: 1, FromID: 7, Text: "hello"})
	if len(ad.texts()) != 1 {
		t.Fatal("non-command text should be ignored")
	}
}

func TestRouteMessageAlias(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	sched := &fakeSched{snap: scheduler.Snapshot{Running: true}}
	m := newTestManager(ad, &Services{Scheduler: sched}, []int64{7})

	m.routeMessage(context.Background(), kit.Message{ChatID: 1, FromID: 7, Text: "/st@datafarm_bot"})
	drainOne(t, m)
	got := ad.texts()
	if len(got) != 1 || !strings.Contains(got[0], "Agents") {
		t.Fatalf("alias reply = %v", got)
	}
}

func TestDispatchLoopRoundTrip(t *testing.T) {
	t.Parallel()

	ad := &fakeAdapter{}
	sched := &fakeSched{snap: scheduler.Snapshot{Running: true}}
	m := newTestManager(ad, &Services{Scheduler: sched}, []int64{7})

	ctx, cancel := context.WithCancel(context.Background())
	msgs := make(chan kit.Message, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, msgs)
	}()

	msgs <- kit.Message{ChatID: 1, FromID: 7, Text: "/status"}
	waitUntil(t, 2*time.Second, func() bool {
		for _, s := range ad.texts() {
			if strings.Contains(s, "Agents") {
				return true
			}
		}
		return false
	})

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}

func TestFormatStatus(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	snap := scheduler.Snapshot{
		Paused: true, Running: true, Timezone: "UTC",
		SweepInterval: 10 * time.Second, InFlight: 1,
		Agents: []scheduler.AgentStatus{
			{ID: "sentinel", Status: "idle", NextRun: now.Add(42 * time.Second), LastRun: now.Add(-9 * time.Minute), MaxRetries: 3},
			{ID: "risk", Status: "running", StartedAt: now.Add(-3 * time.Second), NextRun: now.Add(5 * time.Minute)},
			{ID: "health", Status: "idle", ErrorCount: 2, MaxRetries: 3, NextRun: now.Add(-time.Second)},
		},
	}

	out := formatStatus(snap, now)
	for _, want := range []string{
		"(paused)",
		"<code>sentinel</code> idle",
		"next in 42s",
		"ago",
		"🔁 <code>risk</code> running 3s",
		"errs 2/3",
		"next due",
		"never ran",
		"sweep 10s, in-flight 1, tz UTC",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("formatStatus missing %q:\n%s", want, out)
		}
	}
}

func TestFormatPositions(t *testing.T) {
	t.Parallel()

	sum := allocator.Summary{
		Positions: 2, MaxPositions: 10,
		TotalAllocationUSD: 350, AllocationPct: 0.35, MaxAllocationPct: 0.65,
		AvailableUSD: 300, BalanceUSD: 1000,
		Holdings: map[string]allocator.Holding{
			"JUP": {SizeUSD: 100, AgentID: "alpha"},
			"SOL": {SizeUSD: 250, AgentID: "beta"},
		},
	}

	out := formatPositions(sum)
	if !strings.Contains(out, "📦 <b>Positions</b> 2/10") {
		t.Fatalf("header missing:\n%s", out)
	}
	if !strings.Contains(out, "balance $1000.00, allocated $350.00 (35.0% of 65.0% cap), free $300.00") {
		t.Fatalf("capital line missing:\n%s", out)
	}
	// Largest position first.
	if strings.Index(out, "SOL") > strings.Index(out, "JUP") {
		t.Fatalf("positions not sorted by size:\n%s", out)
	}

	empty := formatPositions(allocator.Summary{MaxPositions: 10, Holdings: map[string]allocator.Holding{}})
	if !strings.Contains(empty, "no open positions") {
		t.Fatalf("empty ledger text missing:\n%s", empty)
	}
}

func TestFormatRuns(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 6, 1, 12, 3, 4, 0, time.UTC)
	entries := []storage.RunEntry{
		{At: at, Agent: "sentinel", Status: storage.RunSuccess, TookMS: 1200},
		{At: at, Agent: "risk", Status: storage.RunTimeout, TookMS: 300000, Error: strings.Repeat("x", 100)},
		{At: at, Agent: "health", Status: storage.RunFailure, TookMS: 80, Error: "probe refused"},
	}

	out := formatRuns(entries)
	for _, want := range []string{
		"12:03:04 <code>sentinel</code> ok",
		"<code>risk</code> TIMEOUT 5m0s",
		"<code>health</code> FAIL",
		"probe refused",
		"...",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("formatRuns missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, strings.Repeat("x", 81)) {
		t.Fatal("long error not truncated")
	}

	if got := formatRuns(nil); !strings.Contains(got, "journal is empty") {
		t.Fatalf("empty journal text = %q", got)
	}
}

func TestFormatHealth(t *testing.T) {
	t.Parallel()

	v := healthView{
		hasScheduler: true, schedRunning: true, agents: 3, inFlight: 1,
		degraded:  []string{"health (2)"},
		hasLedger: true, positions: 3, totalUSD: 350, dust: 1,
		sups: []supRow{
			{name: "app", active: 5, started: 12},
			{name: "telegram.router", active: 4, started: 4, firstErr: "boom"},
		},
	}

	out := formatHealth(v)
	for _, want := range []string{
		"scheduler: running, 3 agents, 1 in-flight",
		"degraded: health (2)",
		"ledger: 3 positions ($350.00), dust 1",
		"<code>app</code> 5 active / 12 started",
		"⚠️ boom",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("formatHealth missing %q:\n%s", want, out)
		}
	}
}
