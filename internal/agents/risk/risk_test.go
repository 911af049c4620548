package risk

import (
	"context"
	"encoding/json"
	"testing"

	"datafarm/internal/allocator"
	"datafarm/internal/eventbus"
	logx "datafarm/pkg/logx"
)

func newLedger(t *testing.T, balance float64, bus eventbus.Bus) *allocator.Service {
	t.Helper()
	return allocator.New(allocator.Config{}, func() float64 { return balance }, logx.Nop(), bus)
}

func register(t *testing.T, led *allocator.Service, token string, size float64) {
	t.Helper()
	if _, err := led.RegisterPosition(token, size, "seed", 0); err != nil {
		t.Fatalf("RegisterPosition(%s): %v", token, err)
	}
}

func drain(ch <-chan eventbus.Event, typ string) []eventbus.Event {
	var evs []eventbus.Event
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				evs = append(evs, ev)
			}
		default:
			return evs
		}
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	c, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig(nil): %v", err)
	}
	if c.MaxPositionPct != 10 || c.TolerancePct != 2 || c.DustUSD != 5 {
		t.Fatalf("defaults = %+v", c)
	}

	c, err = ParseConfig(json.RawMessage(`{"max_position_pct":25,"tolerance_pct":-1}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if c.MaxPositionPct != 25 || c.TolerancePct != 0 {
		t.Fatalf("parsed = %+v", c)
	}

	if _, err := ParseConfig(json.RawMessage(`{"max_position_pct":"a lot"}`)); err == nil {
		t.Fatal("ParseConfig on bad JSON: want error")
	}
}

func TestExecuteTrimsOversized(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	led := newLedger(t, 1000, bus)
	register(t, led, "SOL", 250)  // cap is $100: trim $150
	register(t, led, "JUP", 95)   // under cap: untouched
	register(t, led, "BONK", 103) // over the 2% band, but the excess is below the sizing dust floor

	ch, unsub := bus.Subscribe(32)
	defer unsub()

	a := New("risk", Config{}, logx.Nop(), bus, led)
	ok, err := a.Execute(context.Background())
	if !ok || err != nil {
		t.Fatalf("Execute = (%v, %v), want (true, nil)", ok, err)
	}

	if p, _ := led.Position("SOL"); p.SizeUSD != 100 {
		t.Fatalf("SOL size = %v, want 100", p.SizeUSD)
	}
	if p, _ := led.Position("JUP"); p.SizeUSD != 95 {
		t.Fatalf("JUP size = %v, want 95", p.SizeUSD)
	}
	if p, _ := led.Position("BONK"); p.SizeUSD != 103 {
		t.Fatalf("BONK size = %v, want 103", p.SizeUSD)
	}

	evs := drain(ch, "risk.enforce")
	if len(evs) != 1 {
		t.Fatalf("risk.enforce events = %d, want 1", len(evs))
	}
	ev := evs[0].Data.(EnforceEvent)
	if ev.Trimmed != 1 || ev.Closed != 0 || ev.Rejected != 1 || ev.Scanned != 3 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.CapUSD != 100 {
		t.Fatalf("CapUSD = %v, want 100", ev.CapUSD)
	}

	// Second pass finds a clean ledger and stays silent.
	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("second Execute = (%v, %v)", ok, err)
	}
	if evs := drain(ch, "risk.enforce"); len(evs) != 0 {
		t.Fatalf("clean pass published %d events", len(evs))
	}
}

func TestExecuteClosesDustRemainder(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	// Tiny balance: the $4 cap itself sits below the $5 dust floor, so a
	// trim to cap must close the position instead.
	led := newLedger(t, 40, bus)
	register(t, led, "PEPE", 20)

	ch, unsub := bus.Subscribe(16)
	defer unsub()

	a := New("risk", Config{}, logx.Nop(), bus, led)
	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v), want (true, nil)", ok, err)
	}

	if _, found := led.Position("PEPE"); found {
		t.Fatal("PEPE still in ledger, want closed")
	}
	evs := drain(ch, "risk.enforce")
	if len(evs) != 1 {
		t.Fatalf("risk.enforce events = %d, want 1", len(evs))
	}
	if ev := evs[0].Data.(EnforceEvent); ev.Closed != 1 || ev.Trimmed != 0 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestExecuteSkipsWithoutBalance(t *testing.T) {
	t.Parallel()
	led := newLedger(t, 0, nil)
	register(t, led, "SOL", 250)

	a := New("", Config{}, logx.Nop(), nil, led)
	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v), want (true, nil)", ok, err)
	}
	if p, _ := led.Position("SOL"); p.SizeUSD != 250 {
		t.Fatalf("SOL size = %v, want untouched 250", p.SizeUSD)
	}
}

func TestExecuteEmptyLedger(t *testing.T) {
	t.Parallel()
	a := New("risk", Config{}, logx.Nop(), nil, newLedger(t, 1000, nil))
	if ok, err := a.Execute(context.Background()); !ok || err != nil {
		t.Fatalf("Execute = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestExecuteNoLedger(t *testing.T) {
	t.Parallel()
	a := New("risk", Config{}, logx.Nop(), nil, nil)
	if ok, err := a.Execute(context.Background()); ok || err == nil {
		t.Fatalf("Execute = (%v, %v), want (false, error)", ok, err)
	}
}
