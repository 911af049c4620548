package allocator

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	logx "datafarm/pkg/logx"
)

func mustRegister(t *testing.T, svc *Service, token string, sizeUSD float64, agent string) string {
	t.Helper()
	id, err := svc.RegisterPosition(token, sizeUSD, agent, 0)
	if err != nil {
		t.Fatalf("RegisterPosition(%s): %v", token, err)
	}
	return id
}

// inject plants a well-formed entry directly, bypassing RegisterPosition's
// cleanup pass, so tests can stage exact ledger states.
func inject(svc *Service, token string, sizeUSD float64, entry, updated time.Time) {
	svc.mu.Lock()
	svc.positions[token] = &ActivePosition{
		Token:       token,
		SizeUSD:     sizeUSD,
		AgentID:     "test",
		EntryTime:   entry,
		LastUpdated: updated,
		PositionID:  "pid-" + token,
	}
	svc.mu.Unlock()
}

func runCleanup(svc *Service) []evictionRecord {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.cleanupLocked(time.Now())
}

func TestRegisterUpdateRemove(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)

	id := mustRegister(t, svc, "SOL", 100, "sentinel")
	if id == "" {
		t.Fatal("empty position id")
	}
	p, ok := svc.Position("SOL")
	if !ok || p.SizeUSD != 100 || p.AgentID != "sentinel" || p.PositionID != id {
		t.Fatalf("Position = %+v, %v", p, ok)
	}

	if !svc.UpdatePosition("SOL", 80, 1.23) {
		t.Fatal("UpdatePosition reported unknown token")
	}
	p, _ = svc.Position("SOL")
	if p.SizeUSD != 80 || p.CurrentPrice != 1.23 {
		t.Fatalf("after update: %+v", p)
	}
	if svc.UpdatePosition("GHOST", 10, 0) {
		t.Fatal("UpdatePosition invented a position")
	}

	if !svc.RemovePosition("SOL") {
		t.Fatal("RemovePosition reported unknown token")
	}
	if svc.RemovePosition("SOL") {
		t.Fatal("second removal of the same token reported true")
	}
	if _, ok := svc.Position("SOL"); ok {
		t.Fatal("position survived removal")
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)

	for _, tt := range []struct {
		name  string
		token string
		size  float64
	}{
		{"empty token", "", 10},
		{"blank token", "   ", 10},
		{"zero size", "SOL", 0},
		{"negative size", "SOL", -5},
		{"nan size", "SOL", math.NaN()},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.RegisterPosition(tt.token, tt.size, "a", 0); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)

	first := mustRegister(t, svc, "SOL", 100, "a")
	second := mustRegister(t, svc, "SOL", 40, "b")
	if first == second {
		t.Fatal("replacement kept the old position id")
	}
	if sum := svc.Summary(); sum.Positions != 1 {
		t.Fatalf("Positions = %d, want 1", sum.Positions)
	}
	p, _ := svc.Position("SOL")
	if p.SizeUSD != 40 || p.AgentID != "b" {
		t.Fatalf("replacement entry = %+v", p)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("TOK%02d", i)
			if _, err := svc.RegisterPosition(token, 25, "a", 0); err != nil {
				t.Errorf("RegisterPosition(%s): %v", token, err)
			}
		}(i)
	}
	wg.Wait()

	if sum := svc.Summary(); sum.Positions != n {
		t.Fatalf("Positions = %d, want %d", sum.Positions, n)
	}
	for i := 0; i < n; i++ {
		if _, ok := svc.Position(fmt.Sprintf("TOK%02d", i)); !ok {
			t.Fatalf("TOK%02d missing after concurrent registration", i)
		}
	}
}

func TestOverflowEvictsSmallestFirst(t *testing.T) {
	t.Parallel()
	svc := New(Config{HardCap: 50, SoftTarget: 30}, staticBalance(1000), logx.Nop(), nil)

	now := time.Now()
	for i := 0; i < 51; i++ {
		inject(svc, fmt.Sprintf("T%02d", i), float64(10+i), now, now)
	}

	removed := runCleanup(svc)
	if len(removed) != 21 {
		t.Fatalf("evicted %d entries, want 21", len(removed))
	}
	for _, r := range removed {
		if r.reason != "overflow protection" {
			t.Fatalf("eviction reason = %q", r.reason)
		}
		if r.pos.SizeUSD > 30 {
			t.Fatalf("evicted $%v while smaller entries survived", r.pos.SizeUSD)
		}
	}
	kept := svc.Positions()
	if len(kept) != 30 {
		t.Fatalf("kept %d entries, want 30", len(kept))
	}
	for _, p := range kept {
		if p.SizeUSD < 31 {
			t.Fatalf("kept $%v, smaller than the cut line", p.SizeUSD)
		}
	}
}

func TestOverflowTieBreakKeepsOlder(t *testing.T) {
	t.Parallel()
	svc := New(Config{HardCap: 50, SoftTarget: 30}, staticBalance(1000), logx.Nop(), nil)

	now := time.Now()
	for i := 0; i < 52; i++ {
		// T00 is the newest entry, T51 the oldest. All sizes equal, so the
		// cut must fall on entry age alone.
		inject(svc, fmt.Sprintf("T%02d", i), 50, now.Add(-time.Duration(i)*time.Minute), now)
	}

	runCleanup(svc)
	kept := svc.Positions()
	if len(kept) != 30 {
		t.Fatalf("kept %d entries, want 30", len(kept))
	}
	for _, p := range kept {
		var i int
		fmt.Sscanf(p.Token, "T%02d", &i)
		if i < 22 {
			t.Fatalf("kept %s, a newer entry than evicted ones", p.Token)
		}
	}
}

func TestCleanupRules(t *testing.T) {
	t.Parallel()
	svc := New(Config{DustUSD: 0.25, StaleFloorUSD: 1}, staticBalance(1000), logx.Nop(), nil)

	now := time.Now()
	inject(svc, "KEEP-BIG", 100, now, now)
	inject(svc, "KEEP-SMALL-FRESH", 0.5, now, now) // small but recently touched
	inject(svc, "KEEP-STALE-BIG", 2, now, now.Add(-25*time.Hour))
	inject(svc, "AGED", 100, now, now.Add(-8*24*time.Hour))
	inject(svc, "ZERO", 0, now, now)
	inject(svc, "NEG", -3, now, now)
	inject(svc, "DUST", 0.1, now, now)
	inject(svc, "NAN", math.NaN(), now, now)
	inject(svc, "STALE", 0.5, now, now.Add(-25*time.Hour))
	svc.mu.Lock()
	svc.positions["BROKEN"] = &ActivePosition{Token: "BROKEN", SizeUSD: 100, EntryTime: now, LastUpdated: now}
	svc.mu.Unlock()

	removed := runCleanup(svc)
	reasons := make(map[string]string, len(removed))
	for _, r := range removed {
		reasons[r.pos.Token] = r.reason
	}
	for token, prefix := range map[string]string{
		"AGED":   "aged",
		"ZERO":   "zero or negative",
		"NEG":    "zero or negative",
		"DUST":   "dust",
		"NAN":    "invalid size",
		"STALE":  "stale small",
		"BROKEN": "corrupted",
	} {
		if !strings.HasPrefix(reasons[token], prefix) {
			t.Errorf("%s evicted with %q, want %q prefix", token, reasons[token], prefix)
		}
	}
	kept := svc.Positions()
	if len(kept) != 3 {
		t.Fatalf("kept %d entries, want 3: %+v", len(kept), kept)
	}
	for _, p := range kept {
		if !strings.HasPrefix(p.Token, "KEEP-") {
			t.Fatalf("kept %s, expected eviction", p.Token)
		}
	}
}

func TestRegisterSweepsDustEntries(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)

	mustRegister(t, svc, "GOOD", 50, "a")
	if !svc.UpdatePosition("GOOD", 1, 0) {
		t.Fatal("update failed")
	}
	// The below-dust update sticks around until the next write runs the
	// cleanup pass.
	if p, ok := svc.Position("GOOD"); !ok || p.SizeUSD != 1 {
		t.Fatalf("position after dust update = %+v, %v", p, ok)
	}

	mustRegister(t, svc, "NEW", 25, "b")
	if _, ok := svc.Position("GOOD"); ok {
		t.Fatal("dust entry survived the registration cleanup")
	}
	if _, ok := svc.Position("NEW"); !ok {
		t.Fatal("fresh registration missing")
	}
}

func TestSummary(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)
	mustRegister(t, svc, "SOL", 100, "sentinel")
	mustRegister(t, svc, "JUP", 50, "risk")

	sum := svc.Summary()
	if sum.Positions != 2 || sum.MaxPositions != 10 {
		t.Fatalf("counts = %d/%d, want 2/10", sum.Positions, sum.MaxPositions)
	}
	if !approxEq(sum.TotalAllocationUSD, 150) {
		t.Fatalf("TotalAllocationUSD = %v, want 150", sum.TotalAllocationUSD)
	}
	if !approxEq(sum.AllocationPct, 0.15) {
		t.Fatalf("AllocationPct = %v, want 0.15", sum.AllocationPct)
	}
	if !approxEq(sum.AvailableUSD, 500) {
		t.Fatalf("AvailableUSD = %v, want 500 (65%% of $1000 minus $150)", sum.AvailableUSD)
	}
	if h := sum.Holdings["SOL"]; h.SizeUSD != 100 || h.AgentID != "sentinel" {
		t.Fatalf("Holdings[SOL] = %+v", h)
	}
}

func TestMemoryStats(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, staticBalance(1000), logx.Nop(), nil)

	now := time.Now()
	inject(svc, "OLD", 100, now, now.Add(-4*time.Hour))
	inject(svc, "TINY", 2, now, now.Add(-2*time.Hour))

	st := svc.MemoryStats()
	if st.Positions != 2 || st.DustPositions != 1 {
		t.Fatalf("counts = %d positions / %d dust, want 2/1", st.Positions, st.DustPositions)
	}
	if !approxEq(st.TotalValueUSD, 102) {
		t.Fatalf("TotalValueUSD = %v, want 102", st.TotalValueUSD)
	}
	if st.OldestAgeHours < 3.9 || st.OldestAgeHours > 4.1 {
		t.Fatalf("OldestAgeHours = %v, want ~4", st.OldestAgeHours)
	}
	if st.AvgAgeHours < 2.9 || st.AvgAgeHours > 3.1 {
		t.Fatalf("AvgAgeHours = %v, want ~3", st.AvgAgeHours)
	}
}
