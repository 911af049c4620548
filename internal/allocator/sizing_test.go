package allocator

import (
	"math"
	"testing"

	logx "datafarm/pkg/logx"
)

func staticBalance(usd float64) BalanceFunc {
	return func() float64 { return usd }
}

// flatCfg disables dynamic sizing with a base order large enough that the
// 2x-base sanity clamp stays out of the way; cap behavior is what's under
// test.
func flatCfg() Config {
	return Config{
		BaseOrderUSD:      100,
		DynamicSizing:     false,
		MaxSingleFraction: 0.15,
		MaxTotalFraction:  0.65,
		MaxPositions:      10,
		DustUSD:           5,
	}
}

func approxEq(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestBuyClippedToSinglePositionCap(t *testing.T) {
	t.Parallel()
	svc := New(flatCfg(), staticBalance(1000), logx.Nop(), nil)

	resp := svc.RequestSizing(PositionRequest{
		AgentID:      "sentinel",
		Token:        "SOL",
		Action:       ActionBuy,
		RequestedUSD: 200,
	})
	if !resp.Approved {
		t.Fatalf("rejected: %s", resp.RejectReason)
	}
	if !approxEq(resp.ApprovedUSD, 150) {
		t.Fatalf("ApprovedUSD = %v, want 150 (15%% of $1000)", resp.ApprovedUSD)
	}
	if !approxEq(resp.RequestedUSD, 200) {
		t.Fatalf("RequestedUSD = %v, want 200", resp.RequestedUSD)
	}
	if !approxEq(resp.MaxPositionUSD, 150) {
		t.Fatalf("MaxPositionUSD = %v, want 150", resp.MaxPositionUSD)
	}
	if resp.PositionID == "" {
		t.Fatal("buy approval missing provisional position id")
	}
}

func TestDustRejectionForEveryAction(t *testing.T) {
	t.Parallel()
	svc := New(flatCfg(), staticBalance(1000), logx.Nop(), nil)

	for _, action := range []Action{ActionBuy, ActionIncrease, ActionDecrease, ActionSell, ActionClose} {
		action := action
		t.Run(string(action), func(t *testing.T) {
			resp := svc.RequestSizing(PositionRequest{
				AgentID:            "risk",
				Token:              "BONK",
				Action:             action,
				RequestedUSD:       3,
				CurrentPositionUSD: 100,
			})
			if resp.Approved {
				t.Fatalf("approved $%v %s below the dust threshold", resp.ApprovedUSD, action)
			}
			if resp.RejectReason == "" {
				t.Fatal("rejection carries no reason")
			}
		})
	}
}

func TestBuyDynamicSizing(t *testing.T) {
	t.Parallel()
	cfg := Config{
		BaseOrderUSD:             25,
		DynamicSizing:            true,
		BaseFraction:             0.02,
		SmallAccountFraction:     0.05,
		SmallAccountThresholdUSD: 1000,
		MaxSingleFraction:        0.10,
		MaxTotalFraction:         0.65,
		MaxPositions:             10,
		DustUSD:                  5,
	}

	// Standard account: 2% of balance, capped at the base order.
	svc := New(cfg, staticBalance(1000), logx.Nop(), nil)
	resp := svc.RequestSizing(PositionRequest{AgentID: "a", Token: "SOL", Action: ActionBuy})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 20) {
		t.Fatalf("standard account: approved = %v/$%v, want $20", resp.Approved, resp.ApprovedUSD)
	}

	// Small account: the larger fraction keeps it usable.
	svc = New(cfg, staticBalance(500), logx.Nop(), nil)
	resp = svc.RequestSizing(PositionRequest{AgentID: "a", Token: "SOL", Action: ActionBuy})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 25) {
		t.Fatalf("small account: approved = %v/$%v, want $25 (5%% capped at base order)", resp.Approved, resp.ApprovedUSD)
	}
}

func TestBuySanityClampOnOversizedRequest(t *testing.T) {
	t.Parallel()
	cfg := flatCfg()
	cfg.BaseOrderUSD = 25
	cfg.MaxSingleFraction = 0.50 // keep the cap out of the way
	svc := New(cfg, staticBalance(1000), logx.Nop(), nil)

	resp := svc.RequestSizing(PositionRequest{
		AgentID:      "a",
		Token:        "SOL",
		Action:       ActionBuy,
		RequestedUSD: 200, // more than 2x the $25 base
	})
	if !resp.Approved {
		t.Fatalf("rejected: %s", resp.RejectReason)
	}
	if !approxEq(resp.ApprovedUSD, 37.5) {
		t.Fatalf("ApprovedUSD = %v, want 37.5 (1.5x base clamp)", resp.ApprovedUSD)
	}
}

func TestBuyReroutesToIncreaseForHeldToken(t *testing.T) {
	t.Parallel()
	cfg := flatCfg()
	cfg.MaxPositions = 1
	svc := New(cfg, staticBalance(1000), logx.Nop(), nil)

	if _, err := svc.RegisterPosition("SOL", 50, "sentinel", 0); err != nil {
		t.Fatalf("RegisterPosition: %v", err)
	}

	// The ledger is at its count limit, but a Buy for the held token is a
	// top-up and must still go through.
	resp := svc.RequestSizing(PositionRequest{
		AgentID:      "sentinel",
		Token:        "SOL",
		Action:       ActionBuy,
		RequestedUSD: 20,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 20) {
		t.Fatalf("reroute: approved = %v/$%v (%s), want $20 increase", resp.Approved, resp.ApprovedUSD, resp.RejectReason)
	}

	// A genuinely new token hits the count limit.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:      "sentinel",
		Token:        "JUP",
		Action:       ActionBuy,
		RequestedUSD: 20,
	})
	if resp.Approved {
		t.Fatal("new token approved past the position count limit")
	}
}

func TestIncreaseNeverExceedsSingleCap(t *testing.T) {
	t.Parallel()
	cfg := flatCfg()
	cfg.MaxIncreaseFraction = 0.05
	svc := New(cfg, staticBalance(1000), logx.Nop(), nil)

	current := 100.0
	limit := 150.0 // 15% of $1000
	for i := 0; i < 3; i++ {
		resp := svc.RequestSizing(PositionRequest{
			AgentID:            "risk",
			Token:              "SOL",
			Action:             ActionIncrease,
			RequestedUSD:       40,
			CurrentPositionUSD: current,
		})
		if !resp.Approved {
			if current < limit {
				t.Fatalf("rejected with headroom left (current %v): %s", current, resp.RejectReason)
			}
			return
		}
		current += resp.ApprovedUSD
		if current > limit+1e-9 {
			t.Fatalf("position grew to %v, past the %v cap", current, limit)
		}
	}
	t.Fatalf("third increase at the cap was approved; current = %v", current)
}

func TestIncreaseDefaults(t *testing.T) {
	t.Parallel()
	svc := New(flatCfg(), staticBalance(1000), logx.Nop(), nil)

	// No amount and no percentage: half of the max increase (5% of balance).
	resp := svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionIncrease,
		CurrentPositionUSD: 10,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 25) {
		t.Fatalf("default increase = %v/$%v, want $25", resp.Approved, resp.ApprovedUSD)
	}
	if !approxEq(resp.RequestedUSD, 25) {
		t.Fatalf("RequestedUSD = %v, want the computed $25", resp.RequestedUSD)
	}

	// Percentage of the current size.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionIncrease,
		ChangePct:          30,
		CurrentPositionUSD: 100,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 30) {
		t.Fatalf("percent increase = %v/$%v, want $30", resp.Approved, resp.ApprovedUSD)
	}
}

func TestDecreaseDefaultsAndClip(t *testing.T) {
	t.Parallel()
	svc := New(flatCfg(), staticBalance(1000), logx.Nop(), nil)

	// Default: half the current size.
	resp := svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionDecrease,
		CurrentPositionUSD: 80,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 40) {
		t.Fatalf("default decrease = %v/$%v, want $40", resp.Approved, resp.ApprovedUSD)
	}

	// Oversized request clips to the whole position.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionDecrease,
		RequestedUSD:       200,
		CurrentPositionUSD: 80,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 80) {
		t.Fatalf("clipped decrease = %v/$%v, want $80", resp.Approved, resp.ApprovedUSD)
	}

	// Percentage form.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionDecrease,
		ChangePct:          25,
		CurrentPositionUSD: 80,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 20) {
		t.Fatalf("percent decrease = %v/$%v, want $20", resp.Approved, resp.ApprovedUSD)
	}
}

func TestCloseApprovals(t *testing.T) {
	t.Parallel()
	svc := New(flatCfg(), staticBalance(1000), logx.Nop(), nil)

	// Sell with no amount: full close.
	resp := svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionSell,
		CurrentPositionUSD: 80,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 80) {
		t.Fatalf("full sell = %v/$%v, want $80", resp.Approved, resp.ApprovedUSD)
	}

	// Partial close.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionClose,
		RequestedUSD:       30,
		CurrentPositionUSD: 80,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 30) {
		t.Fatalf("partial close = %v/$%v, want $30", resp.Approved, resp.ApprovedUSD)
	}

	// Asking for more than is held closes what is held.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:            "a",
		Token:              "SOL",
		Action:             ActionClose,
		RequestedUSD:       100,
		CurrentPositionUSD: 80,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 80) {
		t.Fatalf("overfull close = %v/$%v, want $80", resp.Approved, resp.ApprovedUSD)
	}

	// Nothing held: nothing to close.
	resp = svc.RequestSizing(PositionRequest{
		AgentID: "a",
		Token:   "SOL",
		Action:  ActionClose,
	})
	if resp.Approved {
		t.Fatal("close with no position approved")
	}
}

func TestTotalAllocationCap(t *testing.T) {
	t.Parallel()
	cfg := flatCfg()
	cfg.MaxTotalFraction = 0.30 // $300 of a $1000 balance

	// $10 of headroom left: the request is clipped to it.
	svc := New(cfg, staticBalance(1000), logx.Nop(), nil)
	mustRegister(t, svc, "AAA", 145, "a")
	mustRegister(t, svc, "BBB", 145, "b")
	resp := svc.RequestSizing(PositionRequest{
		AgentID:      "c",
		Token:        "CCC",
		Action:       ActionBuy,
		RequestedUSD: 20,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 10) {
		t.Fatalf("clipped buy = %v/$%v (%s), want $10", resp.Approved, resp.ApprovedUSD, resp.RejectReason)
	}

	// Headroom below dust: reject, don't clip to a crumb.
	svc = New(cfg, staticBalance(1000), logx.Nop(), nil)
	mustRegister(t, svc, "AAA", 148.5, "a")
	mustRegister(t, svc, "BBB", 148.5, "b")
	resp = svc.RequestSizing(PositionRequest{
		AgentID:      "c",
		Token:        "CCC",
		Action:       ActionBuy,
		RequestedUSD: 20,
	})
	if resp.Approved {
		t.Fatalf("approved $%v with sub-dust total headroom", resp.ApprovedUSD)
	}
}

func TestBalanceOverrideAndProvider(t *testing.T) {
	t.Parallel()
	cfg := Config{
		BaseOrderUSD:             25,
		DynamicSizing:            true,
		BaseFraction:             0.02,
		SmallAccountFraction:     0.05,
		SmallAccountThresholdUSD: 1000,
		MaxSingleFraction:        0.50,
		MaxTotalFraction:         0.65,
		MaxPositions:             10,
		DustUSD:                  5,
	}
	svc := New(cfg, staticBalance(2000), logx.Nop(), nil)

	// Provider balance: 2% of $2000 capped at $25.
	resp := svc.RequestSizing(PositionRequest{AgentID: "a", Token: "SOL", Action: ActionBuy})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 25) {
		t.Fatalf("provider balance: approved = %v/$%v, want $25", resp.Approved, resp.ApprovedUSD)
	}

	// Request override wins: $100 is a small account, 5% = $5.
	resp = svc.RequestSizing(PositionRequest{
		AgentID:           "a",
		Token:             "SOL",
		Action:            ActionBuy,
		AccountBalanceUSD: 100,
	})
	if !resp.Approved || !approxEq(resp.ApprovedUSD, 5) {
		t.Fatalf("override balance: approved = %v/$%v, want $5", resp.Approved, resp.ApprovedUSD)
	}
}

func TestUnsupportedAction(t *testing.T) {
	t.Parallel()
	svc := New(flatCfg(), staticBalance(1000), logx.Nop(), nil)
	resp := svc.RequestSizing(PositionRequest{AgentID: "a", Token: "SOL", Action: Action("hold")})
	if resp.Approved || resp.RejectReason == "" {
		t.Fatalf("response = %+v, want rejection with reason", resp)
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()
	if a, err := ParseAction("BUY"); err != nil || a != ActionBuy {
		t.Fatalf("ParseAction(BUY) = %v, %v", a, err)
	}
	if a, err := ParseAction(" Sell "); err != nil || a != ActionSell {
		t.Fatalf("ParseAction( Sell ) = %v, %v", a, err)
	}
	if _, err := ParseAction("hodl"); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
