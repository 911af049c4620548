// Package risk enforces position limits from outside the allocator. Each
// run walks the ledger summary, asks for Decrease sizing on positions above
// the per-position cap, applies the approved deltas and closes out dust
// remainders. It never adds capital.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/eventbus"
	logx "datafarm/pkg/logx"
)

// Config is the risk block of the agents table.
type Config struct {
	// MaxPositionPct caps one position as a percentage of the balance
	// (default 10).
	MaxPositionPct float64 `json:"max_position_pct"`
	// TolerancePct leaves overshoots within this percentage of the cap
	// alone, as trim hysteresis (default 2).
	TolerancePct float64 `json:"tolerance_pct"`
	// DustUSD closes a trimmed position outright when the remainder would
	// fall below it (default 5).
	DustUSD float64 `json:"dust_usd"`
}

func (c Config) withDefaults() Config {
	if c.MaxPositionPct <= 0 {
		c.MaxPositionPct = 10
	}
	if c.TolerancePct < 0 {
		c.TolerancePct = 0
	} else if c.TolerancePct == 0 {
		c.TolerancePct = 2
	}
	if c.DustUSD <= 0 {
		c.DustUSD = 5
	}
	return c
}

// ParseConfig decodes an agents-table config block. Empty raw keeps the
// defaults.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("risk config: %w", err)
		}
	}
	return c.withDefaults(), nil
}

// Ledger is the slice of the allocator the enforcer works against.
type Ledger interface {
	Summary() allocator.Summary
	RequestSizing(req allocator.PositionRequest) allocator.PositionResponse
	UpdatePosition(token string, newSizeUSD, currentPrice float64) bool
	RemovePosition(token string) bool
}

// EnforceEvent is the bus payload for risk.enforce, published only for runs
// that touched the ledger.
type EnforceEvent struct {
	At       time.Time `json:"at"`
	CapUSD   float64   `json:"cap_usd"`
	Scanned  int       `json:"scanned"`
	Trimmed  int       `json:"trimmed"`
	Closed   int       `json:"closed"`
	Rejected int       `json:"rejected"`
}

type Agent struct {
	id     string
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	ledger Ledger
}

func New(id string, cfg Config, log logx.Logger, bus eventbus.Bus, ledger Ledger) *Agent {
	if log.IsZero() {
		log = logx.Nop()
	}
	if id == "" {
		id = "risk"
	}
	return &Agent{id: id, cfg: cfg.withDefaults(), log: log, bus: bus, ledger: ledger}
}

// Execute implements scheduler.Agent. Sizing rejections are not failures:
// the allocator already logged and published them, and a dust-sized excess
// is exactly the case the tolerance band exists for.
func (a *Agent) Execute(ctx context.Context) (bool, error) {
	if a.ledger == nil {
		return false, fmt.Errorf("risk: no ledger wired")
	}

	sum := a.ledger.Summary()
	if sum.Positions == 0 {
		a.log.Debug("ledger empty; nothing to enforce")
		return true, nil
	}
	if !(sum.BalanceUSD > 0) {
		// No balance means no cap to judge against.
		a.log.Warn("balance unavailable; skipping enforcement")
		return true, nil
	}

	capUSD := sum.BalanceUSD * a.cfg.MaxPositionPct / 100
	slack := capUSD * a.cfg.TolerancePct / 100

	var trimmed, closed, rejected int
	for _, token := range sortedTokens(sum.Holdings) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		h := sum.Holdings[token]
		if h.SizeUSD <= capUSD+slack {
			continue
		}

		excess := h.SizeUSD - capUSD
		resp := a.ledger.RequestSizing(allocator.PositionRequest{
			AgentID:            a.id,
			Token:              token,
			Action:             allocator.ActionDecrease,
			RequestedUSD:       excess,
			CurrentPositionUSD: h.SizeUSD,
			AccountBalanceUSD:  sum.BalanceUSD,
			Reason:             "over per-position cap",
		})
		if !resp.Approved {
			rejected++
			continue
		}

		left := h.SizeUSD - resp.ApprovedUSD
		if left < a.cfg.DustUSD {
			if a.ledger.RemovePosition(token) {
				closed++
				a.log.Info("oversized position closed out",
					logx.String("token", token),
					logx.Float64("size_usd", h.SizeUSD),
					logx.Float64("remainder_usd", left),
				)
			}
			continue
		}
		if a.ledger.UpdatePosition(token, left, 0) {
			trimmed++
			a.log.Info("position trimmed to cap",
				logx.String("token", token),
				logx.Float64("size_usd", h.SizeUSD),
				logx.Float64("trimmed_usd", resp.ApprovedUSD),
				logx.Float64("left_usd", left),
			)
		}
	}

	if trimmed+closed+rejected > 0 {
		a.publish(EnforceEvent{
			At:       time.Now(),
			CapUSD:   capUSD,
			Scanned:  sum.Positions,
			Trimmed:  trimmed,
			Closed:   closed,
			Rejected: rejected,
		})
		a.log.Info("enforcement pass done",
			logx.Float64("cap_usd", capUSD),
			logx.Int("scanned", sum.Positions),
			logx.Int("trimmed", trimmed),
			logx.Int("closed", closed),
			logx.Int("rejected", rejected),
		)
	} else {
		a.log.Debug("enforcement pass clean",
			logx.Float64("cap_usd", capUSD),
			logx.Int("scanned", sum.Positions),
		)
	}
	return true, nil
}

func (a *Agent) publish(ev EnforceEvent) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: "risk.enforce", Time: ev.At, Data: ev})
}

func sortedTokens(holdings map[string]allocator.Holding) []string {
	tokens := make([]string, 0, len(holdings))
	for token := range holdings {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}
