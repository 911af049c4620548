package allocator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"datafarm/internal/eventbus"
	logx "datafarm/pkg/logx"
)

// Action selects the sizing branch for a request.
type Action string

const (
	ActionBuy      Action = "buy"
	ActionIncrease Action = "increase"
	ActionDecrease Action = "decrease"
	ActionSell     Action = "sell"
	ActionClose    Action = "close"
)

// ParseAction normalizes operator/agent input ("BUY", "sell", ...).
func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionBuy, ActionIncrease, ActionDecrease, ActionSell, ActionClose:
		return a, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// PositionRequest asks for a sizing decision. Zero means "unset" for the
// optional numeric fields.
type PositionRequest struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	Action  Action `json:"action"`

	RequestedUSD float64 `json:"requested_usd,omitempty"`
	// ChangePct is a percentage of the current size (e.g. 25 means 25%),
	// used by Increase/Decrease when RequestedUSD is unset.
	ChangePct float64 `json:"change_pct,omitempty"`
	// CurrentPositionUSD is the caller's view of the existing position.
	// The sizing branches trust it rather than reading the ledger; only a
	// Buy that reroutes to Increase fills it from the ledger entry.
	CurrentPositionUSD float64 `json:"current_position_usd,omitempty"`
	// AccountBalanceUSD overrides the balance provider when positive.
	AccountBalanceUSD float64 `json:"account_balance_usd,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// PositionResponse is the sizing verdict. Rejections are ordinary responses,
// not errors; callers branch on Approved.
type PositionResponse struct {
	Approved     bool    `json:"approved"`
	ApprovedUSD  float64 `json:"approved_usd"`
	RequestedUSD float64 `json:"requested_usd"` // original, or the computed default when the caller gave none
	RejectReason string  `json:"reject_reason,omitempty"`

	// PositionID is a provisional ID issued with Buy approvals;
	// RegisterPosition issues the authoritative one.
	PositionID string `json:"position_id,omitempty"`

	MaxPositionUSD float64 `json:"max_position_usd,omitempty"`
	// AllocationPct is the ledger total as a fraction of the balance
	// (0.65 = 65%), taken at decision time.
	AllocationPct float64 `json:"allocation_pct,omitempty"`
}

// ActivePosition is one ledger entry. Owned by the Service; all access goes
// through its lock.
type ActivePosition struct {
	Token       string    `json:"token"`
	SizeUSD     float64   `json:"size_usd"`
	AgentID     string    `json:"agent_id"`
	EntryTime   time.Time `json:"entry_time"`
	LastUpdated time.Time `json:"last_updated"`
	PositionID  string    `json:"position_id"`

	EntryPrice   float64 `json:"entry_price,omitempty"`
	CurrentPrice float64 `json:"current_price,omitempty"`
}

// Config fixes the allocator's limits at construction. Zero fields fall back
// to defaults.
type Config struct {
	BaseOrderUSD  float64 // standard order size and dynamic-sizing ceiling (default 25)
	DynamicSizing bool    // scale the base with the balance instead of using BaseOrderUSD flat

	BaseFraction             float64 // balance fraction for a new position (default 0.02)
	SmallAccountFraction     float64 // larger fraction for small accounts (default 0.05)
	SmallAccountThresholdUSD float64 // balance below this is "small" (default 1000)

	MaxIncreaseFraction float64 // max single increase as a balance fraction (default 0.05)
	MaxSingleFraction   float64 // per-position cap as a balance fraction (default 0.10)
	MaxTotalFraction    float64 // total allocation cap as a balance fraction (default 0.65)

	MaxPositions int     // new-position count limit (default 10)
	DustUSD      float64 // floor below which sizes are rejected or evicted (default 5)

	Retention     time.Duration // drop entries not updated for this long (default 7d)
	StaleAge      time.Duration // age component of the stale-small rule (default 24h)
	StaleFloorUSD float64       // size component of the stale-small rule (default 1)
	HardCap       int           // ledger size that triggers overflow eviction (default 50)
	SoftTarget    int           // ledger size overflow eviction cuts back to (default 30)
}

func (c Config) withDefaults() Config {
	if c.BaseOrderUSD <= 0 {
		c.BaseOrderUSD = 25
	}
	if c.BaseFraction <= 0 {
		c.BaseFraction = 0.02
	}
	if c.SmallAccountFraction <= 0 {
		c.SmallAccountFraction = 0.05
	}
	if c.SmallAccountThresholdUSD <= 0 {
		c.SmallAccountThresholdUSD = 1000
	}
	if c.MaxIncreaseFraction <= 0 {
		c.MaxIncreaseFraction = 0.05
	}
	if c.MaxSingleFraction <= 0 {
		c.MaxSingleFraction = 0.10
	}
	if c.MaxTotalFraction <= 0 {
		c.MaxTotalFraction = 0.65
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = 10
	}
	if c.DustUSD <= 0 {
		c.DustUSD = 5
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.StaleAge <= 0 {
		c.StaleAge = 24 * time.Hour
	}
	if c.StaleFloorUSD <= 0 {
		c.StaleFloorUSD = 1
	}
	if c.HardCap <= 0 {
		c.HardCap = 50
	}
	if c.SoftTarget <= 0 {
		c.SoftTarget = 30
	}
	if c.SoftTarget > c.HardCap {
		c.SoftTarget = c.HardCap
	}
	return c
}

// BalanceFunc returns the current account balance in USD. Implementations
// must be cheap and never fail: fall back to a cached or configured value
// internally (the sizing branches call this under the ledger lock).
type BalanceFunc func() float64

// Summary is the aggregate ledger view.
type Summary struct {
	Positions          int     `json:"positions"`
	MaxPositions       int     `json:"max_positions"`
	TotalAllocationUSD float64 `json:"total_allocation_usd"`
	AllocationPct      float64 `json:"allocation_pct"` // fraction of balance
	MaxAllocationPct   float64 `json:"max_allocation_pct"`
	AvailableUSD       float64 `json:"available_usd"`
	BalanceUSD         float64 `json:"balance_usd"`

	Holdings map[string]Holding `json:"holdings"`
}

// Holding is the per-token slice of a Summary.
type Holding struct {
	SizeUSD float64 `json:"size_usd"`
	AgentID string  `json:"agent_id"`
}

// MemoryStats reports ledger size and age statistics for /health.
type MemoryStats struct {
	Positions      int     `json:"positions"`
	TotalValueUSD  float64 `json:"total_value_usd"`
	DustPositions  int     `json:"dust_positions"`
	AvgAgeHours    float64 `json:"avg_age_hours"`
	OldestAgeHours float64 `json:"oldest_age_hours"`
}

// PositionEvent is the bus payload for position.* events.
type PositionEvent struct {
	Token      string  `json:"token"`
	AgentID    string  `json:"agent_id,omitempty"`
	SizeUSD    float64 `json:"size_usd,omitempty"`
	PositionID string  `json:"position_id,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// SizingEvent is the bus payload for sizing.rejected.
type SizingEvent struct {
	AgentID      string  `json:"agent_id"`
	Token        string  `json:"token"`
	Action       Action  `json:"action"`
	RequestedUSD float64 `json:"requested_usd"`
	Reason       string  `json:"reason,omitempty"`
}

type Service struct {
	mu        sync.Mutex
	cfg       Config
	balance   BalanceFunc
	log       logx.Logger
	bus       eventbus.Bus
	positions map[string]*ActivePosition
}

func New(cfg Config, balance BalanceFunc, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if balance == nil {
		balance = func() float64 { return 0 }
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		balance:   balance,
		log:       log,
		bus:       bus,
		positions: map[string]*ActivePosition{},
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
