package allocator

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	logx "datafarm/pkg/logx"
)

// RequestSizing decides how much capital a request may consume. The ledger
// lock is held for the entire calculation so limits are judged against a
// stable view. Rejections come back as approved=false with a reason, never
// as errors.
func (s *Service) RequestSizing(req PositionRequest) PositionResponse {
	s.mu.Lock()
	balance := req.AccountBalanceUSD
	if !(balance > 0) {
		balance = s.balance()
	}

	var resp PositionResponse
	switch req.Action {
	case ActionBuy:
		resp = s.newPositionLocked(req, balance)
	case ActionIncrease, ActionDecrease:
		resp = s.modifyPositionLocked(req, balance)
	case ActionSell, ActionClose:
		resp = s.closePositionLocked(req, balance)
	default:
		resp = rejected(req.RequestedUSD, fmt.Sprintf("unsupported action %q", req.Action))
	}
	s.mu.Unlock()

	if resp.Approved {
		s.log.Debug("sizing approved",
			logx.String("agent", req.AgentID),
			logx.String("token", req.Token),
			logx.String("action", string(req.Action)),
			logx.Float64("approved_usd", resp.ApprovedUSD),
			logx.Float64("requested_usd", resp.RequestedUSD),
		)
		return resp
	}

	s.log.Info("sizing rejected",
		logx.String("agent", req.AgentID),
		logx.String("token", req.Token),
		logx.String("action", string(req.Action)),
		logx.Float64("requested_usd", resp.RequestedUSD),
		logx.String("reason", resp.RejectReason),
	)
	s.publish("sizing.rejected", SizingEvent{
		AgentID:      req.AgentID,
		Token:        req.Token,
		Action:       req.Action,
		RequestedUSD: resp.RequestedUSD,
		Reason:       resp.RejectReason,
	})
	return resp
}

func rejected(requested float64, reason string) PositionResponse {
	return PositionResponse{RequestedUSD: requested, RejectReason: reason}
}

func (s *Service) newPositionLocked(req PositionRequest, balance float64) PositionResponse {
	// A Buy for a token already in the ledger is a top-up, not a duplicate:
	// reroute before the count check so a full ledger still allows it.
	if pos, ok := s.positions[req.Token]; ok {
		s.log.Warn("position exists; treating buy as increase",
			logx.String("token", req.Token),
			logx.String("agent", req.AgentID),
			logx.Float64("current_usd", pos.SizeUSD),
		)
		mod := req
		mod.Action = ActionIncrease
		mod.CurrentPositionUSD = pos.SizeUSD
		return s.modifyPositionLocked(mod, balance)
	}

	if n := len(s.positions); n >= s.cfg.MaxPositions {
		return rejected(req.RequestedUSD,
			fmt.Sprintf("maximum positions reached (%d/%d)", n, s.cfg.MaxPositions))
	}

	base := s.cfg.BaseOrderUSD
	if s.cfg.DynamicSizing {
		frac := s.cfg.BaseFraction
		if decimalLT(balance, s.cfg.SmallAccountThresholdUSD) {
			frac = s.cfg.SmallAccountFraction
			s.log.Debug("small account; using larger base fraction",
				logx.Float64("balance_usd", balance),
				logx.Float64("fraction", frac),
			)
		}
		base = minDec(mulDec(balance, frac), s.cfg.BaseOrderUSD)
	}

	size := base
	requested := req.RequestedUSD
	if requested > 0 {
		if decimalGT(requested, 2*base) {
			size = minDec(requested, mulDec(base, 1.5))
			s.log.Warn("requested size far above computed base; clamping",
				logx.Float64("requested_usd", requested),
				logx.Float64("base_usd", base),
				logx.Float64("clamped_usd", size),
			)
		} else {
			size = requested
		}
	} else {
		requested = base
	}

	ok, reason, approved := s.applySafetyLimitsLocked(size, balance, 0)
	if !ok {
		return rejected(requested, reason)
	}
	return PositionResponse{
		Approved:       true,
		ApprovedUSD:    approved,
		RequestedUSD:   requested,
		PositionID:     uuid.NewString(),
		MaxPositionUSD: mulDec(balance, s.cfg.MaxSingleFraction),
		AllocationPct:  s.allocationPctLocked(balance),
	}
}

func (s *Service) modifyPositionLocked(req PositionRequest, balance float64) PositionResponse {
	current := req.CurrentPositionUSD

	if req.Action == ActionDecrease {
		requested := req.RequestedUSD
		switch {
		case requested > 0:
			requested = minDec(requested, current)
		case req.ChangePct != 0:
			requested = mulDec(current, math.Abs(req.ChangePct)/100)
		default:
			requested = mulDec(current, 0.5)
		}
		approved := minDec(requested, current)
		if ok, reason := s.sizeFloors(approved); !ok {
			return rejected(requested, reason)
		}
		return PositionResponse{
			Approved:      true,
			ApprovedUSD:   approved,
			RequestedUSD:  requested,
			AllocationPct: s.allocationPctLocked(balance),
		}
	}

	maxDelta := mulDec(balance, s.cfg.MaxIncreaseFraction)
	requested := req.RequestedUSD
	if requested <= 0 {
		if req.ChangePct != 0 {
			requested = mulDec(current, math.Abs(req.ChangePct)/100)
		} else {
			requested = mulDec(maxDelta, 0.5)
		}
	}
	delta := minDec(requested, maxDelta)

	maxSingle := mulDec(balance, s.cfg.MaxSingleFraction)
	if decimalGT(addDec(current, delta), maxSingle) {
		delta = math.Max(0, subDec(maxSingle, current))
		if decimalLT(delta, s.cfg.DustUSD) {
			return rejected(requested, "increase would exceed single position limit")
		}
	}

	ok, reason, approved := s.applySafetyLimitsLocked(delta, balance, current)
	if !ok {
		return rejected(requested, reason)
	}
	return PositionResponse{
		Approved:       true,
		ApprovedUSD:    approved,
		RequestedUSD:   requested,
		MaxPositionUSD: maxSingle,
		AllocationPct:  s.allocationPctLocked(balance),
	}
}

func (s *Service) closePositionLocked(req PositionRequest, balance float64) PositionResponse {
	current := req.CurrentPositionUSD
	requested := req.RequestedUSD

	approved := current
	if requested > 0 && decimalLT(requested, current) {
		// partial close
		approved = requested
	}
	if requested <= 0 {
		requested = current
	}

	if ok, reason := s.sizeFloors(approved); !ok {
		return rejected(requested, reason)
	}
	return PositionResponse{
		Approved:      true,
		ApprovedUSD:   approved,
		RequestedUSD:  requested,
		AllocationPct: s.allocationPctLocked(balance),
	}
}

// sizeFloors is the hard floor every action shares: nothing at or below zero
// or under the dust threshold moves, reductions included.
func (s *Service) sizeFloors(size float64) (bool, string) {
	if !(size > 0) {
		return false, "position size must be positive"
	}
	if decimalLT(size, s.cfg.DustUSD) {
		return false, fmt.Sprintf("position size below dust threshold ($%.2f)", s.cfg.DustUSD)
	}
	return true, ""
}

// applySafetyLimitsLocked is the shared filter for capital-adding branches.
// current <= 0 means "no existing position" (the Buy path).
func (s *Service) applySafetyLimitsLocked(size, balance, current float64) (bool, string, float64) {
	if ok, reason := s.sizeFloors(size); !ok {
		return false, reason, 0
	}

	maxSingle := mulDec(balance, s.cfg.MaxSingleFraction)
	if current > 0 {
		avail := subDec(maxSingle, current)
		if decimalGT(size, avail) {
			if decimalLT(avail, s.cfg.DustUSD) {
				return false, "single position limit reached", 0
			}
			s.log.Debug("size clipped to single position headroom",
				logx.Float64("size_usd", size),
				logx.Float64("headroom_usd", avail),
			)
			size = avail
		}
	} else if decimalGT(size, maxSingle) {
		s.log.Debug("size clipped to single position limit",
			logx.Float64("size_usd", size),
			logx.Float64("limit_usd", maxSingle),
		)
		size = maxSingle
	}

	availTotal := subDec(mulDec(balance, s.cfg.MaxTotalFraction), s.totalAllocationLocked())
	if decimalGT(size, availTotal) {
		if decimalLT(availTotal, s.cfg.DustUSD) {
			return false, "total allocation limit reached", 0
		}
		s.log.Debug("size clipped to total allocation headroom",
			logx.Float64("size_usd", size),
			logx.Float64("headroom_usd", availTotal),
		)
		size = availTotal
	}

	if outer := 2 * s.cfg.BaseOrderUSD; decimalGT(size, outer) {
		s.log.Debug("size clipped to outer order bound",
			logx.Float64("size_usd", size),
			logx.Float64("bound_usd", outer),
		)
		size = outer
	}
	return true, "", size
}

func (s *Service) totalAllocationLocked() float64 {
	total := decimal.Zero
	for _, p := range s.positions {
		total = total.Add(decFromFloat(p.SizeUSD))
	}
	return decToFloat(total)
}

func (s *Service) allocationPctLocked(balance float64) float64 {
	if !(balance > 0) {
		return 0
	}
	return decToFloat(decFromFloat(s.totalAllocationLocked()).Div(decFromFloat(balance)))
}
