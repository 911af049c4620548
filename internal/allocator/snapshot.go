package allocator

import "time"

// Summary aggregates the ledger against the current balance.
func (s *Service) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalAllocationLocked()
	balance := s.balance()

	sum := Summary{
		Positions:          len(s.positions),
		MaxPositions:       s.cfg.MaxPositions,
		TotalAllocationUSD: total,
		AllocationPct:      s.allocationPctLocked(balance),
		MaxAllocationPct:   s.cfg.MaxTotalFraction,
		AvailableUSD:       subDec(mulDec(balance, s.cfg.MaxTotalFraction), total),
		BalanceUSD:         balance,
		Holdings:           make(map[string]Holding, len(s.positions)),
	}
	for token, p := range s.positions {
		sum.Holdings[token] = Holding{SizeUSD: p.SizeUSD, AgentID: p.AgentID}
	}
	return sum
}

// MemoryStats reports ledger count/value/age statistics; a momentary lock,
// no blocking of writers beyond the snapshot.
func (s *Service) MemoryStats() MemoryStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := MemoryStats{Positions: len(s.positions)}
	if len(s.positions) == 0 {
		return st
	}

	now := time.Now()
	var totalAge float64
	for _, p := range s.positions {
		st.TotalValueUSD = addDec(st.TotalValueUSD, p.SizeUSD)
		if decimalLT(p.SizeUSD, s.cfg.DustUSD) {
			st.DustPositions++
		}
		age := now.Sub(p.LastUpdated).Hours()
		totalAge += age
		if age > st.OldestAgeHours {
			st.OldestAgeHours = age
		}
	}
	st.AvgAgeHours = totalAge / float64(len(s.positions))
	return st
}

// Position returns a copy of one ledger entry.
func (s *Service) Position(token string) (ActivePosition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[token]
	if !ok {
		return ActivePosition{}, false
	}
	return *p, true
}

// Positions returns a copy of the ledger in token order.
func (s *Service) Positions() []ActivePosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActivePosition, 0, len(s.positions))
	for _, token := range s.sortedTokensLocked() {
		out = append(out, *s.positions[token])
	}
	return out
}
