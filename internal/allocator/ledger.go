package allocator

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "datafarm/pkg/logx"
)

// RegisterPosition adds or replaces the ledger entry for token and returns
// the authoritative position ID. The cleanup pass runs first so a stale or
// overflowing ledger cannot block fresh registrations.
func (s *Service) RegisterPosition(token string, sizeUSD float64, agentID string, entryPrice float64) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("allocator: token required")
	}
	if !(sizeUSD > 0) {
		return "", fmt.Errorf("allocator: position size must be positive, got %v", sizeUSD)
	}

	now := time.Now()
	s.mu.Lock()
	evicted := s.cleanupLocked(now)
	remaining := len(s.positions)

	if old, ok := s.positions[token]; ok {
		s.log.Warn("replacing existing position",
			logx.String("token", token),
			logx.Float64("old_usd", old.SizeUSD),
			logx.String("old_agent", old.AgentID),
			logx.Float64("new_usd", sizeUSD),
			logx.String("new_agent", agentID),
		)
	}
	id := uuid.NewString()
	s.positions[token] = &ActivePosition{
		Token:       token,
		SizeUSD:     sizeUSD,
		AgentID:     agentID,
		EntryTime:   now,
		LastUpdated: now,
		PositionID:  id,
		EntryPrice:  entryPrice,
	}
	count := len(s.positions)
	s.mu.Unlock()

	s.afterCleanup(evicted, remaining)
	s.log.Info("position registered",
		logx.String("token", token),
		logx.Float64("size_usd", sizeUSD),
		logx.String("agent", agentID),
		logx.Int("total", count),
	)
	s.publish("position.registered", PositionEvent{
		Token:      token,
		AgentID:    agentID,
		SizeUSD:    sizeUSD,
		PositionID: id,
	})
	return id, nil
}

// UpdatePosition rewrites the size (and optionally price) of an existing
// entry, reporting false for unknown tokens. No floor check here: an update
// below the dust threshold simply becomes an eviction target for the next
// cleanup pass.
func (s *Service) UpdatePosition(token string, newSizeUSD, currentPrice float64) bool {
	s.mu.Lock()
	p, ok := s.positions[token]
	if ok {
		p.SizeUSD = newSizeUSD
		p.LastUpdated = time.Now()
		if currentPrice > 0 {
			p.CurrentPrice = currentPrice
		}
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn("update for unknown position", logx.String("token", token))
		return false
	}
	s.log.Debug("position updated",
		logx.String("token", token),
		logx.Float64("size_usd", newSizeUSD),
	)
	s.publish("position.updated", PositionEvent{Token: token, SizeUSD: newSizeUSD})
	return true
}

// RemovePosition deletes the entry for token, reporting whether it existed.
func (s *Service) RemovePosition(token string) bool {
	s.mu.Lock()
	p, ok := s.positions[token]
	if ok {
		delete(s.positions, token)
	}
	remaining := len(s.positions)
	s.mu.Unlock()

	if !ok {
		s.log.Warn("remove for unknown position", logx.String("token", token))
		return false
	}
	s.log.Info("position removed",
		logx.String("token", token),
		logx.Float64("size_usd", p.SizeUSD),
		logx.Int("remaining", remaining),
	)
	s.publish("position.removed", PositionEvent{
		Token:      token,
		AgentID:    p.AgentID,
		SizeUSD:    p.SizeUSD,
		PositionID: p.PositionID,
	})
	return true
}

type evictionRecord struct {
	pos    ActivePosition
	reason string
}

// cleanupLocked is the bounded-memory eviction pass: structural, retention,
// validity, size, stale-small, then overflow, each step operating on the
// state the previous one left. Sorted-key iteration keeps the pass
// deterministic. Duplicate tokens cannot exist in a keyed map, so that rule
// holds structurally.
func (s *Service) cleanupLocked(now time.Time) []evictionRecord {
	var removed []evictionRecord
	drop := func(token, reason string) {
		if p, ok := s.positions[token]; ok {
			removed = append(removed, evictionRecord{pos: *p, reason: reason})
			delete(s.positions, token)
		}
	}

	for _, token := range s.sortedTokensLocked() {
		p := s.positions[token]
		age := now.Sub(p.LastUpdated)
		switch {
		case p.Token != token || p.PositionID == "" || p.EntryTime.IsZero() || p.LastUpdated.IsZero():
			drop(token, "corrupted entry")
		case age > s.cfg.Retention:
			drop(token, fmt.Sprintf("aged %.1fh without update", age.Hours()))
		case math.IsNaN(p.SizeUSD) || math.IsInf(p.SizeUSD, 0):
			drop(token, "invalid size")
		case p.SizeUSD <= 0:
			drop(token, "zero or negative size")
		case decimalLT(p.SizeUSD, s.cfg.DustUSD):
			drop(token, fmt.Sprintf("dust ($%.4f)", p.SizeUSD))
		case age > s.cfg.StaleAge && decimalLT(p.SizeUSD, s.cfg.StaleFloorUSD):
			drop(token, fmt.Sprintf("stale small position ($%.2f)", p.SizeUSD))
		}
	}

	if len(s.positions) > s.cfg.HardCap {
		victims := make([]*ActivePosition, 0, len(s.positions))
		for _, token := range s.sortedTokensLocked() {
			victims = append(victims, s.positions[token])
		}
		// Smallest first; among equal sizes the newer entry goes first, so
		// the cut keeps the largest and oldest positions.
		sort.SliceStable(victims, func(i, j int) bool {
			if c := decimalCompare(victims[i].SizeUSD, victims[j].SizeUSD); c != 0 {
				return c < 0
			}
			return victims[i].EntryTime.After(victims[j].EntryTime)
		})
		for _, p := range victims {
			if len(s.positions) <= s.cfg.SoftTarget {
				break
			}
			drop(p.Token, "overflow protection")
		}
	}

	return removed
}

func (s *Service) afterCleanup(evicted []evictionRecord, remaining int) {
	if len(evicted) == 0 {
		return
	}
	for _, e := range evicted {
		s.log.Debug("position evicted",
			logx.String("token", e.pos.Token),
			logx.String("reason", e.reason),
			logx.Float64("size_usd", e.pos.SizeUSD),
		)
		s.publish("position.evicted", PositionEvent{
			Token:      e.pos.Token,
			AgentID:    e.pos.AgentID,
			SizeUSD:    e.pos.SizeUSD,
			PositionID: e.pos.PositionID,
			Reason:     e.reason,
		})
	}
	s.log.Info("ledger cleanup removed positions",
		logx.Int("removed", len(evicted)),
		logx.Int("remaining", remaining),
	)
}

func (s *Service) sortedTokensLocked() []string {
	tokens := make([]string, 0, len(s.positions))
	for token := range s.positions {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}
