package router

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/scheduler"
	"datafarm/internal/storage"
	kit "datafarm/internal/transport"
)

// Builtin returns the operator command set. Handlers read their ports
// from req.Services and tolerate nil entries, so the same set works in
// minimal environments.
func Builtin() []Command {
	return []Command{
		{
			Route:       "status",
			Aliases:     []string{"st"},
			Description: "agent schedule table",
			Usage:       "/status",
			Access:      AccessOwnerOnly,
			Handle:      handleStatus,
		},
		{
			Route:       "positions",
			Aliases:     []string{"pos"},
			Description: "position ledger and capital use",
			Usage:       "/positions",
			Access:      AccessOwnerOnly,
			Handle:      handlePositions,
		},
		{
			Route:       "stats",
			Description: "ledger size and age stats",
			Usage:       "/stats",
			Access:      AccessOwnerOnly,
			Handle:      handleStats,
		},
		{
			Route:       "runs",
			Description: "recent agent runs from the journal",
			Usage:       "/runs [n]",
			Access:      AccessOwnerOnly,
			Handle:      handleRuns,
		},
		{
			Route:       "pause",
			Description: "pause agent dispatch",
			Usage:       "/pause",
			Access:      AccessOwnerOnly,
			Handle:      handlePause,
		},
		{
			Route:       "resume",
			Description: "resume agent dispatch",
			Usage:       "/resume",
			Access:      AccessOwnerOnly,
			Handle:      handleResume,
		},
		{
			Route:       "health",
			Description: "subsystem health overview",
			Usage:       "/health",
			Access:      AccessOwnerOnly,
			Handle:      handleHealth,
		},
	}
}

func replyHTML(ctx context.Context, req *Request, text string) error {
	_, err := req.Adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

func handleStatus(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil || s.Scheduler == nil {
		return replyHTML(ctx, req, "scheduler unavailable")
	}
	return replyHTML(ctx, req, formatStatus(s.Scheduler.Snapshot(), time.Now()))
}

func handlePositions(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil || s.Allocator == nil {
		return replyHTML(ctx, req, "allocator unavailable")
	}
	return replyHTML(ctx, req, formatPositions(s.Allocator.Summary()))
}

func handleStats(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil || s.Allocator == nil {
		return replyHTML(ctx, req, "allocator unavailable")
	}
	return replyHTML(ctx, req, formatStats(s.Allocator.MemoryStats()))
}

func handleRuns(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil || s.Store == nil {
		return replyHTML(ctx, req, "storage disabled")
	}
	limit := 10
	if len(req.Args) > 0 {
		if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 {
			if n > 50 {
				n = 50
			}
			limit = n
		}
	}
	entries, err := s.Store.RecentRuns(ctx, limit)
	if err != nil {
		return replyHTML(ctx, req, "journal read failed: "+html.EscapeString(err.Error()))
	}
	return replyHTML(ctx, req, formatRuns(entries))
}

func handlePause(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil || s.Scheduler == nil {
		return replyHTML(ctx, req, "scheduler unavailable")
	}
	if s.Scheduler.Paused() {
		return replyHTML(ctx, req, "already paused")
	}
	s.Scheduler.Pause()
	req.Logger.Info("dispatch paused by operator")
	return replyHTML(ctx, req, "⏸ dispatch paused. running agents finish their slot; nothing new launches until /resume.")
}

func handleResume(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil || s.Scheduler == nil {
		return replyHTML(ctx, req, "scheduler unavailable")
	}
	if !s.Scheduler.Paused() {
		return replyHTML(ctx, req, "not paused")
	}
	s.Scheduler.Resume()
	req.Logger.Info("dispatch resumed by operator")
	return replyHTML(ctx, req, "▶️ dispatch resumed")
}

func handleHealth(ctx context.Context, req *Request) error {
	s := req.Services
	if s == nil {
		return replyHTML(ctx, req, "services unavailable")
	}
	v := healthView{}
	if s.Scheduler != nil {
		snap := s.Scheduler.Snapshot()
		v.hasScheduler = true
		v.schedRunning = snap.Running
		v.schedPaused = snap.Paused
		v.agents = len(snap.Agents)
		v.inFlight = snap.InFlight
		for _, a := range snap.Agents {
			if a.ErrorCount > 0 {
				v.degraded = append(v.degraded, fmt.Sprintf("%s (%d)", a.ID, a.ErrorCount))
			}
		}
	}
	if s.Allocator != nil {
		ms := s.Allocator.MemoryStats()
		v.hasLedger = true
		v.positions = ms.Positions
		v.totalUSD = ms.TotalValueUSD
		v.dust = ms.DustPositions
	}
	if s.RuntimeSupervisors != nil {
		for _, name := range s.RuntimeSupervisors.Names() {
			sup := s.RuntimeSupervisors.Get(name)
			if sup == nil {
				continue
			}
			c := sup.Counters()
			row := supRow{name: name, active: c.Active, started: c.Started}
			if err := sup.Err(); err != nil {
				row.firstErr = err.Error()
			}
			v.sups = append(v.sups, row)
		}
	}
	if s.AppSupervisor != nil {
		c := s.AppSupervisor.Counters()
		row := supRow{name: "app", active: c.Active, started: c.Started}
		if err := s.AppSupervisor.Err(); err != nil {
			row.firstErr = err.Error()
		}
		v.sups = append([]supRow{row}, v.sups...)
	}
	return replyHTML(ctx, req, formatHealth(v))
}

// ---- formatting ----

func formatStatus(snap scheduler.Snapshot, now time.Time) string {
	title := "🤖 <b>Agents</b>"
	switch {
	case snap.Paused:
		title += " (paused)"
	case !snap.Running:
		title += " (stopped)"
	}
	lines := []string{title}
	if len(snap.Agents) == 0 {
		lines = append(lines, "no agents registered")
		return strings.Join(lines, "\n")
	}

	for _, a := range snap.Agents {
		icon := "✅"
		if a.Status == "running" {
			icon = "🔁"
		} else if a.ErrorCount > 0 {
			icon = "⚠️"
		}

		b := &strings.Builder{}
		fmt.Fprintf(b, "%s <code>%s</code> %s", icon, html.EscapeString(a.ID), a.Status)
		if a.Status == "running" && !a.StartedAt.IsZero() {
			fmt.Fprintf(b, " %s", humanDur(now.Sub(a.StartedAt)))
		}
		if a.ErrorCount > 0 {
			fmt.Fprintf(b, ", errs %d/%d", a.ErrorCount, a.MaxRetries)
		}
		fmt.Fprintf(b, " - next %s", humanUntil(a.NextRun, now))
		if !a.LastRun.IsZero() {
			fmt.Fprintf(b, ", last %s ago", humanDur(now.Sub(a.LastRun)))
		} else {
			b.WriteString(", never ran")
		}
		lines = append(lines, "• "+b.String())
	}

	foot := fmt.Sprintf("sweep %s, in-flight %d", humanDur(snap.SweepInterval), snap.InFlight)
	if snap.Timezone != "" {
		foot += ", tz " + html.EscapeString(snap.Timezone)
	}
	lines = append(lines, "", foot)
	return strings.Join(lines, "\n")
}

func formatPositions(sum allocator.Summary) string {
	lines := []string{fmt.Sprintf("📦 <b>Positions</b> %d/%d", sum.Positions, sum.MaxPositions)}
	lines = append(lines, fmt.Sprintf(
		"balance $%.2f, allocated $%.2f (%.1f%% of %.1f%% cap), free $%.2f",
		sum.BalanceUSD, sum.TotalAllocationUSD,
		sum.AllocationPct*100, sum.MaxAllocationPct*100,
		sum.AvailableUSD,
	))

	if len(sum.Holdings) == 0 {
		lines = append(lines, "", "no open positions")
		return strings.Join(lines, "\n")
	}

	type row struct {
		token string
		h     allocator.Holding
	}
	rows := make([]row, 0, len(sum.Holdings))
	for t, h := range sum.Holdings {
		rows = append(rows, row{token: t, h: h})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].h.SizeUSD != rows[j].h.SizeUSD {
			return rows[i].h.SizeUSD > rows[j].h.SizeUSD
		}
		return rows[i].token < rows[j].token
	})

	lines = append(lines, "")
	for _, r := range rows {
		lines = append(lines, fmt.Sprintf("• <code>%s</code> $%.2f (%s)",
			html.EscapeString(r.token), r.h.SizeUSD, html.EscapeString(r.h.AgentID)))
	}
	return strings.Join(lines, "\n")
}

func formatStats(ms allocator.MemoryStats) string {
	return strings.Join([]string{
		"🧠 <b>Ledger stats</b>",
		fmt.Sprintf("positions %d, total $%.2f", ms.Positions, ms.TotalValueUSD),
		fmt.Sprintf("dust %d, avg age %.1fh, oldest %.1fh", ms.DustPositions, ms.AvgAgeHours, ms.OldestAgeHours),
	}, "\n")
}

func formatRuns(entries []storage.RunEntry) string {
	if len(entries) == 0 {
		return "🗒 <b>Recent runs</b>\njournal is empty"
	}
	lines := []string{fmt.Sprintf("🗒 <b>Recent runs</b> (%d)", len(entries))}
	for _, e := range entries {
		mark := "ok"
		switch e.Status {
		case storage.RunFailure:
			mark = "FAIL"
		case storage.RunTimeout:
			mark = "TIMEOUT"
		}
		b := &strings.Builder{}
		fmt.Fprintf(b, "• %s <code>%s</code> %s %s",
			e.At.Format("15:04:05"), html.EscapeString(e.Agent), mark,
			humanDur(time.Duration(e.TookMS)*time.Millisecond))
		if e.Error != "" {
			fmt.Fprintf(b, " - %s", html.EscapeString(truncate(e.Error, 80)))
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\n")
}

type supRow struct {
	name     string
	active   int64
	started  uint64
	firstErr string
}

type healthView struct {
	hasScheduler bool
	schedRunning bool
	schedPaused  bool
	agents       int
	inFlight     int
	degraded     []string

	hasLedger bool
	positions int
	totalUSD  float64
	dust      int

	sups []supRow
}

func formatHealth(v healthView) string {
	lines := []string{"❤️ <b>Health</b>"}

	if v.hasScheduler {
		state := "running"
		if v.schedPaused {
			state = "paused"
		} else if !v.schedRunning {
			state = "stopped"
		}
		lines = append(lines, fmt.Sprintf("scheduler: %s, %d agents, %d in-flight", state, v.agents, v.inFlight))
		if len(v.degraded) > 0 {
			lines = append(lines, "degraded: "+html.EscapeString(strings.Join(v.degraded, ", ")))
		}
	} else {
		lines = append(lines, "scheduler: unavailable")
	}

	if v.hasLedger {
		lines = append(lines, fmt.Sprintf("ledger: %d positions ($%.2f), dust %d", v.positions, v.totalUSD, v.dust))
	}

	if len(v.sups) > 0 {
		lines = append(lines, "", "<b>Supervisors</b>")
		for _, s := range v.sups {
			row := fmt.Sprintf("• <code>%s</code> %d active / %d started", html.EscapeString(s.name), s.active, s.started)
			if s.firstErr != "" {
				row += " ⚠️ " + html.EscapeString(truncate(s.firstErr, 60))
			}
			lines = append(lines, row)
		}
	}
	return strings.Join(lines, "\n")
}

// humanDur renders a duration compactly: 450ms, 12s, 3m20s, 2h5m.
func humanDur(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	switch {
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	case d < time.Minute:
		return d.Round(time.Second).String()
	case d < time.Hour:
		return d.Round(time.Second).String()
	default:
		return d.Round(time.Minute).String()
	}
}

// humanUntil renders a future timestamp relative to now.
func humanUntil(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d <= 0 {
		return "due"
	}
	return "in " + humanDur(d)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
