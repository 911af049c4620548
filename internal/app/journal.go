package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"datafarm/internal/allocator"
	"datafarm/internal/eventbus"
	"datafarm/internal/scheduler"
	"datafarm/internal/storage"
	logx "datafarm/pkg/logx"
)

const journalWriteTimeout = 2 * time.Second

// runJournal drains bus events into the journal store and turns the
// operational ones (timeouts, backoff pushes, rejection bursts) into
// operator alerts. Both edges are best-effort: a slow store or a full
// notifier queue never reaches back into the publishing service.
func (a *App) runJournal(ctx context.Context, events <-chan eventbus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			a.journalEvent(ctx, e)
		}
	}
}

func (a *App) journalEvent(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case "agent.run.finished", "agent.run.failed", "agent.run.timeout":
		ev, ok := e.Data.(scheduler.RunEvent)
		if !ok {
			return
		}
		a.appendRun(ctx, ev)
		if e.Type == "agent.run.timeout" {
			a.alertf(ctx, "timeout:"+ev.Agent,
				"⏱ agent %s blew its runtime budget after %s",
				ev.Agent, ev.Duration.Round(time.Millisecond))
		}
	case "agent.backoff":
		ev, ok := e.Data.(scheduler.BackoffEvent)
		if !ok {
			return
		}
		a.alertf(ctx, "backoff:"+ev.Agent,
			"🐌 agent %s degraded after %d consecutive errors; backing off %s",
			ev.Agent, ev.ErrorCount, ev.Backoff.Round(time.Second))
	case "sizing.rejected":
		ev, ok := e.Data.(allocator.SizingEvent)
		if !ok {
			return
		}
		a.noteSizingReject(ctx, e.Time, ev)
	case "position.registered", "position.updated", "position.removed", "position.evicted":
		ev, ok := e.Data.(allocator.PositionEvent)
		if !ok {
			return
		}
		a.appendPosition(ctx, e.Type, e.Time, ev)
	}
}

func (a *App) appendRun(ctx context.Context, ev scheduler.RunEvent) {
	if a.store == nil {
		return
	}
	status := storage.RunFailure
	switch {
	case ev.Success:
		status = storage.RunSuccess
	case ev.Timeout:
		status = storage.RunTimeout
	}

	wctx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
	defer cancel()
	err := a.store.AppendRun(wctx, storage.RunEntry{
		At:         ev.Started,
		Agent:      ev.Agent,
		Status:     status,
		TookMS:     ev.Duration.Milliseconds(),
		Error:      ev.Error,
		ErrorCount: ev.ErrorCount,
	})
	if err != nil {
		a.log.Warn("run journal write failed",
			logx.String("agent", ev.Agent),
			logx.Any("err", err),
		)
	}
}

func (a *App) appendPosition(ctx context.Context, typ string, at time.Time, ev allocator.PositionEvent) {
	if a.store == nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}

	wctx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
	defer cancel()
	err := a.store.AppendPositionEvent(wctx, storage.PositionEntry{
		At:         at,
		Event:      strings.TrimPrefix(typ, "position."),
		Token:      ev.Token,
		Agent:      ev.AgentID,
		SizeUSD:    ev.SizeUSD,
		PositionID: ev.PositionID,
		Reason:     ev.Reason,
	})
	if err != nil {
		a.log.Warn("position journal write failed",
			logx.String("token", ev.Token),
			logx.Any("err", err),
		)
	}
}

// One sizing rejection is an ordinary allocator answer; a burst usually
// means an agent is stuck retrying against an exhausted cap.
const (
	sizingRejectWindow    = 5 * time.Minute
	sizingRejectThreshold = 10
)

// sizingRejects counts rejections per window. Owned by the journal
// goroutine, so no lock.
type sizingRejects struct {
	windowStart time.Time
	count       int
}

// note records one rejection and reports whether the window just crossed
// the alert threshold (true exactly once per window).
func (w *sizingRejects) note(at time.Time) bool {
	if w.windowStart.IsZero() || at.Sub(w.windowStart) > sizingRejectWindow {
		*w = sizingRejects{windowStart: at}
	}
	w.count++
	return w.count == sizingRejectThreshold
}

func (a *App) noteSizingReject(ctx context.Context, at time.Time, ev allocator.SizingEvent) {
	if at.IsZero() {
		at = time.Now()
	}
	if a.rejects.note(at) {
		a.alertf(ctx, "sizing.rejected",
			"🚫 sizing rejections piling up: %d in %s (last: %s %s, %s)",
			a.rejects.count, sizingRejectWindow, ev.AgentID, ev.Token, ev.Reason)
	}
}

func (a *App) alertf(ctx context.Context, key, format string, args ...any) {
	if a.alerts == nil {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
	defer cancel()
	if err := a.alerts.Alert(nctx, key, fmt.Sprintf(format, args...)); err != nil {
		a.log.Debug("operator alert dropped", logx.String("key", key), logx.Any("err", err))
	}
}
