package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "datafarm/pkg/logx"
)

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		pause := s.sweepInterval()
		if err := s.sweep(ctx, stopCh); err != nil {
			s.log.Error("sweep failed", logx.Err(err))
			pause = s.errorSleep()
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

// sweep walks the agents in priority order and runs each due one to
// completion or timeout before checking the next, pausing briefly between
// dispatches. A panic is contained here so the loop survives with a longer
// sleep.
func (s *Service) sweep(ctx context.Context, stopCh <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("panic in sweep",
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()

	s.mu.Lock()
	skip := s.paused || !s.cfg.Enabled
	order := make([]*task, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()
	if skip {
		return nil
	}

	for _, t := range order {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if !s.shouldRun(t, time.Now()) {
			continue
		}
		s.executeSafely(ctx, t)

		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(s.launchPause()):
		}
	}
	return nil
}

// shouldRun reports whether t is due. A descriptor stuck in Running past its
// max runtime is forcibly reset and becomes eligible again; the old execution
// is abandoned, not killed, and its eventual completion is dropped by the
// sequence guard in updateSchedule.
func (s *Service) shouldRun(t *task, now time.Time) bool {
	s.mu.Lock()

	if t.status == StatusRunning {
		if t.maxRuntime > 0 && now.Sub(t.startedAt) > t.maxRuntime {
			started := t.startedAt
			t.status = StatusIdle
			t.startedAt = time.Time{}
			t.errorCount++
			t.timeouts++
			t.lastErr = "max runtime exceeded"
			t.lastErrAt = now
			errCount := t.errorCount
			s.mu.Unlock()

			s.log.Warn("agent stuck past max runtime; resetting",
				logx.String("agent", t.id),
				logx.Duration("max_runtime", t.maxRuntime),
				logx.Uint("error_count", errCount),
			)
			s.record(RunRecord{
				Agent:    t.id,
				Started:  started,
				Duration: now.Sub(started),
				Timeout:  true,
				Error:    "max runtime exceeded",
			})
			s.publish("agent.run.timeout", RunEvent{
				Agent:      t.id,
				Started:    started,
				Duration:   now.Sub(started),
				Timeout:    true,
				Error:      "max runtime exceeded",
				ErrorCount: errCount,
			})
			return true
		}
		s.mu.Unlock()
		return false
	}

	due := !now.Before(t.nextRun)
	s.mu.Unlock()
	return due
}

// executeSafely transitions t to Running and runs its body, returning only
// when the run finishes, times out, or shutdown cancels it. A racing second
// dispatch is a no-op thanks to the status guard.
func (s *Service) executeSafely(ctx context.Context, t *task) {
	s.mu.Lock()
	if t.status == StatusRunning {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	t.status = StatusRunning
	t.startedAt = now
	t.runSeq++
	t.runs++
	seq := t.runSeq
	s.inFlight++
	s.mu.Unlock()

	s.log.Debug("agent run started", logx.String("agent", t.id), logx.Uint64("seq", seq))
	s.publish("agent.run.started", RunEvent{Agent: t.id, Started: now})

	s.runBody(ctx, t, seq, now)
}

type bodyResult struct {
	ok  bool
	err error
}

// runBody executes the agent under its max runtime budget. On timeout the
// body goroutine is abandoned; it keeps running until it notices its context.
func (s *Service) runBody(parent context.Context, t *task, seq uint64, started time.Time) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(parent, t.maxRuntime)
	defer cancel()

	done := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("agent panicked",
					logx.String("agent", t.id),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				done <- bodyResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		ok, err := t.body.Execute(runCtx)
		done <- bodyResult{ok: ok, err: err}
	}()

	var (
		success  bool
		timedOut bool
		runErr   error
	)
	select {
	case r := <-done:
		success = r.ok && r.err == nil
		runErr = r.err
		switch {
		case errors.Is(runErr, context.DeadlineExceeded):
			timedOut = true
		case !success && parent.Err() != nil && errors.Is(runErr, context.Canceled):
			// The body unwound because shutdown canceled it.
			s.interrupted(t, seq)
			return
		}
	case <-runCtx.Done():
		if parent.Err() != nil {
			s.interrupted(t, seq)
			return
		}
		timedOut = true
		runErr = fmt.Errorf("max runtime %s exceeded", t.maxRuntime)
	}

	s.updateSchedule(t, seq, started, success, timedOut, runErr)
}

// interrupted puts t back to Idle without failure accounting; used when the
// scheduler shuts down mid-run.
func (s *Service) interrupted(t *task, seq uint64) {
	s.mu.Lock()
	if t.runSeq != seq || t.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	t.status = StatusIdle
	t.startedAt = time.Time{}
	t.nextRun = t.nextAfter(time.Now())
	s.mu.Unlock()

	s.log.Debug("agent run interrupted by shutdown", logx.String("agent", t.id))
}

// updateSchedule is the single writer of post-run schedule state. Stale
// completions are dropped: the sweep may have already reset a stuck
// descriptor and redispatched it under a newer sequence.
func (s *Service) updateSchedule(t *task, seq uint64, started time.Time, success, timedOut bool, runErr error) {
	now := time.Now()
	dur := now.Sub(started)

	s.mu.Lock()
	if t.runSeq != seq || t.status != StatusRunning {
		s.mu.Unlock()
		s.log.Debug("schedule update dropped for stale run",
			logx.String("agent", t.id),
			logx.Uint64("seq", seq),
		)
		return
	}

	t.lastRun = now
	t.status = StatusIdle
	t.startedAt = time.Time{}

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
	}

	if success {
		t.errorCount = 0
		t.lastErr = ""
	} else {
		t.errorCount++
		t.fails++
		if timedOut {
			t.timeouts++
		}
		if errText == "" {
			errText = "agent reported failure"
		}
		t.lastErr = errText
		t.lastErrAt = now
	}

	next := t.nextAfter(now)
	var backoff time.Duration
	if !success && t.errorCount >= t.maxRetries {
		backoff = 2 * t.interval
		if backoff > s.cfg.BackoffCap {
			backoff = s.cfg.BackoffCap
		}
		delayed := now.Add(backoff)
		if t.kind == SpecCron {
			// Never fire earlier than the cron expression allows.
			if delayed.After(next) {
				next = delayed
			} else {
				backoff = 0
			}
		} else {
			next = delayed
		}
	}
	t.nextRun = next
	errCount := t.errorCount
	s.mu.Unlock()

	s.record(RunRecord{
		Agent:    t.id,
		Started:  started,
		Duration: dur,
		Success:  success,
		Timeout:  timedOut,
		Error:    errText,
	})

	ev := RunEvent{
		Agent:      t.id,
		Started:    started,
		Duration:   dur,
		Success:    success,
		Timeout:    timedOut,
		Error:      errText,
		ErrorCount: errCount,
		NextRun:    next,
	}
	switch {
	case success:
		s.log.Debug("agent run finished",
			logx.String("agent", t.id),
			logx.Duration("dur", dur),
		)
		s.publish("agent.run.finished", ev)
	case timedOut:
		s.log.Warn("agent run timed out",
			logx.String("agent", t.id),
			logx.Duration("dur", dur),
			logx.Duration("max_runtime", t.maxRuntime),
			logx.Uint("error_count", errCount),
		)
		s.publish("agent.run.timeout", ev)
	default:
		s.log.Warn("agent run failed",
			logx.String("agent", t.id),
			logx.Duration("dur", dur),
			logx.String("err", errText),
			logx.Uint("error_count", errCount),
		)
		s.publish("agent.run.failed", ev)
	}

	if backoff > 0 {
		s.log.Warn("agent degraded; backing off",
			logx.String("agent", t.id),
			logx.Uint("error_count", errCount),
			logx.Duration("backoff", backoff),
			logx.Time("next_run", next),
		)
		s.publish("agent.backoff", BackoffEvent{
			Agent:      t.id,
			ErrorCount: errCount,
			Backoff:    backoff,
			NextRun:    next,
		})
	}
}

// nextAfter computes the plain (non-backoff) next run following now.
func (t *task) nextAfter(now time.Time) time.Time {
	if t.kind == SpecCron {
		return t.cronSch.Next(now)
	}
	return now.Add(t.interval)
}

func (s *Service) record(r RunRecord) {
	limit := s.historySize()
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, r)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}
