// Package sdnotify reports process lifecycle to the systemd service
// manager: READY once startup finishes, WATCHDOG pulses while healthy,
// STOPPING when shutdown begins. Every call is a no-op when the process
// does not run under systemd (no NOTIFY_SOCKET).
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "datafarm/pkg/logx"
)

// Ready tells systemd startup has finished (Type=notify units leave
// "activating"). Returns false when not running under systemd.
func Ready() bool {
	sent, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return sent
}

// Stopping announces that shutdown has begun, so systemd attributes the
// stop to us instead of a hang.
func Stopping() bool {
	sent, _ := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return sent
}

// WatchdogInterval returns the configured watchdog interval and whether
// the watchdog is armed for this process.
func WatchdogInterval() (time.Duration, bool) {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil || iv <= 0 {
		return 0, false
	}
	return iv, true
}

// RunWatchdog blocks pulsing WATCHDOG=1 at half the configured interval
// until ctx ends. It returns immediately when the watchdog is not
// armed, so it is safe to run unconditionally under a supervisor.
func RunWatchdog(ctx context.Context, log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	iv, ok := WatchdogInterval()
	if !ok {
		log.Debug("systemd watchdog not armed")
		return
	}

	// Half the interval keeps one missed pulse from killing the unit.
	tick := iv / 2
	if tick <= 0 {
		tick = time.Second
	}
	log.Info("systemd watchdog started", logx.Duration("interval", iv), logx.Duration("pulse", tick))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("watchdog pulse failed", logx.Err(err))
			}
		}
	}
}
