package notifier

import (
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int           // default 2
	QueueSize       int           // default 512
	RatePerSec      int           // default 3
	RetryMax        int           // extra attempts after the first; default 0
	RetryBase       time.Duration // default 500ms
	RetryMaxDelay   time.Duration // default 10s
	DedupWindow     time.Duration // 0 disables dedup
	DedupMaxEntries int           // default 2000
	PersistDedup    bool          // write windows through the store
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// HistoryItem is one sent notification, kept for /health.
type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is the bus payload for notifier.* lifecycle events
// (queued, sent, deduped, dropped, failed). Keep it small; subscribers may
// log or persist it.
type NotificationEvent struct {
	Channel  string    `json:"channel"`
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}
