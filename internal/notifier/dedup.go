package notifier

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"datafarm/internal/storage"
	"datafarm/internal/transport"
)

// notificationKey prefers the caller's explicit condition key so repeats
// dedup even when the rendered text differs (error strings vary run to run).
// Without one, the key is a content hash; without a channel, no dedup.
func notificationKey(n transport.Notification) string {
	if n.Channel == "" {
		return ""
	}
	if n.Key != "" {
		return fmt.Sprintf("%s|%d:%d|%s", n.Channel, n.Target.ChatID, n.Target.ThreadID, n.Key)
	}
	h := fnv.New64a()
	h.Write([]byte(n.Channel))
	h.Write([]byte("|"))
	fmt.Fprintf(h, "%d:%d:%d|", n.Target.ChatID, n.Target.ThreadID, n.Priority)
	h.Write([]byte(n.Text))
	return fmt.Sprintf("%x", h.Sum64())
}

// allowOnce reports whether key is outside its suppression window and, if
// so, opens a new window. The persistent lookup is best-effort and tightly
// bounded so a slow store cannot stall enqueues.
func (s *Service) allowOnce(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart window.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Cap by evicting the windows that expire soonest.
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		var (
			oldestKey string
			oldest    time.Time
			found     bool
		)
		for k, u := range s.dedup {
			if !found || u.Before(oldest) {
				oldestKey, oldest, found = k, u, true
			}
		}
		if !found {
			break
		}
		delete(s.dedup, oldestKey)
	}
	s.dmu.Unlock()

	if persist && st != nil && pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	if ch == nil || st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}
