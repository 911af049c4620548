// Package sentinel probes venue connectivity. Each run pings the nearest
// speedtest.net servers and compares the best round trip against a latency
// budget; a run past the budget counts as a failed execution, so the
// scheduler pushes the probe onto its backoff curve and the operator hears
// about the degradation once.
package sentinel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"datafarm/internal/eventbus"
	logx "datafarm/pkg/logx"
)

// Config is the sentinel block of the agents table.
type Config struct {
	// TargetCount is how many of the nearest servers get pinged (default 3).
	TargetCount int `json:"target_count"`
	// LatencyBudgetMS fails the probe once the best round trip exceeds it
	// (default 400).
	LatencyBudgetMS int `json:"latency_budget_ms"`
	// MaxConcurrent bounds parallel pings (default 4).
	MaxConcurrent int `json:"max_concurrent"`
}

func (c Config) withDefaults() Config {
	if c.TargetCount <= 0 {
		c.TargetCount = 3
	}
	if c.LatencyBudgetMS <= 0 {
		c.LatencyBudgetMS = 400
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// ParseConfig decodes an agents-table config block. Empty raw keeps the
// defaults.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &c); err != nil {
			return Config{}, fmt.Errorf("sentinel config: %w", err)
		}
	}
	return c.withDefaults(), nil
}

// Notifier carries degradation alerts out of the agent. The app wires it to
// the notifier service with a default target; nil drops alerts.
type Notifier interface {
	Alert(ctx context.Context, key, text string) error
}

// ProbeEvent is the bus payload for sentinel.probe.
type ProbeEvent struct {
	At        time.Time `json:"at"`
	Probed    int       `json:"probed"`
	Reachable int       `json:"reachable"`
	BestHost  string    `json:"best_host,omitempty"`
	BestMS    float64   `json:"best_ms"`
	BudgetMS  float64   `json:"budget_ms"`
	Degraded  bool      `json:"degraded"`
}

// hit is one reachable server after a ping round.
type hit struct {
	Host    string
	Sponsor string
	Country string
	Latency time.Duration
}

type Agent struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	notif Notifier

	// probe is replaced in tests; the default talks to speedtest.net.
	probe func(ctx context.Context, cfg Config, log logx.Logger) ([]hit, int, error)

	mu       sync.Mutex
	degraded bool
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, notif Notifier) *Agent {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Agent{
		cfg:   cfg.withDefaults(),
		log:   log,
		bus:   bus,
		notif: notif,
		probe: probeNearest,
	}
}

// Execute implements scheduler.Agent. A probe that reaches servers but blows
// the budget returns (false, nil): the venue is up, just slow, and the
// backoff push is the point.
func (a *Agent) Execute(ctx context.Context) (bool, error) {
	started := time.Now()

	hits, probed, err := a.probe(ctx, a.cfg, a.log)
	if err != nil {
		return false, err
	}
	if len(hits) == 0 {
		return false, errors.New("no probe target reachable")
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Latency < hits[j].Latency })
	best := hits[0]
	budget := time.Duration(a.cfg.LatencyBudgetMS) * time.Millisecond
	degraded := best.Latency > budget

	a.publish(ProbeEvent{
		At:        started,
		Probed:    probed,
		Reachable: len(hits),
		BestHost:  best.Host,
		BestMS:    ms(best.Latency),
		BudgetMS:  float64(a.cfg.LatencyBudgetMS),
		Degraded:  degraded,
	})

	a.mu.Lock()
	was := a.degraded
	a.degraded = degraded
	a.mu.Unlock()

	switch {
	case degraded && !was:
		a.log.Warn("connectivity degraded",
			logx.String("best_host", best.Host),
			logx.Float64("best_ms", ms(best.Latency)),
			logx.Int("budget_ms", a.cfg.LatencyBudgetMS),
			logx.Int("reachable", len(hits)),
		)
		a.alert(ctx, fmt.Sprintf("⚠️ connectivity degraded: best ping %.0fms against a %dms budget (%s, %s)",
			ms(best.Latency), a.cfg.LatencyBudgetMS, best.Sponsor, best.Country))
	case !degraded && was:
		a.log.Info("connectivity recovered",
			logx.String("best_host", best.Host),
			logx.Float64("best_ms", ms(best.Latency)),
		)
	default:
		a.log.Debug("probe done",
			logx.Int("probed", probed),
			logx.Int("reachable", len(hits)),
			logx.Float64("best_ms", ms(best.Latency)),
		)
	}

	return !degraded, nil
}

func (a *Agent) alert(ctx context.Context, text string) {
	if a.notif == nil {
		return
	}
	if err := a.notif.Alert(ctx, "sentinel:latency", text); err != nil {
		a.log.Warn("alert failed", logx.Err(err))
	}
}

func (a *Agent) publish(ev ProbeEvent) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: "sentinel.probe", Time: ev.At, Data: ev})
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

// probeNearest fetches the server list and pings the nearest cfg.TargetCount
// entries concurrently. It builds its own client: the package-level
// speedtest.Fetch* helpers share a default DataManager that retains
// snapshots across runs.
func probeNearest(ctx context.Context, cfg Config, log logx.Logger) ([]hit, int, error) {
	st := speedtest.New(speedtest.WithUserConfig(&speedtest.UserConfig{
		SavingMode:     true,
		MaxConnections: cfg.MaxConcurrent,
	}))
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return nil, 0, errors.New("no servers available")
	}

	// Closest first; distance is cheap, pinging is not.
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})
	n := cfg.TargetCount
	if n > len(servers) {
		n = len(servers)
	}
	candidates := servers[:n]

	sem := make(chan struct{}, cfg.MaxConcurrent)
	out := make(chan hit, len(candidates))
	var wg sync.WaitGroup
	for _, s := range candidates {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
			}
			defer func() { <-sem }()

			// PingTestContext fills s.Latency.
			if err := s.PingTestContext(ctx, nil); err != nil {
				log.Debug("ping failed", logx.String("host", s.Host), logx.Err(err))
				return
			}
			if s.Latency <= 0 {
				return
			}
			out <- hit{Host: s.Host, Sponsor: s.Sponsor, Country: s.Country, Latency: s.Latency}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	hits := make([]hit, 0, len(candidates))
	for h := range out {
		hits = append(hits, h)
	}
	return hits, len(candidates), nil
}
