// Package monitor samples per-session resource usage and asks the
// session manager for graded cleanup when a session crosses its
// thresholds. All durable state belongs to the sessions; the monitor
// keeps only rolling windows.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/domscout/events"
	"github.com/hazyhaar/domscout/session"
)

// AlertLevel classifies one sample.
type AlertLevel string

const (
	AlertNormal   AlertLevel = "normal"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Metrics is one resource sample for one session.
type Metrics struct {
	SessionID string     `json:"session_id"`
	MemoryMB  float64    `json:"memory_mb"`
	CPUPct    float64    `json:"cpu_pct"`
	DiskMB    float64    `json:"disk_mb"`
	SampledAt time.Time  `json:"sampled_at"`
	Level     AlertLevel `json:"alert_level"`
}

// Arena is the session-manager surface the monitor drives.
type Arena interface {
	List(filter session.State) []session.Info
	Cleanup(ctx context.Context, id string, level session.CleanupLevel) error
}

// Sampler measures one session by id. The default reads the JS heap of
// every context through the driver.
type Sampler func(ctx context.Context, id string) (Metrics, error)

// Config configures the Monitor.
type Config struct {
	// Interval between sampling rounds. Default 30s.
	Interval time.Duration
	// MemoryBudgetMB is the RAM allocated per session that the
	// percentage thresholds apply to. Default 1024.
	MemoryBudgetMB float64
	// WarningPct and CriticalPct of the memory budget. Defaults 60/80.
	WarningPct  float64
	CriticalPct float64

	Sampler Sampler
	Bus     *events.Bus
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MemoryBudgetMB <= 0 {
		c.MemoryBudgetMB = 1024
	}
	if c.WarningPct <= 0 {
		c.WarningPct = 60
	}
	if c.CriticalPct <= 0 {
		c.CriticalPct = 80
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Monitor runs the sampling loop.
type Monitor struct {
	cfg    Config
	arena  Arena
	logger *slog.Logger

	mu      sync.RWMutex
	latest  map[string]Metrics
	streaks map[string]int
}

// sessionGetter is satisfied by session.Manager; used to build the
// default sampler.
type sessionGetter interface {
	Get(id string) (*session.Session, error)
}

// New creates a Monitor over the arena. When no Sampler is configured
// and the arena can resolve sessions, the JS heap sampler is used.
func New(arena Arena, cfg Config) *Monitor {
	cfg.defaults()
	if cfg.Sampler == nil {
		if g, ok := arena.(sessionGetter); ok {
			cfg.Sampler = NewHeapSampler(g)
		}
	}
	return &Monitor{
		cfg:     cfg,
		arena:   arena,
		logger:  cfg.Logger,
		latest:  make(map[string]Metrics),
		streaks: make(map[string]int),
	}
}

// Run samples until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SampleAll(ctx)
		}
	}
}

// SampleAll runs one sampling round over every active session.
func (m *Monitor) SampleAll(ctx context.Context) {
	active := m.arena.List(session.StateActive)
	seen := make(map[string]bool, len(active))
	for _, info := range active {
		seen[info.ID] = true
		m.sampleOne(ctx, info.ID)
	}

	// Forget sessions that went away.
	m.mu.Lock()
	for id := range m.latest {
		if !seen[id] {
			delete(m.latest, id)
			delete(m.streaks, id)
		}
	}
	m.mu.Unlock()
}

func (m *Monitor) sampleOne(ctx context.Context, id string) {
	if m.cfg.Sampler == nil {
		return
	}
	metrics, err := m.cfg.Sampler(ctx, id)
	if err != nil {
		m.logger.Debug("monitor: sample failed", "session", id, "error", err)
		return
	}
	metrics.SessionID = id
	metrics.SampledAt = time.Now().UTC()
	metrics.Level = m.classify(metrics.MemoryMB)

	m.mu.Lock()
	m.latest[id] = metrics
	streak := 0
	if metrics.Level == AlertCritical {
		streak = m.streaks[id] + 1
	}
	m.streaks[id] = streak
	m.mu.Unlock()

	if metrics.Level != AlertNormal {
		m.publishAlert(metrics)
	}
	if metrics.Level == AlertCritical {
		level := escalation(streak)
		m.logger.Warn("monitor: critical session",
			"session", id, "memory_mb", metrics.MemoryMB, "cleanup", level)
		if err := m.arena.Cleanup(ctx, id, level); err != nil {
			m.logger.Warn("monitor: cleanup request failed",
				"session", id, "level", level, "error", err)
		}
	}
}

func (m *Monitor) classify(memoryMB float64) AlertLevel {
	pct := memoryMB / m.cfg.MemoryBudgetMB * 100
	switch {
	case pct >= m.cfg.CriticalPct:
		return AlertCritical
	case pct >= m.cfg.WarningPct:
		return AlertWarning
	default:
		return AlertNormal
	}
}

// escalation maps the consecutive-critical streak to a cleanup level:
// first soft, then moderate, then aggressive.
func escalation(streak int) session.CleanupLevel {
	switch {
	case streak <= 1:
		return session.CleanupSoft
	case streak == 2:
		return session.CleanupModerate
	default:
		return session.CleanupAggressive
	}
}

func (m *Monitor) publishAlert(metrics Metrics) {
	if m.cfg.Bus == nil {
		return
	}
	sev := events.SeverityWarn
	if metrics.Level == AlertCritical {
		sev = events.SeverityError
	}
	m.cfg.Bus.Publish(events.Event{
		Type:      events.ResourceAlert,
		SessionID: metrics.SessionID,
		Severity:  sev,
		Payload: map[string]any{
			"level":     string(metrics.Level),
			"memory_mb": metrics.MemoryMB,
			"cpu_pct":   metrics.CPUPct,
		},
	})
}

// Latest returns the most recent sample per session.
func (m *Monitor) Latest() []Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metrics, 0, len(m.latest))
	for _, met := range m.latest {
		out = append(out, met)
	}
	return out
}

// NewHeapSampler builds the default sampler: the summed JS heap of
// every context in the session.
func NewHeapSampler(sessions sessionGetter) Sampler {
	return func(ctx context.Context, id string) (Metrics, error) {
		s, err := sessions.Get(id)
		if err != nil {
			return Metrics{}, err
		}
		var total float64
		for _, tc := range s.Contexts() {
			val, err := tc.Driver().Evaluate(ctx, `() => {
				if (performance.memory) {
					return performance.memory.usedJSHeapSize;
				}
				return 0;
			}`)
			if err != nil {
				continue
			}
			if n, ok := val.(float64); ok {
				total += n
			}
		}
		return Metrics{MemoryMB: total / (1 << 20)}, nil
	}
}
