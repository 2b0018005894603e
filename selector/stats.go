package selector

import (
	"sort"
	"sync"
	"time"
)

const latencyWindow = 256

// NameStats aggregates resolution outcomes for one semantic name.
type NameStats struct {
	Name        string             `json:"name"`
	Resolutions uint64             `json:"resolutions"`
	Failures    uint64             `json:"failures"`
	CacheHits   uint64             `json:"cache_hits"`
	ByStrategy  map[string]uint64  `json:"by_strategy"`
	Confidence  float64            `json:"avg_confidence"`
	LatencyMS   map[string]float64 `json:"latency_ms"`
}

type nameRecord struct {
	resolutions uint64
	failures    uint64
	cacheHits   uint64
	byStrategy  map[string]uint64
	confSum     float64
	confN       uint64

	// ring buffer of recent latencies
	latencies []time.Duration
	next      int
	filled    bool
}

// Stats tracks resolution metrics per semantic name. Latency
// percentiles come from a sliding window of the most recent samples.
type Stats struct {
	mu    sync.RWMutex
	names map[string]*nameRecord
}

// NewStats returns an empty metrics table.
func NewStats() *Stats {
	return &Stats{names: make(map[string]*nameRecord)}
}

func (s *Stats) record(name string) *nameRecord {
	rec := s.names[name]
	if rec == nil {
		rec = &nameRecord{
			byStrategy: make(map[string]uint64),
			latencies:  make([]time.Duration, latencyWindow),
		}
		s.names[name] = rec
	}
	return rec
}

// Success records a resolution that produced a match.
func (s *Stats) Success(name, strategyKind string, conf float64, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(name)
	rec.resolutions++
	rec.byStrategy[strategyKind]++
	rec.confSum += conf
	rec.confN++
	rec.push(elapsed)
}

// Failure records a resolution that exhausted every strategy.
func (s *Stats) Failure(name string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(name)
	rec.resolutions++
	rec.failures++
	rec.push(elapsed)
}

// CacheHit records a resolution served from the element cache.
func (s *Stats) CacheHit(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(name)
	rec.cacheHits++
}

func (r *nameRecord) push(d time.Duration) {
	r.latencies[r.next] = d
	r.next++
	if r.next == len(r.latencies) {
		r.next = 0
		r.filled = true
	}
}

func (r *nameRecord) window() []time.Duration {
	if r.filled {
		out := make([]time.Duration, len(r.latencies))
		copy(out, r.latencies)
		return out
	}
	out := make([]time.Duration, r.next)
	copy(out, r.latencies[:r.next])
	return out
}

// Report returns a snapshot of every tracked name, sorted by name.
func (s *Stats) Report() []NameStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NameStats, 0, len(s.names))
	for name, rec := range s.names {
		ns := NameStats{
			Name:        name,
			Resolutions: rec.resolutions,
			Failures:    rec.failures,
			CacheHits:   rec.cacheHits,
			ByStrategy:  make(map[string]uint64, len(rec.byStrategy)),
			LatencyMS:   make(map[string]float64, 3),
		}
		for k, v := range rec.byStrategy {
			ns.ByStrategy[k] = v
		}
		if rec.confN > 0 {
			ns.Confidence = rec.confSum / float64(rec.confN)
		}
		win := rec.window()
		if len(win) > 0 {
			sort.Slice(win, func(i, j int) bool { return win[i] < win[j] })
			ns.LatencyMS["p50"] = float64(percentile(win, 50)) / float64(time.Millisecond)
			ns.LatencyMS["p95"] = float64(percentile(win, 95)) / float64(time.Millisecond)
			ns.LatencyMS["p99"] = float64(percentile(win, 99)) / float64(time.Millisecond)
		}
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// percentile expects a sorted window.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := (p*len(sorted) + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
