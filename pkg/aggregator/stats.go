package aggregator

import (
	"time"
)

// Stats is a snapshot of manager activity.
type Stats struct {
	CacheSize     int            `json:"cache_size"`
	CacheCapacity int            `json:"cache_capacity"`
	CacheTTL      time.Duration  `json:"cache_ttl"`
	CacheHits     uint64         `json:"cache_hits"`
	CacheMisses   uint64         `json:"cache_misses"`
	CacheHitRate  float64        `json:"cache_hit_rate"`
	TotalQueries  uint64         `json:"total_queries"`
	SourceQueries uint64         `json:"source_queries"`
	Sources       []SourceHealth `json:"sources"`
}

// EnabledSources counts the sources currently queried.
func (s Stats) EnabledSources() int {
	n := 0
	for _, src := range s.Sources {
		if src.Enabled {
			n++
		}
	}
	return n
}

// Stats returns cache figures, query counters and per-source health in
// registration order.
func (m *Manager) Stats() Stats {
	cs := m.cache.Stats()

	m.mu.RLock()
	sources := make([]SourceHealth, len(m.entries))
	for i, e := range m.entries {
		h := e.health
		if h.LastSuccess != nil {
			t := *h.LastSuccess
			h.LastSuccess = &t
		}
		sources[i] = SourceHealth{
			Name:     e.name,
			Priority: e.src.Priority(),
			Health:   h,
		}
	}
	m.mu.RUnlock()

	return Stats{
		CacheSize:     cs.Size,
		CacheCapacity: cs.Capacity,
		CacheTTL:      cs.TTL,
		CacheHits:     cs.Hits,
		CacheMisses:   cs.Misses,
		CacheHitRate:  cs.HitRate(),
		TotalQueries:  m.totalQueries.Load(),
		SourceQueries: m.sourceQueries.Load(),
		Sources:       sources,
	}
}

// Health returns the named source's health.
func (m *Manager) Health(name string) (SourceHealth, bool) {
	for _, s := range m.Stats().Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceHealth{}, false
}
