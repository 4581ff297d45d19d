// Package collector polls the aggregation manager around a fixed point and
// hands each merged snapshot to a publisher.
package collector

import (
	"context"
	"sync"
	"time"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/internal/publish"
	"github.com/fregster/hangar-assistant/pkg/adsb"
	"github.com/fregster/hangar-assistant/pkg/aggregator"
)

// Querier is the part of *aggregator.Manager the collector uses.
type Querier interface {
	QueryNear(ctx context.Context, lat, lon, radiusNM float64) []adsb.Aircraft
	Stats() aggregator.Stats
}

// Config configures a Collector.
type Config struct {
	Latitude  float64
	Longitude float64
	RadiusNM  float64

	// Interval between collection cycles
	Interval time.Duration

	// StatsInterval between stats log lines; 0 disables them
	StatsInterval time.Duration
}

// Stats tracks collection progress.
type Stats struct {
	Cycles          int       `json:"cycles"`
	LastCount       int       `json:"last_count"`
	LastUpdate      time.Time `json:"last_update"`
	PublishFailures int       `json:"publish_failures"`
}

// Collector manages the aircraft collection loop.
type Collector struct {
	cfg Config
	agg Querier
	pub publish.Publisher
	log *logger.Logger
	now func() time.Time

	mu    sync.Mutex
	stats Stats
}

// New creates a Collector.
func New(cfg Config, agg Querier, pub publish.Publisher, log *logger.Logger) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	return &Collector{
		cfg: cfg,
		agg: agg,
		pub: pub,
		log: logger.OrNop(log).With("component", "collector"),
		now: time.Now,
	}
}

// Run collects once immediately and then every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.log.Info("collector started",
		"lat", c.cfg.Latitude, "lon", c.cfg.Longitude,
		"radius_nm", c.cfg.RadiusNM, "interval", c.cfg.Interval,
	)

	// Do first update immediately
	c.update(ctx)

	var statsC <-chan time.Time
	if c.cfg.StatsInterval > 0 {
		statsTicker := time.NewTicker(c.cfg.StatsInterval)
		defer statsTicker.Stop()
		statsC = statsTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("collector stopped", "cycles", c.Stats().Cycles)
			return
		case <-ticker.C:
			c.update(ctx)
		case <-statsC:
			c.logStats()
		}
	}
}

// Stats returns a copy of the collection counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// update runs one collection cycle.
func (c *Collector) update(ctx context.Context) {
	// A bad cycle must not stop the loop
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in collection cycle, retrying next cycle", "panic", r)
		}
	}()

	now := c.now().UTC()
	aircraft := c.agg.QueryNear(ctx, c.cfg.Latitude, c.cfg.Longitude, c.cfg.RadiusNM)

	snap := publish.NewSnapshot(now, c.cfg.Latitude, c.cfg.Longitude, c.cfg.RadiusNM, aircraft)
	err := c.pub.Publish(ctx, snap)

	c.mu.Lock()
	c.stats.Cycles++
	c.stats.LastCount = len(aircraft)
	c.stats.LastUpdate = now
	if err != nil {
		c.stats.PublishFailures++
	}
	cycle := c.stats.Cycles
	c.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		c.log.Warn("failed to publish snapshot", "cycle", cycle, "error", err)
	}
	c.log.Debug("collection cycle complete", "cycle", cycle, "aircraft", len(aircraft))
}

// logStats logs manager and collector statistics.
func (c *Collector) logStats() {
	ms := c.agg.Stats()
	cs := c.Stats()

	c.log.Info("stats",
		"cycles", cs.Cycles,
		"last_count", cs.LastCount,
		"publish_failures", cs.PublishFailures,
		"cache_size", ms.CacheSize,
		"cache_hit_rate", ms.CacheHitRate,
		"total_queries", ms.TotalQueries,
		"enabled_sources", ms.EnabledSources(),
	)
	for _, s := range ms.Sources {
		if s.ConsecutiveFailures > 0 {
			c.log.Warn("source unhealthy",
				"source", s.Name,
				"enabled", s.Enabled,
				"consecutive_failures", s.ConsecutiveFailures,
				"last_error", s.LastError,
			)
		}
	}
}
