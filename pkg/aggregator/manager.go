// Package aggregator fans queries out to every registered aircraft source,
// waits a bounded time for their answers, and merges what arrives into one
// deduplicated, priority-resolved view.
//
// A failing, slow or panicking source never fails an aggregate query; its
// outcome is recorded in that source's health instead.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/pkg/adsb"
	"github.com/fregster/hangar-assistant/pkg/cache"
)

const (
	// DefaultCacheSize is the manager cache capacity
	DefaultCacheSize = 5000

	// DefaultCacheTTL is the manager cache entry lifetime
	DefaultCacheTTL = 30 * time.Second

	// DefaultSourceTimeout bounds each source call and each aggregate wait
	DefaultSourceTimeout = 5 * time.Second

	// DefaultRadiusNM is used when a query passes a non-positive radius
	DefaultRadiusNM = 25.0
)

var (
	// ErrDuplicateSource is returned when registering a name twice.
	ErrDuplicateSource = errors.New("source already registered")

	// ErrSourceTimeout is recorded for a source that did not answer in time.
	ErrSourceTimeout = errors.New("source timed out")

	// ErrUnknownSource is returned for operations on an unregistered name.
	ErrUnknownSource = errors.New("unknown source")
)

// Config configures a Manager. Zero values take the package defaults.
type Config struct {
	CacheSize     int
	CacheTTL      time.Duration
	SourceTimeout time.Duration
	DefaultRadius float64
}

// Health tracks the observed reliability of one source.
type Health struct {
	Enabled             bool       `json:"enabled"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastAircraftCount   int        `json:"last_aircraft_count"`
}

// SourceHealth is a point-in-time view of one registered source.
type SourceHealth struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Health
}

type sourceEntry struct {
	name   string
	order  int
	src    adsb.Source
	health Health
}

// Manager coordinates queries across registered sources.
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	entries []*sourceEntry
	byName  map[string]*sourceEntry

	cache         *cache.Cache[adsb.Aircraft]
	timeout       time.Duration
	defaultRadius float64
	lookups       singleflight.Group
	log           *logger.Logger
	now           func() time.Time

	totalQueries  atomic.Uint64
	sourceQueries atomic.Uint64
}

// NewManager creates a Manager with an empty registry.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultSourceTimeout
	}
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = DefaultRadiusNM
	}

	records, err := cache.New[adsb.Aircraft](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create manager cache: %w", err)
	}

	return &Manager{
		byName:        make(map[string]*sourceEntry),
		cache:         records,
		timeout:       cfg.SourceTimeout,
		defaultRadius: cfg.DefaultRadius,
		log:           logger.OrNop(log).With("component", "aggregator"),
		now:           time.Now,
	}, nil
}

// Register adds a source under a unique name. The source starts enabled.
// Registration order breaks priority ties.
func (m *Manager) Register(name string, src adsb.Source) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("source name is required")
	}
	if src == nil {
		return fmt.Errorf("source %q is nil", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSource, name)
	}

	e := &sourceEntry{
		name:   name,
		order:  len(m.entries),
		src:    src,
		health: Health{Enabled: true},
	}
	m.entries = append(m.entries, e)
	m.byName[name] = e

	m.log.Info("source registered", "source", name, "priority", src.Priority())
	return nil
}

// Initialize tests every registered source's connection concurrently,
// within the same bounded wait as a query. A source that fails or does not
// answer in time is disabled and its error recorded; the others are
// unaffected. A late success updates health but does not re-enable the
// source. Returns the number of sources left enabled.
func (m *Manager) Initialize(ctx context.Context) int {
	m.mu.RLock()
	entries := append([]*sourceEntry(nil), m.entries...)
	m.mu.RUnlock()

	results := fanOut(ctx, m, entries, func(cctx context.Context, src adsb.Source) (struct{}, error) {
		return struct{}{}, src.TestConnection(cctx)
	}, func(struct{}) int { return 0 }, nil)

	for i, e := range entries {
		r := results[i]
		switch {
		case r.done && r.err == nil:
			m.log.Info("source connected", "source", e.name)
		case r.done:
			if ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
				continue
			}
			m.setEnabled(e.name, false)
			m.log.Warn("source failed connection test, disabled", "source", e.name, "error", r.err)
		case ctx.Err() == nil:
			// Timeout already recorded by the wait
			m.setEnabled(e.name, false)
			m.log.Warn("source connection test timed out, disabled", "source", e.name, "timeout", m.timeout)
		}
	}

	enabled := len(m.enabledEntries())
	m.log.Info("initialization complete", "sources", len(entries), "enabled", enabled)
	return enabled
}

// QueryNear returns the merged view of aircraft within radiusNM of the point.
// A non-positive radius means the configured default.
//
// Every enabled source is queried concurrently, each with its own timeout.
// The wait for answers is bounded by the same timeout; whatever has arrived
// by then is merged. Records with the same UniqueID are folded by priority
// (registration order breaks ties) and every result is written to the
// manager cache.
func (m *Manager) QueryNear(ctx context.Context, lat, lon, radiusNM float64) []adsb.Aircraft {
	m.totalQueries.Add(1)
	if radiusNM <= 0 {
		radiusNM = m.defaultRadius
	}

	entries := m.enabledEntries()
	if len(entries) == 0 {
		m.log.Warn("no enabled sources", "query", "near")
		return []adsb.Aircraft{}
	}

	m.sourceQueries.Add(uint64(len(entries)))
	results := fanOut(ctx, m, entries, func(cctx context.Context, src adsb.Source) ([]adsb.Aircraft, error) {
		return src.FetchNear(cctx, lat, lon, radiusNM)
	}, func(recs []adsb.Aircraft) int { return len(recs) }, nil)

	var collected []adsb.Aircraft
	for _, r := range results {
		if r.done && r.err == nil {
			collected = append(collected, r.value...)
		}
	}

	merged := adsb.Deduplicate(collected)
	for _, ac := range merged {
		if ac.HasStableID() {
			m.cache.Put(ac.UniqueID(), ac.Clone())
		}
	}

	m.log.Debug("query near complete",
		"lat", lat, "lon", lon, "radius_nm", radiusNM,
		"sources", len(entries), "records", len(collected), "aircraft", len(merged),
	)
	return merged
}

// QueryByUniqueID returns the aircraft with the given ICAO, FLARM id or
// registration, or nil when no source knows it.
//
// The manager cache is consulted first. On a miss every enabled source is
// asked concurrently within one bounded wait, and the first non-nil answer
// in registration order wins. Concurrent misses for the same id share one
// fan-out.
func (m *Manager) QueryByUniqueID(ctx context.Context, id string) *adsb.Aircraft {
	m.totalQueries.Add(1)
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" {
		return nil
	}

	if ac, ok := m.cache.Get(id); ok {
		return adsb.Ptr(ac.Clone())
	}

	// The shared lookup must outlive any one caller; it is still bounded by
	// the source timeout
	lookupCtx := context.WithoutCancel(ctx)
	ch := m.lookups.DoChan(id, func() (interface{}, error) {
		return m.lookupUniqueID(lookupCtx, id), nil
	})

	select {
	case res := <-ch:
		found, _ := res.Val.(*adsb.Aircraft)
		if found == nil {
			return nil
		}
		return adsb.Ptr(found.Clone())
	case <-ctx.Done():
		return nil
	}
}

func (m *Manager) lookupUniqueID(ctx context.Context, id string) *adsb.Aircraft {
	entries := m.enabledEntries()
	if len(entries) == 0 {
		m.log.Warn("no enabled sources", "query", "unique_id")
		return nil
	}

	// Stop waiting once every earlier source has answered and one has a hit
	settled := func(results []callResult[*adsb.Aircraft]) bool {
		for _, r := range results {
			if !r.done {
				return false
			}
			if r.err == nil && r.value != nil {
				return true
			}
		}
		return false
	}

	m.sourceQueries.Add(uint64(len(entries)))
	results := fanOut(ctx, m, entries, func(cctx context.Context, src adsb.Source) (*adsb.Aircraft, error) {
		return src.FetchByUniqueID(cctx, id)
	}, func(ac *adsb.Aircraft) int {
		if ac == nil {
			return 0
		}
		return 1
	}, settled)

	for _, r := range results {
		if r.done && r.err == nil && r.value != nil {
			ac := r.value.Clone()
			m.cache.Put(id, ac.Clone())
			if uid := ac.UniqueID(); uid != id && ac.HasStableID() {
				m.cache.Put(uid, ac.Clone())
			}
			return &ac
		}
	}
	return nil
}

// ClearCache empties the manager cache and every source's private cache.
func (m *Manager) ClearCache() {
	m.cache.Clear()

	m.mu.RLock()
	entries := append([]*sourceEntry(nil), m.entries...)
	m.mu.RUnlock()

	for _, e := range entries {
		e.src.ClearCache()
	}
	m.log.Info("caches cleared", "sources", len(entries))
}

// Enable re-enables a source, for example after its feed has recovered.
func (m *Manager) Enable(name string) error {
	return m.setEnabledChecked(name, true)
}

// Disable stops querying a source without unregistering it.
func (m *Manager) Disable(name string) error {
	return m.setEnabledChecked(name, false)
}

// Sources returns the registered names in registration order.
func (m *Manager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.name
	}
	return names
}

// Close closes every registered source and returns their errors joined.
func (m *Manager) Close() error {
	m.mu.RLock()
	entries := append([]*sourceEntry(nil), m.entries...)
	m.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		if err := e.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", e.name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) enabledEntries() []*sourceEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*sourceEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.health.Enabled {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) setEnabledChecked(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	e.health.Enabled = enabled
	return nil
}

func (m *Manager) setEnabled(name string, enabled bool) {
	_ = m.setEnabledChecked(name, enabled)
}

func (m *Manager) recordSuccess(name string, count int) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byName[name]; ok {
		e.health.ConsecutiveFailures = 0
		e.health.LastSuccess = &now
		e.health.LastAircraftCount = count
	}
}

func (m *Manager) recordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.byName[name]; ok {
		e.health.ConsecutiveFailures++
		e.health.LastError = err.Error()
	}
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panicked: %v", r)
		}
	}()
	return fn()
}
