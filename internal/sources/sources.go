// Package sources builds aircraft sources from configuration and registers
// them with an aggregation manager.
package sources

import (
	"fmt"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/pkg/adsb"
	"github.com/fregster/hangar-assistant/pkg/aggregator"
	"github.com/fregster/hangar-assistant/pkg/config"
)

// Entry is a constructed source and the name it registers under.
type Entry struct {
	Name   string
	Type   string
	Source adsb.Source
}

// New creates the client for one source configuration.
func New(sc config.SourceConfig, log *logger.Logger) (adsb.Source, error) {
	switch sc.Type {
	case config.SourceAirplanesLive:
		return adsb.NewAirplanesLiveClient(adsb.AirplanesLiveConfig{
			Name:        sc.Name,
			BaseURL:     sc.BaseURL,
			Priority:    sc.Priority,
			CacheSize:   sc.CacheSize,
			CacheTTL:    sc.CacheTTL(),
			Timeout:     sc.Timeout(),
			MinInterval: sc.RateLimit(),
		}, log)

	case config.SourceFlightAware:
		return adsb.NewFlightAwareClient(adsb.FlightAwareConfig{
			Name:            sc.Name,
			APIKey:          sc.APIKey,
			BaseURL:         sc.BaseURL,
			Priority:        sc.Priority,
			RequestsPerHour: sc.RequestsPerHour,
			Timeout:         sc.Timeout(),
			CacheSize:       sc.CacheSize,
			CacheTTL:        sc.CacheTTL(),
		}, log)

	case config.SourceSBS:
		return adsb.NewSBSClient(adsb.SBSConfig{
			Name:              sc.Name,
			Host:              sc.Host,
			Port:              sc.Port,
			Priority:          sc.Priority,
			CacheSize:         sc.CacheSize,
			CacheTTL:          sc.CacheTTL(),
			AccumulationDelay: sc.AccumulationDelay(),
			DialTimeout:       sc.Timeout(),
		}, log)

	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}

// Build creates a client for every enabled source, in configured order.
// On error, clients already built are closed.
func Build(cfgs []config.SourceConfig, log *logger.Logger) ([]Entry, error) {
	log = logger.OrNop(log)

	var entries []Entry
	for _, sc := range cfgs {
		if !sc.Enabled {
			log.Debug("source disabled in config", "source", sc.Name)
			continue
		}

		src, err := New(sc, log)
		if err != nil {
			closeAll(entries)
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		entries = append(entries, Entry{Name: sc.Name, Type: sc.Type, Source: src})
	}
	return entries, nil
}

// Register adds every entry to the manager in order.
func Register(m *aggregator.Manager, entries []Entry) error {
	for _, e := range entries {
		if err := m.Register(e.Name, e.Source); err != nil {
			return err
		}
	}
	return nil
}

func closeAll(entries []Entry) {
	for _, e := range entries {
		_ = e.Source.Close()
	}
}
