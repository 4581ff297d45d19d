package adsb

import "context"

// Source is the interface every aircraft data provider implements: online
// services (airplanes.live, FlightAware) as well as local receivers feeding
// BaseStation output.
//
// Implementations must be safe for concurrent use. Fetch methods return
// (nil, nil) or an empty slice when nothing matches; an error means the
// source itself failed.
type Source interface {
	// FetchByRegistration returns the aircraft with the given tail number.
	FetchByRegistration(ctx context.Context, registration string) (*Aircraft, error)

	// FetchByUniqueID returns the aircraft with the given ICAO, FLARM id or
	// registration, whichever the source can resolve.
	FetchByUniqueID(ctx context.Context, id string) (*Aircraft, error)

	// FetchNear returns all aircraft within radiusNM nautical miles of the point.
	FetchNear(ctx context.Context, lat, lon, radiusNM float64) ([]Aircraft, error)

	// TestConnection checks that the source is reachable and configured.
	TestConnection(ctx context.Context) error

	// Priority ranks the source; lower values are more authoritative.
	Priority() int

	// ClearCache drops the source's private record cache.
	ClearCache()

	// Close releases connections held by the source.
	Close() error
}
