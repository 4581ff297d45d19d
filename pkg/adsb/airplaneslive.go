package adsb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/internal/outbound"
	"github.com/fregster/hangar-assistant/pkg/cache"
)

const (
	// AirplanesLiveBaseURL is the public airplanes.live API
	AirplanesLiveBaseURL = "https://api.airplanes.live/v2"

	// AirplanesLiveMaxRadiusNM is the largest radius the /point endpoint accepts
	AirplanesLiveMaxRadiusNM = 250.0
)

var icaoHexPattern = regexp.MustCompile(`^[0-9A-F]{6}$`)

// AirplanesLiveConfig configures an AirplanesLiveClient.
type AirplanesLiveConfig struct {
	// Name is the source name stamped on every record (default: "airplaneslive")
	Name string

	// BaseURL defaults to AirplanesLiveBaseURL; overridden in tests
	BaseURL string

	Priority  int
	CacheSize int
	CacheTTL  time.Duration

	// Timeout per HTTP request (default: 10s)
	Timeout time.Duration

	// MinInterval between requests (default: 1s, the published rate limit)
	MinInterval time.Duration

	// Retry overrides the outbound retry policy
	Retry outbound.RetryConfig
}

// AirplanesLiveClient implements Source for the airplanes.live API.
// API Documentation: https://airplanes.live/api-guide/
// Rate Limit: 1 request per second
type AirplanesLiveClient struct {
	name     string
	baseURL  string
	priority int
	http     *outbound.Client
	cache    *cache.Cache[Aircraft]
	log      *logger.Logger
}

// NewAirplanesLiveClient creates a new airplanes.live API client.
func NewAirplanesLiveClient(cfg AirplanesLiveConfig, log *logger.Logger) (*AirplanesLiveClient, error) {
	log = logger.OrNop(log)

	if cfg.Name == "" {
		cfg.Name = "airplaneslive"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = AirplanesLiveBaseURL
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = time.Second
	}

	httpClient, err := outbound.New(outbound.Config{
		Name:        cfg.Name,
		Timeout:     cfg.Timeout,
		MinInterval: cfg.MinInterval,
		Retry:       cfg.Retry,
		UserAgent:   "hangar-assistant",
	}, log)
	if err != nil {
		return nil, err
	}

	records, err := cache.New[Aircraft](cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create %s cache: %w", cfg.Name, err)
	}

	return &AirplanesLiveClient{
		name:     cfg.Name,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		priority: cfg.Priority,
		http:     httpClient,
		cache:    records,
		log:      log.With("source", cfg.Name),
	}, nil
}

// FetchNear returns all aircraft within a radius of a given point, nearest first.
// Uses the /point/[lat]/[lon]/[radius] endpoint.
// Maximum radius is 250 nautical miles.
func (c *AirplanesLiveClient) FetchNear(ctx context.Context, lat, lon, radiusNM float64) ([]Aircraft, error) {
	if radiusNM > AirplanesLiveMaxRadiusNM {
		radiusNM = AirplanesLiveMaxRadiusNM
	}

	endpoint := fmt.Sprintf("%s/point/%.4f/%.4f/%.0f", c.baseURL, lat, lon, radiusNM)
	aircraft, err := c.query(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch aircraft data: %w", err)
	}

	for _, ac := range aircraft {
		c.store(ac)
	}

	// Drop records without a position and order by distance
	return FilterByRadius(aircraft, lat, lon, radiusNM), nil
}

// FetchByUniqueID looks up an aircraft by ICAO hex code, falling back to
// registration when the id is not a 24-bit hex address.
func (c *AirplanesLiveClient) FetchByUniqueID(ctx context.Context, id string) (*Aircraft, error) {
	id = normalizeID(id)
	if id == "" {
		return nil, nil
	}
	if !icaoHexPattern.MatchString(id) {
		return c.FetchByRegistration(ctx, id)
	}

	if ac, ok := c.cache.Get(id); ok {
		return Ptr(ac.Clone()), nil
	}
	return c.fetchOne(ctx, fmt.Sprintf("%s/hex/%s", c.baseURL, url.PathEscape(strings.ToLower(id))))
}

// FetchByRegistration looks up an aircraft by tail number via /reg/[reg].
func (c *AirplanesLiveClient) FetchByRegistration(ctx context.Context, registration string) (*Aircraft, error) {
	registration = normalizeID(registration)
	if registration == "" {
		return nil, nil
	}

	if ac, ok := c.cache.Get(regKey(registration)); ok {
		return Ptr(ac.Clone()), nil
	}
	return c.fetchOne(ctx, fmt.Sprintf("%s/reg/%s", c.baseURL, url.PathEscape(registration)))
}

// TestConnection issues a minimal point query.
func (c *AirplanesLiveClient) TestConnection(ctx context.Context) error {
	if _, err := c.http.Get(ctx, fmt.Sprintf("%s/point/0.0000/0.0000/1", c.baseURL), nil); err != nil {
		return fmt.Errorf("%s unreachable: %w", c.name, err)
	}
	return nil
}

// Priority returns the configured source priority.
func (c *AirplanesLiveClient) Priority() int {
	return c.priority
}

// ClearCache drops cached records.
func (c *AirplanesLiveClient) ClearCache() {
	c.cache.Clear()
}

// CacheStats returns the record cache counters.
func (c *AirplanesLiveClient) CacheStats() cache.Stats {
	return c.cache.Stats()
}

// Close cleanly shuts down the client.
// For airplanes.live, this is a no-op as there are no persistent connections.
func (c *AirplanesLiveClient) Close() error {
	return nil
}

// fetchOne returns the first aircraft of a lookup response, or nil.
func (c *AirplanesLiveClient) fetchOne(ctx context.Context, endpoint string) (*Aircraft, error) {
	aircraft, err := c.query(ctx, endpoint)
	if err != nil {
		if outbound.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch aircraft data: %w", err)
	}
	if len(aircraft) == 0 {
		return nil, nil
	}

	c.store(aircraft[0])
	return &aircraft[0], nil
}

// query fetches and converts a response, skipping invalid records.
func (c *AirplanesLiveClient) query(ctx context.Context, endpoint string) ([]Aircraft, error) {
	body, err := c.http.Get(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var apiResp airplanesLiveResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}

	now := time.Now().UTC()
	aircraft := make([]Aircraft, 0, len(apiResp.Aircraft))
	for _, raw := range apiResp.Aircraft {
		ac, err := convertAirplanesLiveAircraft(raw, c.name, c.priority, now)
		if err != nil {
			c.log.Warn("skipping invalid aircraft", "hex", raw.Hex, "error", err)
			continue
		}
		aircraft = append(aircraft, ac)
	}
	return aircraft, nil
}

// store caches a clone under the unique id and, when known, the registration.
func (c *AirplanesLiveClient) store(ac Aircraft) {
	c.cache.Put(ac.UniqueID(), ac.Clone())
	if ac.Registration != "" {
		c.cache.Put(regKey(ac.Registration), ac.Clone())
	}
}

func regKey(registration string) string {
	return "reg:" + registration
}

// airplanesLiveResponse represents the JSON response from airplanes.live API.
type airplanesLiveResponse struct {
	// Aircraft is the array of aircraft data
	Aircraft []airplanesLiveAircraft `json:"ac"`

	// Total number of aircraft
	Total int `json:"total"`

	// Current timestamp
	Now float64 `json:"now"`

	// Message count
	Messages int `json:"messages"`
}

// airplanesLiveAircraft represents a single aircraft in the airplanes.live API response.
// Field documentation: https://airplanes.live/adsb-field-explanations/
type airplanesLiveAircraft struct {
	// Hex is the ICAO Mode S hex code (e.g., "a12345")
	Hex string `json:"hex"`

	// Registration (tail number) from the aircraft database
	Registration *string `json:"r"`

	// AircraftType is the ICAO type designator (e.g., "B738")
	AircraftType *string `json:"t"`

	// Flight is the callsign/flight number
	Flight *string `json:"flight"`

	Squawk   *string `json:"squawk"`
	Category *string `json:"category"`

	// Lat is latitude in decimal degrees
	Lat *float64 `json:"lat"`

	// Lon is longitude in decimal degrees
	Lon *float64 `json:"lon"`

	// AltBaro is barometric altitude in feet
	// Note: Can be string "ground" or float
	AltBaro interface{} `json:"alt_baro"`

	// AltGeom is geometric (GPS) altitude in feet
	AltGeom interface{} `json:"alt_geom"`

	// Gs is ground speed in knots
	Gs *float64 `json:"gs"`

	// Track is ground track in degrees (0-360)
	Track *float64 `json:"track"`

	// BaroRate is barometric vertical rate in feet/minute
	BaroRate *float64 `json:"baro_rate"`

	// GeomRate is geometric vertical rate in feet/minute
	GeomRate *float64 `json:"geom_rate"`

	// Seen is seconds since any message was received
	Seen *float64 `json:"seen"`

	// SeenPos is seconds since last position message
	SeenPos *float64 `json:"seen_pos"`
}

// convertAirplanesLiveAircraft converts an airplanes.live aircraft to our
// Aircraft type and validates it.
func convertAirplanesLiveAircraft(ac airplanesLiveAircraft, source string, priority int, now time.Time) (Aircraft, error) {
	aircraft := Aircraft{
		ICAO:         ac.Hex,
		Registration: deref(ac.Registration),
		AircraftType: deref(ac.AircraftType),
		Callsign:     deref(ac.Flight),
		Squawk:       deref(ac.Squawk),
		Latitude:     ac.Lat,
		Longitude:    ac.Lon,
		GroundSpeed:  ac.Gs,
		Track:        ac.Track,
		Source:       source,
		Priority:     priority,
	}

	// Altitude - prefer geometric (GPS) over barometric
	baro, ground := parseAltitude(ac.AltBaro)
	geom, _ := parseAltitude(ac.AltGeom)
	aircraft.Altitude = geom
	if ground {
		aircraft.OnGround = Ptr(true)
	}
	if aircraft.Altitude == nil || ground {
		aircraft.Altitude = baro
	}

	if ac.BaroRate != nil {
		aircraft.VerticalRate = ac.BaroRate
	} else {
		aircraft.VerticalRate = ac.GeomRate
	}

	// Timestamps - calculated from "seen" seconds ago
	if ac.Seen != nil {
		aircraft.LastContact = Ptr(now.Add(-secondsToDuration(*ac.Seen)))
	} else {
		aircraft.LastContact = Ptr(now)
	}
	switch {
	case ac.SeenPos != nil:
		aircraft.LastSeen = Ptr(now.Add(-secondsToDuration(*ac.SeenPos)))
	case ac.Lat != nil:
		aircraft.LastSeen = aircraft.LastContact
	}

	if ac.Category != nil && *ac.Category != "" {
		aircraft.Metadata = map[string]string{"category": *ac.Category}
	}

	return NewAircraft(aircraft)
}

// parseAltitude safely extracts altitude from interface{} which can be float64 or string.
// "ground" yields an altitude of 0 and ground=true.
func parseAltitude(val interface{}) (alt *float64, ground bool) {
	switch v := val.(type) {
	case float64:
		return &v, false
	case string:
		if v == "ground" {
			return Ptr(0.0), true
		}
	}
	return nil, false
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
