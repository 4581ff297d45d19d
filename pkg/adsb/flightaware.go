package adsb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fregster/hangar-assistant/internal/logger"
	"github.com/fregster/hangar-assistant/internal/outbound"
	"github.com/fregster/hangar-assistant/pkg/cache"
	"github.com/fregster/hangar-assistant/pkg/coordinates"
)

const (
	// FlightAwareBaseURL is the FlightAware AeroAPI v4 base URL
	FlightAwareBaseURL = "https://aeroapi.flightaware.com/aeroapi"

	// defaultFlightAwareRequestsPerHour keeps a free-tier key well inside quota
	defaultFlightAwareRequestsPerHour = 60
)

// FlightAwareConfig configures a FlightAwareClient.
type FlightAwareConfig struct {
	// Name is the source name stamped on every record (default: "flightaware")
	Name string

	APIKey string

	// BaseURL defaults to FlightAwareBaseURL; overridden in tests
	BaseURL string

	Priority int

	// RequestsPerHour bounds API usage (default: 60)
	RequestsPerHour int

	Timeout   time.Duration
	CacheSize int
	CacheTTL  time.Duration
	Retry     outbound.RetryConfig
}

// FlightAwareClient implements Source on top of the FlightAware AeroAPI v4.
//
// AeroAPI keys flights by ident or registration, not by ICAO hex, so
// unique-id lookups resolve registrations only. Positions come from the
// flight's last_position.
//
// API Documentation: https://www.flightaware.com/aeroapi/portal/documentation
type FlightAwareClient struct {
	name     string
	apiKey   string
	baseURL  string
	priority int
	http     *outbound.Client
	cache    *cache.Cache[Aircraft]
	log      *logger.Logger
}

// NewFlightAwareClient creates a new FlightAware AeroAPI client.
func NewFlightAwareClient(cfg FlightAwareConfig, log *logger.Logger) (*FlightAwareClient, error) {
	log = logger.OrNop(log)

	if cfg.Name == "" {
		cfg.Name = "flightaware"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = FlightAwareBaseURL
	}
	if cfg.RequestsPerHour <= 0 {
		cfg.RequestsPerHour = defaultFlightAwareRequestsPerHour
	}

	httpClient, err := outbound.New(outbound.Config{
		Name:        cfg.Name,
		Timeout:     cfg.Timeout,
		MinInterval: time.Hour / time.Duration(cfg.RequestsPerHour),
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

	return &FlightAwareClient{
		name:     cfg.Name,
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		priority: cfg.Priority,
		http:     httpClient,
		cache:    records,
		log:      log.With("source", cfg.Name),
	}, nil
}

// faFlight is the subset of an AeroAPI flight object we use.
type faFlight struct {
	Ident        string      `json:"ident"`
	IdentICAO    string      `json:"ident_icao"`
	FAFlightID   string      `json:"fa_flight_id"`
	Registration string      `json:"registration"`
	AircraftType string      `json:"aircraft_type"`
	Status       string      `json:"status"`
	ActualOff    *time.Time  `json:"actual_off"`
	ActualOn     *time.Time  `json:"actual_on"`
	LastPosition *faPosition `json:"last_position"`

	Origin *struct {
		Code string `json:"code_icao"`
	} `json:"origin"`

	Destination *struct {
		Code string `json:"code_icao"`
	} `json:"destination"`
}

// faPosition is an AeroAPI position report. Altitude is in hundreds of feet.
type faPosition struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Altitude       *float64  `json:"altitude"`
	AltitudeChange string    `json:"altitude_change"`
	Groundspeed    *float64  `json:"groundspeed"`
	Heading        *float64  `json:"heading"`
	Timestamp      time.Time `json:"timestamp"`
	UpdateType     string    `json:"update_type"`
}

type faFlightsResponse struct {
	Flights []faFlight `json:"flights"`
}

// FetchByRegistration returns the most recent airborne flight for a tail
// number, positioned with its last reported position.
func (c *FlightAwareClient) FetchByRegistration(ctx context.Context, registration string) (*Aircraft, error) {
	registration = normalizeID(registration)
	if registration == "" {
		return nil, nil
	}
	if ac, ok := c.cache.Get(registration); ok {
		return Ptr(ac.Clone()), nil
	}

	// AeroAPI endpoint: /flights/{ident}
	var resp faFlightsResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/flights/%s", c.baseURL, url.PathEscape(registration)), &resp); err != nil {
		if outbound.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("flight lookup: %w", err)
	}

	flight := pickActiveFlight(resp.Flights)
	if flight == nil {
		return nil, nil
	}
	if flight.Registration == "" {
		flight.Registration = registration
	}

	if flight.LastPosition == nil && flight.FAFlightID != "" {
		var pos struct {
			LastPosition *faPosition `json:"last_position"`
		}
		endpoint := fmt.Sprintf("%s/flights/%s/position", c.baseURL, url.PathEscape(flight.FAFlightID))
		if err := c.getJSON(ctx, endpoint, &pos); err != nil && !outbound.IsNotFound(err) {
			return nil, fmt.Errorf("position lookup: %w", err)
		}
		flight.LastPosition = pos.LastPosition
	}

	ac, err := c.convert(*flight)
	if err != nil {
		c.log.Warn("skipping invalid flight", "ident", flight.Ident, "error", err)
		return nil, nil
	}
	c.cache.Put(ac.UniqueID(), ac.Clone())
	return &ac, nil
}

// FetchByUniqueID resolves registrations; ICAO hex addresses are served only
// from records already cached by FetchNear.
func (c *FlightAwareClient) FetchByUniqueID(ctx context.Context, id string) (*Aircraft, error) {
	id = normalizeID(id)
	if id == "" {
		return nil, nil
	}
	if ac, ok := c.cache.Get(id); ok {
		return Ptr(ac.Clone()), nil
	}
	if icaoHexPattern.MatchString(id) {
		return nil, nil
	}
	return c.FetchByRegistration(ctx, id)
}

// FetchNear searches the bounding box around the point and keeps the flights
// within radiusNM, nearest first.
func (c *FlightAwareClient) FetchNear(ctx context.Context, lat, lon, radiusNM float64) ([]Aircraft, error) {
	flights, err := c.search(ctx, coordinates.BoundingBox(coordinates.Geographic{Latitude: lat, Longitude: lon}, radiusNM))
	if err != nil {
		return nil, fmt.Errorf("flight search: %w", err)
	}

	aircraft := make([]Aircraft, 0, len(flights))
	for _, f := range flights {
		ac, err := c.convert(f)
		if err != nil {
			c.log.Debug("skipping flight", "ident", f.Ident, "error", err)
			continue
		}
		c.cache.Put(ac.UniqueID(), ac.Clone())
		aircraft = append(aircraft, ac)
	}

	return FilterByRadius(aircraft, lat, lon, radiusNM), nil
}

// TestConnection validates the API key with a search over a tiny box.
func (c *FlightAwareClient) TestConnection(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("%s: API key not configured", c.name)
	}
	if _, err := c.search(ctx, coordinates.Bounds{MinLat: 0, MinLon: 0, MaxLat: 0.01, MaxLon: 0.01}); err != nil {
		return fmt.Errorf("%s unreachable: %w", c.name, err)
	}
	return nil
}

// Priority returns the configured source priority.
func (c *FlightAwareClient) Priority() int {
	return c.priority
}

// ClearCache drops cached records.
func (c *FlightAwareClient) ClearCache() {
	c.cache.Clear()
}

// Close is a no-op; AeroAPI holds no persistent connections.
func (c *FlightAwareClient) Close() error {
	return nil
}

// search runs /flights/search with a -latlong query.
func (c *FlightAwareClient) search(ctx context.Context, b coordinates.Bounds) ([]faFlight, error) {
	query := fmt.Sprintf(`-latlong "%.4f %.4f %.4f %.4f"`, b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
	endpoint := fmt.Sprintf("%s/flights/search?query=%s", c.baseURL, url.QueryEscape(query))

	var resp faFlightsResponse
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Flights, nil
}

func (c *FlightAwareClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	body, err := c.http.Get(ctx, endpoint, map[string]string{"x-apikey": c.apiKey})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// convert maps an AeroAPI flight to an Aircraft.
func (c *FlightAwareClient) convert(f faFlight) (Aircraft, error) {
	ac := Aircraft{
		Registration: f.Registration,
		Callsign:     firstString(f.IdentICAO, f.Ident),
		AircraftType: f.AircraftType,
		Source:       c.name,
		Priority:     c.priority,
	}

	meta := map[string]string{}
	if f.FAFlightID != "" {
		meta["fa_flight_id"] = f.FAFlightID
	}
	if f.Origin != nil && f.Origin.Code != "" {
		meta["origin"] = f.Origin.Code
	}
	if f.Destination != nil && f.Destination.Code != "" {
		meta["destination"] = f.Destination.Code
	}
	if len(meta) > 0 {
		ac.Metadata = meta
	}

	if p := f.LastPosition; p != nil {
		ac.Latitude = Ptr(p.Latitude)
		ac.Longitude = Ptr(p.Longitude)
		if p.Altitude != nil {
			ac.Altitude = Ptr(*p.Altitude * 100)
		}
		ac.GroundSpeed = p.Groundspeed
		ac.Track = p.Heading
		if !p.Timestamp.IsZero() {
			ac.LastSeen = Ptr(p.Timestamp.UTC())
			ac.LastContact = Ptr(p.Timestamp.UTC())
		}
	}

	return NewAircraft(ac)
}

// pickActiveFlight prefers a flight that has departed and not landed,
// otherwise the first (most recent) flight.
func pickActiveFlight(flights []faFlight) *faFlight {
	if len(flights) == 0 {
		return nil
	}
	for i := range flights {
		if flights[i].ActualOff != nil && flights[i].ActualOn == nil {
			return &flights[i]
		}
	}
	return &flights[0]
}
