// Package adsb defines the normalized aircraft record shared by every data
// source, the contract those sources implement, and the concrete clients for
// airplanes.live, FlightAware AeroAPI and BaseStation (SBS-1) feeds.
package adsb

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fregster/hangar-assistant/pkg/coordinates"
)

// AirborneAltitudeFeet is the altitude above which an aircraft with no
// explicit on-ground flag is considered airborne.
const AirborneAltitudeFeet = 100.0

// anonPrefix marks a non-persistent identity generated for records that carry
// no identifier. Such ids never match across sources.
const anonPrefix = "anon:"

// Aircraft is a single aircraft observation, normalized across sources.
// All position data is in WGS84. Optional values are pointers; nil means the
// source did not report the value.
type Aircraft struct {
	// Registration is the tail number (e.g., "N12345", "G-ABCD")
	Registration string `json:"registration,omitempty"`

	// ICAO is the unique 24-bit ICAO aircraft address in hex (e.g., "A12345")
	ICAO string `json:"icao,omitempty"`

	// FlarmID is the hex id on the FLARM/OGN network
	FlarmID string `json:"flarm_id,omitempty"`

	// Latitude in decimal degrees (-90 to +90)
	Latitude *float64 `json:"latitude,omitempty"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude *float64 `json:"longitude,omitempty"`

	// Altitude in feet above mean sea level
	Altitude *float64 `json:"altitude,omitempty"`

	// GroundSpeed in knots
	GroundSpeed *float64 `json:"ground_speed,omitempty"`

	// Track is the ground track in degrees [0, 360)
	// 0 = North, 90 = East, 180 = South, 270 = West
	Track *float64 `json:"track,omitempty"`

	// VerticalRate in feet per minute (positive = climbing)
	VerticalRate *float64 `json:"vertical_rate,omitempty"`

	// TurnRate in degrees per second, reported by FLARM only
	TurnRate *float64 `json:"turn_rate,omitempty"`

	AircraftType string `json:"aircraft_type,omitempty"`
	Callsign     string `json:"callsign,omitempty"`
	Squawk       string `json:"squawk,omitempty"`
	OnGround     *bool  `json:"on_ground,omitempty"`
	IsFlarm      bool   `json:"is_flarm"`

	// Source names the contributing source(s), comma-separated after a merge
	Source string `json:"source"`

	// Priority ranks the source; lower values are more authoritative
	Priority int `json:"priority"`

	// LastSeen is when the position was last updated
	LastSeen *time.Time `json:"last_seen,omitempty"`

	// LastContact is when any message was last received
	LastContact *time.Time `json:"last_contact,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	anonID string
}

// ValidationError reports a record that violates the Aircraft invariants.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid aircraft %s: %s", e.Field, e.Reason)
}

// Ptr returns a pointer to v. Convenience for populating optional fields.
func Ptr[T any](v T) *T {
	return &v
}

// NewAircraft normalizes and validates a record. Identifiers are trimmed and
// upper-cased and the track is normalized into [0, 360). A record with no
// identifier, or with a coordinate out of range, is rejected with a
// *ValidationError.
func NewAircraft(a Aircraft) (Aircraft, error) {
	a.Registration = normalizeID(a.Registration)
	a.ICAO = normalizeID(a.ICAO)
	a.FlarmID = normalizeID(a.FlarmID)
	a.Callsign = strings.TrimSpace(a.Callsign)
	a.Squawk = strings.TrimSpace(a.Squawk)
	a.AircraftType = strings.TrimSpace(a.AircraftType)

	if err := a.Validate(); err != nil {
		return Aircraft{}, err
	}

	if a.Track != nil {
		a.Track = Ptr(coordinates.NormalizeAzimuth(*a.Track))
	}
	return a, nil
}

// Validate checks the record invariants without modifying it.
func (a *Aircraft) Validate() error {
	if a.Registration == "" && a.ICAO == "" && a.FlarmID == "" {
		return &ValidationError{Field: "identifier", Reason: "one of registration, icao or flarm_id is required"}
	}
	if a.Latitude != nil && !(*a.Latitude >= -90 && *a.Latitude <= 90) {
		return &ValidationError{Field: "latitude", Reason: fmt.Sprintf("%f out of range [-90, 90]", *a.Latitude)}
	}
	if a.Longitude != nil && !(*a.Longitude >= -180 && *a.Longitude <= 180) {
		return &ValidationError{Field: "longitude", Reason: fmt.Sprintf("%f out of range [-180, 180]", *a.Longitude)}
	}
	return nil
}

func normalizeID(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// UniqueID returns the identity used to correlate records across sources:
// ICAO, else FLARM id, else registration. A record with none of those gets a
// random "anon:" id that never matches another record.
func (a *Aircraft) UniqueID() string {
	switch {
	case a.ICAO != "":
		return a.ICAO
	case a.FlarmID != "":
		return a.FlarmID
	case a.Registration != "":
		return a.Registration
	}
	if a.anonID == "" {
		a.anonID = anonPrefix + uuid.NewString()
	}
	return a.anonID
}

// HasStableID reports whether the record carries a real identifier.
func (a *Aircraft) HasStableID() bool {
	return a.ICAO != "" || a.FlarmID != "" || a.Registration != ""
}

// HasPosition reports whether both latitude and longitude are known.
func (a *Aircraft) HasPosition() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// Position returns the record's position. ok is false without a position.
func (a *Aircraft) Position() (coordinates.Geographic, bool) {
	if !a.HasPosition() {
		return coordinates.Geographic{}, false
	}
	return coordinates.Geographic{Latitude: *a.Latitude, Longitude: *a.Longitude}, true
}

// DistanceTo returns the great-circle distance in nautical miles from the
// aircraft to the given point, rounded to two decimals.
func (a *Aircraft) DistanceTo(lat, lon float64) (float64, bool) {
	pos, ok := a.Position()
	if !ok {
		return 0, false
	}
	d := coordinates.DistanceNauticalMiles(pos, coordinates.Geographic{Latitude: lat, Longitude: lon})
	return coordinates.RoundTo(d, 2), true
}

// BearingTo returns the initial bearing in whole degrees from the aircraft to
// the given point.
func (a *Aircraft) BearingTo(lat, lon float64) (int, bool) {
	pos, ok := a.Position()
	if !ok {
		return 0, false
	}
	b := coordinates.Bearing(pos, coordinates.Geographic{Latitude: lat, Longitude: lon})
	return int(b), true
}

// IsAirborne uses the explicit on-ground flag when present, otherwise the
// altitude. known is false when neither is reported.
func (a *Aircraft) IsAirborne() (airborne, known bool) {
	if a.OnGround != nil {
		return !*a.OnGround, true
	}
	if a.Altitude != nil {
		return *a.Altitude > AirborneAltitudeFeet, true
	}
	return false, false
}

// IsStale reports whether the last position update is older than maxAge.
// known is false when LastSeen is not set.
func (a *Aircraft) IsStale(maxAge time.Duration) (stale, known bool) {
	return a.IsStaleAt(time.Now(), maxAge)
}

// IsStaleAt is IsStale evaluated at a fixed instant.
func (a *Aircraft) IsStaleAt(now time.Time, maxAge time.Duration) (stale, known bool) {
	if a.LastSeen == nil {
		return false, false
	}
	return now.Sub(*a.LastSeen) > maxAge, true
}

// Clone returns a deep copy; no pointer or map is shared with a.
func (a Aircraft) Clone() Aircraft {
	c := a
	c.Latitude = clonePtr(a.Latitude)
	c.Longitude = clonePtr(a.Longitude)
	c.Altitude = clonePtr(a.Altitude)
	c.GroundSpeed = clonePtr(a.GroundSpeed)
	c.Track = clonePtr(a.Track)
	c.VerticalRate = clonePtr(a.VerticalRate)
	c.TurnRate = clonePtr(a.TurnRate)
	c.OnGround = clonePtr(a.OnGround)
	c.LastSeen = clonePtr(a.LastSeen)
	c.LastContact = clonePtr(a.LastContact)
	if a.Metadata != nil {
		c.Metadata = maps.Clone(a.Metadata)
	}
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Merge combines two observations of the same aircraft into a new record.
// The operand with the lower Priority is primary (a wins ties). Every field
// comes from the primary when set and from the secondary otherwise. Sources
// are joined with a comma, metadata is the union with the primary winning on
// key conflicts, and the result keeps the primary's priority. Neither input
// is modified.
func Merge(a, b Aircraft) Aircraft {
	primary, secondary := a, b
	if b.Priority < a.Priority {
		primary, secondary = b, a
	}

	m := primary.Clone()
	s := secondary.Clone()

	m.Registration = firstString(m.Registration, s.Registration)
	m.ICAO = firstString(m.ICAO, s.ICAO)
	m.FlarmID = firstString(m.FlarmID, s.FlarmID)
	m.AircraftType = firstString(m.AircraftType, s.AircraftType)
	m.Callsign = firstString(m.Callsign, s.Callsign)
	m.Squawk = firstString(m.Squawk, s.Squawk)

	m.Latitude = firstPtr(m.Latitude, s.Latitude)
	m.Longitude = firstPtr(m.Longitude, s.Longitude)
	m.Altitude = firstPtr(m.Altitude, s.Altitude)
	m.GroundSpeed = firstPtr(m.GroundSpeed, s.GroundSpeed)
	m.Track = firstPtr(m.Track, s.Track)
	m.VerticalRate = firstPtr(m.VerticalRate, s.VerticalRate)
	m.TurnRate = firstPtr(m.TurnRate, s.TurnRate)
	m.OnGround = firstPtr(m.OnGround, s.OnGround)
	m.LastSeen = firstPtr(m.LastSeen, s.LastSeen)
	m.LastContact = firstPtr(m.LastContact, s.LastContact)

	m.IsFlarm = m.IsFlarm || s.IsFlarm
	m.Source = joinSources(m.Source, s.Source)

	if len(s.Metadata) > 0 {
		merged := make(map[string]string, len(m.Metadata)+len(s.Metadata))
		maps.Copy(merged, s.Metadata)
		maps.Copy(merged, m.Metadata)
		m.Metadata = merged
	}
	return m
}

func firstString(p, s string) string {
	if p != "" {
		return p
	}
	return s
}

func firstPtr[T any](p, s *T) *T {
	if p != nil {
		return p
	}
	return s
}

// joinSources appends the names in b not already listed in a.
func joinSources(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	names := strings.Split(a, ",")
	for _, n := range strings.Split(b, ",") {
		if n != "" && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return strings.Join(names, ",")
}
