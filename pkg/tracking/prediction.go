// Package tracking extrapolates aircraft positions forward in time from the
// last reported position and velocity.
package tracking

import (
	"math"
	"time"

	"github.com/fregster/hangar-assistant/pkg/adsb"
	"github.com/fregster/hangar-assistant/pkg/coordinates"
)

const (
	// MaxHorizon is the extrapolation time at which confidence reaches zero.
	MaxHorizon = 60 * time.Second

	// StaleAfter is the data age beyond which confidence is halved.
	StaleAfter = 10 * time.Second
)

// PredictedPosition is an aircraft's extrapolated position.
type PredictedPosition struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`

	// PredictionTime is when this prediction is valid
	PredictionTime time.Time `json:"prediction_time"`

	// Confidence is a measure of prediction reliability (0-1).
	// Lower for longer extrapolations and stale data.
	Confidence float64 `json:"confidence"`
}

// PredictPosition predicts where an aircraft will be at the given time,
// assuming it holds its current ground speed, track and vertical rate.
//
// ok is false when the record has no position or no LastSeen time. Without a
// ground speed or track only the altitude is extrapolated.
func PredictPosition(aircraft adsb.Aircraft, at time.Time) (PredictedPosition, bool) {
	return predictAt(aircraft, at, time.Now())
}

// PredictPositionWithLatency predicts the position latency from now.
// Online services typically lag by 2-3 seconds and local receivers by under one.
func PredictPositionWithLatency(aircraft adsb.Aircraft, latency time.Duration) (PredictedPosition, bool) {
	now := time.Now()
	return predictAt(aircraft, now.Add(latency), now)
}

func predictAt(aircraft adsb.Aircraft, at, now time.Time) (PredictedPosition, bool) {
	pos, ok := aircraft.Position()
	if !ok || aircraft.LastSeen == nil {
		return PredictedPosition{}, false
	}

	pred := PredictedPosition{
		Latitude:       pos.Latitude,
		Longitude:      pos.Longitude,
		PredictionTime: at,
		Confidence:     1.0,
	}
	if aircraft.Altitude != nil {
		pred.Altitude = adsb.Ptr(*aircraft.Altitude)
	}

	deltaT := at.Sub(*aircraft.LastSeen).Seconds()
	if deltaT <= 0 {
		return pred, true
	}

	// 1.0 at 0s, 0.5 at 30s, 0.0 at MaxHorizon and beyond
	pred.Confidence = math.Max(0, 1.0-deltaT/MaxHorizon.Seconds())
	if now.Sub(*aircraft.LastSeen) > StaleAfter {
		pred.Confidence *= 0.5
	}

	if aircraft.GroundSpeed != nil && aircraft.Track != nil {
		// 1 knot = 1 nm per hour
		distance := *aircraft.GroundSpeed * deltaT / 3600.0
		next := coordinates.Destination(pos, *aircraft.Track, distance)
		pred.Latitude, pred.Longitude = next.Latitude, next.Longitude
	}

	if pred.Altitude != nil && aircraft.VerticalRate != nil {
		alt := *pred.Altitude + *aircraft.VerticalRate*deltaT/60.0
		if alt < 0 {
			alt = 0
			pred.Confidence *= 0.5
		}
		*pred.Altitude = alt
	}

	return pred, true
}
