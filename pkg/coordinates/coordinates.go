// Package coordinates provides great-circle geometry on a spherical Earth:
// distance, initial bearing and a cheap bounding-box pre-filter.
//
// All functions are pure and safe for concurrent use.
package coordinates

import "math"

// Constants for coordinate calculations
const (
	// DegreesToRadians converts degrees to radians
	DegreesToRadians = math.Pi / 180.0

	// RadiansToDegrees converts radians to degrees
	RadiansToDegrees = 180.0 / math.Pi

	// EarthRadiusNM is the mean Earth radius in nautical miles
	EarthRadiusNM = 3440.065

	// NMPerDegreeLatitude is the approximate length of one degree of latitude
	NMPerDegreeLatitude = 60.0

	// FeetToMeters converts feet to meters
	FeetToMeters = 0.3048

	// MetersToFeet converts meters to feet
	MetersToFeet = 3.28084
)

// Geographic represents a position on Earth's surface.
// Uses the WGS84 coordinate system (same as GPS).
type Geographic struct {
	// Latitude in decimal degrees (-90 to +90)
	// Positive = North, Negative = South
	Latitude float64

	// Longitude in decimal degrees (-180 to +180)
	// Positive = East, Negative = West
	Longitude float64
}

// Valid reports whether the position is within the WGS84 ranges.
func (g Geographic) Valid() bool {
	return g.Latitude >= -90 && g.Latitude <= 90 &&
		g.Longitude >= -180 && g.Longitude <= 180
}

// ToRadians converts the Geographic coordinates to radians.
// Returns (latRad, lonRad).
func (g Geographic) ToRadians() (float64, float64) {
	return g.Latitude * DegreesToRadians,
		g.Longitude * DegreesToRadians
}

// NormalizeAzimuth ensures azimuth is in the range [0, 360).
func NormalizeAzimuth(azimuth float64) float64 {
	az := math.Mod(azimuth, 360.0)
	if az < 0 {
		az += 360.0
	}
	// math.Mod of a tiny negative value can round up to exactly 360
	if az >= 360.0 {
		az = 0
	}
	return az
}

// Bearing calculates the initial bearing (forward azimuth) from one point to another.
// Uses spherical trigonometry to calculate the bearing along a great circle.
// Returns bearing in degrees [0, 360), where 0 = North, 90 = East, 180 = South, 270 = West.
func Bearing(from, to Geographic) float64 {
	lat1, lon1 := from.ToRadians()
	lat2, lon2 := to.ToRadians()

	dLon := lon2 - lon1
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)

	return NormalizeAzimuth(math.Atan2(y, x) * RadiansToDegrees)
}

// DistanceNauticalMiles calculates the great-circle distance between two points.
// Uses the Haversine formula for accuracy over short and long distances.
// Returns distance in nautical miles.
func DistanceNauticalMiles(from, to Geographic) float64 {
	lat1, lon1 := from.ToRadians()
	lat2, lon2 := to.ToRadians()

	dLat := lat2 - lat1
	dLon := lon2 - lon1

	// Haversine formula
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusNM * c
}

// Destination returns the point reached by travelling distanceNM along a
// great circle from start on the given initial bearing (degrees true).
func Destination(from Geographic, bearing, distanceNM float64) Geographic {
	lat1, lon1 := from.ToRadians()
	brng := bearing * DegreesToRadians
	d := distanceNM / EarthRadiusNM

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(d) + math.Cos(lat1)*math.Sin(d)*math.Cos(brng))
	lon2 := lon1 + math.Atan2(
		math.Sin(brng)*math.Sin(d)*math.Cos(lat1),
		math.Cos(d)-math.Sin(lat1)*math.Sin(lat2),
	)

	lon := math.Mod(lon2*RadiansToDegrees+540, 360) - 180
	return Geographic{Latitude: lat2 * RadiansToDegrees, Longitude: lon}
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Bounds is an axis-aligned latitude/longitude box.
type Bounds struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// BoundingBox approximates the box enclosing a circle of radiusNM around center.
//
// One nautical mile is taken as 1/60 of a degree of latitude; the longitude
// delta is scaled by 1/cos(latitude). Latitudes are clamped to [-90, 90]. Near
// the poles, or when the box would span more than the full circle, the
// longitude range is widened to [-180, 180]. The box may be larger than the
// circle and is only meant as a pre-filter before an exact distance check.
func BoundingBox(center Geographic, radiusNM float64) Bounds {
	if radiusNM < 0 {
		radiusNM = 0
	}

	dLat := radiusNM / NMPerDegreeLatitude
	b := Bounds{
		MinLat: math.Max(center.Latitude-dLat, -90),
		MaxLat: math.Min(center.Latitude+dLat, 90),
	}

	cosLat := math.Cos(center.Latitude * DegreesToRadians)
	if cosLat < 1e-9 {
		b.MinLon, b.MaxLon = -180, 180
		return b
	}

	dLon := dLat / cosLat
	if dLon >= 180 {
		b.MinLon, b.MaxLon = -180, 180
		return b
	}

	b.MinLon = center.Longitude - dLon
	b.MaxLon = center.Longitude + dLon
	return b
}

// Contains reports whether the point lies inside the box. Boxes that cross
// the antimeridian are handled by wrapping the longitude.
func (b Bounds) Contains(p Geographic) bool {
	if p.Latitude < b.MinLat || p.Latitude > b.MaxLat {
		return false
	}
	if b.MinLon <= -180 && b.MaxLon >= 180 {
		return true
	}

	lon := p.Longitude
	switch {
	case b.MinLon < -180 && lon > b.MaxLon:
		lon -= 360
	case b.MaxLon > 180 && lon < b.MinLon:
		lon += 360
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}
