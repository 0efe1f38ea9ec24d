// Package geo holds great-circle helpers on a spherical Earth.
package geo

import (
	"math"

	"github.com/markus-lassfolk/fieldtrack/pkg"
)

// EarthRadiusMeters is the mean Earth radius used by every computation here
const EarthRadiusMeters = 6371000.0

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }

// Distance returns the haversine distance between a and b in meters
func Distance(a, b pkg.Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLat := toRadians(b.Latitude - a.Latitude)
	deltaLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing from a to b in degrees [0, 360)
func Bearing(a, b pkg.Point) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	deltaLon := toRadians(b.Longitude - a.Longitude)

	y := math.Sin(deltaLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(deltaLon)

	return math.Mod(toDegrees(math.Atan2(y, x))+360, 360)
}

// Destination returns the point reached travelling distance meters from
// origin along the given initial bearing
func Destination(origin pkg.Point, bearingDeg, distance float64) pkg.Point {
	delta := distance / EarthRadiusMeters
	theta := toRadians(bearingDeg)
	lat1 := toRadians(origin.Latitude)
	lon1 := toRadians(origin.Longitude)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2))

	return pkg.Point{
		Latitude:  toDegrees(lat2),
		Longitude: math.Mod(toDegrees(lon2)+540, 360) - 180,
	}
}
