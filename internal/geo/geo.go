// Package geo holds the spherical math shared by the location channel.
package geo

import "math"

// Haversine distance in meters
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Bearing returns the great-circle initial bearing from the previous to the
// current point, in degrees normalized to [0, 360). Identical points yield 0.
func Bearing(prevLat, prevLng, currLat, currLng float64) float64 {
	if prevLat == currLat && prevLng == currLng {
		return 0
	}
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLng := toRad(currLng - prevLng)
	lat1 := toRad(prevLat)
	lat2 := toRad(currLat)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}
