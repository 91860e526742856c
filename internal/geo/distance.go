package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by CalculateDistance.
const EarthRadiusKm = 6371.0

// CalculateDistance returns the great-circle distance in kilometres
// between two points given in degrees, using the haversine formula.
func CalculateDistance(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// FormatDistance renders km as whole metres below one kilometre
// ("500 m") and as kilometres with one decimal otherwise ("12.3 km").
func FormatDistance(km float64) string {
	if km < 1 {
		return fmt.Sprintf("%d m", int(math.Round(km*1000)))
	}
	return fmt.Sprintf("%.1f km", km)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
