package geo

import (
	"math"

	"taybat_back_end/internal/models"
)

const EarthRadiusKm = 6371.0

// DistanceKm calcule la distance orthodromique (haversine) arrondie au mètre.
func DistanceKm(a, b models.Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	d := 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
	return math.Round(d*1000) / 1000
}
