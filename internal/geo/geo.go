package geo

import (
	"errors"
	"math"
)

// ErrMissingCoordinates is returned when a distance is requested against a
// point whose coordinates are unknown. Callers treat it as "cannot evaluate
// proximity" and exclude the row rather than failing the whole operation.
var ErrMissingCoordinates = errors.New("missing coordinates")

const earthRadiusKm = 6371.0

// Point is an optional coordinate pair. Valid is false when either
// component is unknown.
type Point struct {
	Lat   float64
	Lon   float64
	Valid bool
}

func NewPoint(lat, lon float64) Point {
	return Point{Lat: lat, Lon: lon, Valid: true}
}

// PointFromPtrs builds a Point from nullable columns; the result is only
// valid when both components are present.
func PointFromPtrs(lat, lon *float64) Point {
	if lat == nil || lon == nil {
		return Point{}
	}
	return NewPoint(*lat, *lon)
}

// DistanceKm computes the great-circle distance in kilometers between two
// coordinate pairs using the haversine formula on a mean Earth radius.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := radians(lat2 - lat1)
	dLon := radians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(lat1))*math.Cos(radians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusKm * 2 * math.Asin(math.Min(1, math.Sqrt(a)))
}

// Distance computes the distance between two optional points, failing with
// ErrMissingCoordinates when either side is unknown.
func Distance(a, b Point) (float64, error) {
	if !a.Valid || !b.Valid {
		return 0, ErrMissingCoordinates
	}
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon), nil
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
