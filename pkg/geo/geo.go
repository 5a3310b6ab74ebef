// Package geo provides the great-circle math used for zone membership,
// jitter damping and stationary detection.
//
// Distances are computed with the haversine formula on a spherical Earth of
// radius [EarthRadius]. At the scales involved (a few metres to a few
// kilometres) the error against an ellipsoidal model is well below typical
// GPS accuracy.
package geo

import (
	"fmt"
	"math"
)

// EarthRadius is the mean Earth radius in metres.
const EarthRadius = 6371000.0

// Point is a WGS-84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// String renders the point with six decimals (~0.1 m precision).
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Valid reports whether the point lies inside the legal coordinate ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Distance returns the haversine distance between a and b in metres.
func Distance(a, b Point) float64 {
	φ1 := radians(a.Lat)
	φ2 := radians(b.Lat)
	Δφ := radians(b.Lat - a.Lat)
	Δλ := radians(b.Lng - a.Lng)

	h := math.Sin(Δφ/2)*math.Sin(Δφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(Δλ/2)*math.Sin(Δλ/2)
	return EarthRadius * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

// Circle is a centre plus radius in metres.
type Circle struct {
	Center Point
	Radius float64
}

// Contains reports whether p lies strictly inside the circle.
func (c Circle) Contains(p Point) bool {
	return Distance(c.Center, p) < c.Radius
}
