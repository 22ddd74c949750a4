package fog

import (
	"fmt"
	"math"
)

// DefaultPrecision is the number of decimal places kept for coordinates
// (about 0.11 m at the equator).
const DefaultPrecision = 6

// Sanitizer rejects malformed coordinates and rounds valid ones to a fixed
// precision so that equal positions compare equal.
type Sanitizer struct {
	precision int
}

// NewSanitizer returns a sanitizer rounding to precision decimal places.
// Values outside 0..9 fall back to DefaultPrecision.
func NewSanitizer(precision int) Sanitizer {
	if precision < 0 || precision > 9 {
		precision = DefaultPrecision
	}
	return Sanitizer{precision: precision}
}

// Precision returns the number of decimal places kept.
func (s Sanitizer) Precision() int {
	return s.precision
}

// Sanitize validates lon/lat and returns the rounded point.
func (s Sanitizer) Sanitize(lon, lat float64) (GeoPoint, error) {
	if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
		return GeoPoint{}, fmt.Errorf("%w: non-finite (%v, %v)", ErrInvalidCoordinate, lon, lat)
	}
	if lon < -180 || lon > 180 {
		return GeoPoint{}, fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, lon)
	}
	if lat < -90 || lat > 90 {
		return GeoPoint{}, fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, lat)
	}
	return GeoPoint{
		Lon: RoundCoordinate(lon, s.precision),
		Lat: RoundCoordinate(lat, s.precision),
	}, nil
}

// SanitizeFix is Sanitize applied to a RawFix.
func (s Sanitizer) SanitizeFix(raw RawFix) (GeoPoint, error) {
	return s.Sanitize(raw.Lon, raw.Lat)
}

// RoundCoordinate rounds v half away from zero to precision decimal places.
func RoundCoordinate(v float64, precision int) float64 {
	scale := math.Pow10(precision)
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0 // drop negative zero so -0.0000001 and 0 dedupe
	}
	return r
}
