package fog

// DefaultSmoothingIterations is the number of Chaikin passes applied to a
// path before buffering.
const DefaultSmoothingIterations = 2

// Smooth applies Chaikin corner cutting to points. Each pass replaces every
// segment (p0, p1) with the points at 1/4 and 3/4 along it; the first and
// last points are always kept. Paths with fewer than two points are returned
// unchanged.
func Smooth(points []GeoPoint, iterations int) []GeoPoint {
	out := make([]GeoPoint, len(points))
	copy(out, points)
	if len(points) < 2 {
		return out
	}

	for range iterations {
		next := make([]GeoPoint, 0, 2*len(out))
		next = append(next, out[0])
		for i := 0; i < len(out)-1; i++ {
			p0, p1 := out[i], out[i+1]
			next = append(next, lerp(p0, p1, 0.25), lerp(p0, p1, 0.75))
		}
		next = append(next, out[len(out)-1])
		out = next
	}
	return out
}

func lerp(a, b GeoPoint, t float64) GeoPoint {
	return GeoPoint{
		Lon: a.Lon + (b.Lon-a.Lon)*t,
		Lat: a.Lat + (b.Lat-a.Lat)*t,
	}
}
