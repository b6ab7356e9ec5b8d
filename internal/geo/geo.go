// Package geo holds the distance and bearing math used by route projection
// and the simulator. All distances are kilometres on a spherical Earth.
package geo

import "math"

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lng float64
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Distance returns the great-circle (Haversine) distance in kilometres.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Between is Distance for two points.
func Between(a, b Point) float64 { return Distance(a.Lat, a.Lng, b.Lat, b.Lng) }

// Bearing returns the initial bearing from the first point to the second in [0,360).
func Bearing(lat1, lng1, lat2, lng2 float64) float64 {
	y := math.Sin(toRad(lng2-lng1)) * math.Cos(toRad(lat2))
	x := math.Cos(toRad(lat1))*math.Sin(toRad(lat2)) - math.Sin(toRad(lat1))*math.Cos(toRad(lat2))*math.Cos(toRad(lng2-lng1))
	brng := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(brng+360, 360)
}

// DistanceToSegment returns the distance in km from p to the segment a-b.
// The projection parameter is clamped to [0,1] before measuring, so points
// beyond either end measure to that endpoint.
func DistanceToSegment(p, a, b Point) float64 {
	// local equirectangular plane centred on p
	cosLat := math.Cos(toRad(p.Lat))
	toXY := func(q Point) (x, y float64) {
		y = toRad(q.Lat-p.Lat) * EarthRadiusKm
		x = toRad(q.Lng-p.Lng) * EarthRadiusKm * cosLat
		return
	}
	x0, y0 := toXY(a)
	x1, y1 := toXY(b)
	dx := x1 - x0
	dy := y1 - y0
	t := 0.0
	if segLen2 := dx*dx + dy*dy; segLen2 > 0 {
		t = -(x0*dx + y0*dy) / segLen2
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	closest := Point{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: a.Lng + (b.Lng-a.Lng)*t,
	}
	return Between(p, closest)
}

// CumDistances returns the cumulative distance in km at each polyline vertex.
func CumDistances(pts []Point) []float64 {
	if len(pts) == 0 {
		return nil
	}
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + Between(pts[i-1], pts[i])
	}
	return cum
}

// Interpolate walks dist km along the polyline and returns the position and
// the bearing of the segment it lands on. dist is clamped to the polyline.
func Interpolate(pts []Point, cum []float64, dist float64) (Point, float64) {
	n := len(pts)
	if n == 0 {
		return Point{}, 0
	}
	if n == 1 || cum[n-1] == 0 {
		return pts[0], 0
	}
	if dist <= 0 {
		return pts[0], Bearing(pts[0].Lat, pts[0].Lng, pts[1].Lat, pts[1].Lng)
	}
	if dist >= cum[n-1] {
		return pts[n-1], Bearing(pts[n-2].Lat, pts[n-2].Lng, pts[n-1].Lat, pts[n-1].Lng)
	}
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	p0, p1 := pts[i-1], pts[i]
	brng := Bearing(p0.Lat, p0.Lng, p1.Lat, p1.Lng)
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0, brng
	}
	frac := (dist - d0) / (d1 - d0)
	return Point{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lng: p0.Lng + (p1.Lng-p0.Lng)*frac,
	}, brng
}
