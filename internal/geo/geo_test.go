package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0.0, Distance(10.787, 79.138, 10.787, 79.138))
	// one degree of latitude on a 6371 km sphere
	assert.InDelta(t, 111.195, Distance(10, 79, 11, 79), 0.01)
	assert.InDelta(t, Distance(10.749, 79.113, 10.786, 79.136), Distance(10.786, 79.136, 10.749, 79.113), 1e-9)
}

func TestBearing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
	}{
		{"north", 10, 79, 11, 79, 0},
		{"east", 0, 79, 0, 80, 90},
		{"south", 11, 79, 10, 79, 180},
		{"west", 0, 80, 0, 79, 270},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Bearing(tc.lat1, tc.lng1, tc.lat2, tc.lng2)
			assert.InDelta(t, tc.want, got, 0.01)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestDistanceToSegment(t *testing.T) {
	t.Parallel()

	a := Point{Lat: 10.0, Lng: 79.0}
	b := Point{Lat: 10.0, Lng: 79.1}

	t.Run("perpendicular to interior", func(t *testing.T) {
		p := Point{Lat: 10.01, Lng: 79.05}
		assert.InDelta(t, Distance(10.01, 79.05, 10.0, 79.05), DistanceToSegment(p, a, b), 0.01)
	})

	t.Run("clamped past the end", func(t *testing.T) {
		p := Point{Lat: 10.0, Lng: 79.2}
		assert.InDelta(t, Between(p, b), DistanceToSegment(p, a, b), 1e-6)
	})

	t.Run("clamped before the start", func(t *testing.T) {
		p := Point{Lat: 9.95, Lng: 78.95}
		assert.InDelta(t, Between(p, a), DistanceToSegment(p, a, b), 1e-6)
	})

	t.Run("degenerate segment", func(t *testing.T) {
		p := Point{Lat: 10.01, Lng: 79.0}
		assert.InDelta(t, Between(p, a), DistanceToSegment(p, a, a), 1e-9)
	})
}

func TestInterpolate(t *testing.T) {
	t.Parallel()

	pts := []Point{{10.0, 79.0}, {10.0, 79.1}, {10.1, 79.1}}
	cum := CumDistances(pts)
	assert.Len(t, cum, 3)
	assert.Equal(t, 0.0, cum[0])
	assert.InDelta(t, Between(pts[0], pts[1])+Between(pts[1], pts[2]), cum[2], 1e-9)

	p, brng := Interpolate(pts, cum, cum[1]/2)
	assert.InDelta(t, 10.0, p.Lat, 1e-9)
	assert.InDelta(t, 79.05, p.Lng, 1e-9)
	assert.InDelta(t, 90, brng, 0.1)

	p, _ = Interpolate(pts, cum, cum[2]+5)
	assert.Equal(t, pts[2], p)

	p, _ = Interpolate(pts, cum, -1)
	assert.Equal(t, pts[0], p)
}
