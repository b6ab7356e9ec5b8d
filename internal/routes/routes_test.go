package routes

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
)

func TestBuiltin(t *testing.T) {
	t.Parallel()
	c, err := Builtin(0)
	require.NoError(t, err)

	ids := []string{}
	for _, r := range c.All() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"R12", "R15", "R08"}, ids)

	r12, ok := c.Get("R12")
	require.True(t, ok)
	assert.Len(t, r12.Points, 28)
	assert.Len(t, r12.Cum, 28)
	assert.Equal(t, 30.0, r12.AverageSpeed)
	assert.Greater(t, r12.TotalDistanceKm, 5.0)

	require.Len(t, r12.StopVertex, len(r12.Stops))
	assert.Equal(t, 0, r12.StopVertex[0])
	assert.Equal(t, 27, r12.StopVertex[len(r12.StopVertex)-1])
	for i := 1; i < len(r12.StopVertex); i++ {
		assert.Greater(t, r12.StopVertex[i], r12.StopVertex[i-1], "stops follow the polyline")
		assert.Greater(t, r12.Stops[i].DistanceKm, r12.Stops[i-1].DistanceKm)
	}

	r15, _ := c.Get("R15")
	assert.Equal(t, 52.3, r15.TotalDistanceKm)
	assert.Equal(t, 2.1, r15.Stops[1].DistanceKm, "published distances are kept")

	_, ok = c.Get("R99")
	assert.False(t, ok)
}

func TestStopsDeduplicated(t *testing.T) {
	t.Parallel()
	c, err := Builtin(0)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, s := range c.Stops() {
		seen[s.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Equal(t, []string{"R15", "R08"}, c.RoutesServing("TJ_BS"))

	s, ok := c.Stop("OBS002")
	require.True(t, ok)
	assert.Equal(t, "Old Bus Stand", s.Name)
}

func TestNearestStop(t *testing.T) {
	t.Parallel()
	c, err := Builtin(0)
	require.NoError(t, err)

	s, d, ok := c.NearestStop(10.7861, 79.1361, 1)
	require.True(t, ok)
	assert.Equal(t, "OBS002", s.ID)
	assert.Less(t, d, 0.1)

	_, _, ok = c.NearestStop(12.0, 80.0, 1)
	assert.False(t, ok)
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("default average speed", func(t *testing.T) {
		c, err := New([]fleet.Route{{ID: "A", Coordinates: []fleet.Coordinate{{Lat: 1, Lng: 1}}}}, 25)
		require.NoError(t, err)
		r, _ := c.Get("A")
		assert.Equal(t, 25.0, r.AverageSpeed)
		assert.Zero(t, r.LengthKm())
	})

	t.Run("duplicate id", func(t *testing.T) {
		def := fleet.Route{ID: "A", Coordinates: []fleet.Coordinate{{Lat: 1, Lng: 1}}}
		_, err := New([]fleet.Route{def, def}, 0)
		assert.ErrorContains(t, err, "duplicate route")
	})

	t.Run("no coordinates", func(t *testing.T) {
		_, err := New([]fleet.Route{{ID: "A"}}, 0)
		assert.Error(t, err)
	})

	t.Run("stops sorted by order", func(t *testing.T) {
		c, err := New([]fleet.Route{{
			ID:          "A",
			Coordinates: []fleet.Coordinate{{Lat: 10, Lng: 79}, {Lat: 10.01, Lng: 79}},
			Stops: []fleet.Stop{
				{ID: "B", Name: "b", Lat: 10.01, Lng: 79, Order: 2},
				{ID: "A", Name: "a", Lat: 10, Lng: 79, Order: 1},
			},
		}}, 0)
		require.NoError(t, err)
		r, _ := c.Get("A")
		assert.Equal(t, "A", r.Stops[0].ID)
		assert.Equal(t, []int{0, 1}, r.StopVertex)
		assert.InDelta(t, 1.11, r.Stops[1].DistanceKm, 0.01)
	})
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
routes:
  - id: X1
    name: Test
    active: true
    coordinates:
      - {lat: 10.0, lng: 79.0}
      - {lat: 10.1, lng: 79.0}
    stops:
      - {id: S1, name: Start, lat: 10.0, lng: 79.0, order: 1}
`), 0o600))
	c, err := LoadFile(good, 0)
	require.NoError(t, err)
	st := c.Stats()
	assert.Equal(t, 1, st.TotalRoutes)
	assert.Equal(t, 1, st.ActiveRoutes)
	assert.Equal(t, 1, st.TotalStops)
	assert.InDelta(t, 11.12, st.TotalDistance, 0.01)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("routes:\n  - id: X1\n    coordinates:\n      - {lat: 95, lng: 79}\n"), 0o600))
	_, err = LoadFile(bad, 0)
	assert.ErrorContains(t, err, "invalid routes")

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"), 0)
	assert.Error(t, err)
}
