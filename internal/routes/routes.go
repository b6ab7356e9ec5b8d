// Package routes holds the immutable route catalog used for projection.
package routes

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
)

// DefaultAverageSpeedKmh applies to routes that do not declare one.
const DefaultAverageSpeedKmh = 30.0

//go:embed routes.yaml
var builtinYAML []byte

type catalogFile struct {
	Routes []fleet.Route `yaml:"routes" validate:"required,min=1,dive"`
}

// Route is a catalog route with its polyline geometry precomputed.
type Route struct {
	fleet.Route

	// Points mirrors Coordinates; Cum is the cumulative distance in km at
	// each vertex; StopVertex[i] is the vertex nearest to Stops[i].
	Points     []geo.Point
	Cum        []float64
	StopVertex []int
}

// LengthKm is the polyline length.
func (r *Route) LengthKm() float64 {
	if len(r.Cum) == 0 {
		return 0
	}
	return r.Cum[len(r.Cum)-1]
}

// NearestVertex returns the index of the vertex closest to p and its
// distance in km.
func (r *Route) NearestVertex(p geo.Point) (int, float64) {
	best, bestDist := -1, 0.0
	for i, v := range r.Points {
		d := geo.Between(p, v)
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// Catalog is safe for concurrent reads; it never changes after creation.
type Catalog struct {
	order  []string
	routes map[string]*Route
	stops  []fleet.Stop
}

// Stats summarises the catalog.
type Stats struct {
	TotalRoutes      int     `json:"totalRoutes"`
	ActiveRoutes     int     `json:"activeRoutes"`
	TotalStops       int     `json:"totalStops"`
	TotalDistance    float64 `json:"totalDistance"`
	AvgRouteDistance float64 `json:"avgRouteDistance"`
}

// Builtin returns the catalog compiled into the binary.
func Builtin(defaultAvgSpeed float64) (*Catalog, error) {
	return Parse(builtinYAML, defaultAvgSpeed)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string, defaultAvgSpeed float64) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return Parse(data, defaultAvgSpeed)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte, defaultAvgSpeed float64) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid routes: %w", err)
	}
	return New(f.Routes, defaultAvgSpeed)
}

// New builds a catalog. Route ids must be unique and every route needs at
// least one coordinate.
func New(defs []fleet.Route, defaultAvgSpeed float64) (*Catalog, error) {
	if defaultAvgSpeed <= 0 {
		defaultAvgSpeed = DefaultAverageSpeedKmh
	}
	c := &Catalog{routes: make(map[string]*Route, len(defs))}
	seenStop := make(map[string]bool)
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("route without id")
		}
		if _, dup := c.routes[def.ID]; dup {
			return nil, fmt.Errorf("duplicate route %q", def.ID)
		}
		if len(def.Coordinates) == 0 {
			return nil, fmt.Errorf("route %q has no coordinates", def.ID)
		}
		r := build(def, defaultAvgSpeed)
		c.routes[r.ID] = r
		c.order = append(c.order, r.ID)
		for _, s := range r.Stops {
			if !seenStop[s.ID] {
				seenStop[s.ID] = true
				c.stops = append(c.stops, s)
			}
		}
	}
	return c, nil
}

func build(def fleet.Route, defaultAvgSpeed float64) *Route {
	r := &Route{Route: def}
	r.Coordinates = append([]fleet.Coordinate(nil), def.Coordinates...)
	r.Stops = append([]fleet.Stop(nil), def.Stops...)
	sort.SliceStable(r.Stops, func(i, j int) bool { return r.Stops[i].Order < r.Stops[j].Order })

	r.Points = make([]geo.Point, len(r.Coordinates))
	for i, c := range r.Coordinates {
		r.Points[i] = geo.Point{Lat: c.Lat, Lng: c.Lng}
	}
	r.Cum = geo.CumDistances(r.Points)
	if r.AverageSpeed <= 0 {
		r.AverageSpeed = defaultAvgSpeed
	}
	if r.TotalDistanceKm <= 0 {
		r.TotalDistanceKm = round2(r.LengthKm())
	}

	r.StopVertex = make([]int, len(r.Stops))
	for i := range r.Stops {
		s := &r.Stops[i]
		idx, _ := r.NearestVertex(geo.Point{Lat: s.Lat, Lng: s.Lng})
		r.StopVertex[i] = idx
		if s.DistanceKm == 0 && idx > 0 {
			s.DistanceKm = round2(r.Cum[idx])
		}
	}
	return r
}

// Get returns a route by id.
func (c *Catalog) Get(id string) (*Route, bool) {
	r, ok := c.routes[id]
	return r, ok
}

// All returns every route in catalog order.
func (c *Catalog) All() []*Route {
	out := make([]*Route, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.routes[id])
	}
	return out
}

// Active returns the routes flagged active.
func (c *Catalog) Active() []*Route {
	var out []*Route
	for _, r := range c.All() {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Stops returns every stop once, in catalog order.
func (c *Catalog) Stops() []fleet.Stop {
	return append([]fleet.Stop(nil), c.stops...)
}

// Stop looks a stop up by id.
func (c *Catalog) Stop(id string) (fleet.Stop, bool) {
	for _, s := range c.stops {
		if s.ID == id {
			return s, true
		}
	}
	return fleet.Stop{}, false
}

// RoutesServing returns the ids of routes that stop at stopID.
func (c *Catalog) RoutesServing(stopID string) []string {
	var out []string
	for _, r := range c.All() {
		for _, s := range r.Stops {
			if s.ID == stopID {
				out = append(out, r.ID)
				break
			}
		}
	}
	return out
}

// NearestStop finds the closest stop strictly within maxKm.
func (c *Catalog) NearestStop(lat, lng, maxKm float64) (fleet.Stop, float64, bool) {
	var (
		best  fleet.Stop
		found bool
	)
	limit := maxKm
	for _, s := range c.stops {
		if d := geo.Distance(lat, lng, s.Lat, s.Lng); d < limit {
			best, limit, found = s, d, true
		}
	}
	return best, limit, found
}

// Stats returns catalog totals.
func (c *Catalog) Stats() Stats {
	st := Stats{TotalRoutes: len(c.order), TotalStops: len(c.stops)}
	for _, r := range c.routes {
		if r.Active {
			st.ActiveRoutes++
		}
		st.TotalDistance += r.TotalDistanceKm
	}
	st.TotalDistance = round2(st.TotalDistance)
	if st.TotalRoutes > 0 {
		st.AvgRouteDistance = round2(st.TotalDistance / float64(st.TotalRoutes))
	}
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
