// Package sim drives simulated buses along catalog routes and posts their
// positions to the tracker.
package sim

import (
	"math"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/routes"
)

// SpeedJitterKmh bounds the random speed variation around a vehicle's base speed.
const SpeedJitterKmh = 5.0

// Payload is the report body posted for each simulated sample.
type Payload struct {
	BusID       string  `json:"bus_id"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Speed       float64 `json:"speed"`
	Heading     float64 `json:"heading"`
	RouteID     string  `json:"route_id"`
	Timestamp   int64   `json:"timestamp"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// Walker moves one vehicle along its route polyline, looping at the end.
type Walker struct {
	ID      string
	RouteID string

	base   float64
	points []geo.Point
	cum    []float64
	dist   float64
	loops  int
	rnd    *rand.Rand
}

func NewWalker(v config.Vehicle, r *routes.Route, seed uint64) *Walker {
	return &Walker{
		ID:      v.ID,
		RouteID: r.ID,
		base:    v.BaseSpeedKmh,
		points:  r.Points,
		cum:     r.Cum,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Loops is how many times the vehicle has completed its route.
func (w *Walker) Loops() int { return w.loops }

// DistanceKm is the current distance along the route.
func (w *Walker) DistanceKm() float64 { return w.dist }

// Step advances the vehicle by dt of simulated time scaled by mult and
// returns the sample to report at now.
func (w *Walker) Step(dt time.Duration, mult float64, now time.Time) Payload {
	speed := w.base + w.rnd.Float64()*2*SpeedJitterKmh - SpeedJitterKmh
	if speed < 0 {
		speed = 0
	}
	speed = math.Round(speed*10) / 10

	total := 0.0
	if n := len(w.cum); n > 0 {
		total = w.cum[n-1]
	}
	w.dist += speed * dt.Hours() * mult
	if total > 0 && w.dist >= total {
		w.dist = math.Mod(w.dist, total)
		w.loops++
		log.WithFields(log.Fields{"vehicle": w.ID, "route": w.RouteID, "loops": w.loops}).Info("finished route, looping back to start")
	}

	pos, heading := geo.Interpolate(w.points, w.cum, w.dist)
	return Payload{
		BusID:       w.ID,
		Lat:         pos.Lat,
		Lng:         pos.Lng,
		Speed:       speed,
		Heading:     heading,
		RouteID:     w.RouteID,
		Timestamp:   now.Unix(),
		TimestampMs: now.UnixMilli(),
	}
}
