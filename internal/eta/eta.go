// Package eta projects vehicle positions onto their routes and estimates
// arrival at the next stop.
package eta

import (
	"errors"
	"fmt"
	"math"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/geo"
	"fleet-tracker/internal/routes"
)

const (
	// OnRouteKm is the largest distance to the polyline still counted as on route.
	OnRouteKm = 1.0

	maxPlausibleKmh = 100.0
	slowKmh         = 10.0
	trafficKmh      = 15.0

	Unknown        = "Unknown"
	EndOfRoute     = "End of route"
	FinalStopLabel = "Final destination"
	ArrivingNow    = "Arriving now"
)

// RouteSource resolves routes by id.
type RouteSource interface {
	Get(id string) (*routes.Route, bool)
	RoutesServing(stopID string) []string
}

// Metrics counts projections that fell back to the unknown result.
type Metrics interface {
	ProjectionError()
}

// Engine is stateless apart from the static route source and is safe for
// concurrent use.
type Engine struct {
	routes  RouteSource
	metrics Metrics
}

type Option func(*Engine)

func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(src RouteSource, opts ...Option) *Engine {
	e := &Engine{routes: src}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Project never fails: any error becomes an unknown projection carrying
// the error message.
func (e *Engine) Project(lat, lng, speedKmh float64, routeID string) (p *fleet.Projection) {
	defer func() {
		if r := recover(); r != nil {
			p = e.unknown(routeID, fmt.Errorf("projection panic: %v", r))
		}
	}()
	p, err := e.project(lat, lng, speedKmh, routeID)
	if err != nil {
		return e.unknown(routeID, err)
	}
	return p
}

func (e *Engine) unknown(routeID string, err error) *fleet.Projection {
	if e.metrics != nil {
		e.metrics.ProjectionError()
	}
	entry := log.WithField("route", routeID).WithError(err)
	if errors.Is(err, fleet.ErrRouteNotFound) {
		entry.Debug("eta unavailable")
	} else {
		entry.Warn("eta calculation error")
	}
	return &fleet.Projection{Known: false, ETA: Unknown, NextStop: Unknown, Error: err.Error()}
}

func (e *Engine) project(lat, lng, speedKmh float64, routeID string) (*fleet.Projection, error) {
	route, ok := e.routes.Get(routeID)
	if !ok {
		return nil, fmt.Errorf("route %s: %w", routeID, fleet.ErrRouteNotFound)
	}
	if !validLocation(lat, lng) {
		return nil, fleet.ErrInvalidCoordinates
	}
	pos := geo.Point{Lat: lat, Lng: lng}

	idx, fromRoute := route.NearestVertex(pos)
	onRoute := fromRoute <= OnRouteKm
	if !onRoute {
		log.WithFields(log.Fields{"route": routeID, "distance_km": round2(fromRoute)}).Debug("vehicle off route")
	}

	stopIdx := -1
	for i, v := range route.StopVertex {
		if v >= idx {
			stopIdx = i
			break
		}
	}
	if stopIdx < 0 {
		zero := 0
		return &fleet.Projection{
			Known:               true,
			ETA:                 EndOfRoute,
			ETAMinutes:          &zero,
			NextStop:            FinalStopLabel,
			DistanceKm:          0,
			RouteCompletionPct:  100,
			OnRoute:             onRoute,
			DistanceFromRouteKm: round2(fromRoute),
		}, nil
	}
	stop := route.Stops[stopIdx]
	dist := distanceToStop(route, pos, idx, stop, route.StopVertex[stopIdx])

	speed := effectiveSpeed(speedKmh, route.AverageSpeed)
	minutes := dist / speed * 60
	etaMinutes := int(math.Round(minutes))

	return &fleet.Projection{
		Known:               true,
		ETA:                 FormatETA(minutes),
		ETAMinutes:          &etaMinutes,
		NextStop:            stop.Name,
		NextStopID:          stop.ID,
		DistanceKm:          round2(dist),
		RouteCompletionPct:  math.Round(completion(idx, len(route.Points))),
		EstimatedSpeed:      math.Round(speed),
		OnRoute:             onRoute,
		DistanceFromRouteKm: round2(fromRoute),
	}, nil
}

// distanceToStop prefers the distance along the polyline, unless it is
// implausible compared with the straight line.
func distanceToStop(r *routes.Route, pos geo.Point, idx int, stop fleet.Stop, stopVertex int) float64 {
	stopPos := geo.Point{Lat: stop.Lat, Lng: stop.Lng}
	direct := geo.Between(pos, stopPos)

	path := geo.Between(pos, r.Points[idx])
	if stopVertex > idx {
		path += r.Cum[stopVertex] - r.Cum[idx]
	}
	path += geo.Between(r.Points[stopVertex], stopPos)

	if path > 0 && path < 2*direct {
		return path
	}
	return direct
}

func effectiveSpeed(current, routeAverage float64) float64 {
	speed := current
	if math.IsNaN(speed) || speed <= 0 || speed > maxPlausibleKmh {
		speed = routeAverage
		if speed <= 0 {
			speed = routes.DefaultAverageSpeedKmh
		}
	}
	if speed < slowKmh {
		speed = trafficKmh
	}
	return speed
}

func completion(idx, vertices int) float64 {
	if vertices <= 1 {
		return 100
	}
	return float64(idx) / float64(vertices-1) * 100
}

// FormatETA renders minutes as "Arriving now", "N min(s)", "H hr(s)" or "Hh Mm".
func FormatETA(minutes float64) string {
	if minutes < 1 {
		return ArrivingNow
	}
	if minutes < 60 {
		n := int(math.Round(minutes))
		if n == 1 {
			return "1 min"
		}
		return fmt.Sprintf("%d mins", n)
	}
	hours := int(minutes / 60)
	rest := int(math.Round(minutes - float64(hours)*60))
	if rest == 60 {
		hours, rest = hours+1, 0
	}
	if rest == 0 {
		if hours == 1 {
			return "1 hr"
		}
		return fmt.Sprintf("%d hrs", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, rest)
}

func validLocation(lat, lng float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lng) &&
		lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
