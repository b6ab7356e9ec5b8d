package fleet

import (
	"math"
	"time"

	"fleet-tracker/internal/geo"
)

// Merge builds the next state of a vehicle from its previous state (nil on
// first sight) and an accepted report.
//
// Precedence: a field present in the report wins; an absent optional field
// keeps its previous value. Position and timestamps are always present. An
// explicit empty route_id clears the route. Heading, when not reported, is
// the bearing of the movement since the previous position. Derived fields
// (safety score, violations, projection) are carried over untouched and are
// the pipeline's to overwrite.
func Merge(prev *VehicleState, r Report, now time.Time) VehicleState {
	var next VehicleState
	if prev != nil {
		next = prev.Clone()
	} else {
		next.SafetyScore = 100
	}

	next.ID = r.ID
	next.Lat = r.Lat
	next.Lng = r.Lng
	next.Timestamp = r.Timestamp
	next.EventMs = r.EventMillis()

	if r.Speed != nil {
		next.Speed = math.Max(0, *r.Speed)
	}
	switch {
	case r.Heading != nil:
		next.Heading = *r.Heading
	case prev != nil && (prev.Lat != r.Lat || prev.Lng != r.Lng):
		next.Heading = geo.Bearing(prev.Lat, prev.Lng, r.Lat, r.Lng)
	}
	if r.RouteID != nil {
		next.RouteID = *r.RouteID
	}

	next.Status = StatusForSpeed(next.Speed)
	next.LastUpdate = now
	return next
}
