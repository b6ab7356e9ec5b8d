// Package fleet defines the vehicle, route and report types shared by the
// tracker pipeline and its collaborators.
package fleet

import "time"

// Vehicle statuses derived from speed.
const (
	StatusMoving  = "moving"
	StatusStopped = "stopped"

	// StoppedBelowKmh is the speed under which a vehicle is reported as stopped.
	StoppedBelowKmh = 5.0
)

// Report is one inbound position sample after transport decoding.
// Optional fields are pointers so Merge can tell "absent" from "zero".
// Timestamp is epoch seconds and orders a vehicle's reports; TimestampMs,
// when present, is the same instant in epoch milliseconds and only refines
// the event time.
type Report struct {
	ID          string   `json:"id" validate:"required,max=64,vehicleid"`
	Lat         float64  `json:"lat" validate:"gte=-90,lte=90"`
	Lng         float64  `json:"lng" validate:"gte=-180,lte=180"`
	Speed       *float64 `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading     *float64 `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	RouteID     *string  `json:"route_id,omitempty" validate:"omitempty,max=64"`
	Timestamp   int64    `json:"timestamp" validate:"gt=0,lte=32503680000"`
	TimestampMs *int64   `json:"timestamp_ms,omitempty" validate:"omitempty,gt=0,lte=32503680000999"`
}

// MaxTimestamp is the latest accepted report time (3000-01-01T00:00:00Z) in
// epoch seconds.
const MaxTimestamp int64 = 32503680000

// EventMillis is the sample time in epoch milliseconds.
func (r Report) EventMillis() int64 {
	if r.TimestampMs != nil {
		return *r.TimestampMs
	}
	return r.Timestamp * 1000
}

// EventTime is the sender-supplied time of the sample.
func (r Report) EventTime() time.Time {
	return time.UnixMilli(r.EventMillis())
}

// VehicleState is the authoritative last-known state of one vehicle.
type VehicleState struct {
	ID          string      `json:"id"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	Speed       float64     `json:"speed"`
	Heading     float64     `json:"heading"`
	RouteID     string      `json:"route_id,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	EventMs     int64       `json:"timestamp_ms"`
	SafetyScore int         `json:"safety_score"`
	Violations  []string    `json:"violations"`
	Status      string      `json:"status"`
	NextStop    string      `json:"next_stop,omitempty"`
	ETA         string      `json:"eta,omitempty"`
	Projection  *Projection `json:"projection,omitempty"`
	LastUpdate  time.Time   `json:"last_update"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s VehicleState) Clone() VehicleState {
	out := s
	if s.Violations != nil {
		out.Violations = append([]string(nil), s.Violations...)
	}
	if s.Projection != nil {
		p := *s.Projection
		if p.ETAMinutes != nil {
			m := *p.ETAMinutes
			p.ETAMinutes = &m
		}
		out.Projection = &p
	}
	return out
}

// ApplyProjection merges route projection output into the state. A nil
// projection clears every route-derived field.
func (s *VehicleState) ApplyProjection(p *Projection) {
	s.Projection = p
	if p == nil {
		s.NextStop = ""
		s.ETA = ""
		return
	}
	s.NextStop = p.NextStop
	s.ETA = p.ETA
}

// Projection is the output of projecting a position onto a route.
// Known is false for the "unknown" sentinel, in which case Error says why.
type Projection struct {
	Known               bool    `json:"known"`
	ETA                 string  `json:"eta"`
	ETAMinutes          *int    `json:"eta_minutes"`
	NextStop            string  `json:"next_stop"`
	NextStopID          string  `json:"next_stop_id,omitempty"`
	DistanceKm          float64 `json:"distance_km"`
	RouteCompletionPct  float64 `json:"route_completion"`
	EstimatedSpeed      float64 `json:"estimated_speed,omitempty"`
	OnRoute             bool    `json:"on_route"`
	DistanceFromRouteKm float64 `json:"distance_from_route_km"`
	Error               string  `json:"error,omitempty"`
}

// Reason explains why an update was not accepted.
type Reason string

const (
	ReasonStaleData  Reason = "stale_data"
	ReasonValidation Reason = "validation_error"
)

// UpdateResult is returned to the ingest collaborator for every report.
type UpdateResult struct {
	Accepted bool          `json:"accepted"`
	Reason   Reason        `json:"reason,omitempty"`
	Errors   []string      `json:"errors,omitempty"`
	State    *VehicleState `json:"state,omitempty"`
}

// BusUpdate is the data section of a BUS_UPDATE broadcast.
type BusUpdate struct {
	ID          string   `json:"id"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Speed       float64  `json:"speed"`
	Heading     float64  `json:"heading"`
	ETA         *string  `json:"eta"`
	NextStop    string   `json:"next_stop,omitempty"`
	RouteID     *string  `json:"route_id"`
	SafetyScore int      `json:"safety_score"`
	Violations  []string `json:"violations"`
	Status      string   `json:"status"`
	Timestamp   int64    `json:"timestamp"`
	LastUpdate  string   `json:"last_update"`
}

// BusUpdate renders the broadcast view of the state.
func (s VehicleState) BusUpdate() BusUpdate {
	u := BusUpdate{
		ID:          s.ID,
		Lat:         s.Lat,
		Lng:         s.Lng,
		Speed:       s.Speed,
		Heading:     s.Heading,
		NextStop:    s.NextStop,
		SafetyScore: s.SafetyScore,
		Violations:  s.Violations,
		Status:      s.Status,
		Timestamp:   s.Timestamp,
		LastUpdate:  s.LastUpdate.UTC().Format(time.RFC3339),
	}
	if u.Violations == nil {
		u.Violations = []string{}
	}
	if s.ETA != "" {
		eta := s.ETA
		u.ETA = &eta
	}
	if s.RouteID != "" {
		rid := s.RouteID
		u.RouteID = &rid
	}
	return u
}

// StatusForSpeed maps a speed in km/h to a vehicle status.
func StatusForSpeed(kmh float64) string {
	if kmh < StoppedBelowKmh {
		return StatusStopped
	}
	return StatusMoving
}
