// Package tracker runs the ingest pipeline: validate, store, score,
// project and broadcast.
package tracker

import (
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/safety"
	"fleet-tracker/internal/store"
)

// Report outcomes, also used as metric labels.
const (
	ResultAccepted = "accepted"
	ResultStale    = "stale"
	ResultInvalid  = "invalid"
)

// Reports further than this from the server clock are accepted but logged.
const (
	maxReportAge  = 5 * time.Minute
	maxReportLead = time.Minute
)

// Broadcaster fans an accepted state out to live subscribers.
type Broadcaster interface {
	Publish(state fleet.VehicleState)
}

// Mirror forwards accepted states to an external sink.
type Mirror interface {
	PublishState(state fleet.VehicleState) error
}

// Metrics observes every processed report.
type Metrics interface {
	ReportProcessed(result string, d time.Duration)
}

// Service wires the pipeline stages together. It is safe for concurrent use.
type Service struct {
	validator *fleet.Validator
	store     *store.Store
	safety    *safety.Engine
	eta       *eta.Engine

	broadcasters []Broadcaster
	mirrors      []Mirror
	metrics      Metrics
}

// Option configures a Service.
type Option func(*Service)

func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcasters = append(s.broadcasters, b) }
}

func WithMirror(m Mirror) Option {
	return func(s *Service) { s.mirrors = append(s.mirrors, m) }
}

func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

func New(v *fleet.Validator, st *store.Store, se *safety.Engine, ee *eta.Engine, opts ...Option) *Service {
	s := &Service{validator: v, store: st, safety: se, eta: ee}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ingest runs one report through the pipeline. Invalid and stale reports
// change nothing and are not broadcast.
func (s *Service) Ingest(r fleet.Report) fleet.UpdateResult {
	start := time.Now()

	if err := s.validator.Validate(r); err != nil {
		res := fleet.UpdateResult{Accepted: false, Reason: fleet.ReasonValidation}
		var ve *fleet.ValidationError
		if errors.As(err, &ve) {
			res.Errors = ve.Errors
		} else {
			res.Errors = []string{err.Error()}
		}
		log.WithFields(log.Fields{"vehicle": r.ID, "errors": res.Errors}).Warn("invalid report")
		s.observe(ResultInvalid, start)
		return res
	}
	if skew := timestampSkew(r, start); skew != "" {
		log.WithFields(log.Fields{"vehicle": r.ID, "timestamp": r.Timestamp, "skew": skew}).Warn("implausible report timestamp")
	}

	res := s.store.Update(r, s.derive(r))
	if !res.Accepted {
		log.WithFields(log.Fields{"vehicle": r.ID, "timestamp": r.Timestamp}).Debug("stale report ignored")
		s.observe(ResultStale, start)
		return res
	}

	state := res.State.Clone()
	for _, b := range s.broadcasters {
		b.Publish(state)
	}
	for _, m := range s.mirrors {
		if err := m.PublishState(state); err != nil {
			log.WithField("vehicle", state.ID).WithError(err).Warn("mirror publish error")
		}
	}
	s.observe(ResultAccepted, start)
	return res
}

// timestampSkew reports "past" or "future" when the report time is far from
// now, and "" otherwise.
func timestampSkew(r fleet.Report, now time.Time) string {
	d := now.Sub(time.Unix(r.Timestamp, 0))
	switch {
	case d > maxReportAge:
		return "past"
	case d < -maxReportLead:
		return "future"
	}
	return ""
}

// derive computes safety and route fields while the store holds the
// vehicle lock. A panic here is contained so the update still lands.
func (s *Service) derive(r fleet.Report) store.DeriveFunc {
	return func(_ *fleet.VehicleState, next *fleet.VehicleState) {
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{"vehicle": next.ID, "panic": p}).Error("derive failed")
			}
		}()

		score := s.safety.Score(next.ID, next.Speed, r.EventTime())
		next.SafetyScore = score.Score
		next.Violations = append([]string{}, score.Violations...)

		if next.RouteID == "" {
			next.ApplyProjection(nil)
			return
		}
		next.ApplyProjection(s.eta.Project(next.Lat, next.Lng, next.Speed, next.RouteID))
	}
}

// Remove deletes a vehicle and forgets its safety history.
func (s *Service) Remove(id string) bool {
	ok := s.store.Remove(id)
	if ok {
		s.safety.Forget(id)
		log.WithField("vehicle", id).Info("vehicle removed")
	}
	return ok
}

func (s *Service) observe(result string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ReportProcessed(result, time.Since(start))
	}
}
