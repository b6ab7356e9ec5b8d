// Package store keeps the authoritative last-known state of every vehicle.
//
// Each vehicle lives in its own entry with its own mutex, so updates for
// different vehicles never wait on each other; the id index is only locked
// long enough to find or insert an entry.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
)

const (
	DefaultMaxAge        = 30 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

// Metrics receives store events. Implementations must be safe for concurrent use.
type Metrics interface {
	ActiveVehicles(n int)
	Evicted(n int)
}

// DeriveFunc fills derived fields of next while the vehicle is locked.
// prev is nil on first sight.
type DeriveFunc func(prev *fleet.VehicleState, next *fleet.VehicleState)

type entry struct {
	mu      sync.Mutex
	state   fleet.VehicleState
	has     bool
	removed bool
}

// Store is the concurrent vehicle state registry.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	maxAge        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	metrics       Metrics
	onEvict       func(ids []string)

	totalUpdates   atomic.Int64
	lastUpdateNano atomic.Int64
	startTime      time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock used for last_update and eviction.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithMetrics attaches a metrics sink.
func WithMetrics(m Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithEvictHook is called with the ids removed by each sweep.
func WithEvictHook(fn func(ids []string)) Option { return func(s *Store) { s.onEvict = fn } }

// New creates a store. Non-positive durations fall back to the defaults.
func New(maxAge, sweepInterval time.Duration, opts ...Option) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	s := &Store{
		entries:       make(map[string]*entry),
		maxAge:        maxAge,
		sweepInterval: sweepInterval,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.startTime = s.now()
	return s
}

// entry returns the entry for id, inserting an empty one if needed. This is
// the only insertion path, so concurrent first reports share one entry.
func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		return e
	}
	e = &entry{}
	s.entries[id] = e
	if s.metrics != nil {
		s.metrics.ActiveVehicles(len(s.entries))
	}
	return e
}

// Update applies a validated report. It is rejected with ReasonStaleData,
// and nothing changes, unless its timestamp (epoch seconds) is strictly
// newer than the stored one. derive runs under the vehicle lock so readers only ever see
// the fully merged result.
func (s *Store) Update(r fleet.Report, derive DeriveFunc) fleet.UpdateResult {
	for {
		e := s.entry(r.ID)
		e.mu.Lock()
		if e.removed {
			// lost a race with eviction; the next lookup inserts a fresh entry
			e.mu.Unlock()
			continue
		}
		var prev *fleet.VehicleState
		if e.has {
			if r.Timestamp <= e.state.Timestamp {
				e.mu.Unlock()
				return fleet.UpdateResult{Accepted: false, Reason: fleet.ReasonStaleData}
			}
			p := e.state
			prev = &p
		}
		now := s.now()
		next := fleet.Merge(prev, r, now)
		if derive != nil {
			derive(prev, &next)
		}
		e.state = next
		e.has = true
		out := next.Clone()
		e.mu.Unlock()

		s.totalUpdates.Add(1)
		s.lastUpdateNano.Store(now.UnixNano())
		return fleet.UpdateResult{Accepted: true, State: &out}
	}
}

func (e *entry) snapshot() (fleet.VehicleState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.has || e.removed {
		return fleet.VehicleState{}, false
	}
	return e.state.Clone(), true
}

func (s *Store) entriesSnapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Get returns the state of one vehicle.
func (s *Store) Get(id string) (fleet.VehicleState, bool) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fleet.VehicleState{}, false
	}
	return e.snapshot()
}

// List returns every vehicle ordered by id.
func (s *Store) List() []fleet.VehicleState {
	return s.filter(func(fleet.VehicleState) bool { return true })
}

// ListByRoute returns the vehicles whose route_id equals routeID.
func (s *Store) ListByRoute(routeID string) []fleet.VehicleState {
	return s.filter(func(v fleet.VehicleState) bool { return v.RouteID == routeID })
}

func (s *Store) filter(keep func(fleet.VehicleState) bool) []fleet.VehicleState {
	out := make([]fleet.VehicleState, 0)
	for _, e := range s.entriesSnapshot() {
		if st, ok := e.snapshot(); ok && keep(st) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a vehicle. It reports whether the vehicle existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	n := len(s.entries)
	s.mu.Unlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	existed := e.has
	e.removed = true
	e.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ActiveVehicles(n)
	}
	return existed
}

// Sweep evicts every vehicle whose last_update is older than the max age
// and returns their ids.
func (s *Store) Sweep() []string {
	cutoff := s.now().Add(-s.maxAge)

	s.mu.Lock()
	var evicted []string
	for id, e := range s.entries {
		e.mu.Lock()
		if e.has && e.state.LastUpdate.Before(cutoff) {
			e.removed = true
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
		e.mu.Unlock()
	}
	n := len(s.entries)
	s.mu.Unlock()

	sort.Strings(evicted)
	if s.metrics != nil {
		s.metrics.ActiveVehicles(n)
		if len(evicted) > 0 {
			s.metrics.Evicted(len(evicted))
		}
	}
	if len(evicted) > 0 {
		log.WithField("vehicles", evicted).Info("evicted stale vehicles")
		if s.onEvict != nil {
			s.onEvict(evicted)
		}
	}
	return evicted
}

// Run sweeps every sweep interval until ctx is cancelled. A panicking sweep
// is logged and the loop carries on.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	log.WithFields(log.Fields{"interval": s.sweepInterval, "max_age": s.maxAge}).Info("state sweeper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

func (s *Store) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("sweep failed")
		}
	}()
	s.Sweep()
}

// Stats is the aggregate view served by the query surface.
type Stats struct {
	TotalUpdates   int64      `json:"totalUpdates"`
	ActiveVehicles int        `json:"activeBuses"`
	LastUpdateTime *time.Time `json:"lastUpdateTime"`
	StartTime      time.Time  `json:"startTime"`
	UptimeMs       int64      `json:"uptimeMs"`
	MaxAgeSeconds  float64    `json:"maxAgeSeconds"`
}

// Stats returns counters for the query surface.
func (s *Store) Stats() Stats {
	st := Stats{
		TotalUpdates:   s.totalUpdates.Load(),
		ActiveVehicles: len(s.List()),
		StartTime:      s.startTime,
		UptimeMs:       s.now().Sub(s.startTime).Milliseconds(),
		MaxAgeSeconds:  s.maxAge.Seconds(),
	}
	if n := s.lastUpdateNano.Load(); n != 0 {
		t := time.Unix(0, n)
		st.LastUpdateTime = &t
	}
	return st
}
