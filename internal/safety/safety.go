// Package safety scores driving behaviour from the speed samples of each
// vehicle. Scores start at 100, lose points for overspeeding, sudden
// acceleration and harsh braking, and are clamped to [0,100].
package safety

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Violation labels.
const (
	Overspeeding       = "Overspeeding"
	SuddenAcceleration = "Sudden Acceleration"
	HarshBraking       = "Harsh Braking"
)

const (
	MaxScore = 100
	MinScore = 0

	DefaultSpeedLimitKmh = 40.0

	OverspeedPenalty = 2
	AccelPenalty     = 3
	BrakePenalty     = 3

	// AccelThresholdG and BrakeThresholdG are in multiples of g.
	AccelThresholdG = 0.22
	BrakeThresholdG = -0.265

	// kmhPerSecondPerG converts a speed change in km/h per second to g.
	kmhPerSecondPerG = 3.6 * 9.81

	sustainedOverspeed = 2 * time.Second
	windowSpan         = 5 * time.Second
	baselineLookback   = 3 * time.Second
	minBaseline        = 500 * time.Millisecond
	cooldown           = 3 * time.Second

	historySize = 5
)

// OverspeedPolicy selects how overspeeding is penalised.
type OverspeedPolicy string

const (
	// OverspeedSustained deducts once every 2 s of continuous overspeed.
	OverspeedSustained OverspeedPolicy = "sustained"
	// OverspeedPerSample deducts on every sample above the limit.
	OverspeedPerSample OverspeedPolicy = "per_sample"
)

// ParseOverspeedPolicy parses a configured policy name. Empty means sustained.
func ParseOverspeedPolicy(s string) (OverspeedPolicy, error) {
	switch OverspeedPolicy(s) {
	case "", OverspeedSustained:
		return OverspeedSustained, nil
	case OverspeedPerSample:
		return OverspeedPerSample, nil
	}
	return "", fmt.Errorf("unknown overspeed policy %q", s)
}

// RecoveryPolicy names how, if ever, a score climbs back up.
type RecoveryPolicy string

// NoRecovery keeps scores monotonically non-increasing.
const NoRecovery RecoveryPolicy = "none"

// ParseRecoveryPolicy parses a configured policy name. Empty means none.
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(s) {
	case "", NoRecovery:
		return NoRecovery, nil
	}
	return "", fmt.Errorf("unknown score recovery policy %q", s)
}

func (p RecoveryPolicy) apply(score int, _ time.Duration) int {
	// NoRecovery is the only policy; the elapsed time since the last
	// violation is passed for policies that reward clean driving.
	return score
}

// Config tunes an Engine. Zero values take the defaults.
type Config struct {
	SpeedLimitKmh float64
	Overspeed     OverspeedPolicy
	Recovery      RecoveryPolicy
}

// Metrics receives every violation the engine detects.
type Metrics interface {
	Violation(label string)
}

// Result is the outcome of one Score call. Violations holds only what this
// call detected.
type Result struct {
	Score      int
	Violations []string
}

// Summary is the retained per-vehicle view.
type Summary struct {
	Score   int      `json:"score"`
	History []string `json:"history"`
}

type sample struct {
	at    time.Time
	speed float64
}

type vehicle struct {
	mu sync.Mutex

	score          int
	seen           bool
	last           time.Time
	overspeedSince time.Time
	lastAccelEvent time.Time
	lastViolation  time.Time
	window         []sample
	history        []string
}

// Engine holds the safety state of every vehicle it has scored.
type Engine struct {
	cfg     Config
	metrics Metrics

	mu       sync.RWMutex
	vehicles map[string]*vehicle
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a violation counter.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.SpeedLimitKmh <= 0 {
		cfg.SpeedLimitKmh = DefaultSpeedLimitKmh
	}
	if cfg.Overspeed == "" {
		cfg.Overspeed = OverspeedSustained
	}
	if cfg.Recovery == "" {
		cfg.Recovery = NoRecovery
	}
	e := &Engine{cfg: cfg, vehicles: make(map[string]*vehicle)}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) vehicle(id string) *vehicle {
	e.mu.RLock()
	v, ok := e.vehicles[id]
	e.mu.RUnlock()
	if ok {
		return v
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if v, ok = e.vehicles[id]; ok {
		return v
	}
	v = &vehicle{score: MaxScore}
	e.vehicles[id] = v
	return v
}

// Score feeds one speed sample taken at the given event time. A sample that
// is not later than the previous one changes nothing and returns the last
// known score.
func (e *Engine) Score(id string, speedKmh float64, at time.Time) Result {
	v := e.vehicle(id)
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.seen && !at.After(v.last) {
		return Result{Score: v.score}
	}

	var found []string
	deduct := 0

	switch e.cfg.Overspeed {
	case OverspeedPerSample:
		if speedKmh > e.cfg.SpeedLimitKmh {
			found = append(found, Overspeeding)
			deduct += OverspeedPenalty
		}
	default:
		if v.seen && at.Sub(v.last) > windowSpan {
			// a reporting gap breaks continuity
			v.overspeedSince = time.Time{}
		}
		switch {
		case speedKmh <= e.cfg.SpeedLimitKmh:
			v.overspeedSince = time.Time{}
		case v.overspeedSince.IsZero():
			v.overspeedSince = at
		case at.Sub(v.overspeedSince) >= sustainedOverspeed:
			found = append(found, Overspeeding)
			deduct += OverspeedPenalty
			v.overspeedSince = at
		}
	}

	if label, penalty := v.accelEvent(speedKmh, at); label != "" {
		found = append(found, label)
		deduct += penalty
		v.lastAccelEvent = at
	}

	v.window = append(v.window, sample{at: at, speed: speedKmh})
	v.seen = true
	v.last = at

	if len(found) > 0 {
		v.score = clamp(v.score - deduct)
		v.lastViolation = at
		v.history = append(v.history, found...)
		if n := len(v.history); n > historySize {
			v.history = append([]string(nil), v.history[n-historySize:]...)
		}
		for _, label := range found {
			if e.metrics != nil {
				e.metrics.Violation(label)
			}
			log.WithFields(log.Fields{"vehicle": id, "violation": label, "speed": speedKmh, "score": v.score}).Info("safety violation")
		}
	} else if !v.lastViolation.IsZero() {
		v.score = clamp(e.cfg.Recovery.apply(v.score, at.Sub(v.lastViolation)))
	}

	return Result{Score: v.score, Violations: found}
}

// accelEvent trims the window and compares speed against the sample closest
// to three seconds ago.
func (v *vehicle) accelEvent(speed float64, at time.Time) (string, int) {
	cut := 0
	for cut < len(v.window) && at.Sub(v.window[cut].at) > windowSpan {
		cut++
	}
	v.window = v.window[cut:]

	if !v.lastAccelEvent.IsZero() && at.Sub(v.lastAccelEvent) < cooldown {
		return "", 0
	}
	if len(v.window) == 0 {
		return "", 0
	}

	target := at.Add(-baselineLookback)
	base := v.window[0]
	for _, s := range v.window[1:] {
		if absDuration(s.at.Sub(target)) < absDuration(base.at.Sub(target)) {
			base = s
		}
	}
	elapsed := at.Sub(base.at)
	if elapsed < minBaseline {
		return "", 0
	}

	g := (speed - base.speed) / (elapsed.Seconds() * kmhPerSecondPerG)
	switch {
	case g > AccelThresholdG:
		return SuddenAcceleration, AccelPenalty
	case g < BrakeThresholdG:
		return HarshBraking, BrakePenalty
	}
	return "", 0
}

// Get returns the retained score and violation history of a vehicle.
func (e *Engine) Get(id string) (Summary, bool) {
	e.mu.RLock()
	v, ok := e.vehicles[id]
	e.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return Summary{Score: v.score, History: append([]string{}, v.history...)}, true
}

// Forget drops the state of a vehicle; its next sample starts at 100.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	delete(e.vehicles, id)
	e.mu.Unlock()
}

// Len is the number of vehicles with safety state.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.vehicles)
}

func clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
