package sim

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/routes"
)

// degPerKm is roughly one kilometre of latitude.
const degPerKm = 1 / 111.195

func lineRoute(t *testing.T) *routes.Route {
	t.Helper()
	cat, err := routes.New([]fleet.Route{{
		ID:          "LINE",
		Name:        "Line",
		Coordinates: []fleet.Coordinate{{Lat: 10, Lng: 79}, {Lat: 10 + 5*degPerKm, Lng: 79}},
	}}, 0)
	require.NoError(t, err)
	r, ok := cat.Get("LINE")
	require.True(t, ok)
	return r
}

func TestWalkerStep(t *testing.T) {
	t.Parallel()
	w := NewWalker(config.Vehicle{ID: "SIM-1", RouteID: "LINE", BaseSpeedKmh: 30}, lineRoute(t), 1)
	now := time.Unix(1700000000, 0)

	p := w.Step(time.Minute, 1, now)
	assert.Equal(t, "SIM-1", p.BusID)
	assert.Equal(t, "LINE", p.RouteID)
	assert.GreaterOrEqual(t, p.Speed, 25.0)
	assert.LessOrEqual(t, p.Speed, 35.0)
	assert.InDelta(t, p.Speed/60, w.DistanceKm(), 1e-9)
	assert.InDelta(t, 0, p.Heading, 1e-6, "northbound")
	assert.Greater(t, p.Lat, 10.0)
	assert.Equal(t, now.Unix(), p.Timestamp)
	assert.Equal(t, now.UnixMilli(), p.TimestampMs)
}

func TestWalkerLoops(t *testing.T) {
	t.Parallel()
	w := NewWalker(config.Vehicle{ID: "SIM-1", BaseSpeedKmh: 40}, lineRoute(t), 7)

	// 40 km/h for 6 minutes is about 4 km, the route is 5 km.
	w.Step(6*time.Minute, 1, time.Now())
	assert.Equal(t, 0, w.Loops())
	w.Step(6*time.Minute, 1, time.Now())
	assert.Equal(t, 1, w.Loops())
	assert.Less(t, w.DistanceKm(), 5.0)
}

func TestWalkerMultiplier(t *testing.T) {
	t.Parallel()
	a := NewWalker(config.Vehicle{ID: "A", BaseSpeedKmh: 30}, lineRoute(t), 3)
	b := NewWalker(config.Vehicle{ID: "B", BaseSpeedKmh: 30}, lineRoute(t), 3)
	a.Step(time.Minute, 1, time.Now())
	b.Step(time.Minute, 2, time.Now())
	assert.InDelta(t, 2*a.DistanceKm(), b.DistanceKm(), 1e-9)
}

type recordingSink struct {
	mu   sync.Mutex
	got  []Payload
	fail bool
}

func (s *recordingSink) Send(_ context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("down")
	}
	s.got = append(s.got, p)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestManagerRunsVehicles(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	m := NewManager(sink, 5*time.Millisecond, 1)
	r := lineRoute(t)
	m.Start(context.Background(), []*Walker{
		NewWalker(config.Vehicle{ID: "A", BaseSpeedKmh: 30}, r, 1),
		NewWalker(config.Vehicle{ID: "B", BaseSpeedKmh: 30}, r, 2),
	})
	assert.Equal(t, 2, m.Running())

	require.Eventually(t, func() bool { return sink.len() >= 6 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	assert.Equal(t, 0, m.Running())

	sent, failed := m.Counts()
	assert.GreaterOrEqual(t, sent, int64(6))
	assert.Zero(t, failed)
}

func TestManagerCountsFailures(t *testing.T) {
	t.Parallel()
	m := NewManager(&recordingSink{fail: true}, 5*time.Millisecond, 1)
	m.Start(context.Background(), []*Walker{NewWalker(config.Vehicle{ID: "A", BaseSpeedKmh: 30}, lineRoute(t), 1)})
	require.Eventually(t, func() bool {
		_, failed := m.Counts()
		return failed >= 2
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()
}

func TestHTTPSink(t *testing.T) {
	t.Parallel()
	got := make(chan fleet.Report, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rep, err := fleet.DecodeReport(body, time.Now())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- rep
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := Payload{BusID: "TN-THJ-23", Lat: 10.78, Lng: 79.13, Speed: 35.2, RouteID: "R12", Timestamp: 1700000000, TimestampMs: 1700000000123}
	require.NoError(t, NewHTTPSink(srv.URL, time.Second).Send(context.Background(), p))
	rep := <-got
	assert.Equal(t, "TN-THJ-23", rep.ID)
	assert.Equal(t, int64(1700000000123), rep.EventMillis())
	require.NotNil(t, rep.RouteID)
	assert.Equal(t, "R12", *rep.RouteID)

	reject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer reject.Close()
	assert.ErrorContains(t, NewHTTPSink(reject.URL, time.Second).Send(context.Background(), p), "400")
}
