package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-tracker/internal/fleet"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func report(id string, ts int64) fleet.Report {
	speed := 30.0
	return fleet.Report{ID: id, Lat: 10.78, Lng: 79.13, Speed: &speed, Timestamp: ts}
}

func TestUpdate_Monotonic(t *testing.T) {
	t.Parallel()
	s := New(0, 0)

	res := s.Update(report("V1", 1000), nil)
	require.True(t, res.Accepted)
	require.NotNil(t, res.State)

	got, ok := s.Get("V1")
	require.True(t, ok)
	assert.Equal(t, int64(1000), got.Timestamp)

	for _, ts := range []int64{1000, 999} {
		res = s.Update(fleet.Report{ID: "V1", Lat: 1, Lng: 1, Timestamp: ts}, nil)
		assert.False(t, res.Accepted)
		assert.Equal(t, fleet.ReasonStaleData, res.Reason)
		assert.Nil(t, res.State)
	}

	got, _ = s.Get("V1")
	assert.Equal(t, 10.78, got.Lat, "stale report must not mutate state")
	assert.Equal(t, int64(1), s.Stats().TotalUpdates)

	res = s.Update(report("V1", 1001), nil)
	assert.True(t, res.Accepted)
	got, _ = s.Get("V1")
	assert.Equal(t, int64(1001), got.Timestamp)
}

func TestUpdate_OrdersBySeconds(t *testing.T) {
	t.Parallel()
	s := New(0, 0)

	ms := func(v int64) *int64 { return &v }

	t.Run("earlier timestamp never wins", func(t *testing.T) {
		r1 := report("V1", 2000)
		r1.TimestampMs = ms(1000)
		require.True(t, s.Update(r1, nil).Accepted)

		res := s.Update(report("V1", 1500), nil)
		assert.False(t, res.Accepted)
		assert.Equal(t, fleet.ReasonStaleData, res.Reason)
		got, _ := s.Get("V1")
		assert.Equal(t, int64(2000), got.Timestamp)
	})

	t.Run("same second is stale", func(t *testing.T) {
		r1 := report("V2", 1000)
		r1.TimestampMs = ms(1000000)
		r2 := report("V2", 1000)
		r2.TimestampMs = ms(1000500)

		require.True(t, s.Update(r1, nil).Accepted)
		assert.False(t, s.Update(r2, nil).Accepted)
		got, _ := s.Get("V2")
		assert.Equal(t, int64(1000000), got.EventMs)
	})
}

func TestUpdate_DeriveSeesPrevious(t *testing.T) {
	t.Parallel()
	s := New(0, 0)

	var seen []*fleet.VehicleState
	derive := func(prev, next *fleet.VehicleState) {
		seen = append(seen, prev)
		next.SafetyScore = 77
		next.Violations = []string{"Harsh Braking"}
	}
	s.Update(report("V1", 1), derive)
	s.Update(report("V1", 2), derive)

	require.Len(t, seen, 2)
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[1])
	assert.Equal(t, int64(1), seen[1].Timestamp)

	got, _ := s.Get("V1")
	assert.Equal(t, 77, got.SafetyScore)
	assert.Equal(t, []string{"Harsh Braking"}, got.Violations)
}

func TestQueries(t *testing.T) {
	t.Parallel()
	s := New(0, 0)

	r12 := "R12"
	r15 := "R15"
	for i, rid := range []*string{&r12, &r15, &r12, nil} {
		r := report(fmt.Sprintf("V%d", i), 100)
		r.RouteID = rid
		s.Update(r, nil)
	}

	assert.Len(t, s.List(), 4)
	onR12 := s.ListByRoute("R12")
	require.Len(t, onR12, 2)
	assert.Equal(t, "V0", onR12[0].ID)
	assert.Equal(t, "V2", onR12[1].ID)
	assert.Empty(t, s.ListByRoute("R99"))

	assert.True(t, s.Remove("V1"))
	assert.False(t, s.Remove("V1"))
	_, ok := s.Get("V1")
	assert.False(t, ok)
	assert.Len(t, s.List(), 3)

	// a removed vehicle starts over
	assert.True(t, s.Update(report("V1", 1), nil).Accepted)
}

func TestSweep_EvictsStaleVehicles(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(5000, 0)}
	var hooked []string
	s := New(30*time.Second, time.Minute, WithClock(clock.Now), WithEvictHook(func(ids []string) { hooked = ids }))

	s.Update(report("OLD", 1), nil)
	clock.Advance(20 * time.Second)
	s.Update(report("FRESH", 1), nil)
	clock.Advance(11 * time.Second)

	evicted := s.Sweep()
	assert.Equal(t, []string{"OLD"}, evicted)
	assert.Equal(t, []string{"OLD"}, hooked)

	ids := []string{}
	for _, v := range s.List() {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []string{"FRESH"}, ids)

	clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"FRESH"}, s.Sweep())
	assert.Empty(t, s.List())
	assert.Equal(t, 0, s.Stats().ActiveVehicles)
}

func TestRun_SweepsOnInterval(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(5000, 0)}
	s := New(time.Second, 10*time.Millisecond, WithClock(clock.Now))
	s.Update(report("V1", 1), nil)
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	assert.Eventually(t, func() bool { return len(s.List()) == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	s := New(0, 0)

	const vehicles = 16
	const reports = 200
	var wg sync.WaitGroup
	for v := 0; v < vehicles; v++ {
		id := fmt.Sprintf("V%d", v)
		// two writers per vehicle racing with interleaved timestamps
		for w := 0; w < 2; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := w; i < reports; i += 2 {
					s.Update(report(id, int64(i+1)), func(prev, next *fleet.VehicleState) {
						if prev != nil && prev.Timestamp >= next.Timestamp {
							t.Errorf("non-monotonic derive: prev=%d next=%d", prev.Timestamp, next.Timestamp)
						}
					})
					s.Get(id)
				}
			}(w)
		}
	}
	wg.Wait()

	all := s.List()
	require.Len(t, all, vehicles)
	for _, v := range all {
		assert.Equal(t, int64(reports), v.Timestamp, v.ID)
	}
}
