package fleet

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestMerge_FirstSight(t *testing.T) {
	t.Parallel()

	now := time.Unix(2000, 0)
	st := Merge(nil, Report{ID: "V1", Lat: 10.7, Lng: 79.1, Speed: ptr(3.0), RouteID: ptr("R12"), Timestamp: 1000}, now)

	assert.Equal(t, "V1", st.ID)
	assert.Equal(t, 100, st.SafetyScore)
	assert.Equal(t, "R12", st.RouteID)
	assert.Equal(t, int64(1000), st.Timestamp)
	assert.Equal(t, int64(1000000), st.EventMs)
	assert.Equal(t, StatusStopped, st.Status)
	assert.Equal(t, now, st.LastUpdate)
}

func TestMerge_AbsentFieldsKeepPrevious(t *testing.T) {
	t.Parallel()

	prev := Merge(nil, Report{ID: "V1", Lat: 10.7, Lng: 79.1, Speed: ptr(35.0), RouteID: ptr("R12"), Timestamp: 1000}, time.Unix(1, 0))
	prev.SafetyScore = 91
	prev.Violations = []string{"Overspeeding"}

	next := Merge(&prev, Report{ID: "V1", Lat: 10.8, Lng: 79.1, Timestamp: 1001}, time.Unix(2, 0))

	assert.Equal(t, 35.0, next.Speed)
	assert.Equal(t, "R12", next.RouteID)
	assert.Equal(t, 91, next.SafetyScore)
	assert.Equal(t, StatusMoving, next.Status)
	// moved due north
	assert.InDelta(t, 0, next.Heading, 0.01)

	next.Violations[0] = "changed"
	assert.Equal(t, "Overspeeding", prev.Violations[0], "merge must not alias the previous state")
}

func TestMerge_ReportedFieldsWin(t *testing.T) {
	t.Parallel()

	prev := Merge(nil, Report{ID: "V1", Lat: 10.7, Lng: 79.1, Speed: ptr(35.0), RouteID: ptr("R12"), Timestamp: 1000}, time.Unix(1, 0))
	next := Merge(&prev, Report{ID: "V1", Lat: 10.7, Lng: 79.1, Speed: ptr(-4.0), Heading: ptr(45.0), RouteID: ptr(""), Timestamp: 1001, TimestampMs: ptr(int64(1001250))}, time.Unix(2, 0))

	assert.Equal(t, 0.0, next.Speed)
	assert.Equal(t, 45.0, next.Heading)
	assert.Empty(t, next.RouteID)
	assert.Equal(t, int64(1001250), next.EventMs)
	assert.Equal(t, int64(1001), next.Timestamp)
}

func TestValidator(t *testing.T) {
	t.Parallel()

	v := NewValidator(120)

	t.Run("valid", func(t *testing.T) {
		require.NoError(t, v.Validate(Report{ID: "TN-THJ-23", Lat: 10.78, Lng: 79.13, Speed: ptr(34.0), Timestamp: 1700000000}))
	})

	t.Run("zero speed is valid", func(t *testing.T) {
		require.NoError(t, v.Validate(Report{ID: "V1", Lat: 0, Lng: 0, Speed: ptr(0.0), Timestamp: 1}))
	})

	cases := []struct {
		name string
		r    Report
		want string
	}{
		{"missing id", Report{Lat: 1, Lng: 1, Timestamp: 1}, "id is required"},
		{"bad id", Report{ID: "bus 1", Lat: 1, Lng: 1, Timestamp: 1}, "id may only contain"},
		{"lat range", Report{ID: "V1", Lat: 91, Lng: 1, Timestamp: 1}, "lat must be <= 90"},
		{"lng range", Report{ID: "V1", Lat: 1, Lng: -181, Timestamp: 1}, "lng must be >= -180"},
		{"nan lat", Report{ID: "V1", Lat: math.NaN(), Lng: 1, Timestamp: 1}, "lat"},
		{"negative speed", Report{ID: "V1", Lat: 1, Lng: 1, Speed: ptr(-1.0), Timestamp: 1}, "speed must be >= 0"},
		{"too fast", Report{ID: "V1", Lat: 1, Lng: 1, Speed: ptr(150.0), Timestamp: 1}, "speed must be between 0 and 120"},
		{"no timestamp", Report{ID: "V1", Lat: 1, Lng: 1}, "timestamp must be > 0"},
		{"timestamp after year 3000", Report{ID: "V1", Lat: 1, Lng: 1, Timestamp: MaxTimestamp + 1}, "timestamp must be <= 32503680000"},
		{"millis in another second", Report{ID: "V1", Lat: 1, Lng: 1, Timestamp: 1500, TimestampMs: ptr(int64(1000))}, "timestamp_ms must be the same second as timestamp"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.r)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Error(), tc.want)
		})
	}
}

func TestBusUpdate(t *testing.T) {
	t.Parallel()

	st := VehicleState{ID: "V1", Lat: 1, Lng: 2, Speed: 30, Timestamp: 10, SafetyScore: 97, Status: StatusMoving}
	u := st.BusUpdate()
	assert.Nil(t, u.ETA)
	assert.Nil(t, u.RouteID)
	assert.NotNil(t, u.Violations)

	st.RouteID = "R12"
	st.ApplyProjection(&Projection{Known: true, ETA: "4 mins", NextStop: "Old Bus Stand"})
	u = st.BusUpdate()
	require.NotNil(t, u.ETA)
	assert.Equal(t, "4 mins", *u.ETA)
	assert.Equal(t, "R12", *u.RouteID)
	assert.Equal(t, "Old Bus Stand", u.NextStop)
}

func TestDecodeReport(t *testing.T) {
	t.Parallel()
	now := time.Unix(1_700_000_000, 0)

	t.Run("bus_id alias and default timestamp", func(t *testing.T) {
		r, err := DecodeReport([]byte(`{"bus_id":"TN-THJ-23","lat":10.78,"lng":79.13,"speed":32.5}`), now)
		require.NoError(t, err)
		assert.Equal(t, "TN-THJ-23", r.ID)
		assert.Equal(t, now.Unix(), r.Timestamp)
		require.NotNil(t, r.Speed)
		assert.Equal(t, 32.5, *r.Speed)
		assert.Nil(t, r.RouteID)
	})

	t.Run("id wins over bus_id", func(t *testing.T) {
		r, err := DecodeReport([]byte(`{"id":"A","bus_id":"B","lat":0,"lng":0,"timestamp":1000.9}`), now)
		require.NoError(t, err)
		assert.Equal(t, "A", r.ID)
		assert.Equal(t, int64(1000), r.Timestamp)
	})

	t.Run("timestamp from milliseconds", func(t *testing.T) {
		r, err := DecodeReport([]byte(`{"id":"A","lat":1,"lng":2,"timestamp_ms":1000250}`), now)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), r.Timestamp)
		assert.Equal(t, int64(1000250), r.EventMillis())
	})

	t.Run("timestamp too large to convert", func(t *testing.T) {
		for _, body := range []string{
			`{"id":"A","lat":1,"lng":2,"timestamp":9300000000000000}`,
			`{"id":"A","lat":1,"lng":2,"timestamp":-9300000000000000}`,
			`{"id":"A","lat":1,"lng":2,"timestamp":1000,"timestamp_ms":1e300}`,
		} {
			_, err := DecodeReport([]byte(body), now)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve, body)
			assert.Contains(t, ve.Error(), "out of range", body)
		}
	})

	t.Run("missing position", func(t *testing.T) {
		_, err := DecodeReport([]byte(`{"id":"A"}`), now)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, []string{"lat is required", "lng is required"}, ve.Errors)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := DecodeReport([]byte(`{"id":`), now)
		var ve *ValidationError
		assert.ErrorAs(t, err, &ve)
	})
}
