package fleet

import (
	"encoding/json"
	"math"
	"time"
)

// wireReport is the JSON accepted from senders. bus_id is an alias of id,
// and timestamps may arrive as fractional numbers.
type wireReport struct {
	ID          *string  `json:"id"`
	BusID       *string  `json:"bus_id"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Speed       *float64 `json:"speed"`
	Heading     *float64 `json:"heading"`
	RouteID     *string  `json:"route_id"`
	Timestamp   *float64 `json:"timestamp"`
	TimestampMs *float64 `json:"timestamp_ms"`
}

// DecodeReport parses a sender payload. A missing timestamp is derived from
// timestamp_ms, or defaults to now.
// Decoding problems are returned as *ValidationError.
func DecodeReport(data []byte, now time.Time) (Report, error) {
	var w wireReport
	if err := json.Unmarshal(data, &w); err != nil {
		return Report{}, &ValidationError{Errors: []string{"invalid JSON body"}}
	}

	var r Report
	var missing []string
	switch {
	case w.ID != nil && *w.ID != "":
		r.ID = *w.ID
	case w.BusID != nil:
		r.ID = *w.BusID
	}
	if w.Lat == nil {
		missing = append(missing, "lat is required")
	} else {
		r.Lat = *w.Lat
	}
	if w.Lng == nil {
		missing = append(missing, "lng is required")
	} else {
		r.Lng = *w.Lng
	}
	if len(missing) > 0 {
		return Report{}, &ValidationError{Errors: missing}
	}

	for _, ts := range []struct {
		name string
		v    *float64
		max  float64
	}{
		{"timestamp", w.Timestamp, float64(MaxTimestamp + 1)},
		{"timestamp_ms", w.TimestampMs, float64((MaxTimestamp + 1) * 1000)},
	} {
		// Bounds keep the int64 conversions below exact; finer range checks are Validate's.
		if ts.v != nil && (math.IsNaN(*ts.v) || math.Abs(*ts.v) > ts.max) {
			return Report{}, &ValidationError{Errors: []string{ts.name + " is out of range"}}
		}
	}

	r.Speed = w.Speed
	r.Heading = w.Heading
	r.RouteID = w.RouteID
	if w.TimestampMs != nil {
		ms := int64(math.Floor(*w.TimestampMs))
		r.TimestampMs = &ms
	}
	switch {
	case w.Timestamp != nil:
		r.Timestamp = int64(math.Floor(*w.Timestamp))
	case r.TimestampMs != nil:
		r.Timestamp = *r.TimestampMs / 1000
	default:
		r.Timestamp = now.Unix()
	}
	return r, nil
}
