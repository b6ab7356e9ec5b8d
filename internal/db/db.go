// Package db loads a route catalog from a GTFS feed imported into Postgres.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
)

type routeRow struct {
	RouteID   string
	ShortName string
	LongName  string
	Color     string
	TripID    string
	ShapeID   string
}

type stopRow struct {
	Sequence int
	StopID   string
	Name     string
	Lat      float64
	Lon      float64
}

// LoadRoutes builds one catalog route per GTFS route, using a representative
// trip (the one with the most stop_times) for its shape and stop sequence.
// routeIDs narrows the result; empty loads every route.
func LoadRoutes(ctx context.Context, db *sql.DB, routeIDs []string) ([]fleet.Route, error) {
	rows, err := fetchRouteRows(ctx, db, routeIDs)
	if err != nil {
		return nil, err
	}
	out := make([]fleet.Route, 0, len(rows))
	for _, rr := range rows {
		shape, err := FetchShapePoints(ctx, db, rr.ShapeID)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rr.RouteID, err)
		}
		stops, err := fetchTripStops(ctx, db, rr.TripID)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", rr.RouteID, err)
		}
		r, ok := assembleRoute(rr, shape, stops)
		if !ok {
			log.WithField("route", rr.RouteID).Warn("route has no geometry, skipping")
			continue
		}
		out = append(out, r)
	}
	log.WithField("routes", len(out)).Info("routes loaded from postgres")
	return out, nil
}

func fetchRouteRows(ctx context.Context, db *sql.DB, routeIDs []string) ([]routeRow, error) {
	q := `
WITH counts AS (
  SELECT t.route_id, t.trip_id, COALESCE(t.shape_id, '') AS shape_id, COUNT(st.stop_id) AS n
  FROM trips t
  JOIN stop_times st ON st.trip_id = t.trip_id
  GROUP BY t.route_id, t.trip_id, t.shape_id
), best AS (
  SELECT DISTINCT ON (route_id) route_id, trip_id, shape_id
  FROM counts
  ORDER BY route_id, n DESC, trip_id
)
SELECT r.route_id,
       COALESCE(r.route_short_name, ''),
       COALESCE(r.route_long_name, ''),
       COALESCE(r.route_color, ''),
       b.trip_id,
       b.shape_id
FROM routes r
JOIN best b ON b.route_id = r.route_id`
	args := []any{}
	if len(routeIDs) > 0 {
		q += ` WHERE r.route_id = ANY($1)`
		args = append(args, routeIDs)
	}
	q += ` ORDER BY r.route_id`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var out []routeRow
	for rows.Next() {
		var rr routeRow
		if err := rows.Scan(&rr.RouteID, &rr.ShortName, &rr.LongName, &rr.Color, &rr.TripID, &rr.ShapeID); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func FetchShapePoints(ctx context.Context, db *sql.DB, shapeID string) ([]fleet.Coordinate, error) {
	if shapeID == "" {
		return nil, nil
	}
	// Detect column layout: either shape_pt_lat/lon exist, or use PostGIS shape_pt_loc geography
	latlonExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	if latlonExists["shape_pt_lat"] && latlonExists["shape_pt_lon"] {
		q = `SELECT shape_pt_lat, shape_pt_lon
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	} else {
		locExists, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect shapes shape_pt_loc: %w", err)
		}
		if !locExists["shape_pt_loc"] {
			return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
		}
		q = `SELECT ST_Y(shape_pt_loc::geometry), ST_X(shape_pt_loc::geometry)
             FROM shapes WHERE shape_id = $1 ORDER BY shape_pt_sequence`
	}
	rows, err := db.QueryContext(ctx, q, shapeID)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []fleet.Coordinate
	for rows.Next() {
		var p fleet.Coordinate
		if err := rows.Scan(&p.Lat, &p.Lng); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

// fetchTripStops returns the trip's stops in stop_sequence order.
func fetchTripStops(ctx context.Context, db *sql.DB, tripID string) ([]stopRow, error) {
	// Prefer stop_lat/stop_lon, but support PostGIS stop_loc geography as fallback
	latlonExists, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	coords := "COALESCE(s.stop_lat, 0), COALESCE(s.stop_lon, 0)"
	if !latlonExists["stop_lat"] || !latlonExists["stop_lon"] {
		locExists, err := hasColumns(ctx, db, "public", "stops", "stop_loc")
		if err != nil {
			return nil, fmt.Errorf("introspect stops stop_loc: %w", err)
		}
		if !locExists["stop_loc"] {
			return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
		}
		coords = "COALESCE(ST_Y(s.stop_loc::geometry), 0), COALESCE(ST_X(s.stop_loc::geometry), 0)"
	}
	q := `SELECT st.stop_sequence, st.stop_id, COALESCE(s.stop_name, st.stop_id), ` + coords + `
          FROM stop_times st
          JOIN stops s ON s.stop_id = st.stop_id
          WHERE st.trip_id = $1
          ORDER BY st.stop_sequence`
	rows, err := db.QueryContext(ctx, q, tripID)
	if err != nil {
		return nil, fmt.Errorf("query stop_times: %w", err)
	}
	defer rows.Close()

	var out []stopRow
	for rows.Next() {
		var s stopRow
		if err := rows.Scan(&s.Sequence, &s.StopID, &s.Name, &s.Lat, &s.Lon); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// assembleRoute turns query rows into a catalog route. Without a shape the
// polyline falls back to the stop positions. It reports false when neither
// is available.
func assembleRoute(rr routeRow, shape []fleet.Coordinate, stops []stopRow) (fleet.Route, bool) {
	r := fleet.Route{
		ID:     rr.RouteID,
		Name:   routeName(rr),
		Active: true,
	}
	if rr.Color != "" {
		r.Color = "#" + strings.TrimPrefix(rr.Color, "#")
	}
	for i, s := range stops {
		r.Stops = append(r.Stops, fleet.Stop{
			ID:    s.StopID,
			Name:  s.Name,
			Lat:   s.Lat,
			Lng:   s.Lon,
			Order: i + 1,
		})
	}
	r.Coordinates = shape
	if len(r.Coordinates) == 0 {
		for _, s := range stops {
			r.Coordinates = append(r.Coordinates, fleet.Coordinate{Lat: s.Lat, Lng: s.Lon})
		}
	}
	if len(r.Stops) > 0 {
		r.Description = r.Stops[0].Name + " - " + r.Stops[len(r.Stops)-1].Name
	}
	return r, len(r.Coordinates) > 0
}

func routeName(rr routeRow) string {
	switch {
	case rr.ShortName != "" && rr.LongName != "":
		return rr.ShortName + " " + rr.LongName
	case rr.LongName != "":
		return rr.LongName
	case rr.ShortName != "":
		return rr.ShortName
	}
	return rr.RouteID
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
