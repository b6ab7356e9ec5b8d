package eta

import (
	"sort"

	"fleet-tracker/internal/fleet"
)

// VehicleLister lists the current state of vehicles on a route.
type VehicleLister interface {
	ListByRoute(routeID string) []fleet.VehicleState
}

// BoardEntry is one vehicle on a route board.
type BoardEntry struct {
	BusID string `json:"bus_id"`
	fleet.Projection
}

// RouteBoard lists every vehicle on a route with a fresh projection.
type RouteBoard struct {
	RouteID string       `json:"route_id"`
	Buses   []BoardEntry `json:"buses"`
	Total   int          `json:"total"`
}

// Arrival is one vehicle whose next stop is the queried stop.
type Arrival struct {
	BusID      string `json:"bus_id"`
	RouteID    string `json:"route_id"`
	RouteName  string `json:"route_name"`
	ETA        string `json:"eta"`
	ETAMinutes *int   `json:"etaMinutes"`
}

// StopBoard lists upcoming arrivals at a stop, soonest first.
type StopBoard struct {
	StopID   string    `json:"stop_id"`
	Arrivals []Arrival `json:"arrivals"`
	Total    int       `json:"total"`
}

// RouteETAs projects every vehicle currently on routeID.
func (e *Engine) RouteETAs(routeID string, vehicles VehicleLister) RouteBoard {
	board := RouteBoard{RouteID: routeID, Buses: []BoardEntry{}}
	for _, v := range vehicles.ListByRoute(routeID) {
		p := e.Project(v.Lat, v.Lng, v.Speed, routeID)
		board.Buses = append(board.Buses, BoardEntry{BusID: v.ID, Projection: *p})
	}
	board.Total = len(board.Buses)
	return board
}

// ArrivalsAt returns the vehicles, across every route serving stopID, whose
// next stop is stopID.
func (e *Engine) ArrivalsAt(stopID string, vehicles VehicleLister) StopBoard {
	board := StopBoard{StopID: stopID, Arrivals: []Arrival{}}
	for _, routeID := range e.routes.RoutesServing(stopID) {
		route, ok := e.routes.Get(routeID)
		if !ok {
			continue
		}
		for _, v := range vehicles.ListByRoute(routeID) {
			p := e.Project(v.Lat, v.Lng, v.Speed, routeID)
			if !p.Known || p.NextStopID != stopID {
				continue
			}
			board.Arrivals = append(board.Arrivals, Arrival{
				BusID:      v.ID,
				RouteID:    routeID,
				RouteName:  route.Name,
				ETA:        p.ETA,
				ETAMinutes: p.ETAMinutes,
			})
		}
	}
	sort.SliceStable(board.Arrivals, func(i, j int) bool {
		a, b := board.Arrivals[i].ETAMinutes, board.Arrivals[j].ETAMinutes
		if a == nil || b == nil {
			return a != nil
		}
		return *a < *b
	})
	board.Total = len(board.Arrivals)
	return board
}
