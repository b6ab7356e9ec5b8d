// Package api serves the tracker's HTTP query surface and ingest endpoint.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/gtfsrt"
	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/routes"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/tracker"
)

const maxBodyBytes = 1 << 20

// Deps are the components behind the HTTP surface.
type Deps struct {
	Tracker *tracker.Service
	Store   *store.Store
	Routes  *routes.Catalog
	ETA     *eta.Engine
	Hub     *hub.Hub
	WSPath  string
}

type Server struct {
	deps Deps
	now  func() time.Time
}

func New(d Deps) *Server {
	return &Server{deps: d, now: time.Now}
}

// Handler routes every endpoint, including the WebSocket upgrade.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/gps/update", s.handleUpdate)
	mux.HandleFunc("GET /api/buses", s.handleBuses)
	mux.HandleFunc("GET /api/buses/{id}", s.handleBus)
	mux.HandleFunc("DELETE /api/buses/{id}", s.handleRemoveBus)
	mux.HandleFunc("GET /api/routes", s.handleRoutes)
	mux.HandleFunc("GET /api/routes/{id}", s.handleRoute)
	mux.HandleFunc("GET /api/routes/{id}/eta", s.handleRouteETA)
	mux.HandleFunc("GET /api/stops", s.handleStops)
	mux.HandleFunc("GET /api/stops/{id}/arrivals", s.handleArrivals)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/gtfsrt/vehicle-positions.pb", s.handleVehiclePositions)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Hub != nil && s.deps.WSPath != "" {
		mux.Handle("GET "+s.deps.WSPath, s.deps.Hub)
	}
	return mux
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fleet.UpdateResult{
			Reason: fleet.ReasonValidation,
			Errors: []string{"request body too large or unreadable"},
		})
		return
	}

	report, err := fleet.DecodeReport(body, s.now())
	if err != nil {
		res := fleet.UpdateResult{Reason: fleet.ReasonValidation}
		var ve *fleet.ValidationError
		if errors.As(err, &ve) {
			res.Errors = ve.Errors
		} else {
			res.Errors = []string{err.Error()}
		}
		writeJSON(w, http.StatusBadRequest, res)
		return
	}

	res := s.deps.Tracker.Ingest(report)
	switch {
	case res.Accepted:
		writeJSON(w, http.StatusOK, res)
	case res.Reason == fleet.ReasonStaleData:
		writeJSON(w, http.StatusAccepted, res)
	default:
		writeJSON(w, http.StatusBadRequest, res)
	}
}

func (s *Server) handleBuses(w http.ResponseWriter, r *http.Request) {
	var (
		buses  []fleet.VehicleState
		filter *string
	)
	if routeID := r.URL.Query().Get("route_id"); routeID != "" {
		buses = s.deps.Store.ListByRoute(routeID)
		filter = &routeID
	} else {
		buses = s.deps.Store.List()
	}
	if buses == nil {
		buses = []fleet.VehicleState{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"buses":        buses,
		"total":        len(buses),
		"route_filter": filter,
		"timestamp":    s.timestamp(),
	})
}

func (s *Server) handleBus(w http.ResponseWriter, r *http.Request) {
	bus, ok := s.deps.Store.Get(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "bus not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bus": bus, "timestamp": s.timestamp()})
}

func (s *Server) handleRemoveBus(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Tracker.Remove(r.PathValue("id")) {
		writeJSONError(w, http.StatusNotFound, "bus not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request) {
	all := s.deps.Routes.All()
	out := make([]fleet.Route, 0, len(all))
	for _, rt := range all {
		out = append(out, rt.Route)
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": out, "total": len(out)})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.deps.Routes.Get(r.PathValue("id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"route": rt.Route})
}

func (s *Server) handleRouteETA(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Routes.Get(id); !ok {
		writeJSONError(w, http.StatusNotFound, "route not found")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ETA.RouteETAs(id, s.deps.Store))
}

func (s *Server) handleStops(w http.ResponseWriter, _ *http.Request) {
	stops := s.deps.Routes.Stops()
	writeJSON(w, http.StatusOK, map[string]any{"stops": stops, "total": len(stops)})
}

func (s *Server) handleArrivals(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Routes.Stop(id); !ok {
		writeJSONError(w, http.StatusNotFound, "stop not found")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.ETA.ArrivalsAt(id, s.deps.Store))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"store":     s.deps.Store.Stats(),
		"routes":    s.deps.Routes.Stats(),
		"timestamp": s.timestamp(),
	}
	if s.deps.Hub != nil {
		out["websocket"] = s.deps.Hub.Stats()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVehiclePositions(w http.ResponseWriter, _ *http.Request) {
	data, err := gtfsrt.Marshal(s.deps.Store.List(), s.now())
	if err != nil {
		log.WithError(err).Error("gtfs-rt marshal error")
		writeJSONError(w, http.StatusInternalServerError, "failed to encode feed")
		return
	}
	w.Header().Set("Content-Type", gtfsrt.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	conns := 0
	if s.deps.Hub != nil {
		conns = s.deps.Hub.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_vehicles": len(s.deps.Store.List()),
		"connections":     conns,
		"timestamp":       s.timestamp(),
	})
}

func (s *Server) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response error")
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
