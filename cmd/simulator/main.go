package main

import (
	"context"
	"hash/fnv"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/routes"
	"fleet-tracker/internal/sim"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.LoadSimulator()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	catalog, err := loadCatalog(ctx, cfg.Routes)
	if err != nil {
		log.Fatalf("routes error: %v", err)
	}

	walkers := make([]*sim.Walker, 0, len(cfg.Vehicles))
	for _, v := range cfg.Vehicles {
		r, ok := catalog.Get(v.RouteID)
		if !ok {
			log.Fatalf("route %s not found for vehicle %s", v.RouteID, v.ID)
		}
		walkers = append(walkers, sim.NewWalker(v, r, seed(v.ID)))
	}

	log.WithFields(log.Fields{
		"endpoint": cfg.APIURL,
		"interval": cfg.Interval,
		"vehicles": len(walkers),
	}).Info("gps simulator started")

	mgr := sim.NewManager(sim.NewHTTPSink(cfg.APIURL, 5*time.Second), cfg.Interval, cfg.SpeedMultiplier)
	mgr.Start(ctx, walkers)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	sent, failed := mgr.Counts()
	log.WithFields(log.Fields{"sent": sent, "failed": failed}).Info("shutdown complete")
}

func loadCatalog(ctx context.Context, rc config.Routes) (*routes.Catalog, error) {
	switch rc.Source {
	case config.RoutesFile:
		return routes.LoadFile(rc.File, rc.DefaultAvgSpeed)
	case config.RoutesPostgres:
		sqlDB, _, err := db.Connect(ctx, rc.DatabaseURL, rc.City)
		if err != nil {
			return nil, err
		}
		defer sqlDB.Close()
		defs, err := db.LoadRoutes(ctx, sqlDB, rc.RouteIDs)
		if err != nil {
			return nil, err
		}
		return routes.New(defs, rc.DefaultAvgSpeed)
	default:
		return routes.Builtin(rc.DefaultAvgSpeed)
	}
}

func seed(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64() ^ uint64(time.Now().UnixNano())
}
