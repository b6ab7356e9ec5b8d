package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/api"
	"fleet-tracker/internal/config"
	"fleet-tracker/internal/db"
	"fleet-tracker/internal/eta"
	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/hub"
	"fleet-tracker/internal/logging"
	"fleet-tracker/internal/metrics"
	"fleet-tracker/internal/publisher"
	"fleet-tracker/internal/routes"
	"fleet-tracker/internal/safety"
	"fleet-tracker/internal/store"
	"fleet-tracker/internal/tracker"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics setup
	var mcol *metrics.Collector
	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.MaxAge, cfg.HeartbeatInterval)
		metricsSrv = mcol.Serve(cfg.MetricsAddr)
	}

	catalog, err := loadCatalog(ctx, cfg.Routes)
	if err != nil {
		log.Fatalf("routes error: %v", err)
	}
	st := catalog.Stats()
	log.WithFields(log.Fields{"source": cfg.Routes.Source, "routes": st.TotalRoutes, "stops": st.TotalStops}).Info("route catalog ready")

	overspeed, err := safety.ParseOverspeedPolicy(cfg.OverspeedPolicy)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	recovery, err := safety.ParseRecoveryPolicy(cfg.ScoreRecovery)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var (
		storeOpts   []store.Option
		safetyOpts  []safety.Option
		etaOpts     []eta.Option
		hubOpts     []hub.Option
		trackerOpts []tracker.Option
	)
	if mcol != nil {
		storeOpts = append(storeOpts, store.WithMetrics(mcol.Store()))
		safetyOpts = append(safetyOpts, safety.WithMetrics(mcol.Safety()))
		etaOpts = append(etaOpts, eta.WithMetrics(mcol.ETA()))
		hubOpts = append(hubOpts, hub.WithMetrics(mcol.Hub()))
		trackerOpts = append(trackerOpts, tracker.WithMetrics(mcol.Pipeline()))
	}

	vehicles := store.New(cfg.MaxAge, cfg.CleanupInterval, storeOpts...)
	scorer := safety.NewEngine(safety.Config{
		SpeedLimitKmh: cfg.SpeedLimitKmh,
		Overspeed:     overspeed,
		Recovery:      recovery,
	}, safetyOpts...)
	projector := eta.NewEngine(catalog, etaOpts...)
	wsHub := hub.New(hub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBuffer,
	}, vehicles.List, hubOpts...)
	trackerOpts = append(trackerOpts, tracker.WithBroadcaster(wsHub))

	// Optional NATS mirror and ingest
	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		trackerOpts = append(trackerOpts, tracker.WithMirror(pub))
	}

	svc := tracker.New(fleet.NewValidator(cfg.MaxSpeedKmh), vehicles, scorer, projector, trackerOpts...)

	if pub != nil && cfg.NATSIngestSubject != "" {
		if err := pub.SubscribeReports(cfg.NATSIngestSubject, svc.Ingest); err != nil {
			log.Fatalf("nats error: %v", err)
		}
	}

	// Background loops: TTL sweeper and heartbeat
	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		vehicles.Run(ctx)
	}()
	go func() {
		defer bg.Done()
		wsHub.Run(ctx)
	}()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.New(api.Deps{
			Tracker: svc,
			Store:   vehicles,
			Routes:  catalog,
			ETA:     projector,
			Hub:     wsHub,
			WSPath:  cfg.WSPath,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": cfg.HTTPAddr, "ws_path": cfg.WSPath}).Info("tracker listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		log.Fatalf("http listen error: %v", err)
	}
	log.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown error")
	}
	if err := wsHub.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("hub shutdown error")
	}
	bg.Wait()
	if pub != nil {
		pub.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	log.Info("shutdown complete")
}

func loadCatalog(ctx context.Context, rc config.Routes) (*routes.Catalog, error) {
	switch rc.Source {
	case config.RoutesFile:
		return routes.LoadFile(rc.File, rc.DefaultAvgSpeed)
	case config.RoutesPostgres:
		sqlDB, name, err := db.Connect(ctx, rc.DatabaseURL, rc.City)
		if err != nil {
			return nil, err
		}
		defer sqlDB.Close()
		defs, err := db.LoadRoutes(ctx, sqlDB, rc.RouteIDs)
		if err != nil {
			return nil, err
		}
		if name != "" {
			log.WithField("db", name).Info("routes loaded from city database")
		}
		return routes.New(defs, rc.DefaultAvgSpeed)
	default:
		return routes.Builtin(rc.DefaultAvgSpeed)
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
