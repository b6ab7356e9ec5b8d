package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	Reports          *prometheus.CounterVec // result label: accepted|stale|invalid
	PipelineDuration prometheus.Histogram

	ActiveVehicles prometheus.Gauge
	Evictions      prometheus.Counter

	Violations       *prometheus.CounterVec // type label: violation name
	ProjectionErrors prometheus.Counter

	WSConnections      prometheus.Gauge
	WSConnectionsTotal prometheus.Counter
	WSRemoved          *prometheus.CounterVec // reason label
	WSMessagesSent     prometheus.Counter

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	MaxAge            prometheus.Gauge // seconds
	HeartbeatInterval prometheus.Gauge // seconds
}

func NewCollector(maxAge, heartbeatInterval time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_total",
			Help: "Position reports processed, by result.",
		}, []string{"result"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_pipeline_duration_seconds",
			Help:    "Time to validate, store, score, project and broadcast one report.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
		}),
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_active_vehicles",
			Help: "Vehicles currently held in the state store.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_evictions_total",
			Help: "Vehicles evicted after exceeding the max age.",
		}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_violations_total",
			Help: "Safety violations detected, by type.",
		}, []string{"type"}),
		ProjectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_projection_errors_total",
			Help: "Route projections that fell back to an unknown ETA.",
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_ws_connections",
			Help: "Open WebSocket subscribers.",
		}),
		WSConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_ws_connections_total",
			Help: "WebSocket subscribers accepted.",
		}),
		WSRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_ws_removed_total",
			Help: "WebSocket subscribers removed, by reason.",
		}, []string{"reason"}),
		WSMessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_ws_messages_sent_total",
			Help: "WebSocket frames written to subscribers.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		MaxAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_max_age_seconds",
			Help: "Inactivity after which a vehicle is evicted.",
		}),
		HeartbeatInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_heartbeat_interval_seconds",
			Help: "WebSocket heartbeat interval.",
		}),
	}

	reg.MustRegister(
		c.Reports, c.PipelineDuration,
		c.ActiveVehicles, c.Evictions,
		c.Violations, c.ProjectionErrors,
		c.WSConnections, c.WSConnectionsTotal, c.WSRemoved, c.WSMessagesSent,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.MaxAge, c.HeartbeatInterval,
	)

	c.MaxAge.Set(maxAge.Seconds())
	c.HeartbeatInterval.Set(heartbeatInterval.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
	log.WithField("addr", addr).Info("metrics listening")
	return srv
}
