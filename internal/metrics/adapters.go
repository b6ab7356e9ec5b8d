package metrics

import "time"

// The adapters below let each component report into the collector without
// depending on prometheus.

// StoreMetrics feeds vehicle store events.
type StoreMetrics struct{ c *Collector }

func (c *Collector) Store() StoreMetrics { return StoreMetrics{c} }

func (m StoreMetrics) ActiveVehicles(n int) { m.c.ActiveVehicles.Set(float64(n)) }
func (m StoreMetrics) Evicted(n int)        { m.c.Evictions.Add(float64(n)) }

// SafetyMetrics counts violations by label.
type SafetyMetrics struct{ c *Collector }

func (c *Collector) Safety() SafetyMetrics { return SafetyMetrics{c} }

func (m SafetyMetrics) Violation(label string) { m.c.Violations.WithLabelValues(label).Inc() }

// ETAMetrics counts projection fallbacks.
type ETAMetrics struct{ c *Collector }

func (c *Collector) ETA() ETAMetrics { return ETAMetrics{c} }

func (m ETAMetrics) ProjectionError() { m.c.ProjectionErrors.Inc() }

// HubMetrics feeds WebSocket connection events.
type HubMetrics struct{ c *Collector }

func (c *Collector) Hub() HubMetrics { return HubMetrics{c} }

func (m HubMetrics) ConnectionOpened(active int) {
	m.c.WSConnectionsTotal.Inc()
	m.c.WSConnections.Set(float64(active))
}

func (m HubMetrics) ConnectionRemoved(reason string, active int) {
	m.c.WSRemoved.WithLabelValues(reason).Inc()
	m.c.WSConnections.Set(float64(active))
}

func (m HubMetrics) MessageSent() { m.c.WSMessagesSent.Inc() }

// PipelineMetrics observes processed reports.
type PipelineMetrics struct{ c *Collector }

func (c *Collector) Pipeline() PipelineMetrics { return PipelineMetrics{c} }

func (m PipelineMetrics) ReportProcessed(result string, d time.Duration) {
	m.c.Reports.WithLabelValues(result).Inc()
	m.c.PipelineDuration.Observe(d.Seconds())
}
