// Package publisher mirrors accepted vehicle states to NATS and can take
// position reports from a NATS subject.
package publisher

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
)

const unroutedToken = "unrouted"

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
	sub         *nats.Subscription
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, subjectPrefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleet-tracker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: subjectPrefix, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			log.WithError(err).Warn("nats drain error")
		}
		p.nc.Close()
	}
}

// PositionMessage is the mirrored form of an accepted vehicle state.
type PositionMessage struct {
	VehicleID   string    `json:"vehicleId"`
	RouteID     string    `json:"routeId,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Lat         float64   `json:"lat"`
	Lon         float64   `json:"lon"`
	Bearing     float64   `json:"bearing"`
	SpeedKmh    float64   `json:"speedKmh"`
	Status      string    `json:"status"`
	SafetyScore int       `json:"safetyScore"`
	Violations  []string  `json:"violations"`
	NextStop    string    `json:"nextStop,omitempty"`
	ETA         string    `json:"eta,omitempty"`
	Progress    float64   `json:"progress"`
}

// NewPositionMessage converts a state into its mirrored form.
func NewPositionMessage(s fleet.VehicleState) PositionMessage {
	msg := PositionMessage{
		VehicleID:   s.ID,
		RouteID:     s.RouteID,
		Timestamp:   time.UnixMilli(s.EventMs).UTC(),
		Lat:         s.Lat,
		Lon:         s.Lng,
		Bearing:     s.Heading,
		SpeedKmh:    s.Speed,
		Status:      s.Status,
		SafetyScore: s.SafetyScore,
		Violations:  s.Violations,
		NextStop:    s.NextStop,
		ETA:         s.ETA,
	}
	if msg.Violations == nil {
		msg.Violations = []string{}
	}
	if s.Projection != nil && s.Projection.Known {
		msg.Progress = s.Projection.RouteCompletionPct / 100
	}
	return msg
}

// Subject is prefix.<route>.<vehicle>, with "unrouted" for vehicles
// without a route.
func Subject(prefix string, s fleet.VehicleState) string {
	route := unroutedToken
	if s.RouteID != "" {
		route = subjectToken(s.RouteID)
	}
	subject := fmt.Sprintf("%s.%s", route, subjectToken(s.ID))
	if prefix = strings.Trim(prefix, ". "); prefix != "" {
		subject = prefix + "." + subject
	}
	return subject
}

// PublishState mirrors one accepted state.
func (p *NATSPublisher) PublishState(s fleet.VehicleState) error {
	subject := Subject(p.prefix, s)
	b, err := json.Marshal(NewPositionMessage(s))
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// IngestFunc handles one decoded report.
type IngestFunc func(fleet.Report) fleet.UpdateResult

// SubscribeReports feeds reports published on subject into ingest. When a
// message carries a reply subject, the update result is sent back.
func (p *NATSPublisher) SubscribeReports(subject string, ingest IngestFunc) error {
	sub, err := p.nc.Subscribe(subject, func(m *nats.Msg) {
		res := HandleReport(m.Data, time.Now(), ingest)
		if m.Reply == "" {
			return
		}
		b, err := json.Marshal(res)
		if err != nil {
			return
		}
		if err := m.Respond(b); err != nil {
			log.WithError(err).Warn("nats respond error")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	p.sub = sub
	log.WithField("subject", subject).Info("nats report ingest subscribed")
	return nil
}

// HandleReport decodes a payload and runs it through ingest.
func HandleReport(data []byte, now time.Time, ingest IngestFunc) fleet.UpdateResult {
	r, err := fleet.DecodeReport(data, now)
	if err != nil {
		res := fleet.UpdateResult{Accepted: false, Reason: fleet.ReasonValidation}
		var ve *fleet.ValidationError
		if errors.As(err, &ve) {
			res.Errors = ve.Errors
		}
		return res
	}
	return ingest(r)
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
