package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Sink receives simulated samples.
type Sink interface {
	Send(ctx context.Context, p Payload) error
}

// HTTPSink posts samples to the tracker's ingest endpoint.
type HTTPSink struct {
	url    string
	client *http.Client
}

func NewHTTPSink(url string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSink) Send(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ingest status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// Manager runs one goroutine per walker until stopped.
type Manager struct {
	sink            Sink
	interval        time.Duration
	speedMultiplier float64

	mu      sync.Mutex
	running map[string]context.CancelFunc // vehicle -> cancel
	wg      sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

func NewManager(sink Sink, interval time.Duration, speedMultiplier float64) *Manager {
	return &Manager{
		sink:            sink,
		interval:        interval,
		speedMultiplier: speedMultiplier,
		running:         make(map[string]context.CancelFunc),
	}
}

func (m *Manager) Start(ctx context.Context, walkers []*Walker) {
	for _, w := range walkers {
		m.startVehicle(ctx, w)
	}
}

func (m *Manager) startVehicle(parent context.Context, w *Walker) {
	m.mu.Lock()
	if _, exists := m.running[w.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[w.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	log.WithFields(log.Fields{"vehicle": w.ID, "route": w.RouteID}).Info("starting vehicle")
	go func() {
		defer m.wg.Done()
		m.runVehicle(ctx, w)
		m.mu.Lock()
		delete(m.running, w.ID)
		m.mu.Unlock()
	}()
}

func (m *Manager) runVehicle(ctx context.Context, w *Walker) {
	tick := time.NewTicker(m.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			p := w.Step(m.interval, m.speedMultiplier, now)
			if err := m.sink.Send(ctx, p); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.failed.Add(1)
				log.WithError(err).WithField("vehicle", w.ID).Warn("send failed")
				continue
			}
			m.sent.Add(1)
			log.WithFields(log.Fields{"vehicle": w.ID, "lat": p.Lat, "lng": p.Lng, "speed": p.Speed}).Debug("sent position")
		}
	}
}

// Running is the number of vehicles currently simulated.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Counts returns samples delivered and samples that failed.
func (m *Manager) Counts() (sent, failed int64) { return m.sent.Load(), m.failed.Load() }

func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
