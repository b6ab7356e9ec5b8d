// Package hub fans accepted vehicle updates out to WebSocket subscribers.
//
// Every connection moves CONNECTING -> OPEN -> CLOSING -> CLOSED. A heartbeat
// marks OPEN connections suspect and pings them; a pong or HEARTBEAT message
// clears the flag, and a connection still suspect on the next tick is
// removed, so a dead peer is gone within two intervals.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"fleet-tracker/internal/fleet"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendBuffer        = 64
	DefaultWriteTimeout      = 10 * time.Second

	// minSendBuffer holds the welcome and snapshot frames queued on attach.
	minSendBuffer  = 4
	maxMessageSize = 64 << 10
)

// Removal reasons, also used as metric labels.
const (
	reasonClosed           = "closed"
	reasonWriteError       = "write_error"
	reasonSlowConsumer     = "slow_consumer"
	reasonNotOpen          = "not_open"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonPingError        = "ping_error"
	reasonBadMessage       = "bad_message"
	reasonShutdown         = "shutdown"
)

var closeText = map[string]string{
	reasonBadMessage: "Invalid message format",
	reasonShutdown:   "Server shutdown",
}

// ErrClosed is returned by Attach after Shutdown.
var ErrClosed = errors.New("hub closed")

// SnapshotFunc returns the current state of every vehicle.
type SnapshotFunc func() []fleet.VehicleState

// Metrics receives connection events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ConnectionOpened(active int)
	ConnectionRemoved(reason string, active int)
	MessageSent()
}

// Config tunes a Hub. Zero values take the defaults.
type Config struct {
	HeartbeatInterval time.Duration
	SendBuffer        int
	WriteTimeout      time.Duration
}

// Stats is the hub view served by the query surface.
type Stats struct {
	TotalConnections  int64        `json:"totalConnections"`
	ActiveConnections int          `json:"activeConnections"`
	MessagesSent      int64        `json:"messagesSent"`
	MessagesReceived  int64        `json:"messagesReceived"`
	StartTime         time.Time    `json:"startTime"`
	UptimeMs          int64        `json:"uptime"`
	UptimeFormatted   string       `json:"uptimeFormatted"`
	Clients           []ClientInfo `json:"clientsInfo"`
}

// Hub is the connection registry.
type Hub struct {
	cfg      Config
	snapshot SnapshotFunc
	metrics  Metrics
	now      func() time.Time
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup

	total     atomic.Int64
	sentCount atomic.Int64
	received  atomic.Int64
	start     time.Time
}

// Option configures a Hub.
type Option func(*Hub)

func WithMetrics(m Metrics) Option { return func(h *Hub) { h.metrics = m } }

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }

// New creates a hub. snapshot may be nil, in which case new subscribers get
// an empty CURRENT_BUS_DATA.
func New(cfg Config, snapshot SnapshotFunc, opts ...Option) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.SendBuffer < minSendBuffer {
		cfg.SendBuffer = minSendBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if snapshot == nil {
		snapshot = func() []fleet.VehicleState { return nil }
	}
	h := &Hub{
		cfg:      cfg,
		snapshot: snapshot,
		now:      time.Now,
		conns:    make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.start = h.now()
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws upgrade error")
		return
	}
	c, err := h.Attach(ws, r.RemoteAddr, r.UserAgent())
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutdown"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		c.alive(h.now())
		return nil
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.remove(c, reasonClosed, 0)
			return
		}
		h.HandleMessage(c, data)
	}
}

// Attach registers a transport, queues the welcome message and a snapshot
// of current state, then opens it for broadcasts. The snapshot is taken
// under the registry lock so no update published meanwhile is missed.
func (h *Hub) Attach(t Transport, remoteAddr, userAgent string) (*Conn, error) {
	now := h.now()
	c := newConn("client_"+uuid.NewString(), t, h.cfg.SendBuffer, now)
	c.RemoteAddr = remoteAddr
	c.UserAgent = userAgent

	welcome, err := encode(TypeConnectionEstablished, Welcome{
		ClientID:   c.ID,
		ServerTime: timestamp(now),
		Message:    "Connected to real-time vehicle tracking",
	}, now)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	snap, err := h.snapshotMessage(now)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	c.enqueue(welcome)
	c.enqueue(snap)
	c.state.Store(int32(StateOpen))
	h.conns[c.ID] = c
	active := len(h.conns)
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		c.writeLoop(h)
	}()

	h.total.Add(1)
	if h.metrics != nil {
		h.metrics.ConnectionOpened(active)
	}
	log.WithFields(log.Fields{"client": c.ID, "remote": remoteAddr, "active": active}).Info("ws client connected")
	return c, nil
}

func (h *Hub) snapshotMessage(now time.Time) ([]byte, error) {
	states := h.snapshot()
	buses := make([]fleet.BusUpdate, 0, len(states))
	for _, s := range states {
		buses = append(buses, s.BusUpdate())
	}
	return encode(TypeCurrentBusData, Snapshot{Buses: buses, Total: len(buses), Timestamp: timestamp(now)}, now)
}

// HandleMessage processes one inbound frame from c. A frame that is not
// valid JSON gets an ERROR reply and the connection is closed.
func (h *Hub) HandleMessage(c *Conn, data []byte) {
	h.received.Add(1)
	now := h.now()

	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithField("client", c.ID).WithError(err).Warn("invalid ws message")
		h.send(c, TypeError, textMessage{Message: "Invalid message format"})
		h.remove(c, reasonBadMessage, websocket.CloseUnsupportedData)
		return
	}

	switch msg.Type {
	case TypePing:
		c.alive(now)
		h.send(c, TypePong, nil)
	case TypeHeartbeat:
		c.alive(now)
	case TypeRequestCurrentData:
		snap, err := h.snapshotMessage(now)
		if err == nil && !c.enqueue(snap) {
			h.remove(c, reasonSlowConsumer, 0)
		}
	case TypeSubscribeRoute:
		var sub subscribeData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &sub); err != nil {
				h.send(c, TypeError, textMessage{Message: "Invalid subscription"})
				return
			}
		}
		routes := c.setRoutes(sub.Routes)
		log.WithFields(log.Fields{"client": c.ID, "routes": routes}).Debug("route subscription")
		h.send(c, TypeSubscriptionConfirmed, subscriptionConfirmed{SubscribedRoutes: routes, Message: "Route subscription updated"})
	default:
		log.WithFields(log.Fields{"client": c.ID, "type": msg.Type}).Debug("unknown ws message type")
	}
}

func (h *Hub) send(c *Conn, typ string, data any) {
	msg, err := encode(typ, data, h.now())
	if err != nil {
		log.WithError(err).Error("encode ws message")
		return
	}
	if !c.enqueue(msg) {
		h.remove(c, reasonSlowConsumer, 0)
	}
}

// Publish delivers a BUS_UPDATE to every OPEN connection whose route filter
// accepts it. The frame is encoded once, so all subscribers get identical
// bytes. Connections that are not OPEN or whose queue is full are removed.
func (h *Hub) Publish(state fleet.VehicleState) {
	msg, err := encode(TypeBusUpdate, state.BusUpdate(), h.now())
	if err != nil {
		log.WithError(err).Error("encode bus update")
		return
	}
	for _, c := range h.connections() {
		if c.State() != StateOpen {
			h.remove(c, reasonNotOpen, 0)
			continue
		}
		if !c.wants(state.RouteID) {
			continue
		}
		if !c.enqueue(msg) {
			h.remove(c, reasonSlowConsumer, 0)
		}
	}
}

func (h *Hub) connections() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// remove drops c from the registry and closes it. code 0 drops the socket
// immediately; otherwise queued frames are flushed before a close frame.
func (h *Hub) remove(c *Conn, reason string, code int) {
	h.mu.Lock()
	cur, ok := h.conns[c.ID]
	if ok && cur == c {
		delete(h.conns, c.ID)
	}
	active := len(h.conns)
	h.mu.Unlock()

	c.close(code, closeText[reason])
	if !ok || cur != c {
		return
	}
	if h.metrics != nil {
		h.metrics.ConnectionRemoved(reason, active)
	}
	log.WithFields(log.Fields{
		"client":    c.ID,
		"reason":    reason,
		"connected": h.now().Sub(c.ConnectedAt).Round(time.Millisecond),
		"active":    active,
	}).Info("ws client removed")
}

func (h *Hub) sent() {
	h.sentCount.Add(1)
	if h.metrics != nil {
		h.metrics.MessageSent()
	}
}

// Tick runs one heartbeat round. Pings are handed to each connection's
// writer, so a stalled peer never holds up the round.
func (h *Hub) Tick() {
	for _, c := range h.connections() {
		if c.Suspect() {
			h.remove(c, reasonHeartbeatTimeout, 0)
			continue
		}
		if c.State() != StateOpen {
			continue
		}
		c.suspect.Store(true)
		c.requestPing()
	}
}

// Run ticks the heartbeat until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	log.WithField("interval", h.cfg.HeartbeatInterval).Info("ws heartbeat started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.safeTick()
		}
	}
}

func (h *Hub) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("heartbeat tick failed")
		}
	}()
	h.Tick()
}

// Len is the number of registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stats returns counters and per-client details.
func (h *Hub) Stats() Stats {
	conns := h.connections()
	clients := make([]ClientInfo, 0, len(conns))
	for _, c := range conns {
		clients = append(clients, c.info())
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ConnectTime.Before(clients[j].ConnectTime) })
	uptime := h.now().Sub(h.start)
	return Stats{
		TotalConnections:  h.total.Load(),
		ActiveConnections: len(conns),
		MessagesSent:      h.sentCount.Load(),
		MessagesReceived:  h.received.Load(),
		StartTime:         h.start,
		UptimeMs:          uptime.Milliseconds(),
		UptimeFormatted:   formatUptime(uptime),
		Clients:           clients,
	}
}

// Shutdown tells every subscriber the server is going away, closes them
// with 1001 and waits for their writers to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, c := range h.connections() {
		h.send(c, TypeServerShutdown, textMessage{Message: "Server is shutting down"})
		h.remove(c, reasonShutdown, websocket.CloseGoingAway)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("ws hub closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("hub shutdown: %w", ctx.Err())
	}
}

func formatUptime(d time.Duration) string {
	s := int64(d.Seconds())
	m, h := s/60, s/3600
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m%60, s%60)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s%60)
	}
	return fmt.Sprintf("%ds", s)
}
