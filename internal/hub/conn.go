package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the subset of *websocket.Conn the hub writes through.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// State is the lifecycle stage of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ClientInfo describes a connection.
type ClientInfo struct {
	ID               string    `json:"id"`
	IP               string    `json:"ip"`
	UserAgent        string    `json:"userAgent,omitempty"`
	ConnectTime      time.Time `json:"connectTime"`
	LastPing         time.Time `json:"lastPing"`
	State            string    `json:"state"`
	SubscribedRoutes []string  `json:"subscribedRoutes"`
}

// Conn is one subscriber. All writes go through its queue and a single
// writer goroutine, so a slow peer only ever stalls itself.
type Conn struct {
	ID          string
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	t    Transport
	send chan []byte
	ping chan struct{}
	done chan struct{}
	stop sync.Once

	state    atomic.Int32
	suspect  atomic.Bool
	lastSeen atomic.Int64

	// closeCode is set before done is closed; non-zero means drain the
	// queue and send a close frame instead of dropping the socket.
	closeCode   int
	closeReason string

	mu     sync.Mutex
	routes map[string]struct{}
}

func newConn(id string, t Transport, buffer int, now time.Time) *Conn {
	c := &Conn{
		ID:          id,
		ConnectedAt: now,
		t:           t,
		send:        make(chan []byte, buffer),
		ping:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastSeen.Store(now.UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Suspect reports whether the connection has not answered the last probe.
func (c *Conn) Suspect() bool { return c.suspect.Load() }

func (c *Conn) alive(now time.Time) {
	c.suspect.Store(false)
	c.lastSeen.Store(now.UnixNano())
}

func (c *Conn) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// requestPing asks the writer to send a ping. A ping still pending from an
// earlier round is not doubled.
func (c *Conn) requestPing() {
	select {
	case c.ping <- struct{}{}:
	default:
	}
}

func (c *Conn) setRoutes(ids []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes = nil
	out := []string{}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if c.routes == nil {
			c.routes = make(map[string]struct{})
		}
		if _, dup := c.routes[id]; !dup {
			c.routes[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// wants reports whether an update for routeID passes the route filter. An
// empty filter passes everything.
func (c *Conn) wants(routeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.routes) == 0 {
		return true
	}
	_, ok := c.routes[routeID]
	return ok
}

func (c *Conn) info() ClientInfo {
	c.mu.Lock()
	routes := make([]string, 0, len(c.routes))
	for id := range c.routes {
		routes = append(routes, id)
	}
	c.mu.Unlock()
	return ClientInfo{
		ID:               c.ID,
		IP:               c.RemoteAddr,
		UserAgent:        c.UserAgent,
		ConnectTime:      c.ConnectedAt,
		LastPing:         time.Unix(0, c.lastSeen.Load()),
		State:            c.State().String(),
		SubscribedRoutes: routes,
	}
}

// close moves the connection to CLOSING exactly once. With code 0 the socket
// is dropped at once; otherwise the writer flushes what is queued and sends
// a close frame first.
func (c *Conn) close(code int, reason string) {
	c.stop.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.state.Store(int32(StateClosing))
		close(c.done)
		if code == 0 {
			_ = c.t.Close()
			c.state.Store(int32(StateClosed))
		}
	})
}

// writeLoop owns every write to the transport, pings included.
func (c *Conn) writeLoop(h *Hub) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg, h.cfg.WriteTimeout); err != nil {
				h.remove(c, reasonWriteError, 0)
				return
			}
			h.sent()
		case <-c.ping:
			if err := c.sendPing(h.cfg.WriteTimeout); err != nil {
				h.remove(c, reasonPingError, 0)
				return
			}
		case <-c.done:
			if c.closeCode != 0 {
				c.flush(h)
				deadline := time.Now().Add(h.cfg.WriteTimeout)
				_ = c.t.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), deadline)
				_ = c.t.Close()
			}
			c.state.Store(int32(StateClosed))
			return
		}
	}
}

func (c *Conn) flush(h *Hub) {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg, h.cfg.WriteTimeout); err != nil {
				return
			}
			h.sent()
		default:
			return
		}
	}
}

func (c *Conn) write(msg []byte, timeout time.Duration) error {
	if err := c.t.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return c.t.WriteMessage(websocket.TextMessage, msg)
}

func (c *Conn) sendPing(timeout time.Duration) error {
	return c.t.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}
