package hub

import (
	"encoding/json"
	"time"

	"fleet-tracker/internal/fleet"
)

// Outbound message types.
const (
	TypeConnectionEstablished = "CONNECTION_ESTABLISHED"
	TypeCurrentBusData        = "CURRENT_BUS_DATA"
	TypeBusUpdate             = "BUS_UPDATE"
	TypePong                  = "PONG"
	TypeSubscriptionConfirmed = "SUBSCRIPTION_CONFIRMED"
	TypeError                 = "ERROR"
	TypeServerShutdown        = "SERVER_SHUTDOWN"
)

// Inbound message types.
const (
	TypePing               = "PING"
	TypeHeartbeat          = "HEARTBEAT"
	TypeRequestCurrentData = "REQUEST_CURRENT_DATA"
	TypeSubscribeRoute     = "SUBSCRIBE_ROUTE"
)

// Envelope is the frame every message travels in.
type Envelope struct {
	Type       string `json:"type"`
	Data       any    `json:"data,omitempty"`
	ServerTime string `json:"serverTime,omitempty"`
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type subscribeData struct {
	Routes []string `json:"routes"`
}

// Welcome is the data of CONNECTION_ESTABLISHED.
type Welcome struct {
	ClientID   string `json:"clientId"`
	ServerTime string `json:"serverTime"`
	Message    string `json:"message"`
}

// Snapshot is the data of CURRENT_BUS_DATA.
type Snapshot struct {
	Buses     []fleet.BusUpdate `json:"buses"`
	Total     int               `json:"total"`
	Timestamp string            `json:"timestamp"`
}

type subscriptionConfirmed struct {
	SubscribedRoutes []string `json:"subscribedRoutes"`
	Message          string   `json:"message"`
}

type textMessage struct {
	Message string `json:"message"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encode(typ string, data any, now time.Time) ([]byte, error) {
	return json.Marshal(Envelope{Type: typ, Data: data, ServerTime: timestamp(now)})
}
