package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeEmbeddings carries the vectors for one embed request
	EventTypeEmbeddings EventType = "embeddings"
	// EventTypeError reports a failed embed request
	EventTypeError EventType = "error"
	// EventTypeRequestLog is broadcast after every embedding call
	EventTypeRequestLog EventType = "request_log"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// EmbeddingsEvent is the reply to an embed request
type EmbeddingsEvent struct {
	Vectors [][]float32 `json:"vectors"`
	Dims    int         `json:"dims"`
	Cached  bool        `json:"cached"`
}

// ErrorEvent is the reply to a failed embed request
type ErrorEvent struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RequestLogEvent describes one finished embedding call
type RequestLogEvent struct {
	RequestID string        `json:"request_id"`
	Transport string        `json:"transport"` // http or websocket
	ClientIP  string        `json:"client_ip"`
	Texts     int           `json:"texts"`
	Cached    bool          `json:"cached"`
	Code      int           `json:"code"`
	Duration  time.Duration `json:"duration"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action   string `json:"action"` // "connected", "disconnected"
	ClientID string `json:"client_id"`
	ClientIP string `json:"client_ip"`
}

// ClientMessage represents messages sent from clients to server.
// Type is one of "embed", "subscribe" or "ping".
type ClientMessage struct {
	Type   string      `json:"type"`
	ID     string      `json:"id,omitempty"`
	Texts  []string    `json:"texts,omitempty"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	LastPing    time.Time
	IP          string
	UserAgent   string

	mu           sync.Mutex
	subscription map[EventType]bool
}

// subscribe replaces the set of broadcast events the client receives
func (c *Client) subscribe(events []EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscription = make(map[EventType]bool, len(events))
	for _, e := range events {
		c.subscription[e] = true
	}
}

// subscribed reports whether broadcasts of this type go to the client
func (c *Client) subscribed(eventType EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription[eventType]
}
