package wsio

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/marketflux/fanout/internal/tracker"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer; subscribers only send
	// small heartbeat and command frames
	maxMessageSize = 64 * 1024

	textMessage = websocket.TextMessage
)

// Client is a middleperson between the websocket connection and the hub.
type Client struct {

	// userID from the token
	userID string

	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan message

	// hub closes this channel when the session is unregistered
	done chan struct{}

	// rooms the client currently belongs to, guarded by hub.mu
	rooms map[string]bool

	audience string

	// name is the session id, unique per connection
	name string

	userAgent string

	remoteAddr string

	connectedAt time.Time

	// inter-frame receive gap, for spotting stalled subscribers
	rx *tracker.Tracker

	// existence of scopes to read, subscribe
	canRead, canSubscribe bool
}

// ClientReport represents information about a client's connection,
// permissions, and statistics
type ClientReport struct {
	UserID string `json:"userID"`

	CanRead bool `json:"canRead"`

	CanSubscribe bool `json:"canSubscribe"`

	Connected string `json:"connected"`

	RemoteAddr string `json:"remoteAddr"`

	UserAgent string `json:"userAgent"`

	Stats tracker.Report `json:"stats"`
}

// messages will be wrapped in this struct for muxing
type message struct {
	mt   int
	data []byte //text data are converted to/from bytes as needed
}
