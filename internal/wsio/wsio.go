// Package wsio provides the websocket transport for the fan-out engine. It
// maintains a hub of connected subscriber sessions grouped into rooms, and
// implements the Emit/JoinRoom/LeaveRoom surface the broadcaster delivers
// through.
package wsio

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/ticket"
)

// Config represents configuration options for a wsio instance
// Use this struct to pass configuration as argument during testing
type Config struct {

	// Listen is the listening port
	Listen int

	// Audience must match the host in token
	Audience string

	// ExchangeCode swaps a code for the associated Token
	CodeStore *ticket.Store
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	c := &Config{}
	c.Listen = 3000
	c.CodeStore = ticket.NewDefaultStore()
	return c
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithAudience specifies the audience for the tokens
func (c *Config) WithAudience(audience string) *Config {
	c.Audience = audience
	return c
}

// WithCodeStoreTTL specifies the lifetime for the codestore
func (c *Config) WithCodeStoreTTL(ttl int64) *Config {
	c.CodeStore = ticket.NewDefaultStore().
		WithTTL(ttl)
	return c
}

// Hub maintains the set of active clients and the rooms they belong to
type Hub struct {
	mu *sync.RWMutex

	// sessions maps session id to client
	sessions map[string]*Client

	// rooms maps room name to member clients
	rooms map[string]map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// OnConnect is called after a client session is registered
	OnConnect func(userID, sessionID string)

	// OnDisconnect is called after a client session is unregistered
	OnDisconnect func(userID, sessionID string)

	// OnMessage is called for each message received from a client
	OnMessage func(userID, sessionID string, data []byte)
}

// NewHub returns an empty hub, ready to Run
func NewHub() *Hub {
	return &Hub{
		mu:         &sync.RWMutex{},
		sessions:   make(map[string]*Client),
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes client registrations until closed is closed
func (h *Hub) Run(closed <-chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case client := <-h.register:
			h.addClient(client)
			if h.OnConnect != nil {
				h.OnConnect(client.userID, client.name)
			}
		case client := <-h.unregister:
			if h.removeClient(client) && h.OnDisconnect != nil {
				h.OnDisconnect(client.userID, client.name)
			}
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[client.name] = client
	for room := range client.rooms {
		h.joinLocked(client, room)
	}
}

// removeClient reports whether the client was still registered
func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[client.name]; !ok {
		return false
	}
	delete(h.sessions, client.name)
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	// signal the write pump rather than closing send, so a concurrent
	// Emit can never write to a closed channel
	close(client.done)
	return true
}

func (h *Hub) joinLocked(client *Client, room string) {
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

// Emit sends a payload to every client in a room, returning how many
// clients accepted it. A room with no members is not an error.
func (h *Hub) Emit(room string, payload []byte) (int, error) {

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for client := range h.rooms[room] {
		members = append(members, client)
	}
	h.mu.RUnlock()

	count := 0
	for _, client := range members {
		select {
		case client.send <- message{mt: textMessage, data: payload}:
			count++
		default:
			// slow consumer, curtail rather than block the emit
			log.WithFields(log.Fields{"session": client.name, "room": room}).Warning("send buffer full, dropping client")
			h.drop(client)
		}
	}
	return count, nil
}

// JoinRoom adds a session to a room
func (h *Hub) JoinRoom(sessionID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.sessions[sessionID]
	if !ok {
		return errors.New("unknown session " + sessionID)
	}
	h.joinLocked(client, room)
	return nil
}

// LeaveRoom removes a session from a room
func (h *Hub) LeaveRoom(sessionID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.sessions[sessionID]
	if !ok {
		return errors.New("unknown session " + sessionID)
	}
	h.leaveLocked(client, room)
	return nil
}

// Disconnect forcibly unregisters a session, closing its connection.
// Disconnecting an unknown session is a no-op.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.RLock()
	client, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if ok {
		h.drop(client)
	}
}

// Report returns a snapshot of the connected sessions for the admin API
func (h *Hub) Report() []ClientReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	reports := make([]ClientReport, 0, len(h.sessions))
	for _, client := range h.sessions {
		reports = append(reports, ClientReport{
			UserID:       client.userID,
			CanRead:      client.canRead,
			CanSubscribe: client.canSubscribe,
			Connected:    client.connectedAt.String(),
			RemoteAddr:   client.remoteAddr,
			UserAgent:    client.userAgent,
			Stats:        client.rx.NewReport(),
		})
	}
	return reports
}

// RoomCount returns how many sessions are in a room
func (h *Hub) RoomCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// SessionCount returns how many sessions are registered
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// drop disconnects a client without waiting for its pumps
func (h *Hub) drop(client *Client) {
	go func() { h.unregister <- client }()
}
