package wsio

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/broadcast"
	"github.com/marketflux/fanout/internal/permission"
	"github.com/marketflux/fanout/internal/tracker"
)

// null subprotocol required by Chrome
// TODO restrict CheckOrigin
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	Subprotocols:    []string{"null"},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWs handles websocket requests from subscribers.
func ServeWs(closed <-chan struct{}, hub *Hub, w http.ResponseWriter, r *http.Request, config Config) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("ServeWs failed to upgrade to websocket")
		return
	}

	log.Trace("upgraded to ws") //Cannot return any http responses from here on

	// Enforce permissions by exchanging the authcode for a connection ticket
	// which contains expiry time, user, and permissions

	code := r.URL.Query().Get("code")

	// if no code or empty, close the connection
	if code == "" {
		log.Info("Unauthorized - No Code")
		conn.Close()
		return
	}

	// Exchange code for token

	token, err := config.CodeStore.ExchangeCode(code)

	if err != nil {
		log.Info("Unauthorized - Invalid Code")
		conn.Close()
		return
	}

	// check token is a permission token so we can process it properly
	// It's been validated so we don't need to re-do that
	if !permission.HasRequiredClaims(token) {
		log.Info("Unauthorized - original token missing claims")
		conn.Close()
		return
	}

	now := config.CodeStore.GetTime()

	if token.NotBefore != nil && token.NotBefore.After(time.Unix(now, 0)) {
		log.WithField("user", token.UserID).Info("Unauthorized - Too early")
		conn.Close()
		return
	}

	ttl := token.ExpiresAt.Unix() - now

	audok := false

	for _, aud := range token.Audience {
		if aud == config.Audience {
			audok = true
		}
	}

	expired := ttl < 0

	if (!audok) || expired {
		log.WithFields(log.Fields{"audienceOK": audok, "expired": expired, "user": token.UserID}).Trace("Token invalid")
		conn.Close()
		return
	}

	// check permissions

	canRead := permission.HasScope(token, permission.ScopeRead)
	canSubscribe := permission.HasScope(token, permission.ScopeSubscribe)

	if !(canRead || canSubscribe) {
		log.WithFields(log.Fields{"user": token.UserID, "scopes": token.Scopes}).Trace("No valid scopes")
		conn.Close()
		return
	}

	cancelled := make(chan struct{})

	// cancel the connection when the token has expired
	go func() {
		time.Sleep(time.Duration(ttl) * time.Second)
		close(cancelled)
	}()

	rooms := map[string]bool{broadcast.UserRoom(token.UserID): true}

	if token.Topic != "" {
		rooms[token.Topic] = true
	}

	client := &Client{hub: hub,
		conn:         conn,
		send:         make(chan message, 256),
		done:         make(chan struct{}),
		rooms:        rooms,
		connectedAt:  time.Now(),
		rx:           tracker.New(),
		name:         uuid.New().String(),
		userID:       token.UserID,
		userAgent:    r.UserAgent(),
		remoteAddr:   r.Header.Get("X-Forwarded-For"),
		audience:     config.Audience,
		canRead:      canRead,
		canSubscribe: canSubscribe,
	}
	client.hub.register <- client

	go client.writePump(closed, cancelled)
	go client.readPump()
}
