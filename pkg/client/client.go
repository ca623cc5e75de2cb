// Package client provides a websocket subscriber for the fan-out engine
// that exchanges an access token for a one-shot session URI and
// automatically reconnects with backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// WsMessage carries one frame to or from the engine
type WsMessage struct {
	Data []byte
	Type int
}

// RetryConfig governs the reconnection backoff
type RetryConfig struct {
	Factor  float64
	Jitter  bool
	Min     time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// Client connects (retrying/reconnecting if necessary) to a fan-out engine
type Client struct {
	ForwardIncoming bool
	In              chan WsMessage
	Out             chan WsMessage
	Retry           RetryConfig

	// AccessURL is the HTTP(S) session endpoint, e.g. https://fanout.example.io/session
	AccessURL string

	// Token is the bearer token presented to the session endpoint
	Token string

	httpClient *http.Client
}

type sessionReply struct {
	URI string `json:"uri"`
}

// New returns a Client ready to Reconnect
func New(accessURL, token string) *Client {
	return &Client{
		In:              make(chan WsMessage),
		Out:             make(chan WsMessage),
		ForwardIncoming: true,
		Retry: RetryConfig{Factor: 2,
			Min:     1 * time.Second,
			Max:     10 * time.Second,
			Timeout: 1 * time.Second,
			Jitter:  true},
		AccessURL:  accessURL,
		Token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Reconnect maintains a connection to the engine until the context is
// cancelled, obtaining a fresh one-shot session URI before each dial.
// Run this in a separate goroutine.
func (c *Client) Reconnect(ctx context.Context) {

	boff := &backoff.Backoff{
		Min:    c.Retry.Min,
		Max:    c.Retry.Max,
		Factor: c.Retry.Factor,
		Jitter: c.Retry.Jitter,
	}

	for {

		select {
		case <-ctx.Done():
			return
		default:

			uri, err := c.getSessionURI(ctx)
			if err != nil {
				log.WithField("error", err.Error()).Error("Getting session URI")
				time.Sleep(boff.Duration())
				continue
			}

			dialCtx, cancel := context.WithCancel(ctx)
			err = c.Dial(dialCtx, uri)
			cancel()

			log.WithField("error", err).Debug("Dial finished")
			if err == nil {
				boff.Reset()
			} else {
				time.Sleep(boff.Duration())
			}
		}
	}
}

// getSessionURI swaps the bearer token for a one-shot websocket URI
func (c *Client) getSessionURI(ctx context.Context) (string, error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.AccessURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", c.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.New("session request refused: " + strings.TrimSpace(string(body)))
	}

	var reply sessionReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return "", err
	}

	if reply.URI == "" {
		return "", errors.New("session reply missing uri")
	}

	return reply.URI, nil
}

// Dial the websocket server once.
// If dial fails then return immediately
// If dial succeeds then handle message traffic until
// the context is cancelled
func (c *Client) Dial(ctx context.Context, urlStr string) error {

	var err error

	if urlStr == "" {
		log.Error("Can't dial an empty Url")
		return errors.New("Can't dial an empty Url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		log.Error("Url:", err)
		return err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		log.Error("Url needs to start with ws or wss")
		return errors.New("Url needs to start with ws or wss")
	}

	if u.User != nil {
		log.Error("Url can't contain user name and password")
		return errors.New("Url can't contain user name and password")
	}

	// start dialing ....

	log.WithField("To", u.Host).Debug("Connecting")

	//assume our context has been given a deadline if needed
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, urlStr, nil)

	if err != nil {
		log.WithField("error", err).Error("Dialing")
		return err
	}

	log.WithField("To", u.Host).Info("Connected")

	// handle our reading tasks

	readClosed := make(chan struct{})

	go func() {
		for {
			//assume this will produce non-nil err on context.Done
			mt, data, err := conn.ReadMessage()

			// Check for errors, e.g. caused by writing task closing conn
			// because we've been instructed to exit
			// log as info since we expect an error here on a normal exit
			if err != nil {
				log.WithField("info", err).Info("Reading")
				close(readClosed)
				return
			}
			// optionally forward messages
			if c.ForwardIncoming {
				select {
				case c.In <- WsMessage{Data: data, Type: mt}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	// handle our writing tasks
LOOPWRITING:
	for {
		select {
		case <-readClosed:
			err = nil // nil error resets the backoff
			break LOOPWRITING
		case msg := <-c.Out:

			err := conn.WriteMessage(msg.Type, msg.Data)
			if err != nil {
				log.WithField("error", err).Error("Writing")
				break LOOPWRITING
			}

		case <-ctx.Done(): // context has finished, either timeout or cancel
			// Cleanly close the connection by sending a close message
			err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithField("error", err).Error("Closing")
			} else {
				log.Info("Closed")
			}
			conn.Close()
			break LOOPWRITING
		}
	}

	return err
}
