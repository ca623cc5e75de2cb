// Package engine assembles the fan-out service: the websocket hub, the
// subscription manager and its index/router/broadcast layers, and the HTTP
// access API, sharing one code store between the two listeners.
package engine

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/access"
	"github.com/marketflux/fanout/internal/manager"
	"github.com/marketflux/fanout/internal/metrics"
	"github.com/marketflux/fanout/internal/ticket"
	"github.com/marketflux/fanout/internal/wsio"
)

// Config holds the engine's configuration
type Config struct {
	AccessPort int
	RelayPort  int
	Audience   string
	Secret     string
	Target     string

	// PruneEvery is the period between housekeeping passes
	PruneEvery time.Duration

	// InactiveAfter is how long an offline user's subscriptions survive
	InactiveAfter time.Duration

	// Manager overrides the default layer configuration when non-nil
	Manager *manager.Config
}

// Run runs the fan-out engine until closed is closed
func Run(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	var wg sync.WaitGroup

	cs := ticket.NewDefaultStore()
	defer cs.Close()

	hub := wsio.NewHub()

	mets := metrics.New()

	m := manager.New(hub, config.Manager, mets)

	hub.OnConnect = m.HandleConnect
	hub.OnDisconnect = m.HandleDisconnect
	hub.OnMessage = func(userID, sessionID string, data []byte) {
		// any frame from a subscriber counts as a heartbeat
		m.Broadcaster().Touch(sessionID)
		m.UpdateActivity(userID)
	}

	go hub.Run(closed)

	go func() {
		for {
			select {
			case <-closed:
				return
			case <-time.After(config.PruneEvery):
				report := m.Optimize()
				pruned := m.CleanupInactive(config.InactiveAfter)
				log.WithFields(log.Fields{"report": report, "prunedSubscribers": pruned}).Debug("housekeeping")
			}
		}
	}()

	wsioConfig := wsio.Config{
		Listen:    config.RelayPort,
		Audience:  config.Target,
		CodeStore: cs,
	}

	wg.Add(1)
	go serveWs(closed, &wg, hub, wsioConfig)

	accessConfig := access.Config{
		CodeStore: cs,
		Host:      config.Audience,
		Hub:       hub,
		Manager:   m,
		Metrics:   mets,
		Port:      config.AccessPort,
		Secret:    config.Secret,
		Target:    config.Target,
	}

	wg.Add(1)
	go access.API(closed, &wg, accessConfig)

	wg.Wait()
	parentwg.Done()
	log.Trace("Engine done")
}

// serveWs runs the websocket listener until closed is closed
func serveWs(closed <-chan struct{}, wg *sync.WaitGroup, hub *wsio.Hub, config wsio.Config) {

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsio.ServeWs(closed, hub, w, r, config)
	})

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Listen),
		Handler: mux,
	}

	go func() {
		<-closed
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Errorf("websocket server shutdown error %s", err.Error())
		}
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalln(err)
	}

	wg.Done()
}
