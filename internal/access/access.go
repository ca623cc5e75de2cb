// Package access provides the HTTP API for the fan-out engine: session
// ticket issue, subscription management, event ingest, routing rule
// administration, and status reporting.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/marketflux/fanout/internal/manager"
	"github.com/marketflux/fanout/internal/metrics"
	"github.com/marketflux/fanout/internal/permission"
	"github.com/marketflux/fanout/internal/router"
	"github.com/marketflux/fanout/internal/ticket"
	"github.com/marketflux/fanout/internal/wsio"
)

var (
	errBadStrategy = errors.New("unknown strategy")
	errBadPriority = errors.New("unknown priority")
)

// Config specifies parameters for the access service
type Config struct {
	CodeStore *ticket.Store
	Host      string
	Hub       *wsio.Hub
	Manager   *manager.Manager
	Metrics   *metrics.Metrics
	Port      int
	Secret    string
	Target    string
}

// API starts the API
// Inputs
// @closed - channel will be closed when server shuts down
// @wg - waitgroup, we must wg.Done() when we are shutdown
// @config.Port - where to listen locally
// @config.Host - external FQDN of the host (for checking against tokens)
// @config.Target - FQDN of the websocket endpoint e.g. wss://fanout.example.io
// @config.Secret - HMAC shared secret which incoming tokens will be signed with
// @config.CodeStore - pointer to the code store this API shares with the websocket hub
func API(closed <-chan struct{}, wg *sync.WaitGroup, config Config) {

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(config.Port),
		Handler: Router(config),
	}

	go func() {
		<-closed
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(ctx)
		if err != nil {
			log.Errorf("Server shutdown error %s", err.Error())
		}
	}()

	//serve API
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalln(err)
	}

	wg.Done()
}

// Router builds the route table for the API, so tests can drive handlers
// through httptest without a listener
func Router(config Config) *mux.Router {

	r := mux.NewRouter()

	r.HandleFunc("/session", sessionHandler(config)).Methods(http.MethodPost)

	r.HandleFunc("/users/{userID}/subscriptions/{subscriptionType}", subscribeHandler(config)).Methods(http.MethodPut)
	r.HandleFunc("/users/{userID}/subscriptions/{subscriptionType}", unsubscribeHandler(config)).Methods(http.MethodDelete)
	r.HandleFunc("/users/{userID}/subscriptions/{subscriptionType}", getSubscriptionHandler(config)).Methods(http.MethodGet)

	r.HandleFunc("/events", eventHandler(config)).Methods(http.MethodPost)

	r.HandleFunc("/rules", listRulesHandler(config)).Methods(http.MethodGet)
	r.HandleFunc("/rules", addRuleHandler(config)).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}", removeRuleHandler(config)).Methods(http.MethodDelete)

	r.HandleFunc("/status", statusHandler(config)).Methods(http.MethodGet)
	r.HandleFunc("/sessions", listSessionsHandler(config)).Methods(http.MethodGet)
	r.HandleFunc("/optimize", optimizeHandler(config)).Methods(http.MethodPost)

	// health and metrics are unauthenticated, for load balancers and scrapers
	r.HandleFunc("/healthz", healthHandler(config)).Methods(http.MethodGet)
	if config.Metrics != nil {
		r.Handle("/metrics", config.Metrics.Handler()).Methods(http.MethodGet)
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err.Error()).Error("encoding response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Code: strconv.Itoa(status), Message: message})
}

// validateHeader checks the bearer token.
// wrap the secret so we can get it at runtime without using global
func validateHeader(secret, host string, r *http.Request) (claims *permission.Token, re error) {

	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{"stack": p}).Error("panic in validateHeader")
			re = errors.New("token unprocessable") //see names in func definition
			claims = nil                           //see names in func definition, overwriting return values
		}
	}()

	bearerToken := r.Header.Get("Authorization")
	if bearerToken == "" {
		return nil, errors.New("missing token")
	}

	cc := &permission.Token{}

	token, err := jwt.ParseWithClaims(bearerToken, cc, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method was %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})

	if err != nil {
		log.Error("error parsing token " + err.Error())
		return nil, errors.New("token invalid")
	}

	if !token.Valid { //checks iat, nbf, exp
		log.Error("Token invalid")
		return nil, errors.New("token invalid")
	}

	if !cc.RegisteredClaims.VerifyAudience(host, true) {
		log.WithFields(log.Fields{"aud": cc.RegisteredClaims.Audience, "host": host}).Error("aud does not match this host")
		return nil, fmt.Errorf("aud %s does not match this host %s", cc.RegisteredClaims.Audience, host)
	}

	return cc, nil
}

// requireScope validates the bearer token and checks it carries the scope
func requireScope(config Config, r *http.Request, scope string) (*permission.Token, error) {

	claims, err := validateHeader(config.Secret, config.Host, r)
	if err != nil {
		return nil, err
	}

	if !permission.HasScope(*claims, scope) {
		return nil, errors.New("missing " + scope + " scope")
	}

	return claims, nil
}

// actsFor reports whether the token may act for userID; admin tokens may
// act for anyone
func actsFor(claims *permission.Token, userID string) bool {
	if permission.HasScope(*claims, permission.ScopeAdmin) {
		return true
	}
	return claims.UserID == userID
}

func sessionHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		claims, err := validateHeader(config.Secret, config.Host, r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if !permission.HasRequiredClaims(*claims) {
			writeError(w, http.StatusUnauthorized, "token missing required claims")
			return
		}

		if !(permission.HasScope(*claims, permission.ScopeRead) || permission.HasScope(*claims, permission.ScopeSubscribe)) {
			writeError(w, http.StatusUnauthorized, "token missing read or subscribe scope")
			return
		}

		pt := permission.NewToken(
			config.Target,
			claims.UserID,
			claims.Topic,
			claims.Scopes,
			claims.IssuedAt.Unix(),
			claims.NotBefore.Unix(),
			claims.ExpiresAt.Unix(),
		)

		code := config.CodeStore.SubmitToken(pt)

		uri := config.Target + "/ws?code=" + code

		writeJSON(w, http.StatusOK, SessionReply{URI: uri})
	}
}

func subscribeHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		claims, err := requireScope(config, r, permission.ScopeSubscribe)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		vars := mux.Vars(r)
		userID := vars["userID"]
		subscriptionType := vars["subscriptionType"]

		if !actsFor(claims, userID) {
			writeError(w, http.StatusForbidden, "token cannot act for user "+userID)
			return
		}

		var req SubscribeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse body: "+err.Error())
			return
		}

		if err := config.Manager.Subscribe(userID, subscriptionType, req.Filters); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sub, _ := config.Manager.GetSubscription(userID, subscriptionType)
		writeJSON(w, http.StatusCreated, sub)
	}
}

func unsubscribeHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		claims, err := requireScope(config, r, permission.ScopeSubscribe)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		vars := mux.Vars(r)
		userID := vars["userID"]
		subscriptionType := vars["subscriptionType"]

		if !actsFor(claims, userID) {
			writeError(w, http.StatusForbidden, "token cannot act for user "+userID)
			return
		}

		// removing an absent subscription is not an error
		config.Manager.Unsubscribe(userID, subscriptionType)
		w.WriteHeader(http.StatusNoContent)
	}
}

func getSubscriptionHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		claims, err := requireScope(config, r, permission.ScopeRead)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		vars := mux.Vars(r)
		userID := vars["userID"]
		subscriptionType := vars["subscriptionType"]

		if !actsFor(claims, userID) {
			writeError(w, http.StatusForbidden, "token cannot act for user "+userID)
			return
		}

		sub, ok := config.Manager.GetSubscription(userID, subscriptionType)
		if !ok {
			writeError(w, http.StatusNotFound, "no such subscription")
			return
		}

		writeJSON(w, http.StatusOK, sub)
	}
}

// eventHandler ingests an event from a detector and fans it out. Ingest is
// admin-only so subscribers cannot inject events at each other.
func eventHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeAdmin)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req EventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse body: "+err.Error())
			return
		}

		if req.EventType == "" {
			writeError(w, http.StatusBadRequest, "eventType missing")
			return
		}

		delivered := config.Manager.BroadcastEvent(req.EventType, req.Data, req.Criteria)

		writeJSON(w, http.StatusOK, EventReply{Delivered: delivered})
	}
}

func listRulesHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeAdmin)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, config.Manager.Router().Rules())
	}
}

func addRuleHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeAdmin)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		var req RuleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "cannot parse body: "+err.Error())
			return
		}

		rule, err := req.Rule()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := config.Manager.Router().AddRule(rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		w.WriteHeader(http.StatusCreated)
	}
}

func removeRuleHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeAdmin)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		if !config.Manager.Router().RemoveRule(mux.Vars(r)["id"]) {
			writeError(w, http.StatusNotFound, "no such rule")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func statusHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeStats)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, config.Manager.GetStats())
	}
}

func listSessionsHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeAdmin)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, config.Hub.Report())
	}
}

func optimizeHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		_, err := requireScope(config, r, permission.ScopeAdmin)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, config.Manager.Optimize())
	}
}

func healthHandler(config Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		h := config.Manager.GetHealth()

		status := http.StatusOK
		if h.Status == manager.StatusError {
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, h)
	}
}

func parseStrategy(s string) (router.Strategy, error) {
	switch s {
	case "", "content_based":
		return router.ContentBased, nil
	case "broadcast_all":
		return router.BroadcastAll, nil
	case "priority_tiered":
		return router.PriorityTiered, nil
	}
	return router.ContentBased, errBadStrategy
}
