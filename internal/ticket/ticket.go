// Package ticket provides a store of one-shot codes exchangeable for
// validated connection tickets, so websocket upgrades never carry a bearer
// token in the URL.
package ticket

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marketflux/fanout/internal/permission"
)

// ExpTicket represents a ticket and its expiry time. Tickets are assumed
// valid from time of submission.
type ExpTicket struct {

	// Token holds the validated claims the code was issued against
	Token permission.Token

	// Exp represents the expiry Unix time in seconds
	Exp int64
}

// Expired returns true if the ticket has expired
func (t *ExpTicket) Expired() bool {
	return GetTime() > t.Exp
}

// NewExpTicket creates a ticket expiring in ttl seconds from now
func NewExpTicket(token permission.Token, ttl int64) ExpTicket {
	return ExpTicket{
		Token: token,
		Exp:   GetTime() + ttl,
	}
}

// Store holds the codes and their associated expiring tickets
type Store struct {
	// Prevent multiple clients getting the same ticket by mutexing
	sync.Mutex

	store map[string]ExpTicket

	// ttl is the lifetime in seconds of a code
	ttl int64

	closed chan struct{}
}

// GetTime gets the current Unix time in seconds
func GetTime() int64 {
	return time.Now().Unix()
}

// GetTime gets the current time as used by the Store
func (s *Store) GetTime() int64 {
	return GetTime()
}

// NewDefaultStore returns a store with a code lifetime of 30 seconds
func NewDefaultStore() *Store {
	s := &Store{
		store:  make(map[string]ExpTicket),
		ttl:    30,
		closed: make(chan struct{}),
	}
	go s.keepClean()
	return s
}

// WithTTL sets the code lifetime of the new Store (in seconds). The
// keepClean goroutine is already reading ttl, so take the lock.
func (s *Store) WithTTL(ttl int64) *Store {
	s.Lock()
	defer s.Unlock()
	s.ttl = ttl
	return s
}

// Close stops the store
func (s *Store) Close() {
	s.Lock()
	defer s.Unlock()
	close(s.closed)
}

// keepClean periodically removes stale codes/tickets
func (s *Store) keepClean() {
	for {
		ttl := s.GetTTL()
		select {
		case <-s.closed:
			return
		case <-time.After(time.Duration(2*ttl) * time.Second):
			s.CleanExpired()
		}
	}
}

// GenerateCode returns a unique string to be used as a code
func GenerateCode() string {
	// no practical need to check uniqueness with uuid
	return uuid.New().String()
}

// SubmitToken returns a code that can be swapped for the ticket until the
// code becomes stale
func (s *Store) SubmitToken(token permission.Token) string {
	s.Lock()
	defer s.Unlock()
	code := GenerateCode()
	s.store[code] = NewExpTicket(token, s.ttl)
	return code
}

// ExchangeCode swaps a (valid) code for the associated ticket. A code can
// be exchanged at most once.
func (s *Store) ExchangeCode(code string) (permission.Token, error) {
	s.Lock()
	defer s.Unlock()
	t, ok := s.store[code]
	if !ok || t.Expired() {
		delete(s.store, code)
		return permission.Token{}, errors.New("invalid code")
	}
	delete(s.store, code)
	return t.Token, nil
}

// CleanExpired removes stale codes from the Store
func (s *Store) CleanExpired() {
	s.Lock()
	defer s.Unlock()
	expired := []string{}
	for code, t := range s.store {
		if t.Expired() {
			expired = append(expired, code)
		}
	}
	for _, code := range expired {
		delete(s.store, code)
	}
}

// GetTTL returns the TTL for the store
func (s *Store) GetTTL() int64 {
	s.Lock()
	defer s.Unlock()
	return s.ttl
}

// GetCodeCount counts the number of tickets in the store
func (s *Store) GetCodeCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.store)
}
