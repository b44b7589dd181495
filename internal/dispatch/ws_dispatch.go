package dispatch

import (
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// WSSession is one connected client socket, driver or rider. Writes
// are serialized per session; gorilla allows only one concurrent
// writer.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sessions keyed by client id. Drivers and
// riders share the same keyspace; ids are unique across both.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[clientID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[clientID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Only drop the entry if it still points at this connection; a
	// reconnect may have replaced it already.
	if s, ok := r.sessions[clientID]; ok && s.conn == conn {
		delete(r.sessions, clientID)
	}
}

func (r *WSRegistry) Offer(driverID string, offer models.MatchOffer) error {
	return r.send(driverID, map[string]any{"event": "match_offer", "offer": offer})
}

func (r *WSRegistry) Notify(clientID string, event any) error {
	return r.send(clientID, event)
}

func (r *WSRegistry) send(clientID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[clientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		log.Printf("ws send error: %v", err)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
