package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession is one connected rider or driver.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

// WSHub holds live sessions keyed by principal id and pushes ride events to
// the rider and the driver of each ride. A reconnect replaces the older
// session.
type WSHub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSHub() *WSHub { return &WSHub{sessions: make(map[string]*WSSession)} }

func (h *WSHub) Add(principalID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	old := h.sessions[principalID]
	h.sessions[principalID] = s
	h.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops s if it is still the session registered for principalID.
func (h *WSHub) Remove(principalID string, s *WSSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[principalID] == s {
		delete(h.sessions, principalID)
	}
}

func (h *WSHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *WSHub) Send(ctx context.Context, principalID string, v any) error {
	h.mu.RLock()
	s, ok := h.sessions[principalID]
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(ctx, v); err != nil {
		h.Remove(principalID, s)
		_ = s.conn.Close()
		return err
	}
	return nil
}

// Publish pushes ev to the ride's rider and driver if they are connected.
// Offline recipients are skipped; a broken session is closed and not
// retried. A driver whose assignment was cancelled gets the ride without its
// code.
func (h *WSHub) Publish(ctx context.Context, ev models.Event) error {
	if ev.RiderID != "" {
		_ = h.Send(ctx, ev.RiderID, ev)
	}
	if ev.DriverID != "" {
		view := ev
		if ev.Ride.DriverID != ev.DriverID {
			view.Ride = ev.Ride.Redacted()
		}
		_ = h.Send(ctx, ev.DriverID, view)
	}
	return nil
}
