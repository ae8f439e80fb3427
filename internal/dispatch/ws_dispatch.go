package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
)

const (
	// WriteWait bounds a single frame write to the peer.
	WriteWait = 10 * time.Second

	sendBuffer = 64
)

var (
	ErrSessionClosed  = errors.New("ws session closed")
	ErrSendBufferFull = errors.New("ws send buffer full")
)

// Conn is the part of *websocket.Conn the hub needs.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Session is one connected socket. Frames are queued and written by the
// session's own goroutine, so a slow peer never blocks a publisher.
type Session struct {
	ID     string
	conn   Conn
	send   chan Message
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newSession(id string, conn Conn, logger *slog.Logger) *Session {
	s := &Session{
		ID:     id,
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.writePump()
	return s
}

// Send queues msg. It fails when the session is closed or its buffer is full.
func (s *Session) Send(msg Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the connection, which also ends the
// reader blocked on it.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writePump() {
	for {
		select {
		case msg := <-s.send:
			if d, ok := s.conn.(writeDeadliner); ok {
				d.SetWriteDeadline(time.Now().Add(WriteWait))
			}
			if err := s.conn.WriteJSON(msg); err != nil {
				s.logger.Info("ws_write_failed", "session", s.ID, "type", msg.Type, "error", err)
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Hub holds sessions and the channels they subscribe to.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	channels map[string]map[string]*Session
	joined   map[string]map[string]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logging.OrDiscard(logger),
		sessions: make(map[string]*Session),
		channels: make(map[string]map[string]*Session),
		joined:   make(map[string]map[string]struct{}),
	}
}

// Add registers a session and subscribes it to channels.
func (h *Hub) Add(id string, conn Conn, channels ...string) *Session {
	s := newSession(id, conn, h.logger)
	h.mu.Lock()
	h.sessions[id] = s
	h.joined[id] = make(map[string]struct{})
	h.mu.Unlock()
	for _, c := range channels {
		h.Join(id, c)
	}
	return s
}

// Remove closes the session, drops it from every channel and returns the
// channels it had joined.
func (h *Hub) Remove(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		s.Close()
	}
	var out []string
	for c := range h.joined[id] {
		out = append(out, c)
		if subs := h.channels[c]; subs != nil {
			delete(subs, id)
			if len(subs) == 0 {
				delete(h.channels, c)
			}
		}
	}
	delete(h.joined, id)
	delete(h.sessions, id)
	return out
}

func (h *Hub) Join(id, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return
	}
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[string]*Session)
		h.channels[channel] = subs
	}
	subs[id] = s
	h.joined[id][channel] = struct{}{}
}

func (h *Hub) Leave(id, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.channels[channel]; subs != nil {
		delete(subs, id)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	if j := h.joined[id]; j != nil {
		delete(j, channel)
	}
}

func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish queues msg on every session subscribed to channel and returns
// how many accepted it. It returns ErrNoSession when nobody is subscribed.
func (h *Hub) Publish(channel string, msg Message) (int, error) {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.channels[channel]))
	for _, s := range h.channels[channel] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	if len(subs) == 0 {
		return 0, ErrNoSession
	}
	var (
		sent int
		errs []error
	)
	for _, s := range subs {
		if err := s.Send(msg); err != nil {
			h.logger.Warn("ws_send_failed", "session", s.ID, "channel", channel, "error", err)
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
