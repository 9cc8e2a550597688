package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/pkg/relayapi"
)

// DefaultWriteTimeout bounds one websocket push.
const DefaultWriteTimeout = 10 * time.Second

// socket is one container's live relay connection. gorilla/websocket permits
// a single concurrent writer, so every push holds the socket's own lock.
type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) writeJSON(v interface{}, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteJSON(v)
}

// Hub tracks which containers hold an open relay socket and pushes envelopes
// to them. One socket per container: a fresh attach replaces (and closes) the
// previous connection.
type Hub struct {
	mu           sync.RWMutex
	sockets      map[string]*socket
	log          *slog.Logger
	writeTimeout time.Duration
	onChange     func(count int)
}

// NewHub creates a connection hub. onChange, when non-nil, observes the live
// connection count after every attach and detach (used for gauges).
func NewHub(log *slog.Logger, onChange func(count int)) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		sockets:      make(map[string]*socket),
		log:          log.With("component", "relay-hub"),
		writeTimeout: DefaultWriteTimeout,
		onChange:     onChange,
	}
}

// Attach binds a connection to a container id and starts the read loop that
// detects disconnects. Any previous socket for the container is closed.
func (h *Hub) Attach(containerID string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, ok := h.sockets[containerID]; ok {
		_ = old.conn.Close()
	}
	sk := &socket{conn: conn}
	h.sockets[containerID] = sk
	count := len(h.sockets)
	h.mu.Unlock()

	h.log.Info("relay socket attached", "containerId", containerID, "connections", count)
	h.notify(count)

	go h.readLoop(containerID, sk)
}

// readLoop drains inbound frames until the peer goes away. The relay ignores
// frame contents: sockets exist for server push, polling stays on HTTP.
func (h *Hub) readLoop(containerID string, sk *socket) {
	defer h.detach(containerID, sk)
	for {
		if _, _, err := sk.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// detach removes the socket only if it is still the container's current one.
func (h *Hub) detach(containerID string, sk *socket) {
	h.mu.Lock()
	current, ok := h.sockets[containerID]
	if ok && current == sk {
		delete(h.sockets, containerID)
	}
	count := len(h.sockets)
	h.mu.Unlock()

	_ = sk.conn.Close()
	if ok && current == sk {
		h.log.Info("relay socket detached", "containerId", containerID, "connections", count)
		h.notify(count)
	}
}

// Online reports whether a container holds an open socket.
func (h *Hub) Online(containerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sockets[containerID]
	return ok
}

// Deliver pushes one envelope over the container's socket. A write failure
// closes the socket and reports an error so the caller can fall back to the
// pending queue.
func (h *Hub) Deliver(containerID string, msg relayapi.PendingMessage) error {
	h.mu.RLock()
	sk, ok := h.sockets[containerID]
	h.mu.RUnlock()
	if !ok {
		return errdefs.Newf(errdefs.KindNotFound, "container %s has no open socket", containerID)
	}
	if err := sk.writeJSON(msg, h.writeTimeout); err != nil {
		h.detach(containerID, sk)
		return errdefs.Wrap(errdefs.KindRelayUnreachable, err, "websocket push failed")
	}
	return nil
}

// Close tears down one container's socket, if any.
func (h *Hub) Close(containerID string) {
	h.mu.Lock()
	sk, ok := h.sockets[containerID]
	if ok {
		delete(h.sockets, containerID)
	}
	count := len(h.sockets)
	h.mu.Unlock()

	if !ok {
		return
	}
	_ = sk.conn.Close()
	h.log.Info("relay socket closed", "containerId", containerID, "connections", count)
	h.notify(count)
}

// Count returns the number of open sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// CloseAll tears down every socket, used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, sk := range h.sockets {
		_ = sk.conn.Close()
		delete(h.sockets, id)
	}
	h.mu.Unlock()
	h.notify(0)
}

func (h *Hub) notify(count int) {
	if h.onChange != nil {
		h.onChange(count)
	}
}
