package service

import (
	"sync"

	"taskpulse/internal/metrics"
	"taskpulse/pkg/logger"

	"go.uber.org/zap"
)

// Client is one connected realtime session. A user may hold several at once
// (multiple devices); the hub indexes all of them.
type Client struct {
	UserID   string
	Username string
	Send     chan []byte

	closeOnce sync.Once
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// Hub tracks connected clients and fans frames out to them. Pushes are
// non-blocking: a client whose send buffer is full is treated as gone and
// evicted, the same policy the write pump applies on write errors.
//
// Sends and channel closes both happen under h.mu, so an Unregister can
// never close a Send channel while a push to it is in flight.
type Hub struct {
	mu       sync.Mutex
	clients  map[*Client]bool
	byUser   map[string]map[*Client]bool
	observer metrics.HubObserver
}

func NewHub(observer metrics.HubObserver) *Hub {
	return &Hub{
		clients:  make(map[*Client]bool),
		byUser:   make(map[string]map[*Client]bool),
		observer: observer,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
	set, ok := h.byUser[c.UserID]
	if !ok {
		set = make(map[*Client]bool)
		h.byUser[c.UserID] = set
	}
	set[c] = true
	h.observer.IncOnline()
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	h.mu.Unlock()
	if removed {
		h.observer.DecOnline()
	}
}

func (h *Hub) removeLocked(c *Client) bool {
	if !h.clients[c] {
		return false
	}
	delete(h.clients, c)
	if set, ok := h.byUser[c.UserID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, c.UserID)
		}
	}
	c.closeSend()
	return true
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID]) > 0
}

// OnlineCount returns the number of connected clients.
func (h *Hub) OnlineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SendToUser pushes a frame to every connection of one user and reports how
// many received it.
func (h *Hub) SendToUser(userID string, frame []byte) int {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		targets = append(targets, c)
	}
	delivered, evicted := h.pushLocked(targets, frame)
	h.mu.Unlock()
	for i := 0; i < evicted; i++ {
		h.observer.DecOnline()
	}
	return delivered
}

// Broadcast pushes a frame to every connected client except exclude.
func (h *Hub) Broadcast(exclude *Client, frame []byte) int {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	delivered, evicted := h.pushLocked(targets, frame)
	h.mu.Unlock()
	for i := 0; i < evicted; i++ {
		h.observer.DecOnline()
	}
	return delivered
}

// pushLocked delivers to each target, evicting full-buffer clients in place.
// Caller holds h.mu; holding it across the sends is what makes them safe
// against a concurrent close. The sends never block, so the hold is bounded.
func (h *Hub) pushLocked(targets []*Client, frame []byte) (delivered, evicted int) {
	for _, c := range targets {
		select {
		case c.Send <- frame:
			h.observer.RecordPush()
			delivered++
		default:
			logger.Warn("client send buffer full, evicting", zap.String("user", c.UserID))
			if h.removeLocked(c) {
				evicted++
			}
		}
	}
	return delivered, evicted
}
