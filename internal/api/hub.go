package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prabhask5/stellar-sub000/internal/models"
)

// Feed message types.
const (
	MessageSubscribed = "subscribed"
	MessageChange     = "change"
	MessageError      = "error"
)

const (
	feedSendBuffer   = 256
	feedWriteTimeout = 10 * time.Second
)

// FeedMessage is one frame on the changefeed websocket.
type FeedMessage struct {
	Type   string      `json:"type"`
	Change *PullChange `json:"change,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Hub fans committed changes out to the changefeed subscribers of each user.
type Hub struct {
	mu      sync.RWMutex
	clients map[*feedClient]struct{}
	metrics *Metrics
}

type feedClient struct {
	userID   string
	deviceID string
	send     chan PullChange
	done     chan struct{}
	once     sync.Once
}

func (c *feedClient) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates an empty hub.
func NewHub(m *Metrics) *Hub {
	return &Hub{clients: make(map[*feedClient]struct{}), metrics: m}
}

func (h *Hub) register(c *feedClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.FeedConnected(1)
}

func (h *Hub) unregister(c *feedClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		h.metrics.FeedConnected(-1)
	}
	c.close()
}

// Subscribers returns the number of connected clients for userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Broadcast queues changes for every subscriber of userID. A subscriber
// whose buffer is full is disconnected; it catches up by pulling.
func (h *Hub) Broadcast(userID string, changes []models.Change) {
	if len(changes) == 0 {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.userID != userID {
			continue
		}
		for _, ch := range changes {
			select {
			case c.send <- toPullChange(ch):
				h.metrics.RecordFeedDelivery(true)
			case <-c.done:
			default:
				h.metrics.RecordFeedDelivery(false)
				slog.Warn("feed client too slow, disconnecting", "uid", c.userID, "device", c.deviceID)
				c.close()
			}
		}
	}
}

// CloseAll disconnects every subscriber.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.close()
	}
}

// handleChanges handles GET /v1/sync/changes, the websocket changefeed.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	if want := r.URL.Query().Get("user_id"); want != "" && want != user.UserID {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "user_id does not match token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logFor(r.Context()).Warn("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()
	// The server's read timeout still applies to the hijacked connection.
	conn.SetReadDeadline(time.Time{})

	c := &feedClient{
		userID:   user.UserID,
		deviceID: user.DeviceID,
		send:     make(chan PullChange, feedSendBuffer),
		done:     make(chan struct{}),
	}
	s.hub.register(c)
	defer s.hub.unregister(c)

	log := logFor(r.Context()).With("device", c.deviceID)
	if err := writeFeed(conn, FeedMessage{Type: MessageSubscribed}); err != nil {
		log.Debug("feed ack", "err", err)
		return
	}
	log.Info("feed subscribed")

	// Reads only detect the peer going away; clients send nothing.
	go func() {
		defer c.close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.config.FeedPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			log.Info("feed closed")
			return
		case pc := <-c.send:
			if err := writeFeed(conn, FeedMessage{Type: MessageChange, Change: &pc}); err != nil {
				log.Debug("feed write", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
				log.Debug("feed ping", "err", err)
				return
			}
		}
	}
}

func writeFeed(conn *websocket.Conn, msg FeedMessage) error {
	conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return conn.WriteJSON(msg)
}
