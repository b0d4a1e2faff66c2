package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/mattiacorvi/overvox/internal/event"
	"github.com/mattiacorvi/overvox/internal/observability"
)

const (
	sendBuffer    = 64
	writeDeadline = 10 * time.Second
	readDeadline  = 120 * time.Second
	readLimit     = 1 << 20
)

// Hub fans broadcast messages out to every connected overlay client.
// Clients are browsers rendering avatars; the only inbound frame acted
// on is audio_ended.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	metrics      *observability.Metrics
	log          *logrus.Entry
	onAudioEnded func(slotID string)
}

type client struct {
	conn *websocket.Conn
	send chan any

	mu     sync.Mutex
	closed bool
}

// trySend enqueues without blocking; false means the client is gone or
// its queue is full. The closed flag keeps Broadcast off a closed
// channel during teardown.
func (c *client) trySend(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func New(metrics *observability.Metrics) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		metrics: metrics,
		log:     logrus.WithField("component", "hub"),
	}
}

// SetAudioEndedHook registers the early slot-release callback. Must be
// called before the first connection is served.
func (h *Hub) SetAudioEndedHook(fn func(slotID string)) {
	h.onAudioEnded = fn
}

// ClientCount reports connected overlay clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast enqueues msg for every connected client. A client whose
// outbound queue is saturated has the message dropped; writes stay
// single-threaded per connection.
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(msg) {
			h.log.Warn("overlay client queue saturated, dropping broadcast")
		}
	}
}

// Run serves one upgraded connection until it closes: registers the
// client, starts the writer, then reads frames. Blocks for the life of
// the connection.
func (h *Hub) Run(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan any, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(msg); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := event.ParseClientMessage(data)
		if err != nil {
			if !errors.Is(err, event.ErrUnsupportedType) {
				h.log.WithError(err).Debug("bad client frame")
			}
			continue
		}
		if ended, ok := parsed.(event.AudioEnded); ok && h.onAudioEnded != nil {
			h.onAudioEnded(ended.SlotID)
		}
	}

	c.closeSend()
	<-writerDone
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.OverlayClients.Set(float64(n))
	h.log.WithField("clients", n).Info("overlay client connected")
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.closeSend()
	_ = c.conn.Close()
	h.metrics.OverlayClients.Set(float64(n))
	h.log.WithField("clients", n).Info("overlay client disconnected")
}
