package api

import (
	"net/http"
	"sync"
	"time"

	"execution-core/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteWait = 5 * time.Second

// StreamMessage is one router event forwarded to websocket clients.
type StreamMessage struct {
	Topic string       `json:"topic"`
	Event events.Event `json:"event"`
}

// Hub fans order and position events out to websocket clients. Its router
// handlers run on the loop and never block: a client whose buffer is full
// loses the message.
type Hub struct {
	mu      sync.Mutex
	clients map[chan StreamMessage]struct{}
	buffer  int
	dropped uint64
	subs    []events.SubscriptionHandle
	log     zerolog.Logger
}

func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{clients: make(map[chan StreamMessage]struct{}), buffer: buffer, log: log}
}

// Subscriber is the part of the router the hub listens on.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) (events.SubscriptionHandle, error)
	Unsubscribe(h events.SubscriptionHandle)
}

// Attach subscribes the hub. Call on the loop.
func (h *Hub) Attach(sub Subscriber) error {
	for _, pattern := range []string{events.TopicOrderAll, events.TopicPositionAll} {
		handle, err := sub.Subscribe(pattern, h.broadcast)
		if err != nil {
			h.Detach(sub)
			return err
		}
		h.subs = append(h.subs, handle)
	}
	return nil
}

// Detach removes the hub's subscriptions. Call on the loop.
func (h *Hub) Detach(sub Subscriber) {
	for _, handle := range h.subs {
		sub.Unsubscribe(handle)
	}
	h.subs = nil
}

func (h *Hub) broadcast(topic string, ev events.Event) error {
	msg := StreamMessage{Topic: topic, Event: ev}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			h.dropped++
		}
	}
	return nil
}

func (h *Hub) register() chan StreamMessage {
	ch := make(chan StreamMessage, h.buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan StreamMessage) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages slow clients have missed.
func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("api: ws upgrade failed")
		return
	}
	defer conn.Close()

	stream := s.Hub.register()
	defer s.Hub.unregister(stream)

	// The read side only watches for the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("api: ws write failed")
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
