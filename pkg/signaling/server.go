// Package signaling implements the relay peers rendezvous through. Clients
// subscribe to topics over a websocket, and every message published to a
// topic is relayed to all of its subscribers.
package signaling

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sharedfs/pkg/metrics"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 64
)

// Server is a signaling server. It implements http.Handler.
type Server struct {
	upgrader websocket.Upgrader

	lock   sync.Mutex
	topics map[string]map[*client]struct{}
}

// NewServer returns a Server with no clients.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		topics: map[string]map[*client]struct{}{},
	}
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	closed bool
}

// ServeHTTP upgrades the request to a websocket and serves the client until
// it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Debug("Failed to upgrade signaling connection")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: map[string]struct{}{},
	}
	metrics.AddSignalingClients(1)
	defer metrics.AddSignalingClients(-1)

	go c.writeLoop()
	defer s.remove(c)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("Signaling client disconnected")
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Debug("Ignoring malformed signaling message")
			continue
		}
		s.handle(c, msg, raw)
	}
}

func (s *Server) handle(c *client, msg Message, raw []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	switch msg.Type {
	case Subscribe:
		for _, topic := range msg.Topics {
			subscribers, ok := s.topics[topic]
			if !ok {
				subscribers = map[*client]struct{}{}
				s.topics[topic] = subscribers
			}
			subscribers[c] = struct{}{}
			c.topics[topic] = struct{}{}
		}
	case Unsubscribe:
		for _, topic := range msg.Topics {
			s.unsubscribeLocked(c, topic)
		}
	case Publish:
		for subscriber := range s.topics[msg.Topic] {
			subscriber.enqueue(raw)
		}
	case Ping:
		pong, _ := json.Marshal(Message{Type: Pong})
		c.enqueue(pong)
	}
}

func (s *Server) unsubscribeLocked(c *client, topic string) {
	subscribers := s.topics[topic]
	delete(subscribers, c)
	if len(subscribers) == 0 {
		delete(s.topics, topic)
	}
	delete(c.topics, topic)
}

func (s *Server) remove(c *client) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for topic := range c.topics {
		s.unsubscribeLocked(c, topic)
	}
	c.closed = true
	close(c.send)
}

// enqueue must be called with the server lock held.
func (c *client) enqueue(msg []byte) {
	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
		log.Debug("Signaling client is too slow. Dropping message.")
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.WithError(err).Debug("Failed to write to signaling client")
			// Unblock the reader so the client is removed.
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
}
