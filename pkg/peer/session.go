// Package peer replicates a document between the peers of a room. Peers find
// each other through one or more signaling servers, and exchange document
// updates and awareness state through them.
package peer

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/sharedfs/pkg/crdt"
	"github.com/sidkik/sharedfs/pkg/errors"
	"github.com/sidkik/sharedfs/pkg/metrics"
	"github.com/sidkik/sharedfs/pkg/signaling"
)

const (
	reconnectTimeout = 3 * time.Second
	pingInterval     = 15 * time.Second
	awarenessRenew   = 15 * time.Second
	writeTimeout     = 5 * time.Second
	sendBuffer       = 256
)

// Options configures a Session.
type Options struct {
	Room      string
	Signaling []string

	// Password seals every room message. An empty password disables
	// sealing.
	Password string

	// MaxConns bounds the number of peers. If it's not set, a bound is
	// picked with DefaultConnLimit.
	MaxConns int

	// FilterBcConns drops our own messages when signaling servers relay
	// them back, before they are decrypted.
	FilterBcConns bool

	Awareness *Awareness
	Clock     clockwork.Clock
	Dialer    *websocket.Dialer
}

// RemoteOrigin is the origin of the document updates a Session merges.
type RemoteOrigin struct {
	Peer   string
	Server string
}

// Session replicates one document through the signaling servers. It runs
// until Destroy is called.
type Session struct {
	doc  *crdt.Doc
	opts Options
	id   string
	key  []byte

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()

	lock      sync.Mutex
	conns     map[string]*serverConn
	peers     map[string]struct{}
	destroyed bool
}

// Connect starts a session replicating `doc`. Connections to the signaling
// servers are retried in the background until the session is destroyed.
// `ctx` only bounds the call: the session outlives it, and Destroy is the
// only way to stop it.
func Connect(ctx context.Context, doc *crdt.Doc, opts Options) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Room == "" {
		return nil, errors.New("room is required")
	}

	if len(opts.Signaling) == 0 {
		return nil, errors.New("at least one signaling server is required")
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Awareness == nil {
		opts.Awareness = NewAwareness(opts.Clock)
	}
	if opts.MaxConns <= 0 {
		r := rand.New(rand.NewSource(opts.Clock.Now().UnixNano()))
		opts.MaxConns = DefaultConnLimit.Pick(r)
	}

	s := &Session{
		doc:   doc,
		opts:  opts,
		id:    doc.ClientID(),
		conns: map[string]*serverConn{},
		peers: map[string]struct{}{},
	}
	if opts.Password != "" {
		s.key = deriveKey(opts.Password, opts.Room)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubscribe = doc.OnUpdate(s.onDocUpdate)

	for _, url := range opts.Signaling {
		s.wg.Add(1)
		go s.run(url)
	}

	s.wg.Add(1)
	go s.awarenessLoop()

	log.WithFields(log.Fields{
		"room":     opts.Room,
		"maxConns": opts.MaxConns,
		"sealed":   s.key != nil,
	}).Info("Joined room")
	return s, nil
}

// ID returns the session's client ID.
func (s *Session) ID() string {
	return s.id
}

// MaxConns returns the session's peer bound.
func (s *Session) MaxConns() int {
	return s.opts.MaxConns
}

// Awareness returns the session's awareness state.
func (s *Session) Awareness() *Awareness {
	return s.opts.Awareness
}

// Peers returns the client IDs of the connected peers, sorted.
func (s *Session) Peers() []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	var peers []string
	for peer := range s.peers {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Destroy leaves the room, closes the signaling connections and stops
// replicating the document. Destroying twice is a no-op.
func (s *Session) Destroy() {
	s.lock.Lock()
	if s.destroyed {
		s.lock.Unlock()
		return
	}
	s.destroyed = true

	var conns []*serverConn
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.peers = map[string]struct{}{}
	s.lock.Unlock()

	s.unsubscribe()
	leave, err := s.encode(roomMessage{Type: msgLeave})
	for _, c := range conns {
		if err == nil {
			c.enqueue(leave)
		}
		c.close()
	}

	s.cancel()
	s.wg.Wait()
	metrics.SetPeersConnected(0)
	log.WithField("room", s.opts.Room).Info("Left room")
}

// IsDestroyed returns whether Destroy was called.
func (s *Session) IsDestroyed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.destroyed
}

// run keeps a connection to the signaling server at `url` open.
func (s *Session) run(url string) {
	defer s.wg.Done()

	for {
		ws, _, err := s.opts.Dialer.DialContext(s.ctx, url, nil)
		if err != nil {
			log.WithError(err).WithField("url", url).Debug(
				"Failed to connect to signaling server. Will retry.")
		} else {
			s.serve(url, ws)
		}

		select {
		case <-s.ctx.Done():
			return
		case <-s.opts.Clock.After(reconnectTimeout):
		}
	}
}

func (s *Session) serve(url string, ws *websocket.Conn) {
	c := &serverConn{
		url:  url,
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	s.lock.Lock()
	if s.destroyed {
		s.lock.Unlock()
		ws.Close()
		return
	}
	s.conns[url] = c
	s.lock.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop(s.opts.Clock)
	}()

	defer func() {
		s.lock.Lock()
		if s.conns[url] == c {
			delete(s.conns, url)
		}
		s.lock.Unlock()
		c.close()
	}()

	go func() {
		select {
		case <-s.ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	subscribe, _ := json.Marshal(signaling.Message{
		Type:   signaling.Subscribe,
		Topics: []string{s.opts.Room},
	})
	c.enqueue(subscribe)
	s.sendTo(c, roomMessage{Type: msgAnnounce, Version: ProtocolVersion})
	s.sendAwareness(c, "")
	log.WithField("url", url).Debug("Connected to signaling server")

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			log.WithError(err).WithField("url", url).Debug("Signaling connection closed")
			return
		}
		s.handle(c, raw)
	}
}

func (s *Session) handle(c *serverConn, raw []byte) {
	var msg signaling.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.WithError(err).Debug("Ignoring malformed signaling message")
		return
	}

	if msg.Type != signaling.Publish || msg.Topic != s.opts.Room {
		return
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.WithError(err).Debug("Ignoring malformed room message")
		return
	}

	if s.opts.FilterBcConns && env.From == s.id {
		return
	}

	room, err := unwrap(env, s.key)
	if err != nil {
		log.WithError(err).WithField("from", env.From).Debug("Ignoring room message")
		return
	}
	metrics.RecordPeerMessage("in", string(room.Type))

	from := env.From
	if from == s.id || (room.To != "" && room.To != s.id) {
		return
	}

	switch room.Type {
	case msgAnnounce:
		if !compatible(room.Version) {
			log.WithField("from", from).WithField("version", room.Version).Warn(
				"Ignoring peer with an incompatible protocol version")
			return
		}

		if !s.addPeer(from) {
			return
		}

		state := s.doc.EncodeStateAsUpdate()
		s.sendTo(c, roomMessage{Type: msgUpdate, To: from, Update: &state})
		s.sendAwareness(c, from)
		if room.To == "" {
			s.sendTo(c, roomMessage{Type: msgAnnounce, To: from, Version: ProtocolVersion})
		}
	case msgUpdate:
		if room.Update == nil || (room.To == "" && !s.isPeer(from)) {
			return
		}

		origin := RemoteOrigin{Peer: from, Server: c.url}
		if err := s.doc.ApplyUpdate(*room.Update, origin); err != nil {
			log.WithError(err).Debug("Failed to apply update")
		}
	case msgAwareness:
		s.opts.Awareness.apply(from, room.Clock, room.State)
	case msgLeave:
		s.removePeer(from)
		s.opts.Awareness.remove(from)
	}
}

// addPeer returns whether `peer` is a peer, adding it if there's room.
func (s *Session) addPeer(peer string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.peers[peer]; ok {
		return true
	}

	if len(s.peers) >= s.opts.MaxConns {
		log.WithField("peer", peer).Debug("At connection capacity. Ignoring peer.")
		return false
	}

	s.peers[peer] = struct{}{}
	metrics.SetPeersConnected(len(s.peers))
	log.WithField("peer", peer).Debug("Connected to peer")
	return true
}

func (s *Session) removePeer(peer string) {
	s.lock.Lock()
	defer s.lock.Unlock()

	delete(s.peers, peer)
	metrics.SetPeersConnected(len(s.peers))
}

func (s *Session) isPeer(peer string) bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, ok := s.peers[peer]
	return ok
}

// onDocUpdate gossips document changes. Updates merged from a peer are only
// relayed to the other signaling servers.
func (s *Session) onDocUpdate(u crdt.Update, origin interface{}) {
	var except string
	if remote, ok := origin.(RemoteOrigin); ok {
		except = remote.Server
	}

	msg := roomMessage{Type: msgUpdate, Update: &u}
	for _, c := range s.connections() {
		if c.url != except {
			s.sendTo(c, msg)
		}
	}
}

func (s *Session) awarenessLoop() {
	defer s.wg.Done()

	ticker := s.opts.Clock.NewTicker(awarenessRenew)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.opts.Awareness.changed:
		case <-ticker.Chan():
			for _, client := range s.opts.Awareness.expire() {
				log.WithField("peer", client).Debug("Awareness state expired")
			}
		}

		for _, c := range s.connections() {
			s.sendAwareness(c, "")
		}
	}
}

func (s *Session) sendAwareness(c *serverConn, to string) {
	state, clock := s.opts.Awareness.local()
	if state == nil && clock == 0 {
		return
	}
	s.sendTo(c, roomMessage{Type: msgAwareness, To: to, Clock: clock, State: state})
}

func (s *Session) connections() []*serverConn {
	s.lock.Lock()
	defer s.lock.Unlock()

	var conns []*serverConn
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Session) encode(msg roomMessage) ([]byte, error) {
	data, err := wrap(s.id, s.key, msg)
	if err != nil {
		return nil, err
	}

	return json.Marshal(signaling.Message{
		Type:  signaling.Publish,
		Topic: s.opts.Room,
		Data:  data,
	})
}

func (s *Session) sendTo(c *serverConn, msg roomMessage) {
	raw, err := s.encode(msg)
	if err != nil {
		log.WithError(err).WithField("type", msg.Type).Warn("Failed to encode room message")
		return
	}

	metrics.RecordPeerMessage("out", string(msg.Type))
	c.enqueue(raw)
}

// serverConn is a connection to a signaling server. Only writeLoop writes to
// the websocket.
type serverConn struct {
	url  string
	ws   *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (c *serverConn) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		log.WithField("url", c.url).Warn("Signaling connection is backed up. Dropping message.")
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *serverConn) writeLoop(clock clockwork.Clock) {
	defer c.ws.Close()

	ticker := clock.NewTicker(pingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(signaling.Message{Type: signaling.Ping})
	for {
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.Chan():
			if err := c.write(ping); err != nil {
				c.close()
				return
			}
		case <-c.done:
			// Flush what's already queued, such as a leave message.
			for {
				select {
				case msg := <-c.send:
					if err := c.write(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *serverConn) write(msg []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		log.WithError(err).WithField("url", c.url).Debug("Failed to write to signaling server")
		return err
	}
	return nil
}
