package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amurg-ai/agentwire/pkg/protocol"
	"github.com/amurg-ai/agentwire/relay/internal/store"
)

const (
	// wsPingInterval is how often the relay sends websocket pings.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	wsWriteWait = 10 * time.Second

	maxFrameBytes = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; the bearer token is the access check.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamConn is one agent's open mailbox stream.
type streamConn struct {
	address string
	conn    *websocket.Conn

	mu   sync.Mutex // guards writes and sent
	sent map[string]bool
}

// push writes an envelope frame unless it was already pushed on this
// connection.
func (c *streamConn) push(e protocol.StoredEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sent[e.UUID] {
		return nil
	}
	c.sent[e.UUID] = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(protocol.StreamFrame{Type: protocol.FrameEnvelope, UUID: e.UUID, Envelope: &e})
}

// startKeepalive sets a read deadline refreshed by pongs and pings the peer
// periodically. The returned function stops the pinger.
func (c *streamConn) startKeepalive() (cancel func()) {
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
				c.mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// streams tracks open streams by agent address.
type streams struct {
	mu     sync.RWMutex
	byAddr map[string]map[*streamConn]struct{}
}

func newStreams() *streams {
	return &streams{byAddr: make(map[string]map[*streamConn]struct{})}
}

func (s *streams) add(c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.byAddr[c.address]
	if !ok {
		set = make(map[*streamConn]struct{})
		s.byAddr[c.address] = set
	}
	set[c] = struct{}{}
}

func (s *streams) remove(c *streamConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.byAddr[c.address]
	delete(set, c)
	if len(set) == 0 {
		delete(s.byAddr, c.address)
	}
}

func (s *streams) notify(address string, e protocol.StoredEnvelope) {
	s.mu.RLock()
	conns := make([]*streamConn, 0, len(s.byAddr[address]))
	for c := range s.byAddr[address] {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		_ = c.push(e)
	}
}

func (s *streams) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, set := range s.byAddr {
		n += len(set)
	}
	return n
}

// handleStream pushes pending and newly submitted envelopes to the agent and
// deletes each one the agent acks.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	address := addressFromContext(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("mailbox websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()
	conn.SetReadLimit(maxFrameBytes)

	sc := &streamConn{address: address, conn: conn, sent: make(map[string]bool)}
	s.streams.add(sc)
	defer s.streams.remove(sc)
	stop := sc.startKeepalive()
	defer stop()

	log := s.logger.With("address", address)
	log.Info("mailbox stream opened")

	ctx := context.Background()
	pending, err := s.store.ListEnvelopes(ctx, address, s.maxPerMailbox)
	if err != nil {
		log.Error("list pending envelopes failed", "error", err)
		return
	}
	for _, e := range pending {
		if err := sc.push(e.Stored()); err != nil {
			log.Warn("push pending envelope failed", "error", err)
			return
		}
	}

	for {
		var frame protocol.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			log.Info("mailbox stream closed", "reason", err)
			return
		}
		if frame.Type != protocol.FrameAck {
			continue
		}
		err := s.store.DeleteEnvelope(ctx, address, frame.UUID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("delete acked envelope failed", "uuid", frame.UUID, "error", err)
		}
	}
}
