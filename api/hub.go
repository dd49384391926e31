/*
hub.go - Websocket stream of live tallies

PURPOSE:
  Lets read clients follow subjects without polling. A client connects to
  /api/ws and sends:

    {"type": "subscribe",   "subject_id": "post-1"}
    {"type": "unsubscribe", "subject_id": "post-1"}

  and receives {"type": "tally", "subject_id", "upvotes", "downvotes",
  "score", "version"} frames: one with the current counters right after
  subscribing, then one per applied reaction.

DELIVERY:
  Best effort. Tallies come from reaction.Broker after the store commits.
  Frames for one subject are forwarded in increasing version order; stale or
  repeated versions are skipped, and a slow client may miss intermediate
  versions but never sees counters go backwards.
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lucsky/cuid"
	"go.uber.org/zap"

	"github.com/algosocial/reaction-ledger/reaction"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 64
)

// Hub tracks websocket clients and their subject subscriptions.
type Hub struct {
	broker   *reaction.Broker
	view     *reaction.View
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*wsClient
}

// NewHub creates a hub. An empty origins list accepts any origin.
func NewHub(broker *reaction.Broker, view *reaction.View, origins []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		broker:  broker,
		view:    view,
		log:     logger.Named("hub"),
		clients: make(map[string]*wsClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || len(allowed) == 0 || allowed["*"] || allowed[origin]
	}
}

type wsClient struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan WSMessage

	// ctx ends when the connection closes.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[reaction.SubjectID]*reaction.Subscription
}

// ServeWS upgrades the connection and serves the client until it leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		id:     cuid.New(),
		hub:    h,
		conn:   conn,
		send:   make(chan WSMessage, clientBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[reaction.SubjectID]*reaction.Subscription),
	}
	h.register(c)
	h.log.Debug("client connected", zap.String("client_id", c.id))

	go c.writePump()
	c.readPump()

	c.shutdown()
	h.unregister(c)
	h.log.Debug("client disconnected", zap.String("client_id", c.id))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.id)
}

// =============================================================================
// CLIENT
// =============================================================================

func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.hub.log.Debug("websocket read ended", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MsgTypeSubscribe:
			if msg.SubjectID == "" {
				c.enqueue(WSMessage{Type: MsgTypeError, Error: "subject_id required"})
				continue
			}
			c.subscribe(reaction.SubjectID(msg.SubjectID))
		case MsgTypeUnsubscribe:
			c.unsubscribe(reaction.SubjectID(msg.SubjectID))
		default:
			c.enqueue(WSMessage{Type: MsgTypeError, Error: "unknown message type " + msg.Type})
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue never blocks. A full buffer drops the frame.
func (c *wsClient) enqueue(msg WSMessage) {
	select {
	case <-c.ctx.Done():
	case c.send <- msg:
	default:
		c.hub.log.Debug("client buffer full, dropping frame", zap.String("client_id", c.id))
	}
}

func (c *wsClient) subscribe(id reaction.SubjectID) {
	c.mu.Lock()
	if _, ok := c.subs[id]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.hub.broker.Subscribe(id)
	c.subs[id] = sub
	c.mu.Unlock()

	go c.forward(sub)
}

func (c *wsClient) unsubscribe(id reaction.SubjectID) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward sends the current counters, then every newer tally.
func (c *wsClient) forward(sub *reaction.Subscription) {
	var last int64 = -1

	agg, err := c.hub.view.Aggregate(c.ctx, sub.SubjectID(), "")
	if err != nil {
		c.enqueue(WSMessage{Type: MsgTypeError, SubjectID: string(sub.SubjectID()), Error: err.Error()})
	} else {
		last = agg.Version
		c.enqueue(tallyMessage(agg.Tally()))
	}

	for t := range sub.C {
		if t.Version <= last {
			continue
		}
		last = t.Version
		c.enqueue(tallyMessage(t))
	}
}

func (c *wsClient) shutdown() {
	c.cancel()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[reaction.SubjectID]*reaction.Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
