// Package broadcast streams rounds to WebSocket subscribers.
package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"

	"github.com/pingsantohq/tcpping/pkg/types"
)

const (
	writeWait   = 5 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = pongWait * 9 / 10
	clientQueue = 32
)

// Message is the JSON frame sent for each round.
type Message struct {
	Kind      int32    `json:"kind"`
	Version   int32    `json:"version"`
	Timestamp int32    `json:"ts"`
	Targets   []string `json:"targets"`
	Values    []int32  `json:"values"`
}

func NewMessage(round types.Round) Message {
	return Message{
		Kind:      round.Row.Kind(),
		Version:   round.Row.Version(),
		Timestamp: round.Row.Timestamp(),
		Targets:   round.Targets,
		Values:    round.Row.Values(),
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans rounds out to connected clients. New clients first receive the
// rounds still held in the recent cache, keyed by publish order since several
// rounds can share a timestamp second.
type Hub struct {
	upgrader websocket.Upgrader
	recent   *ttlcache.Cache[uint64, []byte]
	seq      uint64
	logger   *log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type Option func(*Hub)

// WithHistory keeps rounds for ttl, at most capacity of them.
func WithHistory(ttl time.Duration, capacity uint64) Option {
	return func(h *Hub) {
		h.recent = ttlcache.New(
			ttlcache.WithTTL[uint64, []byte](ttl),
			ttlcache.WithCapacity[uint64, []byte](capacity),
		)
	}
}

func WithLogger(l *log.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithOriginCheck overrides the default same-origin policy.
func WithOriginCheck(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  log.New(io.Discard),
		clients: make(map[*client]struct{}),
	}
	WithHistory(10*time.Minute, 256)(h)
	for _, opt := range opts {
		opt(h)
	}
	go h.recent.Start()
	return h
}

func (h *Hub) Name() string { return "broadcast" }

// Send publishes rounds to every client. Clients that cannot keep up are
// disconnected instead of slowing the caller down.
func (h *Hub) Send(ctx context.Context, rounds []types.Round) error {
	for _, round := range rounds {
		payload, err := json.Marshal(NewMessage(round))
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.seq++
		h.recent.Set(h.seq, payload, ttlcache.DefaultTTL)
		for c := range h.clients {
			select {
			case c.send <- payload:
			default:
				h.logger.Warn("dropping slow websocket client", "remote", c.conn.RemoteAddr())
				h.removeLocked(c)
			}
		}
		h.mu.Unlock()
	}
	return nil
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientQueue)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	for _, payload := range h.history() {
		select {
		case c.send <- payload:
		default:
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())
	go h.writePump(c)
	h.readPump(c)
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.recent.Stop()
	return nil
}

// history returns the newest cached rounds in publish order.
func (h *Hub) history() [][]byte {
	items := h.recent.Items()
	keys := make([]uint64, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) > clientQueue {
		keys = keys[len(keys)-clientQueue:]
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, items[k].Value())
	}
	return out
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
