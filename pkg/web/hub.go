package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/fidiego/proxylite/pkg/flow"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     checkOrigin,
}

// checkOrigin admits non-browser clients (no Origin header), the UI served
// by this server, and pages served from loopback addresses. Any other page
// must not read captured traffic.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return isLoopback(u.Hostname())
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

const writeWait = 10 * time.Second

// message is what websocket clients receive for every store event.
type message struct {
	Type flow.EventType `json:"type"`
	Flow *flowSummary   `json:"flow,omitempty"`
}

// hub fans store events out to websocket clients. A client that cannot keep
// up is disconnected.
type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *logrus.Entry
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func newHub(log *logrus.Entry) *hub {
	return &hub{clients: make(map[*client]struct{}), log: log}
}

// run forwards store events until ctx ends, then disconnects every client.
func (h *hub) run(ctx context.Context, store *flow.Store) {
	events := store.Subscribe()
	defer store.Unsubscribe(events)
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			msg := message{Type: evt.Type}
			if evt.Type != flow.EventReset {
				sum := summarize(evt.Record)
				msg.Flow = &sum
			}
			data, err := json.Marshal(msg)
			if err != nil {
				h.log.Warnf("Failed to encode event: %v", err)
				continue
			}
			h.broadcast(data)
		}
	}
}

func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.add(c)
	go h.writePump(c)
	go h.readPump(c)
}

func (h *hub) writePump(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// readPump discards client messages and notices disconnects.
func (h *hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
