package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"findpharma-edge/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// Message types exchanged with client pages.
const (
	TypeHello        = "hello"
	TypeNavigate     = "navigate"
	TypeNotification = "notification"
	TypeController   = "controller"
	TypeFocus        = "focus"
	TypeOpen         = "open"
)

// Message is the JSON frame sent to and received from pages.
type Message struct {
	Type         string        `json:"type"`
	URL          string        `json:"url,omitempty"`
	Controller   string        `json:"controller,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Click is a notification click reported by the platform.
type Click struct {
	Action string         `json:"action"`
	URL    string         `json:"url"`
	Data   map[string]any `json:"data,omitempty"`
}

// Click outcomes.
const (
	OutcomeFocus = "focus"
	OutcomeOpen  = "open"
	OutcomeNone  = "none"
)

type ClickResult struct {
	Outcome  string `json:"outcome"`
	ClientID string `json:"client_id,omitempty"`
	URL      string `json:"url,omitempty"`
}

type ClientInfo struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Controller string    `json:"controller,omitempty"`
	Connected  time.Time `json:"connected"`
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	connected time.Time

	mu         sync.Mutex
	url        string
	controller string
}

func (c *client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{ID: c.id, URL: c.url, Controller: c.controller, Connected: c.connected}
}

// Hub tracks connected pages and the URL each one shows.
type Hub struct {
	settings Settings
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(settings Settings, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		settings: settings,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// ServeWS upgrades the request and registers the page. The initial URL may
// be given as ?url=; later hello/navigate frames update it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		connected: time.Now(),
		url:       normalizeURL(r.URL.Query().Get("url")),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Debug("client connected", zap.String("client", c.id), zap.String("url", c.url))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		switch m.Type {
		case TypeHello, TypeNavigate:
			c.mu.Lock()
			c.url = normalizeURL(m.URL)
			c.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *client) {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

// deliver queues msg for c. Slow clients drop frames rather than block.
func (h *Hub) deliver(c *client, msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		h.logger.Warn("client send buffer full, dropping frame", zap.String("client", c.id))
		return false
	}
}

func (h *Hub) broadcast(m Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if h.deliver(c, b) {
			n++
		}
	}
	return n
}

// Show delivers a notification to every connected page and returns how
// many received it.
func (h *Hub) Show(n Notification) int {
	delivered := h.broadcast(Message{Type: TypeNotification, Notification: &n})
	metrics.NotificationsShown.Inc()
	h.logger.Info("notification shown", zap.String("title", n.Title), zap.Int("clients", delivered))
	return delivered
}

// Push renders raw and shows it.
func (h *Hub) Push(raw []byte) Notification {
	n := Render(raw, h.settings)
	h.Show(n)
	return n
}

// Claim tells every page that controller now serves it.
func (h *Hub) Claim(_ context.Context, controller string) int {
	h.mu.RLock()
	for _, c := range h.clients {
		c.mu.Lock()
		c.controller = controller
		c.mu.Unlock()
	}
	h.mu.RUnlock()
	return h.broadcast(Message{Type: TypeController, Controller: controller})
}

// Click focuses a page already showing the target URL, or asks a page to
// open it. The "close" action only dismisses the notification.
func (h *Hub) Click(_ context.Context, c Click) (ClickResult, error) {
	if c.Action == "close" {
		return ClickResult{Outcome: OutcomeNone}, nil
	}
	target := c.URL
	if target == "" {
		if u, ok := c.Data["url"].(string); ok {
			target = u
		}
	}
	target = normalizeURL(target)

	h.mu.RLock()
	defer h.mu.RUnlock()

	var first *client
	for _, id := range h.sortedIDs() {
		cl := h.clients[id]
		if first == nil {
			first = cl
		}
		if cl.info().URL != target {
			continue
		}
		b, _ := json.Marshal(Message{Type: TypeFocus, URL: target})
		if h.deliver(cl, b) {
			return ClickResult{Outcome: OutcomeFocus, ClientID: cl.id, URL: target}, nil
		}
	}

	res := ClickResult{Outcome: OutcomeOpen, URL: target}
	if first != nil {
		b, _ := json.Marshal(Message{Type: TypeOpen, URL: target})
		if h.deliver(first, b) {
			res.ClientID = first.id
		}
	}
	return res, nil
}

// sortedIDs gives a stable iteration order; callers hold h.mu.
func (h *Hub) sortedIDs() []string {
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, id := range h.sortedIDs() {
		out = append(out, h.clients[id].info())
	}
	return out
}

// Close disconnects every page.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

// normalizeURL reduces a page URL to path plus query so absolute and
// relative forms compare equal.
func normalizeURL(raw string) string {
	if raw == "" {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.RequestURI()
}
