package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"torrentjobs/internal/domain"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsFrame is one encoded message plus what clients filter on.
type wsFrame struct {
	event   domain.EventType
	jobID   domain.JobID
	payload []byte
}

// wsFilter narrows the engine events a client receives. Zero value passes
// everything.
type wsFilter struct {
	types map[domain.EventType]struct{}
	job   domain.JobID
}

// parseWSFilter reads ?types=job_added,job_failed&job=<id>.
func parseWSFilter(r *http.Request) wsFilter {
	var f wsFilter
	q := r.URL.Query()
	for _, raw := range strings.Split(q.Get("types"), ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if f.types == nil {
			f.types = make(map[domain.EventType]struct{})
		}
		f.types[domain.EventType(raw)] = struct{}{}
	}
	f.job = domain.JobID(strings.ToLower(strings.TrimSpace(q.Get("job"))))
	return f
}

func (f wsFilter) accepts(fr wsFrame) bool {
	if fr.event == "" {
		return true
	}
	if f.types != nil {
		if _, ok := f.types[fr.event]; !ok {
			return false
		}
	}
	if f.job != "" && fr.jobID != f.job {
		return false
	}
	return true
}

type wsClient struct {
	hub    *wsHub
	conn   *websocket.Conn
	filter wsFilter
	send   chan []byte
}

// wsHub fans engine events out to websocket clients. All client bookkeeping
// happens on the run goroutine.
type wsHub struct {
	clients    map[*wsClient]struct{}
	count      atomic.Int64
	frames     chan wsFrame
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]struct{}),
		frames:     make(chan wsFrame, 64),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			h.disconnectAll()
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case fr := <-h.frames:
			for client := range h.clients {
				if !client.filter.accepts(fr) {
					continue
				}
				select {
				case client.send <- fr.payload:
				default:
					h.logger.Warn("ws client too slow, dropping")
					h.drop(client)
				}
			}
		}
	}
}

func (h *wsHub) drop(client *wsClient) {
	delete(h.clients, client)
	close(client.send)
	h.count.Store(int64(len(h.clients)))
}

func (h *wsHub) disconnectAll() {
	for client := range h.clients {
		if client.conn != nil {
			_ = client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(2*time.Second),
			)
		}
		h.drop(client)
	}
	h.logger.Debug("ws hub stopped")
}

// Close stops the hub and disconnects every client.
func (h *wsHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *wsHub) clientCount() int {
	return int(h.count.Load())
}

// Broadcast sends an unfiltered typed message to every client.
func (h *wsHub) Broadcast(msgType string, data interface{}) {
	h.enqueue(wsFrame{}, msgType, data)
}

// BroadcastEvent sends ev to the clients whose filter accepts it.
func (h *wsHub) BroadcastEvent(ev domain.Event) {
	h.enqueue(wsFrame{event: ev.Type, jobID: ev.JobID}, "event", ev)
}

// enqueue drops the message when nobody listens or the hub is backed up.
func (h *wsHub) enqueue(fr wsFrame, msgType string, data interface{}) {
	if h.clientCount() == 0 {
		return
	}
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	fr.payload = payload
	select {
	case h.frames <- fr:
	default:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only consumes control frames; clients never send data.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
