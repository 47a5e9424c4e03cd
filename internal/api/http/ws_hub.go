package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"streamgate/internal/hls"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 30 * time.Second
	wsMaxMessageSize = 512
)

// streamEvent is one task lifecycle change pushed to dashboard clients.
type streamEvent struct {
	Type string           `json:"type"`
	At   time.Time        `json:"at"`
	Task hls.TaskSnapshot `json:"task"`
}

// snapshotMessage greets a client on connect with the full engine state,
// so the dashboard renders without waiting for the next lifecycle event.
type snapshotMessage struct {
	Type     string       `json:"type"`
	At       time.Time    `json:"at"`
	Snapshot hls.Snapshot `json:"snapshot"`
}

type wsClient struct {
	hub  *wsHub
	conn *websocket.Conn
	send chan []byte
}

// wsHub fans task lifecycle events out to connected dashboard clients.
// The client set is owned by the run goroutine; the connection count is
// mirrored into an atomic for readers on other goroutines.
type wsHub struct {
	snapshot   func() hls.Snapshot
	clients    map[*wsClient]struct{}
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	count      atomic.Int64
	logger     *slog.Logger
}

func newWSHub(snapshot func() hls.Snapshot, logger *slog.Logger) *wsHub {
	return &wsHub{
		snapshot:   snapshot,
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, 64),
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
			for client := range h.clients {
				_ = client.conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(2*time.Second),
				)
				close(client.send)
				delete(h.clients, client)
			}
			h.count.Store(0)
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.greet(client)
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.count.Store(int64(len(h.clients)))
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case msg := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.count.Store(int64(len(h.clients)))
		}
	}
}

// greet queues the current engine snapshot for a newly registered client.
func (h *wsHub) greet(client *wsClient) {
	if h.snapshot == nil {
		return
	}
	payload, err := json.Marshal(snapshotMessage{
		Type:     "snapshot",
		At:       time.Now().UTC(),
		Snapshot: h.snapshot(),
	})
	if err != nil {
		h.logger.Error("ws snapshot marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *wsHub) Close() {
	close(h.done)
}

// clientCount is safe to call from any goroutine.
func (h *wsHub) clientCount() int {
	return int(h.count.Load())
}

// BroadcastTask pushes one task lifecycle event to all connected clients.
// A full broadcast queue drops the event; the dashboard resynchronizes
// from the snapshot greeting on its next connect.
func (h *wsHub) BroadcastTask(eventType string, task hls.TaskSnapshot) {
	if h.clientCount() == 0 {
		return
	}
	payload, err := json.Marshal(streamEvent{
		Type: eventType,
		At:   time.Now().UTC(),
		Task: task,
	})
	if err != nil {
		h.logger.Error("ws marshal failed", slog.String("error", err.Error()))
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsMaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
