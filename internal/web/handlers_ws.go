package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"xteink-flasher/internal/flasher"
	"xteink-flasher/internal/steps"
)

// EventSnapshot is the first message on a new WebSocket connection. It lets a
// client that joins mid-workflow render the step list before the next update.
const EventSnapshot = "snapshot"

const (
	clientSendBuffer = 64
	writeTimeout     = 10 * time.Second
)

// wsFrame is an encoded event. Progress frames may be skipped for a client
// that cannot keep up; the next update carries the same step state.
type wsFrame struct {
	data     []byte
	progress bool
}

type wsClient struct {
	addr    string
	send    chan []byte
	skipped int
}

// WSHub fans flasher events out to WebSocket clients. A client whose buffer
// is full loses progress frames first and is dropped only when it would miss
// a status change.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsFrame

	done     chan struct{}
	stopOnce sync.Once
}

// NewWSHub creates a hub. Call Run to start delivering.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsFrame, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub loop. It owns client registration and send channels.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client joined", "addr", c.addr, "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client left", "addr", c.addr, "clients", n)

		case f := <-h.broadcast:
			h.deliver(f)
		}
	}
}

func (h *WSHub) deliver(f wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- f.data:
			continue
		default:
		}
		if f.progress {
			c.skipped++
			continue
		}
		h.drop(c)
		h.logger.Warn("ws client evicted (too slow)", "addr", c.addr, "skipped_progress", c.skipped)
	}
}

// drop must be called with mu held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// join registers c unless the hub is shutting down.
func (h *WSHub) join(c *wsClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) leave(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues event for every client. It never blocks, so it is safe to
// call from an event handler on the workflow goroutine.
func (h *WSHub) Broadcast(event flasher.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "type", event.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- wsFrame{data: data, progress: isProgressOnly(event)}:
	default:
		h.logger.Warn("ws broadcast queue full, dropping event", "type", event.Type)
	}
}

func isProgressOnly(event flasher.Event) bool {
	u, ok := event.Data.(flasher.StepUpdate)
	return ok && u.Step.Status == steps.StatusRunning && u.Step.Progress != nil
}

func (s *Server) snapshotMessage() ([]byte, error) {
	return json.Marshal(flasher.Event{
		Type: EventSnapshot,
		Data: stateResponse{State: s.fl.State(), Steps: s.fl.Steps()},
	})
}

// handleWS streams the snapshot and then every flasher event. The stream is
// one-way: CloseRead discards anything the client sends.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4096)

	client := &wsClient{addr: r.RemoteAddr, send: make(chan []byte, clientSendBuffer)}
	if snap, err := s.snapshotMessage(); err == nil {
		client.send <- snap
	} else {
		s.logger.Error("ws snapshot", "err", err)
	}

	if !s.wsHub.join(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.leave(client)

	ctx := conn.CloseRead(context.Background())
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.send:
			if !ok {
				// hub stopped or evicted the client
				conn.Close(websocket.StatusGoingAway, "")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				s.logger.Debug("ws write", "addr", client.addr, "err", err)
				return
			}
		}
	}
}
