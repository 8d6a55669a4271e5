// Package hub relays the managed terminal's events to websocket clients and
// feeds client keystrokes and resizes back through callbacks. It never
// touches the session directly, so the session keeps exclusive ownership of
// its pty handle.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const defaultBatchInterval = 16 * time.Millisecond

type Hub struct {
	clients    map[string]*Client
	register   chan *clientRegistration
	unregister chan *Client
	broadcast  chan []byte
	onInput    func(data string)
	onResize   func(cols, rows int)
	token      string
	mu         sync.RWMutex

	// Snapshot of the session for late-joining clients. The session's event
	// streams drop events fired before a subscription existed, so the hub
	// replays what it last saw instead.
	stateMu   sync.RWMutex
	lastTitle string
	lastPid   int
	exitCode  *int

	coalescer *coalescer
	ctxWrap   *ctxWrapper
	running   atomic.Bool
}

type ctxWrapper struct {
	ctx context.Context
}

type clientRegistration struct {
	client  *Client
	initial [][]byte
}

func New(token string, onInput func(data string), onResize func(cols, rows int)) *Hub {
	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *clientRegistration, 16),
		unregister: make(chan *Client, 16),
		broadcast:  make(chan []byte, 256),
		onInput:    onInput,
		onResize:   onResize,
		token:      token,
		ctxWrap:    &ctxWrapper{ctx: context.Background()},
	}
	h.coalescer = newCoalescer(defaultBatchInterval, func(text string) {
		h.sendJSON(DataMessage{Type: "data", Data: text})
	})
	return h
}

func (h *Hub) getContext() context.Context {
	if h.ctxWrap != nil {
		return h.ctxWrap.ctx
	}
	return context.Background()
}

func (h *Hub) Run(ctx context.Context) {
	h.ctxWrap = &ctxWrapper{ctx: ctx}
	h.running.Store(true)
	defer h.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			h.coalescer.Flush()
			h.mu.Lock()
			for _, c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[string]*Client)
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.mu.Lock()
			h.clients[reg.client.id] = reg.client
			h.mu.Unlock()
			for _, msg := range reg.initial {
				select {
				case reg.client.send <- msg:
				default:
				}
			}
			go reg.client.writePump(h.getContext())
			go reg.client.readPump(h.getContext())
			log.Printf("client connected: %s (total: %d)", reg.client.id, h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("client disconnected: %s (total: %d)", client.id, h.ClientCount())

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
					log.Printf("client %s send buffer full, dropping message", c.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || token != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept error: %v", err)
		return
	}

	client := newClient(conn, h)

	select {
	case h.register <- &clientRegistration{client: client, initial: h.snapshotMessages()}:
	default:
		log.Printf("hub not accepting connections")
		conn.Close(websocket.StatusTryAgainLater, "server busy")
	}
}

// snapshotMessages builds the catch-up messages a new client receives before
// any live broadcast. A message still queued in the broadcast channel at
// registration time can reach the client twice, once here and once live;
// every snapshot message is an idempotent state update, so the duplicate is
// harmless.
func (h *Hub) snapshotMessages() [][]byte {
	h.stateMu.RLock()
	defer h.stateMu.RUnlock()

	var msgs [][]byte
	appendMsg := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		msgs = append(msgs, data)
	}
	if h.lastPid > 0 {
		appendMsg(PidMessage{Type: "pid", Pid: h.lastPid})
	}
	if h.lastTitle != "" {
		appendMsg(TitleMessage{Type: "title", Title: h.lastTitle})
	}
	if h.exitCode != nil {
		appendMsg(ExitMessage{Type: "exit", Code: *h.exitCode})
	}
	return msgs
}

// BroadcastData queues a terminal output chunk; chunks are coalesced per
// batch interval.
func (h *Hub) BroadcastData(text string) {
	h.coalescer.Add(text)
}

func (h *Hub) BroadcastTitle(title string) {
	h.stateMu.Lock()
	h.lastTitle = title
	h.stateMu.Unlock()
	h.sendJSON(TitleMessage{Type: "title", Title: title})
}

func (h *Hub) BroadcastPid(pid int) {
	h.stateMu.Lock()
	h.lastPid = pid
	h.stateMu.Unlock()
	h.sendJSON(PidMessage{Type: "pid", Pid: pid})
}

// BroadcastExit flushes any coalesced output first so clients never observe
// data after the exit message.
func (h *Hub) BroadcastExit(code int) {
	h.coalescer.Flush()
	h.stateMu.Lock()
	h.exitCode = &code
	h.stateMu.Unlock()
	h.sendJSON(ExitMessage{Type: "exit", Code: code})
}

func (h *Hub) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("error marshaling message: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Printf("broadcast channel full, dropping message")
	}
}

func (h *Hub) SendError(client *Client, message string) {
	msg := ErrorMessage{Type: "error", Message: message}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("error marshaling error message: %v", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleInput(data string) {
	if h.onInput != nil {
		h.onInput(data)
	}
}

func (h *Hub) handleResize(cols, rows int) {
	if h.onResize != nil {
		h.onResize(cols, rows)
	}
}

func (h *Hub) isRunning() bool {
	return h.running.Load()
}

func (h *Hub) unregisterClient(c *Client) {
	if !h.isRunning() {
		c.conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	select {
	case h.unregister <- c:
	default:
		log.Printf("unregister channel full for client %s, forcing close", c.id)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}
}
