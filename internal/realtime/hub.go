package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// HubOptions configures a Hub
type HubOptions struct {
	Logger       *slog.Logger
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
	// CheckOrigin decides whether a websocket upgrade is accepted
	CheckOrigin func(r *http.Request) bool
}

// Hub fans out job events to the clients that joined the job's room.
// Delivery is best-effort: a client whose queue is full is disconnected.
type Hub struct {
	logger       *slog.Logger
	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader

	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
}

// NewHub creates an empty hub
func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		logger:       opts.Logger,
		sendBuffer:   opts.SendBuffer,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		rooms:        make(map[string]map[*Client]struct{}),
		clients:      make(map[*Client]struct{}),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 64
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 5 * time.Second
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 30 * time.Second
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
	return h
}

// ServeWS upgrades the request and serves the client until it disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade websocket",
			slog.String("origin", r.Header.Get("Origin")),
			slog.String("error", err.Error()),
		)
		return
	}

	c := h.register(conn)
	h.logger.Info("Realtime client connected",
		slog.String("client_id", c.id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(conn *websocket.Conn) *Client {
	c := &Client{
		id:    uuid.New().String(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.sendBuffer),
		rooms: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Join subscribes c to room
func (h *Hub) Join(c *Client, room string) {
	if room == "" {
		return
	}

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.addRoom(room)
	h.mu.Unlock()

	h.logger.Debug("Client joined import room",
		slog.String("client_id", c.id),
		slog.String("import_id", room),
	)
}

// Leave unsubscribes c from room
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	h.leaveLocked(c, room)
	h.mu.Unlock()

	c.removeRoom(room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish sends msg to every member of room, in call order per client
func (h *Hub) Publish(room string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal realtime message",
			slog.String("event", msg.Event),
			slog.String("error", err.Error()),
		)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.rooms[room] {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("Dropping slow realtime client",
			slog.String("client_id", c.id),
			slog.String("import_id", room),
		)
		h.unregister(c)
	}
}

// CloseRoom removes every subscriber from room
func (h *Hub) CloseRoom(room string) {
	h.mu.Lock()
	members := h.rooms[room]
	delete(h.rooms, room)
	h.mu.Unlock()

	for c := range members {
		c.removeRoom(room)
	}
}

// RoomSize returns the number of subscribers of room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for _, room := range c.roomList() {
		h.leaveLocked(c, room)
	}
	h.mu.Unlock()

	c.close()
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.unregister(c)
	}
}
