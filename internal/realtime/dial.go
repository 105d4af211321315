package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned after Close
var ErrConnClosed = errors.New("realtime connection closed")

// DialOptions configures the client side of the channel
type DialOptions struct {
	Logger *slog.Logger
	// ConnectTimeout bounds the websocket handshake
	ConnectTimeout time.Duration
	Header         http.Header
	EventBuffer    int
}

// Conn is the client side of the realtime channel. It remembers the rooms it
// joined so they can be re-joined after a reconnect; missed events are not replayed.
type Conn struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *slog.Logger

	mu      sync.Mutex
	ws      *websocket.Conn
	lost    chan struct{}
	rooms   map[string]struct{}
	closed  bool
	writeMu sync.Mutex

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// Dial connects to the realtime endpoint
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Conn{
		url:    url,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.ConnectTimeout},
		header: opts.Header,
		logger: opts.Logger,
		rooms:  make(map[string]struct{}),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Conn) connect(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect realtime channel: %w", err)
	}

	lost := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrConnClosed
	}
	c.ws = ws
	c.lost = lost
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(ws, lost)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn, lost chan struct{}) {
	defer c.wg.Done()
	defer close(lost)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.logger.Debug("Realtime connection read ended", slog.String("error", err.Error()))
			return
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			c.logger.Warn("Malformed realtime event", slog.String("error", err.Error()))
			continue
		}

		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// Events delivers decoded server events. It is closed by Close.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Lost is closed when the current underlying connection drops
func (c *Conn) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// Join subscribes to events for importID
func (c *Conn) Join(importID string) error {
	c.mu.Lock()
	c.rooms[importID] = struct{}{}
	c.mu.Unlock()

	return c.write(Message{Event: EventJoinRoom, Data: importID})
}

// Leave unsubscribes from importID
func (c *Conn) Leave(importID string) error {
	c.mu.Lock()
	delete(c.rooms, importID)
	c.mu.Unlock()

	return c.write(Message{Event: EventLeaveRoom, Data: importID})
}

// Rooms returns the tracked rooms, sorted
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Reconnect replaces the underlying connection and re-joins every tracked room
func (c *Conn) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	old := c.ws
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}

	if err := c.connect(ctx); err != nil {
		return err
	}
	return c.Rejoin()
}

// Rejoin sends join-import-room for every tracked room
func (c *Conn) Rejoin() error {
	var errs []error
	for _, room := range c.Rooms() {
		if err := c.write(Message{Event: EventJoinRoom, Data: room}); err != nil {
			errs = append(errs, fmt.Errorf("rejoin %s: %w", room, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Conn) write(msg Message) error {
	c.mu.Lock()
	ws, closed := c.ws, c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Event, err)
	}
	return nil
}

// Close shuts the connection and closes Events
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	close(c.done)
	var err error
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = ws.Close()
	}
	c.wg.Wait()
	close(c.events)
	return err
}
