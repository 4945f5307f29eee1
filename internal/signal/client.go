package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"shiplive/native/internal/domain"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	module = "signal"

	writeWait   = 10 * time.Second
	sendBuffer  = 256
	maxReadSize = 1 << 20

	eventJoinRoom  = "join_room"
	eventLeaveRoom = "leave_room"
)

// envelope is the frame exchanged with the messaging gateway.
type envelope struct {
	Event string          `json:"event"`
	Room  domain.RoomID   `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Options configure the channel client.
type Options struct {
	URL          string
	Token        string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func (o *Options) setDefaults() {
	if o.ReconnectMin <= 0 {
		o.ReconnectMin = 500 * time.Millisecond
	}
	if o.ReconnectMax < o.ReconnectMin {
		o.ReconnectMax = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
}

// Client is the shared realtime channel of one application session. It keeps a
// single websocket to the gateway, replays room joins after every reconnect and
// owns the registry of bound event names.
type Client struct {
	opts Options

	dialMu  sync.Mutex
	running bool

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	rooms    map[domain.RoomID]struct{}
	handlers map[string]domain.EventHandler
	watchers map[int]func(domain.ConnStatus)
	nextID   int

	// ctx is cancelled by Close and aborts reconnect dials in flight.
	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a channel client. Nothing is dialed until Connect.
func NewClient(opts Options) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		rooms:    make(map[domain.RoomID]struct{}),
		handlers: make(map[string]domain.EventHandler),
		watchers: make(map[int]func(domain.ConnStatus)),
		closed:   make(chan struct{}),
	}
}

// Connect dials the gateway and starts serving the connection. It is a no-op
// while a connection (or its reconnect loop) is already running.
func (c *Client) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("connect: %w: client closed", domain.ErrTransport)
	default:
	}
	if c.running {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.running = true
	go c.run(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	log.Debug().Str("module", module).Str("url", c.opts.URL).Msg("dialing gateway")
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w: %w", domain.ErrTransport, err)
	}
	conn.SetReadLimit(maxReadSize)
	return conn, nil
}

// run serves conn until it drops, then redials with backoff until Close.
func (c *Client) run(conn *websocket.Conn) {
	bo := newBackoff(c.opts.ReconnectMin, c.opts.ReconnectMax)
	for {
		c.serve(conn)

		for {
			select {
			case <-c.closed:
				return
			case <-time.After(bo.next()):
			}
			var err error
			conn, err = c.dial(c.ctx)
			if err == nil {
				bo.reset()
				break
			}
			log.Warn().Str("module", module).Err(err).Msg("reconnect failed")
		}
	}
}

func (c *Client) serve(conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		conn.Close()
		return
	default:
	}
	c.conn = conn
	c.send = send
	for room := range c.rooms {
		if err := c.enqueueLocked(eventJoinRoom, room, nil); err != nil {
			log.Warn().Str("module", module).Str("room", string(room)).Err(err).Msg("rejoin failed")
		}
	}
	c.mu.Unlock()

	log.Info().Str("module", module).Msg("connected")
	c.notify(domain.StatusConnected)

	go c.writePump(conn, send, done)
	c.readPump(conn)
	close(done)

	c.mu.Lock()
	c.conn = nil
	c.send = nil
	c.mu.Unlock()
	conn.Close()

	log.Warn().Str("module", module).Msg("disconnected")
	c.notify(domain.StatusDisconnected)
}

func (c *Client) readPump(conn *websocket.Conn) {
	wait := 2 * c.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Warn().Str("module", module).Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", module).Err(err).Msg("unmarshal error")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case frame := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Str("module", module).Err(err).Msg("write error")
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Str("module", module).Err(err).Msg("ping error")
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) dispatch(env envelope) {
	c.mu.Lock()
	h, ok := c.handlers[env.Event]
	c.mu.Unlock()

	if !ok {
		log.Debug().Str("module", module).Str("event", env.Event).Msg("no handler bound")
		return
	}
	h(env.Room, env.Data)
}

// JoinRoom adds room to the joined set. Rooms already joined are not joined
// again; the whole set is replayed after each reconnect.
func (c *Client) JoinRoom(room domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[room]; ok {
		return nil
	}
	c.rooms[room] = struct{}{}
	if c.send == nil {
		return nil
	}
	return c.enqueueLocked(eventJoinRoom, room, nil)
}

// LeaveRoom removes room from the joined set.
func (c *Client) LeaveRoom(room domain.RoomID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return nil
	}
	delete(c.rooms, room)
	if c.send == nil {
		return nil
	}
	return c.enqueueLocked(eventLeaveRoom, room, nil)
}

// Publish sends event to room without waiting for delivery. Nothing is queued
// while the channel is down.
func (c *Client) Publish(room domain.RoomID, event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.send == nil {
		return fmt.Errorf("publish %s: %w", event, domain.ErrNotConnected)
	}
	return c.enqueueLocked(event, room, data)
}

func (c *Client) enqueueLocked(event string, room domain.RoomID, data any) error {
	frame, err := encode(event, room, data)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		log.Debug().Str("module", module).Str("event", event).Str("room", string(room)).Msg(">>>")
		return nil
	default:
		return fmt.Errorf("publish %s: %w: send buffer full", event, domain.ErrTransport)
	}
}

func encode(event string, room domain.RoomID, data any) ([]byte, error) {
	env := envelope{Event: event, Room: room}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// On binds handler to event. An event that is already bound keeps its handler
// and On returns false.
func (c *Client) On(event string, handler domain.EventHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.handlers[event]; ok {
		return false
	}
	c.handlers[event] = handler
	return true
}

// Off unbinds event.
func (c *Client) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// Bound reports whether a handler is bound to event.
func (c *Client) Bound(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[event]
	return ok
}

// OnStatus registers fn for connection status changes.
func (c *Client) OnStatus(fn func(domain.ConnStatus)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

func (c *Client) notify(status domain.ConnStatus) {
	c.mu.Lock()
	fns := make([]func(domain.ConnStatus), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Close stops reconnecting and shuts down the current connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}
