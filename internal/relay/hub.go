package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"shiplive/native/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	module = "relay"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBuffer     = 256
	maxMessageSize = 1 << 20

	eventJoinRoom  = "join_room"
	eventLeaveRoom = "leave_room"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// envelope is the frame clients exchange through the relay.
type envelope struct {
	Event string          `json:"event"`
	Room  domain.RoomID   `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// peer is one websocket connection.
type peer struct {
	id   string
	user string
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub tracks room membership and fans frames out to the other members of a room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[*peer]struct{}
	peers  map[*peer]struct{}
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[domain.RoomID]map[*peer]struct{}),
		peers: make(map[*peer]struct{}),
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("module", module).Err(err).Msg("websocket upgrade")
		return
	}

	p := &peer{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	if c, ok := ClaimsFrom(r.Context()); ok {
		p.user = c.UserID
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	log.Info().Str("module", module).Str("peer", p.id).Str("user", p.user).Msg("peer connected")

	go p.writePump()
	p.readPump()
}

// Members returns how many peers are in room.
func (h *Hub) Members(room domain.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) join(p *peer, room domain.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*peer]struct{})
		h.rooms[room] = members
	}
	members[p] = struct{}{}
}

func (h *Hub) leave(p *peer, room domain.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(p, room)
}

func (h *Hub) leaveLocked(p *peer, room domain.RoomID) {
	members := h.rooms[room]
	delete(members, p)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// drop removes p from every room. Once it returns no broadcast can reach p.send.
func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	for room := range h.rooms {
		h.leaveLocked(p, room)
	}
	delete(h.peers, p)
	h.mu.Unlock()
	close(p.send)
}

func (h *Hub) broadcast(room domain.RoomID, frame []byte, from *peer) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.rooms[room] {
		if p == from {
			continue
		}
		select {
		case p.send <- frame:
		default:
			log.Warn().Str("module", module).Str("peer", p.id).Msg("send buffer full, frame dropped")
		}
	}
}

// Close disconnects every peer. The read pumps then unregister them.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.ws.Close()
	}
}

func (p *peer) readPump() {
	defer func() {
		p.hub.drop(p)
		p.ws.Close()
		log.Info().Str("module", module).Str("peer", p.id).Msg("peer disconnected")
	}()

	p.ws.SetReadLimit(maxMessageSize)
	p.ws.SetReadDeadline(time.Now().Add(pongWait))
	p.ws.SetPongHandler(func(string) error {
		return p.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Str("module", module).Str("peer", p.id).Err(err).Msg("read")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			log.Warn().Str("module", module).Str("peer", p.id).Err(err).Msg("malformed frame")
			continue
		}
		room, err := domain.NormalizeRoomID(string(env.Room))
		if err != nil {
			log.Warn().Str("module", module).Str("peer", p.id).Str("event", env.Event).Msg("frame without room")
			continue
		}

		switch env.Event {
		case eventJoinRoom:
			p.hub.join(p, room)
			log.Debug().Str("module", module).Str("peer", p.id).Str("room", string(room)).Msg("joined")
		case eventLeaveRoom:
			p.hub.leave(p, room)
			log.Debug().Str("module", module).Str("peer", p.id).Str("room", string(room)).Msg("left")
		default:
			p.hub.broadcast(room, frame, p)
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-p.send:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				p.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn().Str("module", module).Str("peer", p.id).Err(err).Msg("write")
				return
			}
		case <-ticker.C:
			p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
