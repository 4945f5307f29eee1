package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"shiplive/native/internal/call"
	"shiplive/native/internal/chat"
	"shiplive/native/internal/domain"

	"github.com/rs/zerolog/log"
)

const module = "conversation"

// CallControl is the part of the call machine a conversation needs on close.
type CallControl interface {
	Snapshot() call.Snapshot
	Hangup(ctx context.Context, room domain.RoomID) error
}

// Service owns the order conversations of one application session. The
// chat_message binding it installs lives as long as the channel.
type Service struct {
	ch     domain.Channel
	api    domain.MessageAPI
	sender domain.Sender
	calls  CallControl

	mu    sync.Mutex
	rooms map[domain.RoomID]*Conversation
}

// New creates a service writing messages as sender.
func New(ch domain.Channel, api domain.MessageAPI, sender domain.Sender) *Service {
	return &Service{
		ch:     ch,
		api:    api,
		sender: sender,
		rooms:  make(map[domain.RoomID]*Conversation),
	}
}

// SetCalls completes the circular dependency with the call machine, which
// records call_end entries through the service.
func (s *Service) SetCalls(c CallControl) {
	s.calls = c
}

// Open joins the room of orderID and starts routing its live messages.
// Opening an order that is already open returns the same conversation.
func (s *Service) Open(ctx context.Context, orderID string) (*Conversation, error) {
	room, err := domain.NormalizeRoomID(orderID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c, ok := s.rooms[room]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	if err := s.ch.Connect(ctx); err != nil {
		return nil, fmt.Errorf("open %s: %w", room, err)
	}
	if s.ch.On(domain.EventChatMessage, s.onChatMessage) {
		log.Debug().Str("module", module).Msg("chat_message bound")
	}
	if err := s.ch.JoinRoom(room); err != nil {
		return nil, fmt.Errorf("join %s: %w", room, err)
	}

	c := &Conversation{
		room:  room,
		store: chat.NewStore(room, s.sender, s.api, s.ch),
		svc:   s,
	}
	s.mu.Lock()
	if existing, ok := s.rooms[room]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.rooms[room] = c
	s.mu.Unlock()

	log.Info().Str("module", module).Str("room", string(room)).Msg("conversation opened")
	return c, nil
}

// RecordCallEnd stores the call_end entry for room, even when its
// conversation has been closed meanwhile.
func (s *Service) RecordCallEnd(ctx context.Context, room domain.RoomID, d time.Duration) error {
	s.mu.Lock()
	c, ok := s.rooms[room]
	s.mu.Unlock()

	store := chat.NewStore(room, s.sender, s.api, s.ch)
	if ok {
		store = c.store
	}
	_, err := store.SendCallEnd(ctx, d)
	return err
}

func (s *Service) onChatMessage(room domain.RoomID, data json.RawMessage) {
	var msg domain.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Str("module", module).Err(err).Msg("malformed chat_message")
		return
	}
	if msg.OrderID == "" {
		msg.OrderID = room.OrderID()
	}
	target, err := msg.Room()
	if err != nil {
		log.Warn().Str("module", module).Err(err).Msg("chat_message without room")
		return
	}

	s.mu.Lock()
	c, ok := s.rooms[target]
	s.mu.Unlock()
	if !ok {
		log.Debug().Str("module", module).Str("room", string(target)).Msg("chat_message for closed conversation")
		return
	}
	c.store.OnIncoming(msg)
}

// Conversation is one open order room.
type Conversation struct {
	room  domain.RoomID
	store *chat.Store
	svc   *Service

	closeOnce sync.Once
}

// Room returns the canonical room id.
func (c *Conversation) Room() domain.RoomID { return c.room }

// Store returns the chat log of the room.
func (c *Conversation) Store() *chat.Store { return c.store }

// Close ends any call on the room, stops routing its messages and leaves
// the room. The channel's chat_message binding stays in place.
func (c *Conversation) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		s := c.svc
		if s.calls != nil {
			snap := s.calls.Snapshot()
			if snap.Room == c.room && snap.State != domain.CallIdle {
				if herr := s.calls.Hangup(ctx, c.room); herr != nil {
					log.Warn().Str("module", module).Err(herr).Msg("hangup on close")
				}
			}
		}

		s.mu.Lock()
		delete(s.rooms, c.room)
		s.mu.Unlock()

		err = s.ch.LeaveRoom(c.room)
		log.Info().Str("module", module).Str("room", string(c.room)).Msg("conversation closed")
	})
	return err
}
