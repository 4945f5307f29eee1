package chat

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"shiplive/native/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const module = "chat"

// Store is the chat log of one order room. Every mutation goes through Merge.
type Store struct {
	room   domain.RoomID
	sender domain.Sender
	api    domain.MessageAPI
	pub    domain.Publisher
	now    func() time.Time

	mu        sync.Mutex
	log       []domain.ChatMessage
	failed    map[string]domain.ChatMessage
	listeners []chan domain.ChatMessage
}

// NewStore creates the log for room. Outgoing messages are written as sender.
func NewStore(room domain.RoomID, sender domain.Sender, api domain.MessageAPI, pub domain.Publisher) *Store {
	return &Store{
		room:   room,
		sender: sender,
		api:    api,
		pub:    pub,
		now:    time.Now,
		failed: make(map[string]domain.ChatMessage),
	}
}

// Room returns the room the store belongs to.
func (s *Store) Room() domain.RoomID { return s.room }

// Messages returns a snapshot of the ordered log.
func (s *Store) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.log))
	copy(out, s.log)
	return out
}

// LoadHistory fetches the stored history and makes it the base of the log.
// Messages that arrived live before the history are folded back in.
func (s *Store) LoadHistory(ctx context.Context) ([]domain.ChatMessage, error) {
	hist, err := s.api.History(ctx, s.room.OrderID())
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", s.room, err)
	}

	s.mu.Lock()
	prev := s.log
	s.log = Merge(Merge(nil, hist...), prev...)
	added := s.diffLocked(prev)
	out := make([]domain.ChatMessage, len(s.log))
	copy(out, s.log)
	s.mu.Unlock()

	log.Debug().Str("module", module).Str("room", string(s.room)).Int("count", len(hist)).Msg("history loaded")
	s.notify(added)
	return out, nil
}

// OnIncoming merges a live message. Messages for other rooms, invalid
// messages and duplicates are ignored. It reports whether the log changed.
func (s *Store) OnIncoming(msg domain.ChatMessage) bool {
	if err := msg.Validate(); err != nil {
		log.Warn().Str("module", module).Err(err).Msg("dropping incoming message")
		return false
	}
	if room, _ := msg.Room(); room != s.room {
		return false
	}
	return s.merge(msg)
}

// Send persists msg through the REST collaborator, then appends it to the log
// and publishes it on the channel. When persistence fails the log is left
// untouched and the message is kept for Resend.
func (s *Store) Send(ctx context.Context, msg domain.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	if err := s.api.PostMessage(ctx, msg); err != nil {
		s.mu.Lock()
		s.failed[msg.ID] = msg
		s.mu.Unlock()
		return fmt.Errorf("send %s: %w: %w", msg.ID, domain.ErrPersistence, err)
	}

	s.mu.Lock()
	delete(s.failed, msg.ID)
	s.mu.Unlock()

	s.merge(msg)
	if err := s.pub.Publish(s.room, domain.EventChatMessage, msg); err != nil {
		log.Warn().Str("module", module).Str("id", msg.ID).Err(err).Msg("publish chat message")
	}
	return nil
}

// Resend retries a message whose earlier Send failed, keeping its id.
func (s *Store) Resend(ctx context.Context, id string) error {
	s.mu.Lock()
	msg, ok := s.failed[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("resend %s: %w", id, domain.ErrNotFound)
	}
	return s.Send(ctx, msg)
}

// Failed returns the messages waiting for Resend.
func (s *Store) Failed() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, 0, len(s.failed))
	for _, m := range s.failed {
		out = append(out, m)
	}
	return Merge(nil, out...)
}

// SendText sends a text message.
func (s *Store) SendText(ctx context.Context, text string) (domain.ChatMessage, error) {
	msg := s.newMessage(domain.MessageText)
	msg.Content = strings.TrimSpace(text)
	return msg, s.Send(ctx, msg)
}

// SendFile uploads r and sends an image or audio message pointing at it.
func (s *Store) SendFile(ctx context.Context, name string, r io.Reader) (domain.ChatMessage, error) {
	kind := FileKind(name)
	url, err := s.api.UploadFile(ctx, name, r)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("upload %s: %w: %w", name, domain.ErrPersistence, err)
	}
	msg := s.newMessage(kind)
	msg.FileURL = url
	return msg, s.Send(ctx, msg)
}

// SendCallEnd records a finished call of length d.
func (s *Store) SendCallEnd(ctx context.Context, d time.Duration) (domain.ChatMessage, error) {
	msg := s.newMessage(domain.MessageCallEnd)
	msg.Content = domain.FormatCallDuration(d)
	return msg, s.Send(ctx, msg)
}

func (s *Store) newMessage(t domain.MessageType) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        uuid.NewString(),
		OrderID:   s.room.OrderID(),
		Sender:    s.sender,
		Type:      t,
		CreatedAt: s.now().UTC(),
	}
}

// FileKind picks the message type for an attachment by extension.
func FileKind(name string) domain.MessageType {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3", ".m4a", ".aac", ".wav", ".ogg", ".opus", ".webm":
		return domain.MessageAudio
	default:
		return domain.MessageImage
	}
}

func (s *Store) merge(msg domain.ChatMessage) bool {
	s.mu.Lock()
	prev := s.log
	s.log = Merge(prev, msg)
	changed := len(s.log) != len(prev)
	s.mu.Unlock()

	if changed {
		s.notify([]domain.ChatMessage{msg})
	}
	return changed
}

// diffLocked returns the entries of s.log whose ids are not in prev.
func (s *Store) diffLocked(prev []domain.ChatMessage) []domain.ChatMessage {
	known := make(map[string]struct{}, len(prev))
	for _, m := range prev {
		known[m.ID] = struct{}{}
	}
	var added []domain.ChatMessage
	for _, m := range s.log {
		if _, ok := known[m.ID]; !ok {
			added = append(added, m)
		}
	}
	return added
}

// Subscribe returns a channel that receives messages as they enter the log.
func (s *Store) Subscribe() <-chan domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan domain.ChatMessage, 32)
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (s *Store) Unsubscribe(ch <-chan domain.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(l)
			return
		}
	}
}

func (s *Store) notify(msgs []domain.ChatMessage) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		for _, l := range s.listeners {
			select {
			case l <- m:
			default:
				log.Warn().Str("module", module).Str("id", m.ID).Msg("listener full, dropping update")
			}
		}
	}
}
