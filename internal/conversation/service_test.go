package conversation

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"shiplive/native/internal/call"
	"shiplive/native/internal/domain"
)

// mockChannel records joins and lets tests push events to bound handlers.
type mockChannel struct {
	mu        sync.Mutex
	connects  int
	joins     []domain.RoomID
	leaves    []domain.RoomID
	handlers  map[string]domain.EventHandler
	published []string
}

func newMockChannel() *mockChannel {
	return &mockChannel{handlers: map[string]domain.EventHandler{}}
}

func (m *mockChannel) Connect(context.Context) error {
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	return nil
}

func (m *mockChannel) JoinRoom(room domain.RoomID) error {
	m.mu.Lock()
	m.joins = append(m.joins, room)
	m.mu.Unlock()
	return nil
}

func (m *mockChannel) LeaveRoom(room domain.RoomID) error {
	m.mu.Lock()
	m.leaves = append(m.leaves, room)
	m.mu.Unlock()
	return nil
}

func (m *mockChannel) Publish(room domain.RoomID, event string, data any) error {
	m.mu.Lock()
	m.published = append(m.published, event)
	m.mu.Unlock()
	return nil
}

func (m *mockChannel) On(event string, h domain.EventHandler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[event]; ok {
		return false
	}
	m.handlers[event] = h
	return true
}

func (m *mockChannel) Off(event string) {
	m.mu.Lock()
	delete(m.handlers, event)
	m.mu.Unlock()
}

func (m *mockChannel) OnStatus(func(domain.ConnStatus)) func() { return func() {} }

func (m *mockChannel) push(t *testing.T, room domain.RoomID, msg domain.ChatMessage) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	m.mu.Lock()
	h := m.handlers[domain.EventChatMessage]
	m.mu.Unlock()
	if h == nil {
		t.Fatal("chat_message not bound")
	}
	h(room, raw)
}

// mockAPI serves per-order history and records posts.
type mockAPI struct {
	mu      sync.Mutex
	history map[string][]domain.ChatMessage
	posted  []domain.ChatMessage
}

func (m *mockAPI) History(ctx context.Context, orderID string) ([]domain.ChatMessage, error) {
	return m.history[orderID], nil
}

func (m *mockAPI) PostMessage(ctx context.Context, msg domain.ChatMessage) error {
	m.mu.Lock()
	m.posted = append(m.posted, msg)
	m.mu.Unlock()
	return nil
}

func (m *mockAPI) UploadFile(ctx context.Context, name string, r io.Reader) (string, error) {
	return "", nil
}

// mockCalls reports a fixed snapshot and records hangups.
type mockCalls struct {
	snap    call.Snapshot
	hangups []domain.RoomID
}

func (m *mockCalls) Snapshot() call.Snapshot { return m.snap }

func (m *mockCalls) Hangup(ctx context.Context, room domain.RoomID) error {
	m.hangups = append(m.hangups, room)
	return nil
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func text(id, order string, sec int) domain.ChatMessage {
	return domain.ChatMessage{
		ID: id, OrderID: order, Sender: domain.SenderShipper, Type: domain.MessageText,
		Content: id, CreatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func TestOpen_JoinsOnceAndBindsChat(t *testing.T) {
	ch := newMockChannel()
	svc := New(ch, &mockAPI{}, domain.SenderCustomer)

	a, err := svc.Open(context.Background(), "42")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	b, err := svc.Open(context.Background(), "order_42")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the same conversation for the normalized id")
	}
	if len(ch.joins) != 1 || ch.joins[0] != "order_42" {
		t.Errorf("joins = %v", ch.joins)
	}
	if _, ok := ch.handlers[domain.EventChatMessage]; !ok {
		t.Error("chat_message not bound")
	}
}

func TestOpen_RejectsEmptyOrder(t *testing.T) {
	svc := New(newMockChannel(), &mockAPI{}, domain.SenderCustomer)
	if _, err := svc.Open(context.Background(), " "); err == nil {
		t.Error("expected error for empty order id")
	}
}

func TestHistoryThenLiveMessages(t *testing.T) {
	ch := newMockChannel()
	api := &mockAPI{history: map[string][]domain.ChatMessage{
		"42": {text("m1", "42", 1), text("m2", "42", 2)},
	}}
	svc := New(ch, api, domain.SenderCustomer)

	conv, err := svc.Open(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conv.Store().LoadHistory(context.Background()); err != nil {
		t.Fatal(err)
	}

	ch.push(t, "order_42", text("m2", "42", 2))
	ch.push(t, "order_42", text("m3", "42", 3))
	ch.push(t, "order_43", text("x", "43", 4))

	var ids []string
	for _, m := range conv.Store().Messages() {
		ids = append(ids, m.ID)
	}
	if len(ids) != 3 || ids[0] != "m1" || ids[1] != "m2" || ids[2] != "m3" {
		t.Errorf("log = %v, want [m1 m2 m3]", ids)
	}
}

func TestClose_KeepsChatBindingAndHangsUp(t *testing.T) {
	ch := newMockChannel()
	calls := &mockCalls{snap: call.Snapshot{Room: "order_42", State: domain.CallActive}}
	svc := New(ch, &mockAPI{}, domain.SenderCustomer)
	svc.SetCalls(calls)

	conv, _ := svc.Open(context.Background(), "42")
	other, _ := svc.Open(context.Background(), "43")

	if err := other.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(calls.hangups) != 0 {
		t.Errorf("closing another room hung up %v", calls.hangups)
	}

	if err := conv.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = conv.Close(context.Background())

	if len(calls.hangups) != 1 || calls.hangups[0] != "order_42" {
		t.Errorf("hangups = %v", calls.hangups)
	}
	if len(ch.leaves) != 2 {
		t.Errorf("leaves = %v", ch.leaves)
	}
	if _, ok := ch.handlers[domain.EventChatMessage]; !ok {
		t.Error("chat_message binding removed on close")
	}

	// Reopening does not bind a second handler and routes again.
	again, _ := svc.Open(context.Background(), "42")
	ch.push(t, "order_42", text("n1", "42", 1))
	if len(again.Store().Messages()) != 1 {
		t.Error("reopened conversation did not receive live message")
	}
	if len(conv.Store().Messages()) != 0 {
		t.Error("closed conversation still receives messages")
	}
}

func TestRecordCallEnd_PersistsDurationMessage(t *testing.T) {
	ch := newMockChannel()
	api := &mockAPI{}
	svc := New(ch, api, domain.SenderShipper)
	conv, _ := svc.Open(context.Background(), "42")

	if err := svc.RecordCallEnd(context.Background(), "order_42", 125*time.Second); err != nil {
		t.Fatalf("RecordCallEnd: %v", err)
	}
	if len(api.posted) != 1 {
		t.Fatalf("posted %d messages", len(api.posted))
	}
	m := api.posted[0]
	if m.Type != domain.MessageCallEnd || m.Content != "2 phút 5 giây" || m.Sender != domain.SenderShipper {
		t.Errorf("unexpected call_end %+v", m)
	}
	if len(conv.Store().Messages()) != 1 {
		t.Error("call_end not in the open conversation's log")
	}

	if err := svc.RecordCallEnd(context.Background(), "order_99", time.Second); err != nil {
		t.Fatalf("RecordCallEnd for closed room: %v", err)
	}
	if len(api.posted) != 2 {
		t.Error("call_end for a closed conversation not persisted")
	}
}
