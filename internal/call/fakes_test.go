package call

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"shiplive/native/internal/domain"
)

// bus connects fake channels in memory. Events reach every other channel
// that joined the room.
type bus struct {
	mu      sync.Mutex
	members []*fakeChannel
}

type published struct {
	room  domain.RoomID
	event string
}

type fakeChannel struct {
	bus *bus

	mu        sync.Mutex
	handlers  map[string]domain.EventHandler
	watchers  []func(domain.ConnStatus)
	rooms     map[domain.RoomID]bool
	blocked   map[string]bool
	published []published
	down      bool
}

func (b *bus) join(rooms ...domain.RoomID) *fakeChannel {
	c := &fakeChannel{
		bus:      b,
		handlers: map[string]domain.EventHandler{},
		rooms:    map[domain.RoomID]bool{},
		blocked:  map[string]bool{},
	}
	for _, r := range rooms {
		c.rooms[r] = true
	}
	b.mu.Lock()
	b.members = append(b.members, c)
	b.mu.Unlock()
	return c
}

func (c *fakeChannel) Connect(context.Context) error { return nil }

func (c *fakeChannel) JoinRoom(room domain.RoomID) error {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) LeaveRoom(room domain.RoomID) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Publish(room domain.RoomID, event string, data any) error {
	c.mu.Lock()
	if c.down {
		c.mu.Unlock()
		return domain.ErrNotConnected
	}
	c.published = append(c.published, published{room: room, event: event})
	c.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if c.bus == nil {
		return nil
	}
	c.bus.mu.Lock()
	members := append([]*fakeChannel(nil), c.bus.members...)
	c.bus.mu.Unlock()
	for _, other := range members {
		if other == c {
			continue
		}
		other.mu.Lock()
		h, bound := other.handlers[event]
		joined := other.rooms[room]
		blocked := other.blocked[event]
		other.mu.Unlock()
		if bound && joined && !blocked {
			h(room, raw)
		}
	}
	return nil
}

func (c *fakeChannel) On(event string, h domain.EventHandler) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[event]; ok {
		return false
	}
	c.handlers[event] = h
	return true
}

func (c *fakeChannel) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

func (c *fakeChannel) OnStatus(fn func(domain.ConnStatus)) func() {
	c.mu.Lock()
	c.watchers = append(c.watchers, fn)
	c.mu.Unlock()
	return func() {}
}

// block stops event from being delivered over the bus; deliver still works.
func (c *fakeChannel) block(event string) {
	c.mu.Lock()
	c.blocked[event] = true
	c.mu.Unlock()
}

func (c *fakeChannel) disconnect() {
	c.mu.Lock()
	c.down = true
	ws := slices.Clone(c.watchers)
	c.mu.Unlock()
	for _, fn := range ws {
		fn(domain.StatusDisconnected)
	}
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, p := range c.published {
		out = append(out, p.event)
	}
	return out
}

func (c *fakeChannel) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

// deliver hands a raw event to the channel's bound handler as if it came from the gateway.
func (c *fakeChannel) deliver(ev domain.SignalingEvent) {
	name, body := Encode(ev)
	raw, _ := json.Marshal(body)
	c.mu.Lock()
	h := c.handlers[name]
	c.mu.Unlock()
	if h != nil {
		h(ev.Room(), raw)
	}
}

// fakeLocal counts Release calls.
type fakeLocal struct{ releases int32 }

func (l *fakeLocal) Release() { atomic.AddInt32(&l.releases, 1) }

// fakePeer returns canned SDP and counts Close calls.
type fakePeer struct {
	mu         sync.Mutex
	closes     int
	remote     []domain.SDPPayload
	candidates int
	candErr    error
}

func (p *fakePeer) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (domain.SDPPayload, error) {
	return domain.SDPPayload{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(sdp domain.SDPPayload) error {
	p.mu.Lock()
	p.remote = append(p.remote, sdp)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) AddRemoteICECandidate(domain.ICECandidatePayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates++
	return p.candErr
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

// fakeMedia hands out fakeLocal/fakePeer values and remembers them. When gate
// is set, AcquireLocalMedia blocks until it is closed, ignoring ctx.
type fakeMedia struct {
	gate chan struct{}

	mu         sync.Mutex
	acquireErr error
	locals     []*fakeLocal
	peers      []*fakePeer
	candErr    error
	events     []domain.PeerEvents
}

func (f *fakeMedia) AcquireLocalMedia(ctx context.Context) (domain.LocalMedia, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	l := &fakeLocal{}
	f.locals = append(f.locals, l)
	return l, nil
}

func (f *fakeMedia) NewPeer(local domain.LocalMedia, ev domain.PeerEvents) (domain.Peer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{candErr: f.candErr}
	f.peers = append(f.peers, p)
	f.events = append(f.events, ev)
	return p, nil
}

func (f *fakeMedia) releases() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int32
	for _, l := range f.locals {
		out = append(out, atomic.LoadInt32(&l.releases))
	}
	return out
}

func (f *fakeMedia) closes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, p := range f.peers {
		p.mu.Lock()
		out = append(out, p.closes)
		p.mu.Unlock()
	}
	return out
}

// fakeRecorder reports every call_end through a channel after an optional delay.
type fakeRecorder struct {
	delay time.Duration
	ended chan time.Duration
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{ended: make(chan time.Duration, 4)} }

func (r *fakeRecorder) RecordCallEnd(ctx context.Context, room domain.RoomID, d time.Duration) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.ended <- d
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// party is one client: channel, media and running machine.
type party struct {
	ch    *fakeChannel
	media *fakeMedia
	rec   *fakeRecorder
	m     *Machine
}

func newParty(t *testing.T, b *bus, clock *fakeClock, rooms ...domain.RoomID) *party {
	t.Helper()
	p, cancel := startParty(b, clock, &fakeMedia{}, newFakeRecorder(), rooms...)
	t.Cleanup(cancel)
	return p
}

// startParty runs a machine and returns the func that stops it.
func startParty(b *bus, clock *fakeClock, media *fakeMedia, rec *fakeRecorder, rooms ...domain.RoomID) (*party, context.CancelFunc) {
	p := &party{ch: b.join(rooms...), media: media, rec: rec}
	p.m = New(p.ch, p.media, p.rec)
	if clock != nil {
		p.m.now = clock.now
	}
	ctx, cancel := context.WithCancel(context.Background())
	go p.m.Run(ctx)
	return p, cancel
}

// waitReleases waits until every acquired media was released and want were acquired.
func waitReleases(t *testing.T, f *fakeMedia, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := f.releases()
		ok := len(got) == want
		for _, n := range got {
			ok = ok && n == 1
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("media releases = %v, want %d acquisitions released once", got, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, m *Machine, want domain.CallState) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := m.Snapshot()
		if s.State == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitUpdate(t *testing.T, ch <-chan Update, want domain.CallState) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-ch:
			if u.State == want {
				return u
			}
		case <-timeout:
			t.Fatalf("no %s update", want)
			return Update{}
		}
	}
}

var errNoCamera = errors.New("no camera")
