package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"shiplive/native/internal/domain"

	"github.com/rs/zerolog/log"
)

const (
	module        = "call"
	inboxSize     = 64
	recordTimeout = 10 * time.Second
)

var (
	// ErrBusy is returned when a call is requested while another session exists.
	ErrBusy = errors.New("a call is already in progress")
	// ErrNoCall is returned when a command does not match the current session.
	ErrNoCall = errors.New("no matching call")

	errStopped = errors.New("call machine stopped")
)

// Recorder persists the call_end chat entry of a call that reached active.
type Recorder interface {
	RecordCallEnd(ctx context.Context, room domain.RoomID, d time.Duration) error
}

// Update is delivered to subscribers after every transition.
type Update struct {
	Room     domain.RoomID
	Role     domain.Role
	State    domain.CallState
	Notice   string
	Duration time.Duration
}

// Snapshot is the current session as seen from outside the loop.
type Snapshot struct {
	Room      domain.RoomID
	Role      domain.Role
	State     domain.CallState
	StartedAt time.Time
}

type op int

const (
	opInitiate op = iota
	opAccept
	opReject
	opHangup
)

type command struct {
	op    op
	room  domain.RoomID
	reply chan error
}

type remoteEvent struct{ ev domain.SignalingEvent }

type mediaResult struct {
	attempt uint64
	media   domain.LocalMedia
	err     error
}

type peerFailed struct{ attempt uint64 }

type remoteTrack struct {
	attempt     uint64
	kind, codec string
}

type connLost struct{}

// session is the single call this client takes part in. Only the loop touches it.
type session struct {
	attempt        uint64
	room           domain.RoomID
	role           domain.Role
	state          domain.CallState
	remoteAware    bool
	glare          bool
	remoteAccepted bool
	acquiring      bool
	released       bool
	local          domain.LocalMedia
	peer           domain.Peer
	startedAt      time.Time
}

// Machine drives call sessions. All transitions run on the goroutine started
// by Run; the exported methods post commands to it.
type Machine struct {
	ch    domain.Channel
	media domain.MediaManager
	rec   Recorder
	now   func() time.Time

	ctx      context.Context
	inbox    chan any
	stopping chan struct{}
	done     chan struct{}

	// postMu orders posts from callbacks against shutdown; stopped is set
	// once the inbox is no longer read.
	postMu  sync.RWMutex
	stopped bool
	// tasks tracks call_end writes; Run waits for them before returning.
	tasks sync.WaitGroup

	sess    *session
	attempt uint64

	mu        sync.Mutex
	snap      Snapshot
	listeners map[chan Update]struct{}
}

// New creates a machine and binds the signaling events on ch. rec may be nil.
func New(ch domain.Channel, media domain.MediaManager, rec Recorder) *Machine {
	m := &Machine{
		ch:        ch,
		media:     media,
		rec:       rec,
		now:       time.Now,
		ctx:       context.Background(),
		inbox:     make(chan any, inboxSize),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		snap:      Snapshot{State: domain.CallIdle},
		listeners: make(map[chan Update]struct{}),
	}

	for _, name := range EventNames {
		name := name
		if !ch.On(name, func(room domain.RoomID, data json.RawMessage) {
			ev, err := Decode(name, room, data)
			if err != nil {
				log.Warn().Str("module", module).Str("event", name).Err(err).Msg("dropping signaling event")
				return
			}
			m.post(remoteEvent{ev: ev})
		}) {
			log.Warn().Str("module", module).Str("event", name).Msg("event already bound")
		}
	}
	ch.OnStatus(func(s domain.ConnStatus) {
		if s == domain.StatusDisconnected {
			m.post(connLost{})
		}
	})
	return m
}

// Run processes events until ctx is cancelled. An open call is ended on exit,
// and Run returns only after pending call_end writes have finished.
func (m *Machine) Run(ctx context.Context) {
	m.ctx = ctx
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			if s := m.sess; s != nil {
				m.finish(s, endOpts{publish: s.remoteAware, notice: "shutting down"})
			}
			return
		case in := <-m.inbox:
			m.handle(in)
		}
	}
}

// Initiate starts an outgoing call on room.
func (m *Machine) Initiate(ctx context.Context, room domain.RoomID) error {
	return m.command(ctx, opInitiate, room)
}

// Accept answers the ringing call on room.
func (m *Machine) Accept(ctx context.Context, room domain.RoomID) error {
	return m.command(ctx, opAccept, room)
}

// Reject declines the ringing call on room.
func (m *Machine) Reject(ctx context.Context, room domain.RoomID) error {
	return m.command(ctx, opReject, room)
}

// Hangup ends the call on room. A ringing call is rejected.
func (m *Machine) Hangup(ctx context.Context, room domain.RoomID) error {
	return m.command(ctx, opHangup, room)
}

// Snapshot returns the current session state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe returns a channel of updates and a func that cancels it.
func (m *Machine) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 32)
	m.mu.Lock()
	m.listeners[ch] = struct{}{}
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if _, ok := m.listeners[ch]; ok {
			delete(m.listeners, ch)
			close(ch)
		}
		m.mu.Unlock()
	}
}

func (m *Machine) command(ctx context.Context, o op, room domain.RoomID) error {
	reply := make(chan error, 1)
	select {
	case m.inbox <- command{op: o, room: room, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopping:
		return errStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopping:
		return errStopped
	}
}

// post hands in to the loop. After shutdown it is discarded instead, so media
// acquired for a machine that stopped is still released.
func (m *Machine) post(in any) {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.stopped {
		discard(in)
		return
	}
	select {
	case m.inbox <- in:
	case <-m.stopping:
		discard(in)
	}
}

// shutdown stops accepting posts, drains the inbox and waits for call_end
// writes. Media acquisitions still in flight release their result in post.
func (m *Machine) shutdown() {
	close(m.stopping)
	m.postMu.Lock()
	m.stopped = true
	m.postMu.Unlock()

	for drained := false; !drained; {
		select {
		case in := <-m.inbox:
			discard(in)
		default:
			drained = true
		}
	}

	m.tasks.Wait()
	close(m.done)
}

func discard(in any) {
	switch v := in.(type) {
	case mediaResult:
		if v.media != nil {
			v.media.Release()
		}
	case command:
		v.reply <- errStopped
	}
}

func (m *Machine) handle(in any) {
	switch v := in.(type) {
	case command:
		v.reply <- m.handleCommand(v)
	case remoteEvent:
		m.handleRemote(v.ev)
	case mediaResult:
		m.handleMedia(v)
	case peerFailed:
		if s := m.sess; s != nil && s.attempt == v.attempt {
			m.fail(s, fmt.Errorf("peer connection: %w", domain.ErrNegotiation))
		}
	case remoteTrack:
		if s := m.sess; s != nil && s.attempt == v.attempt {
			m.emit(s, fmt.Sprintf("receiving %s (%s)", v.kind, v.codec), 0)
		}
	case connLost:
		if s := m.sess; s != nil {
			m.finish(s, endOpts{notice: "connection lost"})
		}
	}
}

func (m *Machine) handleCommand(c command) error {
	s := m.sess
	switch c.op {
	case opInitiate:
		if s != nil {
			return ErrBusy
		}
		s = m.newSession(c.room, domain.RoleCaller, domain.CallCalling)
		m.emit(s, "", 0)
		m.acquire(s)
		return nil

	case opAccept:
		if s == nil || s.room != c.room || s.state != domain.CallRinging {
			return ErrNoCall
		}
		s.state = domain.CallConnecting
		m.emit(s, "", 0)
		switch {
		case s.local != nil:
			m.startCallee(s)
		case !s.acquiring:
			m.acquire(s)
		}
		return nil

	case opReject:
		if s == nil || s.room != c.room || s.state != domain.CallRinging {
			return ErrNoCall
		}
		m.reject(s)
		return nil

	case opHangup:
		if s == nil || s.room != c.room {
			return ErrNoCall
		}
		if s.state == domain.CallRinging {
			m.reject(s)
			return nil
		}
		m.finish(s, endOpts{publish: s.remoteAware, record: true})
		return nil
	}
	return nil
}

func (m *Machine) handleRemote(ev domain.SignalingEvent) {
	if req, ok := ev.(domain.CallRequest); ok {
		m.onRequest(req)
		return
	}

	s := m.sess
	if s == nil || s.room != ev.Room() {
		log.Debug().Str("module", module).Str("event", ev.Name()).Str("room", string(ev.Room())).Msg("no session for event")
		return
	}

	switch e := ev.(type) {
	case domain.CallAccept:
		switch {
		case s.role == domain.RoleCaller && s.state == domain.CallCalling:
		case s.glare && s.state == domain.CallRinging:
			s.role = domain.RoleCaller
			s.state = domain.CallCalling
		default:
			m.ignore(s, ev)
			return
		}
		s.remoteAccepted = true
		if s.local != nil {
			m.startCaller(s)
		}

	case domain.CallReject:
		if s.state != domain.CallCalling {
			m.ignore(s, ev)
			return
		}
		m.finish(s, endOpts{notice: "call declined"})

	case domain.CallBusy:
		if s.state != domain.CallCalling {
			m.ignore(s, ev)
			return
		}
		m.finish(s, endOpts{notice: "the other side is busy"})

	case domain.Offer:
		if s.role != domain.RoleCallee || s.state != domain.CallConnecting || s.peer == nil {
			m.ignore(s, ev)
			return
		}
		if err := s.peer.SetRemoteDescription(e.SDP); err != nil {
			m.fail(s, err)
			return
		}
		answer, err := s.peer.CreateAnswer()
		if err != nil {
			m.fail(s, err)
			return
		}
		if err := m.publish(s, domain.Answer{RoomID: s.room, SDP: answer}); err != nil {
			m.finish(s, endOpts{notice: "connection lost"})
			return
		}
		m.activate(s)

	case domain.Answer:
		if s.role != domain.RoleCaller || s.state != domain.CallConnecting || s.peer == nil {
			m.ignore(s, ev)
			return
		}
		if err := s.peer.SetRemoteDescription(e.SDP); err != nil {
			m.fail(s, err)
			return
		}
		m.activate(s)

	case domain.ICECandidate:
		if s.peer == nil || (s.state != domain.CallConnecting && s.state != domain.CallActive) {
			m.ignore(s, ev)
			return
		}
		if err := s.peer.AddRemoteICECandidate(e.Candidate); err != nil {
			log.Warn().Str("module", module).Str("room", string(s.room)).Err(err).Msg("remote candidate rejected")
		}

	case domain.CallEnd:
		m.finish(s, endOpts{notice: "call ended by the other side"})
	}
}

func (m *Machine) onRequest(req domain.CallRequest) {
	s := m.sess
	switch {
	case s == nil:
		s = m.newSession(req.RoomID, domain.RoleCallee, domain.CallRinging)
		s.remoteAware = true
		m.emit(s, "incoming call", 0)

	case s.room == req.RoomID && s.role == domain.RoleCaller && s.state == domain.CallCalling:
		// Both sides called each other. Neither call wins; the first to accept becomes the callee.
		s.role = domain.RoleCallee
		s.state = domain.CallRinging
		s.remoteAware = true
		s.glare = true
		m.emit(s, "incoming call", 0)

	case s.room == req.RoomID && s.state == domain.CallRinging:
		log.Debug().Str("module", module).Str("room", string(req.RoomID)).Msg("duplicate call request")

	default:
		name, body := Encode(domain.CallBusy{RoomID: req.RoomID})
		if err := m.ch.Publish(req.RoomID, name, body); err != nil {
			log.Warn().Str("module", module).Str("room", string(req.RoomID)).Err(err).Msg("busy reply not sent")
		}
	}
}

func (m *Machine) handleMedia(r mediaResult) {
	s := m.sess
	if s == nil || s.attempt != r.attempt {
		if r.media != nil {
			r.media.Release()
		}
		return
	}
	s.acquiring = false
	if r.err != nil {
		m.finish(s, endOpts{publish: s.remoteAware, notice: "camera/microphone unavailable"})
		return
	}
	s.local = r.media

	switch {
	case s.role == domain.RoleCaller && s.state == domain.CallCalling:
		if s.remoteAccepted {
			m.startCaller(s)
			return
		}
		if s.remoteAware {
			return
		}
		if err := m.publish(s, domain.CallRequest{RoomID: s.room}); err != nil {
			m.finish(s, endOpts{notice: "could not reach the other side"})
			return
		}
		s.remoteAware = true

	case s.role == domain.RoleCallee && s.state == domain.CallConnecting:
		m.startCallee(s)
	}
}

func (m *Machine) startCaller(s *session) {
	s.state = domain.CallConnecting
	m.emit(s, "", 0)

	if err := m.openPeer(s); err != nil {
		m.fail(s, err)
		return
	}
	offer, err := s.peer.CreateOffer()
	if err != nil {
		m.fail(s, err)
		return
	}
	if err := m.publish(s, domain.Offer{RoomID: s.room, SDP: offer}); err != nil {
		m.finish(s, endOpts{notice: "connection lost"})
	}
}

func (m *Machine) startCallee(s *session) {
	if err := m.openPeer(s); err != nil {
		m.fail(s, err)
		return
	}
	if err := m.publish(s, domain.CallAccept{RoomID: s.room}); err != nil {
		m.finish(s, endOpts{notice: "connection lost"})
	}
}

func (m *Machine) openPeer(s *session) error {
	attempt, room := s.attempt, s.room
	peer, err := m.media.NewPeer(s.local, domain.PeerEvents{
		OnICECandidate: func(c domain.ICECandidatePayload) {
			name, body := Encode(domain.ICECandidate{RoomID: room, Candidate: c})
			if err := m.ch.Publish(room, name, body); err != nil {
				log.Debug().Str("module", module).Err(err).Msg("candidate not sent")
			}
		},
		OnRemoteTrack: func(kind, codec string) {
			m.post(remoteTrack{attempt: attempt, kind: kind, codec: codec})
		},
		OnFailed: func() {
			m.post(peerFailed{attempt: attempt})
		},
	})
	if err != nil {
		return fmt.Errorf("open peer: %w: %w", domain.ErrNegotiation, err)
	}
	s.peer = peer
	return nil
}

func (m *Machine) acquire(s *session) {
	s.acquiring = true
	attempt := s.attempt
	ctx := m.ctx
	go func() {
		media, err := m.media.AcquireLocalMedia(ctx)
		if err != nil {
			log.Warn().Str("module", module).Err(err).Msg("local media")
		}
		m.post(mediaResult{attempt: attempt, media: media, err: err})
	}()
}

func (m *Machine) activate(s *session) {
	s.state = domain.CallActive
	s.startedAt = m.now()
	m.emit(s, "", 0)
}

func (m *Machine) reject(s *session) {
	if err := m.publish(s, domain.CallReject{RoomID: s.room}); err != nil {
		log.Warn().Str("module", module).Err(err).Msg("reject not sent")
	}
	m.release(s)
	m.sess = nil
	s.state = domain.CallIdle
	m.emit(s, "call rejected", 0)
}

type endOpts struct {
	publish bool
	record  bool
	notice  string
}

// finish moves s to ended, releases its media and returns the machine to idle.
func (m *Machine) finish(s *session, o endOpts) {
	var dur time.Duration
	if !s.startedAt.IsZero() {
		dur = m.now().Sub(s.startedAt)
	}

	s.state = domain.CallEnded
	m.emit(s, o.notice, dur)
	m.release(s)

	if o.publish {
		if err := m.publish(s, domain.CallEnd{RoomID: s.room}); err != nil {
			log.Warn().Str("module", module).Err(err).Msg("end not sent")
		}
	}
	if o.record && !s.startedAt.IsZero() && m.rec != nil {
		room := s.room
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
			defer cancel()
			if err := m.rec.RecordCallEnd(ctx, room, dur); err != nil {
				log.Error().Str("module", module).Str("room", string(room)).Err(err).Msg("call_end not persisted")
			}
		}()
	}

	m.sess = nil
	s.state = domain.CallIdle
	m.emit(s, "", 0)
}

func (m *Machine) fail(s *session, err error) {
	log.Warn().Str("module", module).Str("room", string(s.room)).Err(err).Msg("call failed")
	m.finish(s, endOpts{publish: s.remoteAware, notice: "call failed"})
}

func (m *Machine) release(s *session) {
	if s.released {
		return
	}
	s.released = true
	if s.peer != nil {
		if err := s.peer.Close(); err != nil {
			log.Debug().Str("module", module).Err(err).Msg("close peer")
		}
	}
	if s.local != nil {
		s.local.Release()
	}
}

func (m *Machine) ignore(s *session, ev domain.SignalingEvent) {
	log.Debug().Str("module", module).Str("event", ev.Name()).Str("state", string(s.state)).Msg("out-of-order signaling event")
}

func (m *Machine) newSession(room domain.RoomID, role domain.Role, state domain.CallState) *session {
	m.attempt++
	s := &session{attempt: m.attempt, room: room, role: role, state: state}
	m.sess = s
	return s
}

func (m *Machine) publish(s *session, ev domain.SignalingEvent) error {
	name, body := Encode(ev)
	return m.ch.Publish(s.room, name, body)
}

func (m *Machine) emit(s *session, notice string, d time.Duration) {
	u := Update{Room: s.room, Role: s.role, State: s.state, Notice: notice, Duration: d}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.state == domain.CallIdle {
		m.snap = Snapshot{State: domain.CallIdle}
	} else {
		m.snap = Snapshot{Room: s.room, Role: s.role, State: s.state, StartedAt: s.startedAt}
	}
	for l := range m.listeners {
		select {
		case l <- u:
		default:
			log.Warn().Str("module", module).Msg("subscriber full, dropping update")
		}
	}
}
