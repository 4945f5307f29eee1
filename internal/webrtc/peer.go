package webrtc

import (
	"fmt"
	"strings"
	"sync"

	"shiplive/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// RemoteTrack describes one track received from the other side.
type RemoteTrack struct {
	ID    string
	Kind  string
	Codec string
}

// Peer wraps a Pion PeerConnection for one call attempt.
type Peer struct {
	pc     *pion.PeerConnection
	events domain.PeerEvents

	mu        sync.Mutex
	remoteSet bool
	pending   []domain.ICECandidatePayload
	remote    []RemoteTrack

	failOnce  sync.Once
	closeOnce sync.Once
}

func newPeer(pc *pion.PeerConnection, events domain.PeerEvents) *Peer {
	p := &Peer{pc: pc, events: events}

	pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			log.Debug().Str("module", module).Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			return
		}
		payload := domain.ICECandidatePayload{Candidate: init.Candidate}
		if init.SDPMid != nil {
			payload.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.SDPMLineIndex = int(*init.SDPMLineIndex)
		}
		if p.events.OnICECandidate != nil {
			p.events.OnICECandidate(payload)
		}
	})

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		rt := RemoteTrack{ID: track.ID(), Kind: track.Kind().String(), Codec: track.Codec().MimeType}
		log.Info().Str("module", module).Str("kind", rt.Kind).Str("codec", rt.Codec).Msg("remote track")

		p.mu.Lock()
		p.remote = append(p.remote, rt)
		p.mu.Unlock()

		if p.events.OnRemoteTrack != nil {
			p.events.OnRemoteTrack(rt.Kind, rt.Codec)
		}
		go drain(track)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("module", module).Str("state", state.String()).Msg("peer connection state")
		if state == pion.PeerConnectionStateFailed {
			p.failOnce.Do(func() {
				if p.events.OnFailed != nil {
					p.events.OnFailed()
				}
			})
		}
	})

	return p
}

// drain reads a remote track until it ends so the interceptors keep running.
func drain(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (p *Peer) addMedia(local domain.LocalMedia) error {
	sending := map[pion.RTPCodecType]bool{}
	if lm, ok := local.(*LocalMedia); ok && lm != nil {
		for _, t := range lm.tracks {
			tl, ok := t.(pion.TrackLocal)
			if !ok {
				continue
			}
			if _, err := p.pc.AddTrack(tl); err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			sending[t.Kind()] = true
		}
	}

	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		if sending[kind] {
			continue
		}
		_, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w: %w", domain.ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w: %w", domain.ErrNegotiation, err)
	}
	return domain.SDPPayload{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// CreateAnswer creates an SDP answer to the remote offer and sets it as the local description.
func (p *Peer) CreateAnswer() (domain.SDPPayload, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create answer: %w: %w", domain.ErrNegotiation, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w: %w", domain.ErrNegotiation, err)
	}
	return domain.SDPPayload{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// SetRemoteDescription applies the remote offer or answer and flushes buffered candidates.
func (p *Peer) SetRemoteDescription(sdp domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.NewSDPType(sdp.Type), SDP: sdp.SDP}
	if desc.Type == pion.SDPTypeUnknown {
		return fmt.Errorf("set remote description: %w: unknown sdp type %q", domain.ErrNegotiation, sdp.Type)
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w: %w", domain.ErrNegotiation, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.addCandidate(c); err != nil {
			log.Warn().Str("module", module).Err(err).Msg("buffered candidate rejected")
		}
	}
	return nil
}

// AddRemoteICECandidate adds a remote candidate. Candidates that arrive before
// the remote description are held until it is set.
func (p *Peer) AddRemoteICECandidate(candidate domain.ICECandidatePayload) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, candidate)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return p.addCandidate(candidate)
}

func (p *Peer) addCandidate(c domain.ICECandidatePayload) error {
	idx := uint16(c.SDPMLineIndex)
	init := pion.ICECandidateInit{Candidate: c.Candidate, SDPMLineIndex: &idx}
	if c.SDPMid != "" {
		init.SDPMid = &c.SDPMid
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w: %w", domain.ErrNegotiation, err)
	}
	return nil
}

// RemoteTracks returns the tracks received so far.
func (p *Peer) RemoteTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RemoteTrack, len(p.remote))
	copy(out, p.remote)
	return out
}

// Close shuts down the PeerConnection. Later calls do nothing.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
	})
	return err
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
