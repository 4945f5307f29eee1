package webrtc

import (
	"context"
	"fmt"
	"time"

	"shiplive/native/internal/domain"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const module = "webrtc"

// DefaultSTUN is the public STUN server used when none is configured. No TURN
// relay is configured, so peers behind symmetric NATs may fail to connect.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Config holds the peer connection settings.
type Config struct {
	STUNURLs []string
}

type capturer interface {
	populate(me *pion.MediaEngine) error
	open(p profile) ([]localTrack, error)
}

// Manager acquires local media and builds one peer connection per call attempt.
type Manager struct {
	api        *pion.API
	iceServers []pion.ICEServer
	capture    capturer
}

// NewManager creates a manager backed by the local camera and microphone.
func NewManager(cfg Config) (*Manager, error) {
	c, err := newDeviceCapture()
	if err != nil {
		return nil, err
	}
	return newManager(cfg, c)
}

func newManager(cfg Config, c capturer) (*Manager, error) {
	me := &pion.MediaEngine{}
	if err := c.populate(me); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := registerInterceptors(me, reg); err != nil {
		return nil, err
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	urls := cfg.STUNURLs
	if len(urls) == 0 {
		urls = []string{DefaultSTUN}
	}

	return &Manager{
		api: pion.NewAPI(
			pion.WithMediaEngine(me),
			pion.WithInterceptorRegistry(reg),
			pion.WithSettingEngine(se),
		),
		iceServers: []pion.ICEServer{{URLs: urls}},
		capture:    c,
	}, nil
}

// registerInterceptors installs NACK and RTCP report handling.
func registerInterceptors(me *pion.MediaEngine, reg *interceptor.Registry) error {
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return fmt.Errorf("create nack responder: %w", err)
	}
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return fmt.Errorf("create nack generator: %w", err)
	}
	me.RegisterFeedback(pion.RTCPFeedback{Type: "nack"}, pion.RTPCodecTypeVideo)
	me.RegisterFeedback(pion.RTCPFeedback{Type: "nack", Parameter: "pli"}, pion.RTPCodecTypeVideo)
	reg.Add(responder)
	reg.Add(generator)

	receiver, err := report.NewReceiverInterceptor()
	if err != nil {
		return fmt.Errorf("create receiver report: %w", err)
	}
	sender, err := report.NewSenderInterceptor()
	if err != nil {
		return fmt.Errorf("create sender report: %w", err)
	}
	reg.Add(receiver)
	reg.Add(sender)
	return nil
}

// AcquireLocalMedia captures camera and microphone, trying the high resolution
// constraints first, then reduced, then audio only.
func (m *Manager) AcquireLocalMedia(ctx context.Context) (domain.LocalMedia, error) {
	var lastErr error
	for _, p := range profiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracks, err := m.capture.open(p)
		if err != nil {
			log.Warn().Str("module", module).Str("profile", p.label).Err(err).Msg("capture failed")
			lastErr = err
			continue
		}
		log.Info().Str("module", module).Str("profile", p.label).Int("tracks", len(tracks)).Msg("local media captured")
		return &LocalMedia{tracks: tracks, profile: p.label}, nil
	}
	return nil, fmt.Errorf("acquire local media: %w: %v", domain.ErrMediaAccess, lastErr)
}

// NewPeer creates a fresh peer connection sending local's tracks. Media kinds
// without a local track are received only.
func (m *Manager) NewPeer(local domain.LocalMedia, events domain.PeerEvents) (domain.Peer, error) {
	pc, err := m.api.NewPeerConnection(pion.Configuration{
		ICEServers:   m.iceServers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := newPeer(pc, events)
	if err := p.addMedia(local); err != nil {
		_ = pc.Close()
		return nil, err
	}
	return p, nil
}
