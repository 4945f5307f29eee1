package webrtc

import (
	"sync"

	pion "github.com/pion/webrtc/v4"
)

// localTrack is a captured camera or microphone track.
type localTrack interface {
	ID() string
	Kind() pion.RTPCodecType
	Close() error
}

// profile is one capture constraint set, tried in order until one succeeds.
type profile struct {
	label    string
	video    bool
	minWidth int
	width    int
	height   int
}

var profiles = []profile{
	{label: "high", video: true, minWidth: 1280, width: 1280, height: 720},
	{label: "reduced", video: true, width: 640, height: 480},
	{label: "audio-only"},
}

// LocalMedia is the set of local tracks captured for one call.
type LocalMedia struct {
	tracks  []localTrack
	profile string

	once sync.Once
}

// Profile names the constraint set the media was captured with.
func (m *LocalMedia) Profile() string { return m.profile }

// HasVideo reports whether a camera track was captured.
func (m *LocalMedia) HasVideo() bool {
	for _, t := range m.tracks {
		if t.Kind() == pion.RTPCodecTypeVideo {
			return true
		}
	}
	return false
}

// Release stops every local track. Later calls do nothing.
func (m *LocalMedia) Release() {
	m.once.Do(func() {
		for _, t := range m.tracks {
			_ = t.Close()
		}
		m.tracks = nil
	})
}
