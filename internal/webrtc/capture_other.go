//go:build !linux

package webrtc

import (
	"errors"

	pion "github.com/pion/webrtc/v4"
)

var errNoCapture = errors.New("device capture is only supported on linux")

// noCapture negotiates the default codecs but cannot open local devices.
type noCapture struct{}

func newDeviceCapture() (capturer, error) {
	return noCapture{}, nil
}

func (noCapture) populate(me *pion.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (noCapture) open(profile) ([]localTrack, error) {
	return nil, errNoCapture
}
