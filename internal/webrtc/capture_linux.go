//go:build linux

package webrtc

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// deviceCapture opens V4L2 cameras and ALSA/Pulse microphones, encoding VP8 and Opus.
type deviceCapture struct {
	selector *mediadevices.CodecSelector
}

func newDeviceCapture() (capturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &deviceCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *deviceCapture) populate(me *pion.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *deviceCapture) open(p profile) ([]localTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Audio: func(*mediadevices.MediaTrackConstraints) {},
	}
	if p.video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some webcams poison the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			mc.Width = prop.IntRanged{Min: p.minWidth, Max: p.width, Ideal: p.width}
			mc.Height = prop.IntRanged{Max: p.height, Ideal: p.height}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	var tracks []localTrack
	for _, t := range stream.GetTracks() {
		id := t.ID()
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Str("module", module).Str("track", id).Err(err).Msg("local track ended")
			}
		})
		tracks = append(tracks, t)
	}
	return tracks, nil
}
