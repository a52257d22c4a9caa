// Package media acquires local capture tracks for the producer role.
// Capability detection runs once at startup and selects either the
// device-backed source or an explicit unavailable stub.
package media

import (
	"context"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/arvoki/camlink/internal/core"
)

// Detect probes the capture drivers once and returns the source to use
// for the lifetime of the process.
func Detect() core.MediaSource {
	devices := mediadevices.EnumerateDevices()
	hasVideo := false
	for _, d := range devices {
		if d.Kind == mediadevices.VideoInput {
			hasVideo = true
			break
		}
	}
	if !hasVideo {
		log.Warn().Str("module", "media").Msg("no video input device, media capture unavailable")
		return Unavailable{}
	}
	log.Info().Str("module", "media").Int("devices", len(devices)).Msg("capture devices detected")
	return &DeviceSource{}
}

// DeviceSource captures from the local camera and microphone, encoding
// video with VP8 so a software decode path always exists on the peer.
type DeviceSource struct {
	once     sync.Once
	selector *mediadevices.CodecSelector
	err      error
}

func (s *DeviceSource) codecSelector() (*mediadevices.CodecSelector, error) {
	s.once.Do(func() {
		vp8Params, err := vpx.NewVP8Params()
		if err != nil {
			s.err = err
			return
		}
		vp8Params.BitRate = 500_000
		vp8Params.KeyFrameInterval = 30

		opusParams, err := opus.NewParams()
		if err != nil {
			s.err = err
			return
		}

		s.selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8Params),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return s.selector, s.err
}

// Acquire opens camera and microphone. GetUserMedia has no context
// support, so it runs on its own goroutine; when ctx expires first the
// late result is stopped and a timeout-class error is returned.
func (s *DeviceSource) Acquire(ctx context.Context) (core.MediaStream, error) {
	selector, err := s.codecSelector()
	if err != nil {
		return nil, Classify(err)
	}

	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Video: func(c *mediadevices.MediaTrackConstraints) {
				c.Width = prop.Int(640)
				c.Height = prop.Int(480)
				c.FrameRate = prop.Float(30)
			},
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(48000)
				c.ChannelCount = prop.Int(1)
			},
			Codec: selector,
		})
		done <- result{stream: stream, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, Classify(r.err)
		}
		return &deviceStream{stream: r.stream}, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.stream.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, Classify(ctx.Err())
	}
}

type deviceStream struct {
	stream mediadevices.MediaStream
	once   sync.Once
}

func (d *deviceStream) Tracks() []webrtc.TrackLocal {
	tracks := d.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (d *deviceStream) Stop() {
	d.once.Do(func() {
		for _, t := range d.stream.GetTracks() {
			if err := t.Close(); err != nil {
				log.Warn().Err(err).Str("module", "media").Msg("closing capture track")
			}
		}
	})
}
