package main

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/taskflow/callkit/internal/call"
	"github.com/taskflow/callkit/internal/negotiator"
)

const frameDuration = 20 * time.Millisecond

// silentOpusFrame is a minimal opus packet decoding to silence.
var silentOpusFrame = []byte{0xf8, 0xff, 0xfe}

// silenceCapture produces one synthetic audio track that streams silence.
// It stands in for real device capture so the probe exercises the full
// track-attachment and renegotiation path.
type silenceCapture struct{}

func (silenceCapture) Acquire(context.Context) (call.MediaStream, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "probe-audio", "probe")
	if err != nil {
		return nil, err
	}
	s := &silenceStream{track: track, done: make(chan struct{})}
	go s.pump()
	return s, nil
}

type silenceStream struct {
	track     *webrtc.TrackLocalStaticSample
	done      chan struct{}
	closeOnce sync.Once
}

func (s *silenceStream) Tracks() []negotiator.Track {
	return []negotiator.Track{negotiator.LocalTrack{TrackLocal: s.track}}
}

func (s *silenceStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *silenceStream) pump() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// Write errors just mean no peer is bound yet; keep pacing.
			_ = s.track.WriteSample(media.Sample{Data: silentOpusFrame, Duration: frameDuration})
		case <-s.done:
			return
		}
	}
}
