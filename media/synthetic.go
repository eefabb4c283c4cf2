package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/sirupsen/logrus"
)

// Track is one captured media track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	// Local returns the pion track to attach to a peer connection.
	Local() webrtc.TrackLocal
	Stop()
}

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SyntheticDevice produces pion sample tracks without real capture
// hardware. Audio tracks optionally stream Opus silence so a remote peer
// sees live RTP.
type SyntheticDevice struct {
	// Silence enables the silence generator on audio tracks.
	Silence bool
}

// Open implements Device.
func (d *SyntheticDevice) Open(_ context.Context, streamID string, c Constraints) ([]Track, error) {
	var tracks []Track

	if c.Audio {
		t, err := newSampleTrack(webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, streamID)
		if err != nil {
			return nil, err
		}
		if d.Silence {
			t.startSilence()
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := newSampleTrack(webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, streamID)
		if err != nil {
			for _, open := range tracks {
				open.Stop()
			}
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

type sampleTrack struct {
	kind  webrtc.RTPCodecType
	local *webrtc.TrackLocalStaticSample

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func newSampleTrack(kind webrtc.RTPCodecType, mimeType, streamID string) (*sampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8]),
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &sampleTrack{kind: kind, local: local, stop: make(chan struct{})}, nil
}

func (t *sampleTrack) ID() string { return t.local.ID() }
func (t *sampleTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *sampleTrack) Local() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.wg.Wait()
	})
}

func (t *sampleTrack) startSilence() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(silenceFrame)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if err := t.local.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "startSilence",
						"track_id": t.local.ID(),
						"error":    err.Error(),
					}).Debug("Failed to write silence sample")
				}
			}
		}
	}()
}

func newStreamID() string {
	return "stream-" + uuid.NewString()
}
