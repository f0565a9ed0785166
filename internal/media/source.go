package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"chatcall/internal/calls"
)

// DeviceState describes what the host lets us do with one capture device.
type DeviceState string

const (
	DeviceEnabled     DeviceState = "enabled"
	DeviceDenied      DeviceState = "denied"
	DeviceUnavailable DeviceState = "unavailable"
)

func ParseDeviceState(s string) (DeviceState, error) {
	switch DeviceState(s) {
	case "", DeviceEnabled:
		return DeviceEnabled, nil
	case DeviceDenied, DeviceUnavailable:
		return DeviceState(s), nil
	default:
		return "", fmt.Errorf("unknown device state %q", s)
	}
}

func (d DeviceState) err(kind calls.TrackKind) error {
	switch d {
	case DeviceDenied:
		return fmt.Errorf("%w: %s capture refused", calls.ErrMediaDenied, kind)
	case DeviceUnavailable:
		return fmt.Errorf("%w: no %s device", calls.ErrMediaUnavailable, kind)
	default:
		return nil
	}
}

// Opus frame carrying 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const sampleInterval = 20 * time.Millisecond

// Source hands out sample tracks. Audio tracks pump opus silence while
// enabled so the far end sees inbound media; video tracks carry no frames
// until a capture backend writes to them.
type Source struct {
	Audio DeviceState
	Video DeviceState
	Log   *slog.Logger
}

func (s *Source) Acquire(ctx context.Context, mode calls.MediaMode) ([]calls.Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: media mode %q", calls.ErrInvalidArgument, mode)
	}
	if err := s.Audio.err(calls.TrackAudio); err != nil {
		return nil, err
	}
	if mode.HasVideo() {
		if err := s.Video.err(calls.TrackVideo); err != nil {
			return nil, err
		}
	}

	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	stream := "chatcall-" + uuid.NewString()

	audio, err := newSampleTrack(calls.TrackAudio, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, stream, log)
	if err != nil {
		return nil, err
	}
	audio.pump(opusSilence)
	tracks := []calls.Track{audio}

	if mode.HasVideo() {
		video, err := newSampleTrack(calls.TrackVideo, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		}, stream, log)
		if err != nil {
			audio.Stop()
			return nil, err
		}
		tracks = append(tracks, video)
	}
	return tracks, nil
}

type sampleTrack struct {
	id    string
	kind  calls.TrackKind
	local *webrtc.TrackLocalStaticSample
	log   *slog.Logger

	enabled  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newSampleTrack(kind calls.TrackKind, codec webrtc.RTPCodecCapability, stream string, log *slog.Logger) (*sampleTrack, error) {
	id := string(kind) + "-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticSample(codec, id, stream)
	if err != nil {
		return nil, fmt.Errorf("%w: %s track: %v", calls.ErrMediaUnavailable, kind, err)
	}
	t := &sampleTrack{
		id:    id,
		kind:  kind,
		local: local,
		log:   log.With("track_id", id),
		stop:  make(chan struct{}),
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *sampleTrack) ID() string                    { return t.id }
func (t *sampleTrack) Kind() calls.TrackKind         { return t.kind }
func (t *sampleTrack) SetEnabled(enabled bool)       { t.enabled.Store(enabled) }
func (t *sampleTrack) Enabled() bool                 { return t.enabled.Load() }
func (t *sampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		if t.done != nil {
			<-t.done
		}
	})
}

// pump writes frame every sampleInterval while the track is enabled. Writes
// before the track is bound to a connection are dropped by pion.
func (t *sampleTrack) pump(frame []byte) {
	t.done = make(chan struct{})
	go func() {
		defer close(t.done)
		tick := time.NewTicker(sampleInterval)
		defer tick.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tick.C:
				if !t.enabled.Load() {
					continue
				}
				if err := t.local.WriteSample(pionmedia.Sample{Data: frame, Duration: sampleInterval}); err != nil {
					t.log.Debug("write sample", "err", err)
				}
			}
		}
	}()
}
