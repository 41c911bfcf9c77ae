package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // This is required to register camera adapter - DON'T REMOVE
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // This is required to register microphone adapter  - DON'T REMOVE

	"github.com/mentora/callkit/internal/config"
)

// PionEngine implements Engine on pion/webrtc with pion/mediadevices
// capture. One engine is shared across all call sessions in the process.
type PionEngine struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
	cfg      config.MediaConfig
	logger   *zap.Logger
}

// NewPionEngine builds the webrtc API with VP8/Opus codecs registered.
// A failure here means the engine cannot be loaded at all, so the error
// wraps ErrTransportUnavailable.
func NewPionEngine(cfg config.MediaConfig, logger *zap.Logger) (*PionEngine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("%w: vp8 params: %v", ErrTransportUnavailable, err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: opus params: %v", ErrTransportUnavailable, err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms // 20 ms frame size for real-time communication

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("%w: register codecs: %v", ErrTransportUnavailable, err)
	}
	selector.Populate(&mediaEngine)

	logger.Info("media engine ready",
		zap.Int("videoBitRate", cfg.VideoBitRate),
		zap.Int("audioBitRate", cfg.AudioBitRate))

	return &PionEngine{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine)),
		selector: selector,
		cfg:      cfg,
		logger:   logger.Named("media"),
	}, nil
}

// NewPeerConnection creates a peer connection from the shared API.
func (e *PionEngine) NewPeerConnection(ice []webrtc.ICEServer) (Peer, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         ice,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("media: create peer connection: %w", err)
	}
	return pc, nil
}

// Capture opens the local microphone, and the camera when kind is video.
func (e *PionEngine) Capture(ctx context.Context, kind Kind) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: e.selector,
	}
	if kind.HasVideo() {
		constraints.Video = e.videoConstraints("")
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &AcquisitionError{Kind: kind, Err: err}
	}
	e.logger.Debug("local media acquired",
		zap.String("kind", string(kind)),
		zap.Int("tracks", len(ms.GetTracks())))
	return &pionStream{ms: ms}, nil
}

// CaptureVideoTrack opens one video track for a camera flip.
func (e *PionEngine) CaptureVideoTrack(ctx context.Context, deviceID string) (Track, error) {
	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: e.videoConstraints(deviceID),
		Codec: e.selector,
	})
	if err != nil {
		return nil, &AcquisitionError{Kind: KindVideo, Err: err}
	}
	tracks := ms.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, &AcquisitionError{Kind: KindVideo, Err: fmt.Errorf("device produced no video track")}
	}
	return tracks[0], nil
}

func (e *PionEngine) videoConstraints(deviceID string) func(*mediadevices.MediaTrackConstraints) {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		c.Width = prop.Int(e.cfg.VideoWidth)
		c.Height = prop.Int(e.cfg.VideoHeight)
		c.FrameRate = prop.Float(float64(e.cfg.VideoFramerate))
	}
}

// pionStream adapts mediadevices.MediaStream to Stream.
type pionStream struct {
	ms mediadevices.MediaStream
}

func (s *pionStream) AudioTracks() []Track { return wrapTracks(s.ms.GetAudioTracks()) }
func (s *pionStream) VideoTracks() []Track { return wrapTracks(s.ms.GetVideoTracks()) }
func (s *pionStream) Tracks() []Track      { return wrapTracks(s.ms.GetTracks()) }

func (s *pionStream) Close() {
	for _, t := range s.ms.GetTracks() {
		t.Close()
	}
}

func wrapTracks(in []mediadevices.Track) []Track {
	out := make([]Track, 0, len(in))
	for _, t := range in {
		out = append(out, t)
	}
	return out
}
