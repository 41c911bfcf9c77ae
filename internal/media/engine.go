// Package media abstracts the WebRTC media engine behind a capability
// interface. The core never touches pion directly for engine construction,
// so an environment without native capture support fails at construction
// time with ErrTransportUnavailable instead of at call time.
package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind selects which local media a call carries.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind validates a wire-level media kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAudio, KindVideo:
		return Kind(s), nil
	}
	return "", fmt.Errorf("media: unknown kind %q", s)
}

// HasVideo reports whether local video capture is required for this kind.
func (k Kind) HasVideo() bool { return k == KindVideo }

// ErrTransportUnavailable means the media engine itself could not be
// loaded. Terminal and user-facing; never retried silently.
var ErrTransportUnavailable = errors.New("media: transport unavailable")

// AcquisitionError means the local capture device could not be opened.
// Terminal and user-facing.
type AcquisitionError struct {
	Kind Kind
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("media: failed to acquire local %s: %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Track is a local capture track that can be attached to a peer connection
// and stopped exactly once on teardown.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Stream is the bundle of local capture tracks for one call.
type Stream interface {
	AudioTracks() []Track
	VideoTracks() []Track
	Tracks() []Track
	// Close stops every track. Safe to call more than once.
	Close()
}

// Peer is the subset of the underlying peer connection the lifecycle
// manager drives. *webrtc.PeerConnection satisfies it.
type Peer interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	GetSenders() []*webrtc.RTPSender

	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState

	OnICECandidate(func(*webrtc.ICECandidate))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnSignalingStateChange(func(webrtc.SignalingState))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	Close() error
}

// Engine supplies peer connections and local capture. Implementations must
// be safe for use by concurrent call sessions.
type Engine interface {
	// NewPeerConnection creates a fresh peer connection configured with the
	// given ICE servers.
	NewPeerConnection(ice []webrtc.ICEServer) (Peer, error)

	// Capture acquires the local media for a call of the given kind.
	Capture(ctx context.Context, kind Kind) (Stream, error)

	// CaptureVideoTrack acquires a single video track from the named device,
	// used when flipping cameras mid-call. Empty deviceID picks the default.
	CaptureVideoTrack(ctx context.Context, deviceID string) (Track, error)
}
