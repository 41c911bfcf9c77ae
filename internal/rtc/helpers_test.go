package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mentora/callkit/internal/config"
	"github.com/mentora/callkit/internal/media"
)

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

func testICEConfig() config.ICEConfig {
	return config.ICEConfig{STUNURLs: []string{"stun:stun.example.org:3478"}}
}

// fakeTrack satisfies media.Track without touching real devices.
type fakeTrack struct {
	id     string
	kind   webrtc.RTPCodecType
	closed bool
}

func (f *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (f *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (f *fakeTrack) ID() string                            { return f.id }
func (f *fakeTrack) RID() string                           { return "" }
func (f *fakeTrack) StreamID() string                      { return "fake-stream" }
func (f *fakeTrack) Kind() webrtc.RTPCodecType             { return f.kind }
func (f *fakeTrack) Close() error                          { f.closed = true; return nil }

type fakeStream struct {
	tracks []media.Track
	closed bool
}

func (f *fakeStream) AudioTracks() []media.Track {
	return f.byKind(webrtc.RTPCodecTypeAudio)
}

func (f *fakeStream) VideoTracks() []media.Track {
	return f.byKind(webrtc.RTPCodecTypeVideo)
}

func (f *fakeStream) Tracks() []media.Track { return f.tracks }

func (f *fakeStream) Close() {
	f.closed = true
	for _, tr := range f.tracks {
		tr.Close()
	}
}

func (f *fakeStream) byKind(kind webrtc.RTPCodecType) []media.Track {
	var out []media.Track
	for _, tr := range f.tracks {
		if tr.Kind() == kind {
			out = append(out, tr)
		}
	}
	return out
}

// fakePeer satisfies media.Peer and lets tests drive negotiation state
// and fire engine callbacks.
type fakePeer struct {
	mu sync.Mutex

	signalingState webrtc.SignalingState
	connState      webrtc.PeerConnectionState

	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription

	addedTracks     []webrtc.TrackLocal
	addedCandidates []webrtc.ICECandidateInit
	closed          bool

	setRemoteCalls int
	setRemoteErr   error

	onCandidate func(*webrtc.ICECandidate)
	onConnState func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
	onSignaling func(webrtc.SignalingState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.PeerConnectionStateNew,
	}
}

func (f *fakePeer) AddTrack(tr webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedTracks = append(f.addedTracks, tr)
	return nil, nil
}

func (f *fakePeer) GetSenders() []*webrtc.RTPSender { return nil }

func (f *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (f *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (f *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		f.signalingState = webrtc.SignalingStateHaveLocalOffer
	} else {
		f.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRemoteCalls++
	if f.setRemoteErr != nil {
		return f.setRemoteErr
	}
	f.remoteDesc = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		f.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		f.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakePeer) LocalDescription() *webrtc.SessionDescription  { return f.localDesc }
func (f *fakePeer) RemoteDescription() *webrtc.SessionDescription { return f.remoteDesc }

func (f *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fake peer closed")
	}
	f.addedCandidates = append(f.addedCandidates, c)
	return nil
}

func (f *fakePeer) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signalingState
}

func (f *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connState
}

func (f *fakePeer) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (f *fakePeer) OnICECandidate(fn func(*webrtc.ICECandidate)) { f.onCandidate = fn }
func (f *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.onConnState = fn
}
func (f *fakePeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.onICEState = fn
}
func (f *fakePeer) OnSignalingStateChange(fn func(webrtc.SignalingState)) { f.onSignaling = fn }
func (f *fakePeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connState = webrtc.PeerConnectionStateClosed
	return nil
}

// driveConnState simulates the engine reporting a connection state.
func (f *fakePeer) driveConnState(state webrtc.PeerConnectionState) {
	f.mu.Lock()
	f.connState = state
	fn := f.onConnState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (f *fakePeer) driveICEState(state webrtc.ICEConnectionState) {
	f.mu.Lock()
	fn := f.onICEState
	f.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// fakeEngine hands out fakePeers and fake capture streams.
type fakeEngine struct {
	mu         sync.Mutex
	peers      []*fakePeer
	captureErr error
	engineErr  error
}

func (f *fakeEngine) NewPeerConnection([]webrtc.ICEServer) (media.Peer, error) {
	if f.engineErr != nil {
		return nil, f.engineErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newFakePeer()
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeEngine) Capture(_ context.Context, kind media.Kind) (media.Stream, error) {
	if f.captureErr != nil {
		return nil, &media.AcquisitionError{Kind: kind, Err: f.captureErr}
	}
	tracks := []media.Track{&fakeTrack{id: "audio-0", kind: webrtc.RTPCodecTypeAudio}}
	if kind.HasVideo() {
		tracks = append(tracks, &fakeTrack{id: "video-0", kind: webrtc.RTPCodecTypeVideo})
	}
	return &fakeStream{tracks: tracks}, nil
}

func (f *fakeEngine) CaptureVideoTrack(context.Context, string) (media.Track, error) {
	return &fakeTrack{id: "video-flip", kind: webrtc.RTPCodecTypeVideo}, nil
}

// lastPeer returns the most recently created fake peer.
func (f *fakeEngine) lastPeer(t *testing.T) *fakePeer {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		t.Fatal("no peer connection was created")
	}
	return f.peers[len(f.peers)-1]
}
