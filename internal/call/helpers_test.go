package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mentora/callkit/internal/config"
	"github.com/mentora/callkit/internal/media"
	"github.com/mentora/callkit/internal/rtc"
	"github.com/mentora/callkit/internal/signaling"
)

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

type stubTrack struct {
	kind webrtc.RTPCodecType

	mu     sync.Mutex
	closed bool
}

func (s *stubTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (s *stubTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (s *stubTrack) ID() string                            { return "stub" }
func (s *stubTrack) RID() string                           { return "" }
func (s *stubTrack) StreamID() string                      { return "stub-stream" }
func (s *stubTrack) Kind() webrtc.RTPCodecType             { return s.kind }

func (s *stubTrack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubTrack) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubStream struct {
	tracks []media.Track
}

func (s *stubStream) AudioTracks() []media.Track { return s.tracks }
func (s *stubStream) VideoTracks() []media.Track { return nil }
func (s *stubStream) Tracks() []media.Track      { return s.tracks }
func (s *stubStream) Close() {
	for _, tr := range s.tracks {
		tr.Close()
	}
}

// stubPeer emulates enough negotiation state for session flow tests.
type stubPeer struct {
	mu sync.Mutex

	signalingState webrtc.SignalingState
	connState      webrtc.PeerConnectionState
	localDesc      *webrtc.SessionDescription
	remoteDesc     *webrtc.SessionDescription

	candidates     []webrtc.ICECandidateInit
	setRemoteCalls int
	closed         bool

	onCandidate func(*webrtc.ICECandidate)
	onConnState func(webrtc.PeerConnectionState)
	onICEState  func(webrtc.ICEConnectionState)
}

func newStubPeer() *stubPeer {
	return &stubPeer{
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.PeerConnectionStateNew,
	}
}

func (p *stubPeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) { return nil, nil }
func (p *stubPeer) GetSenders() []*webrtc.RTPSender                       { return nil }

func (p *stubPeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 stub-offer"}, nil
}

func (p *stubPeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 stub-answer"}, nil
}

func (p *stubPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localDesc = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.signalingState = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *stubPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setRemoteCalls++
	p.remoteDesc = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *stubPeer) LocalDescription() *webrtc.SessionDescription  { return p.localDesc }
func (p *stubPeer) RemoteDescription() *webrtc.SessionDescription { return p.remoteDesc }

func (p *stubPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *stubPeer) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalingState
}

func (p *stubPeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *stubPeer) ICEConnectionState() webrtc.ICEConnectionState {
	return webrtc.ICEConnectionStateNew
}

func (p *stubPeer) OnICECandidate(fn func(*webrtc.ICECandidate))                { p.onCandidate = fn }
func (p *stubPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { p.onConnState = fn }
func (p *stubPeer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.onICEState = fn
}
func (p *stubPeer) OnSignalingStateChange(func(webrtc.SignalingState)) {}
func (p *stubPeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *stubPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connState = webrtc.PeerConnectionStateClosed
	return nil
}

func (p *stubPeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *stubPeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

func (p *stubPeer) driveConnState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = state
	fn := p.onConnState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// stubEngine records the peers and tracks it hands out so tests can
// assert on cleanup.
type stubEngine struct {
	mu     sync.Mutex
	peers  []*stubPeer
	tracks []*stubTrack
}

func (e *stubEngine) NewPeerConnection([]webrtc.ICEServer) (media.Peer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := newStubPeer()
	e.peers = append(e.peers, p)
	return p, nil
}

func (e *stubEngine) Capture(context.Context, media.Kind) (media.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := &stubTrack{kind: webrtc.RTPCodecTypeAudio}
	e.tracks = append(e.tracks, tr)
	return &stubStream{tracks: []media.Track{tr}}, nil
}

func (e *stubEngine) CaptureVideoTrack(context.Context, string) (media.Track, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := &stubTrack{kind: webrtc.RTPCodecTypeVideo}
	e.tracks = append(e.tracks, tr)
	return tr, nil
}

func (e *stubEngine) lastPeer(t *testing.T) *stubPeer {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.peers) == 0 {
		t.Fatal("no peer connection was created")
	}
	return e.peers[len(e.peers)-1]
}

// testHarness bundles a shared channel plus per-side deps.
type testHarness struct {
	channel *signaling.MemoryChannel
	engine  *stubEngine
	manager *rtc.Manager
	logger  *zap.Logger
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := testLogger(t)
	engine := &stubEngine{}
	manager, err := rtc.NewManager(engine, config.ICEConfig{
		STUNURLs: []string{"stun:stun.example.org:3478"},
	}, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testHarness{
		channel: signaling.NewMemoryChannel(logger),
		engine:  engine,
		manager: manager,
		logger:  logger,
	}
}

func (h *testHarness) deps(ringTimeout time.Duration) Deps {
	return Deps{
		Channel:     h.channel,
		Manager:     h.manager,
		Logger:      h.logger,
		RingTimeout: ringTimeout,
	}
}

// stateWatcher records status callbacks and lets tests await one.
type stateWatcher struct {
	mu     sync.Mutex
	states []signaling.Status
	ch     chan signaling.Status
}

func newStateWatcher() *stateWatcher {
	return &stateWatcher{ch: make(chan signaling.Status, 16)}
}

func (w *stateWatcher) onState(s signaling.Status) {
	w.mu.Lock()
	w.states = append(w.states, s)
	w.mu.Unlock()
	w.ch <- s
}

func (w *stateWatcher) await(t *testing.T, want signaling.Status) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-w.ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s (saw %v)", want, w.all())
		}
	}
}

func (w *stateWatcher) all() []signaling.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]signaling.Status, len(w.states))
	copy(out, w.states)
	return out
}
