// Package rtc owns the peer-connection lifecycle for one call: creation
// and negotiation, candidate application, camera flips, and normalized
// state reporting. It never touches the signaling backend; candidates and
// descriptions flow through callbacks wired up by the call session.
package rtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/config"
	"github.com/mentora/callkit/internal/media"
)

// ConnState is the normalized peer connection state.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// ICEState is the normalized ICE transport state.
type ICEState int

const (
	ICENew ICEState = iota
	ICEChecking
	ICEConnected
	ICECompleted
	ICEDisconnected
	ICEFailed
	ICEClosed
)

func (s ICEState) String() string {
	switch s {
	case ICENew:
		return "new"
	case ICEChecking:
		return "checking"
	case ICEConnected:
		return "connected"
	case ICECompleted:
		return "completed"
	case ICEDisconnected:
		return "disconnected"
	case ICEFailed:
		return "failed"
	case ICEClosed:
		return "closed"
	}
	return "unknown"
}

// Callbacks are the observer hooks one Peer reports through. Nil members
// are skipped. OnError fires at most once per peer, from the first
// `failed` transition on either the connection or ICE layer;
// `disconnected` never triggers it because that state may self-heal.
type Callbacks struct {
	OnLocalCandidate func(webrtc.ICECandidateInit)
	OnStateChange    func(ConnState)
	OnICEStateChange func(ICEState)
	OnRemoteTrack    func(*webrtc.TrackRemote)
	OnRenegotiate    func(webrtc.SessionDescription)
	OnError          func(error)
}

// Manager creates and drives peer connections through an injected media
// engine. One manager serves all sessions in the process.
type Manager struct {
	engine media.Engine
	ice    []webrtc.ICEServer
	logger *zap.Logger
}

// NewManager validates the engine capability and prepares the ICE server
// list. A nil engine is a constructor-time ErrTransportUnavailable, not a
// call-time surprise.
func NewManager(engine media.Engine, ice config.ICEConfig, logger *zap.Logger) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: no media engine supplied", media.ErrTransportUnavailable)
	}
	servers := ICEServers(ice)
	if len(servers) == 0 {
		return nil, fmt.Errorf("rtc: no ICE servers configured")
	}
	return &Manager{
		engine: engine,
		ice:    servers,
		logger: logger.Named("rtc"),
	}, nil
}

// ICEServers renders the configured STUN list plus the TURN relay, when
// enabled, into pion's server descriptors.
func ICEServers(cfg config.ICEConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}
	if cfg.TURN.Enabled && len(cfg.TURN.URLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:           cfg.TURN.URLs,
			Username:       cfg.TURN.Username,
			Credential:     cfg.TURN.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// Peer is one live peer connection plus the local media it sends.
// Exclusively owned by a single call session; closed exactly once.
type Peer struct {
	pc     media.Peer
	stream media.Stream
	logger *zap.Logger
	cb     Callbacks

	closed   atomic.Bool
	errOnce  sync.Once
	sawRelay atomic.Bool

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
}

// CreateAsCaller acquires local media, builds a peer connection, and
// produces the local offer. The returned description is already set as
// the local description.
func (m *Manager) CreateAsCaller(ctx context.Context, kind media.Kind, cb Callbacks) (*Peer, webrtc.SessionDescription, error) {
	p, err := m.newPeer(ctx, kind, cb)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("rtc: create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("rtc: set local offer: %w", err)
	}
	p.logger.Debug("local offer ready", zap.Int("sdpBytes", len(offer.SDP)))
	return p, offer, nil
}

// CreateAsReceiver acquires local media, applies the caller's offer, and
// produces the local answer.
func (m *Manager) CreateAsReceiver(ctx context.Context, kind media.Kind, remoteOffer webrtc.SessionDescription, cb Callbacks) (*Peer, webrtc.SessionDescription, error) {
	p, err := m.newPeer(ctx, kind, cb)
	if err != nil {
		return nil, webrtc.SessionDescription{}, err
	}
	if err := p.pc.SetRemoteDescription(remoteOffer); err != nil {
		p.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("rtc: set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("rtc: create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.Close()
		return nil, webrtc.SessionDescription{}, fmt.Errorf("rtc: set local answer: %w", err)
	}
	p.logger.Debug("local answer ready", zap.Int("sdpBytes", len(answer.SDP)))
	return p, answer, nil
}

// CaptureVideoTrack opens a replacement video track, used for camera
// flips mid-call.
func (m *Manager) CaptureVideoTrack(ctx context.Context, deviceID string) (media.Track, error) {
	return m.engine.CaptureVideoTrack(ctx, deviceID)
}

func (m *Manager) newPeer(ctx context.Context, kind media.Kind, cb Callbacks) (*Peer, error) {
	stream, err := m.engine.Capture(ctx, kind)
	if err != nil {
		return nil, err
	}
	pc, err := m.engine.NewPeerConnection(m.ice)
	if err != nil {
		stream.Close()
		return nil, err
	}

	p := &Peer{
		pc:     pc,
		stream: stream,
		logger: m.logger,
		cb:     cb,
	}
	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("rtc: add %s track: %w", track.Kind(), err)
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			p.videoSender = sender
		}
	}
	p.setupCallbacks()
	return p, nil
}

// register all callbacks in one place
func (p *Peer) setupCallbacks() {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		norm := normalizeConnState(state)
		p.logger.Debug("connection state changed", zap.Stringer("state", norm))
		if p.cb.OnStateChange != nil {
			p.cb.OnStateChange(norm)
		}
		if norm == ConnFailed {
			p.fireError(fmt.Errorf("rtc: peer connection failed"))
		}
	})

	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		norm := normalizeICEState(state)
		p.logger.Debug("ICE state changed", zap.Stringer("state", norm))
		if p.cb.OnICEStateChange != nil {
			p.cb.OnICEStateChange(norm)
		}
		if norm == ICEFailed {
			p.fireError(fmt.Errorf("rtc: ICE transport failed"))
		}
	})

	p.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// Gathering complete. A candidate set without a relay entry
			// still works on friendly networks, but is worth flagging.
			if !p.sawRelay.Load() {
				p.logger.Warn("ICE gathering finished without a relay candidate")
			} else {
				p.logger.Debug("ICE gathering finished")
			}
			return
		}
		if candidate.Typ == webrtc.ICECandidateTypeRelay {
			p.sawRelay.Store(true)
		}
		if p.cb.OnLocalCandidate != nil {
			p.cb.OnLocalCandidate(candidate.ToJSON())
		}
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.logger.Debug("remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		go p.monitorRemoteTrack(track)
		if p.cb.OnRemoteTrack != nil {
			p.cb.OnRemoteTrack(track)
		}
	})
}

// ApplyRemoteAnswer sets the remote answer if the connection is in a
// state that legally accepts one and reports whether it was applied.
// Anything else — already closed, already stable because an earlier
// delivery won, terminated mid-flight — is a benign race: logged,
// swallowed, never surfaced.
func (p *Peer) ApplyRemoteAnswer(answer webrtc.SessionDescription) bool {
	if p.closed.Load() {
		p.logger.Warn("ignoring remote answer, peer already closed")
		return false
	}
	if st := p.pc.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		p.logger.Warn("ignoring remote answer, wrong signaling state",
			zap.String("signalingState", st.String()))
		return false
	}
	if cs := p.pc.ConnectionState(); cs == webrtc.PeerConnectionStateClosed || cs == webrtc.PeerConnectionStateFailed {
		p.logger.Warn("ignoring remote answer, connection unusable",
			zap.String("connectionState", cs.String()))
		return false
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		// The state was checked structurally above, so hitting this means
		// the connection changed under us: still a race, still benign.
		p.logger.Warn("setting remote answer failed after state check", zap.Error(err))
		return false
	}
	p.logger.Info("remote answer applied")
	return true
}

// AddICECandidate applies one remote candidate. Satisfies Applier.
func (p *Peer) AddICECandidate(cand webrtc.ICECandidateInit) error {
	if p.closed.Load() {
		return fmt.Errorf("rtc: peer closed")
	}
	return p.pc.AddICECandidate(cand)
}

// ReplaceVideoTrack swaps the outgoing video track in place (camera
// flip). Audio senders are untouched. When the connection is in a stable
// signaling state a renegotiation offer is produced and handed to
// OnRenegotiate; a failure there is logged and ignored because the
// replaced track flows regardless.
func (p *Peer) ReplaceVideoTrack(newTrack media.Track) error {
	if p.closed.Load() {
		return fmt.Errorf("rtc: peer closed")
	}
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("rtc: no outgoing video track to replace")
	}
	if err := sender.ReplaceTrack(newTrack); err != nil {
		return fmt.Errorf("rtc: replace video track: %w", err)
	}
	p.logger.Info("outgoing video track replaced")

	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		p.logger.Debug("skipping renegotiation, signaling state not stable")
		return nil
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		p.logger.Warn("renegotiation offer failed", zap.Error(err))
		return nil
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		p.logger.Warn("renegotiation local description failed", zap.Error(err))
		return nil
	}
	if p.cb.OnRenegotiate != nil {
		p.cb.OnRenegotiate(offer)
	}
	return nil
}

// SignalingState exposes the underlying signaling state for callers that
// gate on it.
func (p *Peer) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

// Closed reports whether Close has run.
func (p *Peer) Closed() bool { return p.closed.Load() }

// Close stops local tracks and closes the connection. Idempotent; after
// the first call no further media operations are attempted.
func (p *Peer) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if p.stream != nil {
		p.stream.Close()
	}
	if err := p.pc.Close(); err != nil {
		p.logger.Debug("peer connection close", zap.Error(err))
	}
	p.logger.Debug("peer closed")
}

func (p *Peer) fireError(err error) {
	p.errOnce.Do(func() {
		p.logger.Error("peer connection error", zap.Error(err))
		if p.cb.OnError != nil {
			p.cb.OnError(err)
		}
	})
}

func normalizeConnState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	default:
		return ConnClosed
	}
}

func normalizeICEState(s webrtc.ICEConnectionState) ICEState {
	switch s {
	case webrtc.ICEConnectionStateNew:
		return ICENew
	case webrtc.ICEConnectionStateChecking:
		return ICEChecking
	case webrtc.ICEConnectionStateConnected:
		return ICEConnected
	case webrtc.ICEConnectionStateCompleted:
		return ICECompleted
	case webrtc.ICEConnectionStateDisconnected:
		return ICEDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ICEFailed
	default:
		return ICEClosed
	}
}
