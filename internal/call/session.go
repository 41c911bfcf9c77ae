package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/history"
	"github.com/mentora/callkit/internal/media"
	"github.com/mentora/callkit/internal/notify"
	"github.com/mentora/callkit/internal/rtc"
	"github.com/mentora/callkit/internal/signaling"
)

// DefaultRingTimeout bounds how long a call may ring before it counts as
// missed.
const DefaultRingTimeout = 30 * time.Second

// ErrSessionOver means the operation arrived after the call reached a
// terminal state.
var ErrSessionOver = errors.New("call: session already terminal")

// Deps are the collaborators a session needs. Channel, Manager and
// Logger are required; Notifier and Archive may be nil.
type Deps struct {
	Channel     signaling.Channel
	Manager     *rtc.Manager
	Notifier    notify.Notifier
	Archive     history.Archive
	Logger      *zap.Logger
	RingTimeout time.Duration
}

// Handlers are the session's outbound callbacks toward the UI layer.
// Nil members are skipped. Handlers run outside the session lock but
// must not block for long; they may call back into the session.
type Handlers struct {
	OnState       func(signaling.Status)
	OnConnState   func(rtc.ConnState)
	OnRemoteTrack func(*webrtc.TrackRemote)
	OnError       func(error)
}

// Session drives one call attempt from ring to terminal state. It owns
// the peer connection, the candidate queue, the ring timer and both
// signaling subscriptions; disposal releases all of them exactly once.
type Session struct {
	deps     Deps
	handlers Handlers
	logger   *zap.Logger

	role     Role
	localID  string
	remoteID string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	rec        signaling.CallRecord
	machine    *Machine
	queue      *rtc.CandidateQueue
	peer       *rtc.Peer
	ringTimer  *time.Timer
	unsubCall  signaling.Unsubscribe
	unsubCands signaling.Unsubscribe
	started    bool
	disposed   bool
}

// NewCaller prepares an outbound session. Nothing happens until Start.
func NewCaller(deps Deps, callerID, receiverID string, kind media.Kind, handlers Handlers) (*Session, error) {
	rec := signaling.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Kind:       kind,
		Status:     signaling.StatusRinging,
	}
	return newSession(deps, RoleCaller, callerID, receiverID, rec, handlers)
}

// NewReceiver prepares a session for an incoming ringing record,
// typically delivered by ListenIncoming. Nothing happens until Ring.
func NewReceiver(deps Deps, rec signaling.CallRecord, handlers Handlers) (*Session, error) {
	if rec.Offer == nil {
		return nil, fmt.Errorf("call: incoming record %s carries no offer", rec.ID)
	}
	return newSession(deps, RoleReceiver, rec.ReceiverID, rec.CallerID, rec, handlers)
}

func newSession(deps Deps, role Role, localID, remoteID string, rec signaling.CallRecord, handlers Handlers) (*Session, error) {
	if deps.Channel == nil || deps.Manager == nil || deps.Logger == nil {
		return nil, fmt.Errorf("call: channel, manager and logger are required")
	}
	if deps.RingTimeout <= 0 {
		deps.RingTimeout = DefaultRingTimeout
	}
	logger := deps.Logger.Named("session").With(
		zap.String("callID", rec.ID),
		zap.String("role", string(role)))
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		deps:     deps,
		handlers: handlers,
		logger:   logger,
		role:     role,
		localID:  localID,
		remoteID: remoteID,
		ctx:      ctx,
		cancel:   cancel,
		rec:      rec,
		machine:  NewMachine(),
		queue:    rtc.NewCandidateQueue(localID, logger),
	}, nil
}

// ID returns the call id.
func (s *Session) ID() string { return s.rec.ID }

// Role returns which side of the call this session is.
func (s *Session) Role() Role { return s.role }

// State returns the current call status.
func (s *Session) State() signaling.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Start runs the caller path: acquire media, produce the offer, create
// the call record, attach both listeners and arm the ring timer. Media
// and transport errors abort setup, terminate the session and are
// returned to the caller.
func (s *Session) Start(ctx context.Context) error {
	if s.role != RoleCaller {
		return fmt.Errorf("call: Start is the caller path")
	}
	if err := s.markStarted(); err != nil {
		return err
	}

	peer, offer, err := s.deps.Manager.CreateAsCaller(ctx, s.rec.Kind, s.peerCallbacks())
	if err != nil {
		s.abortSetup(err)
		return err
	}

	rec, err := signaling.NewCallRecord(s.rec.ID, s.localID, s.remoteID, s.rec.Kind, offer)
	if err != nil {
		peer.Close()
		s.abortSetup(err)
		return err
	}
	if err := s.deps.Channel.CreateCall(ctx, rec); err != nil {
		peer.Close()
		s.abortSetup(err)
		return fmt.Errorf("call: create record: %w", err)
	}
	notify.Dispatch(s.deps.Notifier, rec, s.logger)

	s.mu.Lock()
	s.rec = rec
	s.peer = peer
	s.mu.Unlock()

	if err := s.attach(ctx); err != nil {
		s.terminate(signaling.StatusEnded)
		return err
	}
	s.armRingTimer()
	s.logger.Info("call started", zap.String("receiverID", s.remoteID))
	return nil
}

// Ring runs the receiver's pre-accept path: attach both listeners so
// candidates buffer while the user decides, and arm the ring timer.
func (s *Session) Ring(ctx context.Context) error {
	if s.role != RoleReceiver {
		return fmt.Errorf("call: Ring is the receiver path")
	}
	if err := s.markStarted(); err != nil {
		return err
	}
	if err := s.attach(ctx); err != nil {
		s.terminate(signaling.StatusEnded)
		return err
	}
	s.armRingTimer()
	s.logger.Info("ringing", zap.String("callerID", s.remoteID))
	return nil
}

// Accept runs the receiver's accept path: build the peer connection from
// the stored offer, drain buffered candidates, publish the answer and go
// active. Never automatic; only an explicit user action lands here.
func (s *Session) Accept(ctx context.Context) error {
	if s.role != RoleReceiver {
		return fmt.Errorf("call: Accept is the receiver path")
	}
	s.mu.Lock()
	if s.disposed || s.machine.Terminal() {
		s.mu.Unlock()
		return ErrSessionOver
	}
	if s.peer != nil {
		s.mu.Unlock()
		return nil
	}
	offer := *s.rec.Offer
	kind := s.rec.Kind
	s.mu.Unlock()

	peer, answer, err := s.deps.Manager.CreateAsReceiver(ctx, kind, offer, s.peerCallbacks())
	if err != nil {
		s.abortSetup(err)
		return err
	}

	s.mu.Lock()
	if s.disposed {
		// Remote ended while media was being acquired.
		s.mu.Unlock()
		peer.Close()
		return ErrSessionOver
	}
	s.peer = peer
	s.queue.DrainInto(peer)
	s.mu.Unlock()

	if err := s.deps.Channel.AnswerCall(ctx, s.rec.ID, answer); err != nil {
		if errors.Is(err, signaling.ErrTerminal) || errors.Is(err, signaling.ErrNotFound) {
			// Lost the race against a remote end; the record stream will
			// finalize the session.
			s.logger.Warn("accept raced with call end", zap.Error(err))
			return ErrSessionOver
		}
		s.terminate(signaling.StatusEnded)
		return fmt.Errorf("call: publish answer: %w", err)
	}

	var notes []func()
	s.mu.Lock()
	notes = s.goActiveLocked()
	s.mu.Unlock()
	runAll(notes)
	s.logger.Info("call accepted")
	return nil
}

// Decline terminates a ringing call from the receiver side. The record
// lands in missed so the caller's history shows an unanswered attempt.
func (s *Session) Decline() {
	s.terminate(signaling.StatusMissed)
}

// Hangup terminates the call from either side at any state. Idempotent
// and safe to invoke concurrently.
func (s *Session) Hangup() {
	s.terminate(signaling.StatusEnded)
}

// FlipCamera swaps the outgoing video track to the named device. Only
// valid while a peer connection exists.
func (s *Session) FlipCamera(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	peer := s.peer
	disposed := s.disposed
	s.mu.Unlock()
	if disposed || peer == nil {
		return ErrSessionOver
	}
	track, err := s.deps.Manager.CaptureVideoTrack(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := peer.ReplaceVideoTrack(track); err != nil {
		track.Close()
		return err
	}
	return nil
}

func (s *Session) markStarted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return ErrSessionOver
	}
	if s.started {
		return fmt.Errorf("call: session already started")
	}
	s.started = true
	return nil
}

// attach subscribes to the record and candidate streams, then backfills
// candidates appended before the live stream existed.
func (s *Session) attach(ctx context.Context) error {
	unsubCall, err := s.deps.Channel.ListenCall(s.ctx, s.rec.ID, func(rec signaling.CallRecord) {
		s.dispatch(recordChanged{rec: rec})
	})
	if err != nil {
		return fmt.Errorf("call: listen record: %w", err)
	}
	unsubCands, err := s.deps.Channel.ListenCandidates(s.ctx, s.rec.ID, func(cand signaling.CandidateRecord) {
		s.dispatch(candidateReceived{cand: cand})
	})
	if err != nil {
		unsubCall()
		return fmt.Errorf("call: listen candidates: %w", err)
	}

	s.mu.Lock()
	s.unsubCall = unsubCall
	s.unsubCands = unsubCands
	s.mu.Unlock()

	existing, err := s.deps.Channel.ExistingCandidates(ctx, s.rec.ID)
	if err != nil {
		// The live stream still covers new candidates; duplicates from a
		// later retry are deduplicated anyway.
		s.logger.Warn("candidate backfill failed", zap.Error(err))
		return nil
	}
	for _, cand := range existing {
		s.dispatch(candidateReceived{cand: cand})
	}
	return nil
}

func (s *Session) armRingTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.machine.State() != signaling.StatusRinging {
		return
	}
	s.ringTimer = time.AfterFunc(s.deps.RingTimeout, func() {
		s.dispatch(timeoutFired{})
	})
}

// peerCallbacks adapts engine events into session events. Local
// candidates go straight to the channel; everything else funnels through
// dispatch.
func (s *Session) peerCallbacks() rtc.Callbacks {
	return rtc.Callbacks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			go s.publishCandidate(cand)
		},
		OnStateChange: func(state rtc.ConnState) {
			s.dispatch(engineStateChanged{state: state})
		},
		OnError: func(err error) {
			s.dispatch(engineFailed{err: err})
		},
		OnRemoteTrack: s.handlers.OnRemoteTrack,
		OnRenegotiate: func(offer webrtc.SessionDescription) {
			// The shared record's offer is immutable; renegotiation stays
			// an engine-local concern.
			s.logger.Debug("renegotiation offer produced", zap.Int("sdpBytes", len(offer.SDP)))
		},
	}
}

// publishCandidate appends one local candidate to the channel. Retried
// briefly because gathering can outrun record creation; a candidate lost
// after that is tolerable.
func (s *Session) publishCandidate(cand webrtc.ICECandidateInit) {
	rec := signaling.CandidateRecord{
		SenderID:  s.localID,
		Candidate: cand,
		CreatedAt: time.Now().UTC(),
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), s.ctx)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		return s.deps.Channel.AddCandidate(ctx, s.rec.ID, rec)
	}, policy)
	if err != nil && s.ctx.Err() == nil {
		s.logger.Warn("dropping local candidate, append kept failing", zap.Error(err))
	}
}

// dispatch delivers one event to the update function. Events arriving
// after disposal are dropped, which is what makes "no callback after
// hangup" hold even when the backend still emits.
func (s *Session) dispatch(ev event) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	notes := s.handle(ev)
	s.mu.Unlock()
	runAll(notes)
}

// handle is the single state-machine-update function. Runs under the
// session lock; returned closures are the outbound notifications to run
// after unlock.
func (s *Session) handle(ev event) []func() {
	switch ev := ev.(type) {
	case recordChanged:
		return s.onRecord(ev.rec)
	case candidateReceived:
		s.queue.ApplyOrEnqueue(ev.cand, s.applier())
		return nil
	case timeoutFired:
		if s.machine.State() != signaling.StatusRinging {
			return nil
		}
		s.logger.Info("ring timeout, call missed")
		return s.finishLocked(signaling.StatusMissed, true)
	case engineStateChanged:
		if fn := s.handlers.OnConnState; fn != nil {
			state := ev.state
			return []func(){func() { fn(state) }}
		}
		return nil
	case engineFailed:
		s.logger.Warn("connection failed, leaving session to the user", zap.Error(ev.err))
		if fn := s.handlers.OnError; fn != nil {
			err := ev.err
			return []func(){func() { fn(err) }}
		}
		return nil
	}
	return nil
}

func (s *Session) onRecord(rec signaling.CallRecord) []func() {
	s.rec = rec

	if rec.Status.Terminal() {
		final := rec.Status
		if final == signaling.StatusEnded && s.machine.State() == signaling.StatusRinging {
			// Remote ended before anyone answered; locally that is missed.
			final = signaling.StatusMissed
		}
		return s.finishLocked(final, false)
	}

	if rec.Status == signaling.StatusActive {
		switch s.role {
		case RoleCaller:
			if s.peer == nil || rec.Answer == nil {
				return nil
			}
			if !s.peer.ApplyRemoteAnswer(*rec.Answer) {
				// Duplicate delivery or a race with termination; the
				// connection's own state already told us which.
				return nil
			}
			return s.goActiveLocked()
		case RoleReceiver:
			// Confirms the accept this side already performed.
			return s.goActiveLocked()
		}
	}
	return nil
}

// goActiveLocked moves ringing to active and cancels the ring timer.
func (s *Session) goActiveLocked() []func() {
	if !s.machine.Transition(signaling.StatusActive) {
		return nil
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	s.logger.Info("call active")
	return s.stateNote()
}

// finishLocked drives the machine to a terminal status, optionally
// writes it to the channel, archives the call and disposes everything.
func (s *Session) finishLocked(final signaling.Status, writeRecord bool) []func() {
	if !s.machine.Transition(final) {
		// active cannot become missed; fall back to ended.
		if !s.machine.Transition(signaling.StatusEnded) {
			s.disposeLocked()
			return nil
		}
		final = signaling.StatusEnded
	}
	if writeRecord {
		go s.writeEnd(final)
	}

	archived := s.rec
	archived.Status = final
	if archived.EndedAt.IsZero() {
		archived.EndedAt = time.Now().UTC()
	}
	history.RecordAsync(s.deps.Archive, archived, s.logger)

	s.disposeLocked()
	s.logger.Info("call finished", zap.String("status", string(final)))
	return s.stateNote()
}

// writeEnd publishes the terminal status best-effort. Losing this write
// is tolerated; the other side's timeout or its own end write covers it.
func (s *Session) writeEnd(final signaling.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Channel.EndCall(ctx, s.rec.ID, final); err != nil {
		s.logger.Warn("end-call write failed", zap.Error(err))
	}
}

// terminate is the shared hangup/decline path.
func (s *Session) terminate(final signaling.Status) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	notes := s.finishLocked(final, true)
	s.mu.Unlock()
	runAll(notes)
}

// abortSetup handles terminal setup failures (media acquisition,
// transport unavailable, record creation).
func (s *Session) abortSetup(err error) {
	s.logger.Error("call setup failed", zap.Error(err))
	s.terminate(signaling.StatusEnded)
}

// disposeLocked releases every owned resource. Unconditional: both
// unsubscribes, the timer, the peer connection with its local tracks,
// and the session context, regardless of which exist.
func (s *Session) disposeLocked() {
	if s.disposed {
		return
	}
	s.disposed = true
	if s.unsubCall != nil {
		s.unsubCall()
	}
	if s.unsubCands != nil {
		s.unsubCands()
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if s.peer != nil {
		s.peer.Close()
	}
	s.cancel()
}

// applier exposes the peer as a candidate sink, or nil before it exists.
func (s *Session) applier() rtc.Applier {
	if s.peer == nil {
		return nil
	}
	return s.peer
}

func (s *Session) stateNote() []func() {
	fn := s.handlers.OnState
	if fn == nil {
		return nil
	}
	state := s.machine.State()
	return []func(){func() { fn(state) }}
}

func runAll(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}
