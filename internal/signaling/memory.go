package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

// MemoryChannel is an in-process Channel. It backs the signaling relay
// service and the test suite; semantics match the redis backend.
type MemoryChannel struct {
	logger *zap.Logger

	mu       sync.Mutex
	calls    map[string]*memCall
	incoming map[string]map[int64]*memSub[CallRecord]
	nextSub  int64
}

type memCall struct {
	rec      CallRecord
	cands    []CandidateRecord
	recSubs  map[int64]*memSub[CallRecord]
	candSubs map[int64]*memSub[CandidateRecord]
}

// memSub delivers events to one subscriber in enqueue order on a
// dedicated goroutine, so callbacks never run under the channel lock.
type memSub[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func newMemSub[T any](fn func(T)) *memSub[T] {
	s := &memSub[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev := <-s.ch:
				select {
				case <-s.done:
					return
				default:
				}
				fn(ev)
			}
		}
	}()
	return s
}

func (s *memSub[T]) stop() { s.once.Do(func() { close(s.done) }) }

func (s *memSub[T]) push(ev T, logger *zap.Logger) {
	select {
	case s.ch <- ev:
	default:
		logger.Error("signaling subscriber buffer full, dropping event")
	}
}

// NewMemoryChannel returns an empty in-process channel.
func NewMemoryChannel(logger *zap.Logger) *MemoryChannel {
	return &MemoryChannel{
		logger:   logger.Named("signaling.memory"),
		calls:    make(map[string]*memCall),
		incoming: make(map[string]map[int64]*memSub[CallRecord]),
	}
}

func (m *MemoryChannel) CreateCall(ctx context.Context, rec CallRecord) error {
	m.mu.Lock()
	if _, ok := m.calls[rec.ID]; ok {
		m.mu.Unlock()
		return ErrAlreadyExists
	}
	rec.Status = StatusRinging
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	m.calls[rec.ID] = &memCall{
		rec:      rec,
		recSubs:  make(map[int64]*memSub[CallRecord]),
		candSubs: make(map[int64]*memSub[CandidateRecord]),
	}
	subs := m.incoming[rec.ReceiverID]
	for _, s := range subs {
		s.push(rec, m.logger)
	}
	m.mu.Unlock()

	m.logger.Debug("call created",
		zap.String("callID", rec.ID),
		zap.String("caller", rec.CallerID),
		zap.String("receiver", rec.ReceiverID))
	return nil
}

func (m *MemoryChannel) GetCall(ctx context.Context, id string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return c.rec, nil
}

func (m *MemoryChannel) AnswerCall(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if c.rec.Status.Terminal() {
		m.mu.Unlock()
		return ErrTerminal
	}
	if c.rec.Status == StatusActive {
		same := sameDescription(c.rec.Answer, &answer)
		m.mu.Unlock()
		if !same {
			m.logger.Warn("call re-answered with a different description, keeping the first",
				zap.String("callID", id))
		}
		return nil
	}
	c.rec.Answer = &answer
	c.rec.Status = StatusActive
	m.notifyRecordLocked(c)
	m.mu.Unlock()
	return nil
}

func (m *MemoryChannel) EndCall(ctx context.Context, id string, final Status) error {
	if !final.Terminal() {
		return errNotTerminal(final)
	}
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if c.rec.Status.Terminal() {
		// Both sides racing to end the same call is expected.
		m.mu.Unlock()
		return nil
	}
	c.rec.Status = final
	c.rec.EndedAt = time.Now().UTC()
	m.notifyRecordLocked(c)
	m.mu.Unlock()
	return nil
}

func (m *MemoryChannel) ListenCall(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.nextSub++
	subID := m.nextSub
	sub := newMemSub(fn)
	c.recSubs[subID] = sub
	// Initial state is part of the contract.
	sub.push(c.rec, m.logger)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if c, ok := m.calls[id]; ok {
			delete(c.recSubs, subID)
		}
		m.mu.Unlock()
		sub.stop()
	}, nil
}

func (m *MemoryChannel) AddCandidate(ctx context.Context, id string, cand CandidateRecord) error {
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	c.cands = append(c.cands, cand)
	for _, s := range c.candSubs {
		s.push(cand, m.logger)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryChannel) ListenCandidates(ctx context.Context, id string, fn func(CandidateRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.nextSub++
	subID := m.nextSub
	sub := newMemSub(fn)
	c.candSubs[subID] = sub
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if c, ok := m.calls[id]; ok {
			delete(c.candSubs, subID)
		}
		m.mu.Unlock()
		sub.stop()
	}, nil
}

func (m *MemoryChannel) ExistingCandidates(ctx context.Context, id string) ([]CandidateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]CandidateRecord, len(c.cands))
	copy(out, c.cands)
	return out, nil
}

func (m *MemoryChannel) ListenIncoming(ctx context.Context, receiverID string, fn func(CallRecord)) (Unsubscribe, error) {
	m.mu.Lock()
	m.nextSub++
	subID := m.nextSub
	sub := newMemSub(fn)
	if m.incoming[receiverID] == nil {
		m.incoming[receiverID] = make(map[int64]*memSub[CallRecord])
	}
	m.incoming[receiverID][subID] = sub
	// Backfill calls that were already ringing before the subscription.
	for _, c := range m.calls {
		if c.rec.ReceiverID == receiverID && c.rec.Status == StatusRinging {
			sub.push(c.rec, m.logger)
		}
	}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if subs := m.incoming[receiverID]; subs != nil {
			delete(subs, subID)
		}
		m.mu.Unlock()
		sub.stop()
	}, nil
}

func (m *MemoryChannel) notifyRecordLocked(c *memCall) {
	for _, s := range c.recSubs {
		s.push(c.rec, m.logger)
	}
}
