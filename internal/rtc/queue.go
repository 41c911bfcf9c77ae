package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/signaling"
)

// Applier is the single peer-connection operation the queue needs.
type Applier interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

// CandidateQueue buffers remote ICE candidates that arrive before the
// local peer connection exists, and deduplicates across the live stream
// and the backfill fetch. Candidates echoing back from the local identity
// are discarded before they ever reach the buffer.
type CandidateQueue struct {
	localID string
	logger  *zap.Logger

	mu      sync.Mutex
	pending []signaling.CandidateRecord
	applied map[string]struct{}
}

// NewCandidateQueue returns an empty queue filtering echoes of localID.
func NewCandidateQueue(localID string, logger *zap.Logger) *CandidateQueue {
	return &CandidateQueue{
		localID: localID,
		logger:  logger.Named("candqueue"),
		applied: make(map[string]struct{}),
	}
}

// ApplyOrEnqueue applies the candidate immediately when a peer connection
// exists, otherwise buffers it for DrainInto.
func (q *CandidateQueue) ApplyOrEnqueue(rec signaling.CandidateRecord, pc Applier) {
	if rec.SenderID == q.localID {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if pc == nil {
		q.pending = append(q.pending, rec)
		q.logger.Debug("buffered candidate, no peer connection yet",
			zap.String("sender", rec.SenderID),
			zap.Int("pending", len(q.pending)))
		return
	}
	q.applyLocked(rec, pc)
}

// DrainInto applies every buffered candidate to pc in arrival order and
// clears the buffer. Individual apply failures are logged and skipped.
func (q *CandidateQueue) DrainInto(pc Applier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return
	}
	q.logger.Debug("draining buffered candidates", zap.Int("count", len(q.pending)))
	for _, rec := range q.pending {
		q.applyLocked(rec, pc)
	}
	q.pending = q.pending[:0]
}

// Pending reports how many candidates are buffered.
func (q *CandidateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// applyLocked applies one record unless its dedup key was seen before.
// The key is recorded even when the apply fails: redelivery of a
// candidate the connection rejected once will not succeed later.
func (q *CandidateQueue) applyLocked(rec signaling.CandidateRecord, pc Applier) {
	key := rec.Key()
	if _, seen := q.applied[key]; seen {
		return
	}
	q.applied[key] = struct{}{}
	if err := pc.AddICECandidate(rec.Candidate); err != nil {
		q.logger.Warn("failed to apply remote candidate",
			zap.String("sender", rec.SenderID),
			zap.Error(err))
	}
}
