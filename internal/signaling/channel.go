// Package signaling defines the out-of-band channel two peers use to
// exchange call state, session descriptions and ICE candidates, plus the
// backends that implement it.
//
// The channel is deliberately split into "live stream from now" and
// "one-shot backfill" so backends only need a change-notification
// primitive, never replay-from-offset.
package signaling

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mentora/callkit/internal/media"
)

// Status is the lifecycle of a call record. Ended and missed are terminal
// and never revert.
type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusMissed  Status = "missed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusMissed }

// Valid reports whether the status is one of the four known values.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusActive, StatusEnded, StatusMissed:
		return true
	}
	return false
}

// CallRecord is the shared mutable document for one call attempt. The
// caller sets the offer, the receiver sets the answer, either side may set
// a terminal status. The record is never deleted while a call is live.
type CallRecord struct {
	ID         string                     `json:"id"`
	CallerID   string                     `json:"callerId"`
	ReceiverID string                     `json:"receiverId"`
	Kind       media.Kind                 `json:"kind"`
	Status     Status                     `json:"status"`
	Offer      *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer     *webrtc.SessionDescription `json:"answer,omitempty"`
	StartedAt  time.Time                  `json:"startedAt"`
	EndedAt    time.Time                  `json:"endedAt,omitempty"`
}

// CandidateRecord is one append-only ICE candidate entry. Consumers must
// tolerate redelivery: the same record may arrive once via the live stream
// and again via backfill.
type CandidateRecord struct {
	SenderID  string                  `json:"senderId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	CreatedAt time.Time               `json:"createdAt"`
}

// Key returns the dedup key for this record: sender identity plus the
// canonically serialized candidate. Two deliveries of the same physical
// candidate always produce the same key.
func (c CandidateRecord) Key() string {
	raw, err := json.Marshal(c.Candidate)
	if err != nil {
		// ICECandidateInit is a plain struct; this cannot fail in practice.
		raw = []byte(c.Candidate.Candidate)
	}
	sum := sha256.Sum256(raw)
	return c.SenderID + ":" + hex.EncodeToString(sum[:8])
}

// Typed channel errors. Backends translate their native failures into
// these so callers never match on message text.
var (
	ErrAlreadyExists = errors.New("signaling: call id already exists")
	ErrNotFound      = errors.New("signaling: call not found")
	ErrTerminal      = errors.New("signaling: call already terminal")
)

// Unsubscribe detaches a live listener. Safe to call more than once; after
// it returns no further callbacks fire.
type Unsubscribe func()

// Channel is the signaling contract. All operations are safe for
// concurrent use and honor ctx cancellation.
//
// Behavior the implementations share:
//
//   - CreateCall fails with ErrAlreadyExists on id reuse.
//   - AnswerCall fails with ErrNotFound or ErrTerminal; answering an
//     already-active call with the same answer is a no-op, with a
//     different answer it is logged and ignored (retry inconsistency is
//     suspicious but never fatal).
//   - EndCall on an already-terminal record returns nil: the losing side
//     of that race is expected.
//   - ListenCall delivers the current record first, then every mutation,
//     in commit order. Transient backend errors trigger reconnection, not
//     termination; only Unsubscribe stops the stream.
//   - ListenCandidates delivers records appended from subscription time
//     onward; callers pair it with ExistingCandidates for backfill.
//   - AddCandidate is best-effort; callers treat failures as loggable.
type Channel interface {
	CreateCall(ctx context.Context, rec CallRecord) error
	GetCall(ctx context.Context, id string) (CallRecord, error)
	AnswerCall(ctx context.Context, id string, answer webrtc.SessionDescription) error
	EndCall(ctx context.Context, id string, final Status) error
	ListenCall(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error)

	AddCandidate(ctx context.Context, id string, cand CandidateRecord) error
	ListenCandidates(ctx context.Context, id string, fn func(CandidateRecord)) (Unsubscribe, error)
	ExistingCandidates(ctx context.Context, id string) ([]CandidateRecord, error)

	// ListenIncoming watches for ringing calls addressed to receiverID.
	// Already-ringing calls are delivered first, then new ones as they
	// are created.
	ListenIncoming(ctx context.Context, receiverID string, fn func(CallRecord)) (Unsubscribe, error)
}

// NewCallRecord assembles a ringing record for a fresh attempt.
func NewCallRecord(id, callerID, receiverID string, kind media.Kind, offer webrtc.SessionDescription) (CallRecord, error) {
	if id == "" {
		return CallRecord{}, fmt.Errorf("signaling: call id must not be empty")
	}
	if callerID == "" || receiverID == "" {
		return CallRecord{}, fmt.Errorf("signaling: caller and receiver ids must not be empty")
	}
	if _, err := media.ParseKind(string(kind)); err != nil {
		return CallRecord{}, err
	}
	return CallRecord{
		ID:         id,
		CallerID:   callerID,
		ReceiverID: receiverID,
		Kind:       kind,
		Status:     StatusRinging,
		Offer:      &offer,
		StartedAt:  time.Now().UTC(),
	}, nil
}

func errNotTerminal(s Status) error {
	return fmt.Errorf("signaling: %q is not a terminal status", s)
}

// sameDescription compares two session descriptions structurally.
func sameDescription(a, b *webrtc.SessionDescription) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && a.SDP == b.SDP
}
