package signaling

import (
	"errors"

	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
)

// JSON-RPC method names spoken between the relay client and server.
// Request/response methods are client-initiated; the *Changed/*Added/
// *Incoming methods are server-pushed notifications.
const (
	MethodCreateCall     = "call.create"
	MethodGetCall        = "call.get"
	MethodAnswerCall     = "call.answer"
	MethodEndCall        = "call.end"
	MethodWatchCall      = "call.watch"
	MethodAddCandidate   = "cand.add"
	MethodListCandidates = "cand.list"
	MethodWatchCands     = "cand.watch"
	MethodWatchIncoming  = "incoming.watch"
	MethodUnwatch        = "unwatch"

	MethodCallChanged  = "event.callChanged"
	MethodCandAdded    = "event.candidateAdded"
	MethodCallIncoming = "event.callIncoming"
)

// JSON-RPC error codes for the typed channel errors.
const (
	CodeAlreadyExists = 4001
	CodeNotFound      = 4004
	CodeTerminal      = 4009
)

// CallParams addresses one call record.
type CallParams struct {
	ID string `json:"id"`
}

// AnswerParams carries the receiver's answer.
type AnswerParams struct {
	ID     string                    `json:"id"`
	Answer webrtc.SessionDescription `json:"answer"`
}

// EndParams carries the terminal status to apply.
type EndParams struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// CandidateParams carries one appended candidate record.
type CandidateParams struct {
	ID        string          `json:"id"`
	Candidate CandidateRecord `json:"candidate"`
}

// WatchCallParams subscribes to one call's record or candidate stream.
// The client allocates SubID so it can register its handler before the
// first event can possibly arrive.
type WatchCallParams struct {
	ID    string `json:"id"`
	SubID int64  `json:"subId"`
}

// WatchIncomingParams subscribes to ringing calls for one identity.
type WatchIncomingParams struct {
	ReceiverID string `json:"receiverId"`
	SubID      int64  `json:"subId"`
}

// UnwatchParams cancels a server-side subscription.
type UnwatchParams struct {
	SubID int64 `json:"subId"`
}

// CallEvent is the payload of MethodCallChanged and MethodCallIncoming.
type CallEvent struct {
	SubID  int64      `json:"subId"`
	Record CallRecord `json:"record"`
}

// CandidateEvent is the payload of MethodCandAdded.
type CandidateEvent struct {
	SubID     int64           `json:"subId"`
	Candidate CandidateRecord `json:"candidate"`
}

// WireError translates a typed channel error into a JSON-RPC error.
func WireError(err error) *jsonrpc2.Error {
	switch {
	case errors.Is(err, ErrAlreadyExists):
		return &jsonrpc2.Error{Code: CodeAlreadyExists, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return &jsonrpc2.Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, ErrTerminal):
		return &jsonrpc2.Error{Code: CodeTerminal, Message: err.Error()}
	default:
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: err.Error()}
	}
}

// unwireError maps a JSON-RPC error back onto the typed channel errors.
func unwireError(err error) error {
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeNotFound:
		return ErrNotFound
	case CodeTerminal:
		return ErrTerminal
	default:
		return err
	}
}
