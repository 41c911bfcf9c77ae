package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

// RPCChannel implements Channel against the signaling relay service over a
// websocket JSON-RPC connection. Server-pushed notifications are routed to
// local subscribers by subscription id.
type RPCChannel struct {
	conn    *jsonrpc2.Conn
	logger  *zap.Logger
	nextSub atomic.Int64

	mu           sync.Mutex
	callSubs     map[int64]func(CallRecord)
	candSubs     map[int64]func(CandidateRecord)
	incomingSubs map[int64]func(CallRecord)
}

// DialRPC connects to the relay at url (ws:// or wss://), retrying the
// dial with exponential backoff while ctx allows.
func DialRPC(ctx context.Context, url string, logger *zap.Logger) (*RPCChannel, error) {
	var ws *websocket.Conn
	op := func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("signaling: dial relay %s: %w", url, err)
	}

	c := &RPCChannel{
		logger:       logger.Named("signaling.rpc"),
		callSubs:     make(map[int64]func(CallRecord)),
		candSubs:     make(map[int64]func(CandidateRecord)),
		incomingSubs: make(map[int64]func(CallRecord)),
	}
	c.conn = jsonrpc2.NewConn(ctx, wsstream.NewObjectStream(ws), jsonrpc2.AsyncHandler(c))
	return c, nil
}

// Close tears down the websocket connection and with it every server-side
// subscription owned by this client.
func (c *RPCChannel) Close() error { return c.conn.Close() }

// Handle receives server-pushed notifications. Part of jsonrpc2.Handler;
// not for direct use.
func (c *RPCChannel) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif || req.Params == nil {
		return
	}
	switch req.Method {
	case MethodCallChanged, MethodCallIncoming:
		var ev CallEvent
		if err := json.Unmarshal(*req.Params, &ev); err != nil {
			c.logger.Warn("malformed call event", zap.Error(err))
			return
		}
		c.mu.Lock()
		fn := c.callSubs[ev.SubID]
		if fn == nil {
			fn = c.incomingSubs[ev.SubID]
		}
		c.mu.Unlock()
		if fn != nil {
			fn(ev.Record)
		}
	case MethodCandAdded:
		var ev CandidateEvent
		if err := json.Unmarshal(*req.Params, &ev); err != nil {
			c.logger.Warn("malformed candidate event", zap.Error(err))
			return
		}
		c.mu.Lock()
		fn := c.candSubs[ev.SubID]
		c.mu.Unlock()
		if fn != nil {
			fn(ev.Candidate)
		}
	default:
		c.logger.Debug("ignoring unknown notification", zap.String("method", req.Method))
	}
}

func (c *RPCChannel) CreateCall(ctx context.Context, rec CallRecord) error {
	return c.call(ctx, MethodCreateCall, rec, nil)
}

func (c *RPCChannel) GetCall(ctx context.Context, id string) (CallRecord, error) {
	var rec CallRecord
	err := c.call(ctx, MethodGetCall, CallParams{ID: id}, &rec)
	return rec, err
}

func (c *RPCChannel) AnswerCall(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	return c.call(ctx, MethodAnswerCall, AnswerParams{ID: id, Answer: answer}, nil)
}

func (c *RPCChannel) EndCall(ctx context.Context, id string, final Status) error {
	if !final.Terminal() {
		return errNotTerminal(final)
	}
	return c.call(ctx, MethodEndCall, EndParams{ID: id, Status: final}, nil)
}

func (c *RPCChannel) ListenCall(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error) {
	subID := c.nextSub.Add(1)
	c.mu.Lock()
	c.callSubs[subID] = fn
	c.mu.Unlock()
	if err := c.call(ctx, MethodWatchCall, WatchCallParams{ID: id, SubID: subID}, nil); err != nil {
		c.mu.Lock()
		delete(c.callSubs, subID)
		c.mu.Unlock()
		return nil, err
	}
	return c.unsubscriber(subID, func(id int64) {
		delete(c.callSubs, id)
	}), nil
}

func (c *RPCChannel) AddCandidate(ctx context.Context, id string, cand CandidateRecord) error {
	return c.call(ctx, MethodAddCandidate, CandidateParams{ID: id, Candidate: cand}, nil)
}

func (c *RPCChannel) ListenCandidates(ctx context.Context, id string, fn func(CandidateRecord)) (Unsubscribe, error) {
	subID := c.nextSub.Add(1)
	c.mu.Lock()
	c.candSubs[subID] = fn
	c.mu.Unlock()
	if err := c.call(ctx, MethodWatchCands, WatchCallParams{ID: id, SubID: subID}, nil); err != nil {
		c.mu.Lock()
		delete(c.candSubs, subID)
		c.mu.Unlock()
		return nil, err
	}
	return c.unsubscriber(subID, func(id int64) {
		delete(c.candSubs, id)
	}), nil
}

func (c *RPCChannel) ExistingCandidates(ctx context.Context, id string) ([]CandidateRecord, error) {
	var out []CandidateRecord
	if err := c.call(ctx, MethodListCandidates, CallParams{ID: id}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *RPCChannel) ListenIncoming(ctx context.Context, receiverID string, fn func(CallRecord)) (Unsubscribe, error) {
	subID := c.nextSub.Add(1)
	c.mu.Lock()
	c.incomingSubs[subID] = fn
	c.mu.Unlock()
	if err := c.call(ctx, MethodWatchIncoming, WatchIncomingParams{ReceiverID: receiverID, SubID: subID}, nil); err != nil {
		c.mu.Lock()
		delete(c.incomingSubs, subID)
		c.mu.Unlock()
		return nil, err
	}
	return c.unsubscriber(subID, func(id int64) {
		delete(c.incomingSubs, id)
	}), nil
}

func (c *RPCChannel) call(ctx context.Context, method string, params, result any) error {
	if err := c.conn.Call(ctx, method, params, result); err != nil {
		return unwireError(err)
	}
	return nil
}

func (c *RPCChannel) unsubscriber(subID int64, remove func(int64)) Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			remove(subID)
			c.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.call(ctx, MethodUnwatch, UnwatchParams{SubID: subID}, nil); err != nil {
				c.logger.Debug("unwatch failed", zap.Int64("subID", subID), zap.Error(err))
			}
		})
	}
}
