// Package signalrelay hosts the signaling document store behind a
// websocket JSON-RPC endpoint, for deployments that have no redis: every
// call participant dials the relay and speaks the signaling.RPCChannel
// protocol.
package signalrelay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/signaling"
)

// Server upgrades websocket connections and serves the signaling protocol
// on each, backed by a shared Channel (normally a MemoryChannel).
type Server struct {
	store    signaling.Channel
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New returns a relay server over the given store.
func New(store signaling.Channel, logger *zap.Logger) *Server {
	return &Server{
		store:  store,
		logger: logger.Named("signalrelay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Relay auth is carried by the deployment (mTLS or a fronting
			// proxy), not the relay itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the http handler that upgrades and serves connections.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	sess := &session{
		store:  s.store,
		logger: s.logger.With(zap.String("remote", ws.RemoteAddr().String())),
		subs:   make(map[int64]signaling.Unsubscribe),
	}
	conn := jsonrpc2.NewConn(r.Context(), wsstream.NewObjectStream(ws), jsonrpc2.AsyncHandler(sess))
	sess.logger.Info("relay client connected")
	<-conn.DisconnectNotify()
	sess.teardown()
	sess.logger.Info("relay client disconnected")
}

// session is the per-connection protocol handler. It owns every live
// subscription created over its connection and tears them all down when
// the peer goes away.
type session struct {
	store  signaling.Channel
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	subs   map[int64]signaling.Unsubscribe
}

func (s *session) teardown() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// Handle implements jsonrpc2.Handler.
func (s *session) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if req.Notif {
		return
	}
	result, err := s.dispatch(ctx, conn, req)
	if err != nil {
		var rpcErr *jsonrpc2.Error
		if !errors.As(err, &rpcErr) {
			rpcErr = signaling.WireError(err)
		}
		if replyErr := conn.ReplyWithError(ctx, req.ID, rpcErr); replyErr != nil {
			s.logger.Debug("error reply failed", zap.Error(replyErr))
		}
		return
	}
	if replyErr := conn.Reply(ctx, req.ID, result); replyErr != nil {
		s.logger.Debug("reply failed", zap.Error(replyErr))
	}
}

func (s *session) dispatch(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case signaling.MethodCreateCall:
		var rec signaling.CallRecord
		if err := unmarshalParams(req, &rec); err != nil {
			return nil, err
		}
		return struct{}{}, s.store.CreateCall(ctx, rec)

	case signaling.MethodGetCall:
		var p signaling.CallParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.store.GetCall(ctx, p.ID)

	case signaling.MethodAnswerCall:
		var p signaling.AnswerParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return struct{}{}, s.store.AnswerCall(ctx, p.ID, p.Answer)

	case signaling.MethodEndCall:
		var p signaling.EndParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return struct{}{}, s.store.EndCall(ctx, p.ID, p.Status)

	case signaling.MethodAddCandidate:
		var p signaling.CandidateParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return struct{}{}, s.store.AddCandidate(ctx, p.ID, p.Candidate)

	case signaling.MethodListCandidates:
		var p signaling.CallParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		return s.store.ExistingCandidates(ctx, p.ID)

	case signaling.MethodWatchCall:
		var p signaling.WatchCallParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		unsub, err := s.store.ListenCall(ctx, p.ID, func(rec signaling.CallRecord) {
			s.notify(conn, signaling.MethodCallChanged, signaling.CallEvent{SubID: p.SubID, Record: rec})
		})
		if err != nil {
			return nil, err
		}
		s.register(p.SubID, unsub)
		return struct{}{}, nil

	case signaling.MethodWatchCands:
		var p signaling.WatchCallParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		unsub, err := s.store.ListenCandidates(ctx, p.ID, func(cand signaling.CandidateRecord) {
			s.notify(conn, signaling.MethodCandAdded, signaling.CandidateEvent{SubID: p.SubID, Candidate: cand})
		})
		if err != nil {
			return nil, err
		}
		s.register(p.SubID, unsub)
		return struct{}{}, nil

	case signaling.MethodWatchIncoming:
		var p signaling.WatchIncomingParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		unsub, err := s.store.ListenIncoming(ctx, p.ReceiverID, func(rec signaling.CallRecord) {
			s.notify(conn, signaling.MethodCallIncoming, signaling.CallEvent{SubID: p.SubID, Record: rec})
		})
		if err != nil {
			return nil, err
		}
		s.register(p.SubID, unsub)
		return struct{}{}, nil

	case signaling.MethodUnwatch:
		var p signaling.UnwatchParams
		if err := unmarshalParams(req, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		unsub := s.subs[p.SubID]
		delete(s.subs, p.SubID)
		s.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return struct{}{}, nil

	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

// register tracks a live subscription, or cancels it immediately if the
// connection raced shutdown.
func (s *session) register(subID int64, unsub signaling.Unsubscribe) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsub()
		return
	}
	s.subs[subID] = unsub
	s.mu.Unlock()
}

// notify pushes one event; delivery uses a background context because the
// originating request is long gone by the time events fire.
func (s *session) notify(conn *jsonrpc2.Conn, method string, payload any) {
	if err := conn.Notify(context.Background(), method, payload); err != nil {
		s.logger.Debug("notify failed", zap.String("method", method), zap.Error(err))
	}
}

func unmarshalParams(req *jsonrpc2.Request, dst any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, dst); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
