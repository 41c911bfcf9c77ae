package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/config"
)

// Key layout. The call record is a plain JSON value, candidates are an
// append-only list, and change notifications ride pub/sub. A per-receiver
// set of ringing call ids backs the incoming-call backfill.
func callKey(id string) string         { return "call:" + id }
func candListKey(id string) string     { return "call:" + id + ":cands" }
func callEvents(id string) string      { return "call:" + id + ":events" }
func candEvents(id string) string      { return "call:" + id + ":cands:events" }
func incomingEvents(rcv string) string { return "calls:incoming:" + rcv }
func ringingSetKey(rcv string) string  { return "calls:ringing:" + rcv }

// answerScript attaches the answer and flips ringing to active, publishing
// the new snapshot. Terminal records are left untouched; re-answering an
// active call is reported so the client can decide whether to warn.
//
// KEYS[1] call record, KEYS[2] ringing set
// ARGV[1] answer JSON, ARGV[2] events channel, ARGV[3] call id
var answerScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'notfound'
end
local rec = cjson.decode(raw)
if rec.status == 'ended' or rec.status == 'missed' then
  return 'terminal'
end
local ans = cjson.decode(ARGV[1])
if rec.status == 'active' then
  if rec.answer and rec.answer.type == ans.type and rec.answer.sdp == ans.sdp then
    return 'dup'
  end
  return 'conflict'
end
rec.answer = ans
rec.status = 'active'
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
redis.call('SREM', KEYS[2], ARGV[3])
redis.call('PUBLISH', ARGV[2], out)
return 'ok'
`)

// endScript flips the record to a terminal status unless it already is
// terminal; losing that race is expected and reported as a no-op.
//
// KEYS[1] call record, KEYS[2] ringing set
// ARGV[1] final status, ARGV[2] endedAt, ARGV[3] events channel, ARGV[4] call id
var endScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 'notfound'
end
local rec = cjson.decode(raw)
if rec.status == 'ended' or rec.status == 'missed' then
  return 'noop'
end
rec.status = ARGV[1]
rec.endedAt = ARGV[2]
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
redis.call('SREM', KEYS[2], ARGV[4])
redis.call('PUBLISH', ARGV[3], out)
return 'ok'
`)

// RedisChannel implements Channel on a redis backend.
type RedisChannel struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisChannel connects to redis and validates connectivity via PING.
func NewRedisChannel(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisChannel, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("signaling: redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("signaling: redis ping failed: %w", err)
	}
	return &RedisChannel{rdb: rdb, logger: logger.Named("signaling.redis")}, nil
}

// Close releases the underlying client.
func (r *RedisChannel) Close() error { return r.rdb.Close() }

func (r *RedisChannel) CreateCall(ctx context.Context, rec CallRecord) error {
	rec.Status = StatusRinging
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("signaling: marshal call record: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, callKey(rec.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("signaling: create call: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	// Index + announce for incoming-call watchers. Best effort: the record
	// itself is already durable.
	pipe := r.rdb.Pipeline()
	pipe.SAdd(ctx, ringingSetKey(rec.ReceiverID), rec.ID)
	pipe.Publish(ctx, incomingEvents(rec.ReceiverID), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("failed to announce incoming call", zap.String("callID", rec.ID), zap.Error(err))
	}
	return nil
}

func (r *RedisChannel) GetCall(ctx context.Context, id string) (CallRecord, error) {
	raw, err := r.rdb.Get(ctx, callKey(id)).Bytes()
	if err == redis.Nil {
		return CallRecord{}, ErrNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("signaling: get call: %w", err)
	}
	var rec CallRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return CallRecord{}, fmt.Errorf("signaling: decode call record: %w", err)
	}
	return rec, nil
}

func (r *RedisChannel) AnswerCall(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	rec, err := r.GetCall(ctx, id)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(&answer)
	if err != nil {
		return fmt.Errorf("signaling: marshal answer: %w", err)
	}
	res, err := answerScript.Run(ctx, r.rdb,
		[]string{callKey(id), ringingSetKey(rec.ReceiverID)},
		raw, callEvents(id), id).Text()
	if err != nil {
		return fmt.Errorf("signaling: answer call: %w", err)
	}
	switch res {
	case "ok", "dup":
		return nil
	case "conflict":
		r.logger.Warn("call re-answered with a different description, keeping the first",
			zap.String("callID", id))
		return nil
	case "terminal":
		return ErrTerminal
	case "notfound":
		return ErrNotFound
	default:
		return fmt.Errorf("signaling: answer call: unexpected script result %q", res)
	}
}

func (r *RedisChannel) EndCall(ctx context.Context, id string, final Status) error {
	if !final.Terminal() {
		return errNotTerminal(final)
	}
	rec, err := r.GetCall(ctx, id)
	if err != nil {
		return err
	}
	res, err := endScript.Run(ctx, r.rdb,
		[]string{callKey(id), ringingSetKey(rec.ReceiverID)},
		string(final), time.Now().UTC().Format(time.RFC3339Nano), callEvents(id), id).Text()
	if err != nil {
		return fmt.Errorf("signaling: end call: %w", err)
	}
	switch res {
	case "ok", "noop":
		return nil
	case "notfound":
		return ErrNotFound
	default:
		return fmt.Errorf("signaling: end call: unexpected script result %q", res)
	}
}

func (r *RedisChannel) ListenCall(ctx context.Context, id string, fn func(CallRecord)) (Unsubscribe, error) {
	exists, err := r.rdb.Exists(ctx, callKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("signaling: listen call: %w", err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}
	return r.subscribe(ctx, callEvents(id), func(payload []byte) {
		var rec CallRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			r.logger.Warn("dropping malformed call event", zap.String("callID", id), zap.Error(err))
			return
		}
		fn(rec)
	}, func() {
		// Snapshot only after the subscription is live, so a mutation
		// landing between the two is seen either here or on the stream.
		rec, err := r.GetCall(ctx, id)
		if err != nil {
			r.logger.Warn("initial call snapshot failed", zap.String("callID", id), zap.Error(err))
			return
		}
		fn(rec)
	})
}

func (r *RedisChannel) AddCandidate(ctx context.Context, id string, cand CandidateRecord) error {
	if cand.CreatedAt.IsZero() {
		cand.CreatedAt = time.Now().UTC()
	}
	exists, err := r.rdb.Exists(ctx, callKey(id)).Result()
	if err != nil {
		return fmt.Errorf("signaling: add candidate: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("signaling: marshal candidate: %w", err)
	}
	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, candListKey(id), raw)
	pipe.Publish(ctx, candEvents(id), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("signaling: add candidate: %w", err)
	}
	return nil
}

func (r *RedisChannel) ListenCandidates(ctx context.Context, id string, fn func(CandidateRecord)) (Unsubscribe, error) {
	return r.subscribe(ctx, candEvents(id), func(payload []byte) {
		var cand CandidateRecord
		if err := json.Unmarshal(payload, &cand); err != nil {
			r.logger.Warn("dropping malformed candidate event", zap.String("callID", id), zap.Error(err))
			return
		}
		fn(cand)
	}, nil)
}

func (r *RedisChannel) ExistingCandidates(ctx context.Context, id string) ([]CandidateRecord, error) {
	raws, err := r.rdb.LRange(ctx, candListKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("signaling: list candidates: %w", err)
	}
	out := make([]CandidateRecord, 0, len(raws))
	for _, raw := range raws {
		var cand CandidateRecord
		if err := json.Unmarshal([]byte(raw), &cand); err != nil {
			r.logger.Warn("skipping malformed stored candidate", zap.String("callID", id), zap.Error(err))
			continue
		}
		out = append(out, cand)
	}
	return out, nil
}

func (r *RedisChannel) ListenIncoming(ctx context.Context, receiverID string, fn func(CallRecord)) (Unsubscribe, error) {
	backfill := func() {
		ids, err := r.rdb.SMembers(ctx, ringingSetKey(receiverID)).Result()
		if err != nil {
			r.logger.Warn("incoming backfill failed", zap.String("receiver", receiverID), zap.Error(err))
			return
		}
		for _, id := range ids {
			rec, err := r.GetCall(ctx, id)
			if err != nil {
				continue
			}
			// The set can lag the record; only still-ringing calls count.
			if rec.Status == StatusRinging {
				fn(rec)
			}
		}
	}
	return r.subscribe(ctx, incomingEvents(receiverID), func(payload []byte) {
		var rec CallRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			r.logger.Warn("dropping malformed incoming-call event", zap.Error(err))
			return
		}
		if rec.Status == StatusRinging {
			fn(rec)
		}
	}, backfill)
}

// subscribe attaches a pub/sub listener and pumps messages until
// unsubscribed. go-redis reconnects the underlying subscription on
// transient failures; establishment itself is retried with backoff.
// onReady, when set, runs once after the subscription is live and before
// any streamed message is delivered.
func (r *RedisChannel) subscribe(ctx context.Context, channel string, deliver func([]byte), onReady func()) (Unsubscribe, error) {
	var pubsub *redis.PubSub
	op := func() error {
		pubsub = r.rdb.Subscribe(ctx, channel)
		// Wait for the subscription to be confirmed.
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("signaling: subscribe %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		if onReady != nil {
			onReady()
		}
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case <-done:
					return
				default:
				}
				deliver([]byte(msg.Payload))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				r.logger.Debug("pubsub close", zap.String("channel", channel), zap.Error(err))
			}
		})
	}, nil
}
