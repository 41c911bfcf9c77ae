package signalrelay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zaptest"

	"github.com/mentora/callkit/internal/media"
	"github.com/mentora/callkit/internal/signaling"
)

func dialTestRelay(t *testing.T) *signaling.RPCChannel {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := signaling.NewMemoryChannel(logger)
	srv := httptest.NewServer(New(store, logger).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	client, err := signaling.DialRPC(context.Background(), url, logger)
	if err != nil {
		t.Fatalf("DialRPC: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func relayRecord(t *testing.T, id string) signaling.CallRecord {
	t.Helper()
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 relay-offer"}
	rec, err := signaling.NewCallRecord(id, "alice", "bob", media.KindAudio, offer)
	if err != nil {
		t.Fatalf("NewCallRecord: %v", err)
	}
	return rec
}

func TestRelayCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := dialTestRelay(t)

	if err := client.CreateCall(ctx, relayRecord(t, "r1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if err := client.CreateCall(ctx, relayRecord(t, "r1")); !errors.Is(err, signaling.ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v, want ErrAlreadyExists", err)
	}
	if _, err := client.GetCall(ctx, "missing"); !errors.Is(err, signaling.ErrNotFound) {
		t.Fatalf("missing get: got %v, want ErrNotFound", err)
	}

	rec, err := client.GetCall(ctx, "r1")
	if err != nil {
		t.Fatalf("GetCall: %v", err)
	}
	if rec.Status != signaling.StatusRinging || rec.Offer == nil || rec.Offer.SDP != "v=0 relay-offer" {
		t.Fatalf("round-tripped record: %+v", rec)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 relay-answer"}
	if err := client.AnswerCall(ctx, "r1", answer); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	if err := client.EndCall(ctx, "r1", signaling.StatusEnded); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := client.AnswerCall(ctx, "r1", answer); !errors.Is(err, signaling.ErrTerminal) {
		t.Fatalf("answer after end: got %v, want ErrTerminal", err)
	}
}

func TestRelayWatchCall(t *testing.T) {
	ctx := context.Background()
	client := dialTestRelay(t)

	if err := client.CreateCall(ctx, relayRecord(t, "w1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	events := make(chan signaling.CallRecord, 8)
	unsub, err := client.ListenCall(ctx, "w1", func(rec signaling.CallRecord) {
		events <- rec
	})
	if err != nil {
		t.Fatalf("ListenCall: %v", err)
	}
	defer unsub()

	waitFor := func(want signaling.Status) {
		t.Helper()
		deadline := time.After(3 * time.Second)
		for {
			select {
			case rec := <-events:
				if rec.Status == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %s over the relay", want)
			}
		}
	}

	waitFor(signaling.StatusRinging)
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 a"}
	if err := client.AnswerCall(ctx, "w1", answer); err != nil {
		t.Fatalf("AnswerCall: %v", err)
	}
	waitFor(signaling.StatusActive)
}

func TestRelayCandidatesAndBackfill(t *testing.T) {
	ctx := context.Background()
	client := dialTestRelay(t)

	if err := client.CreateCall(ctx, relayRecord(t, "k1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	early := signaling.CandidateRecord{
		SenderID:  "alice",
		Candidate: webrtc.ICECandidateInit{Candidate: "early"},
	}
	if err := client.AddCandidate(ctx, "k1", early); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}

	events := make(chan signaling.CandidateRecord, 8)
	unsub, err := client.ListenCandidates(ctx, "k1", func(c signaling.CandidateRecord) {
		events <- c
	})
	if err != nil {
		t.Fatalf("ListenCandidates: %v", err)
	}
	defer unsub()

	existing, err := client.ExistingCandidates(ctx, "k1")
	if err != nil {
		t.Fatalf("ExistingCandidates: %v", err)
	}
	if len(existing) != 1 || existing[0].Candidate.Candidate != "early" {
		t.Fatalf("backfill over the relay = %+v", existing)
	}

	late := signaling.CandidateRecord{
		SenderID:  "bob",
		Candidate: webrtc.ICECandidateInit{Candidate: "late"},
	}
	if err := client.AddCandidate(ctx, "k1", late); err != nil {
		t.Fatalf("AddCandidate: %v", err)
	}
	select {
	case got := <-events:
		if got.Candidate.Candidate != "late" {
			t.Fatalf("live candidate = %s, want late", got.Candidate.Candidate)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a live candidate over the relay")
	}
}

func TestRelayIncomingWatch(t *testing.T) {
	ctx := context.Background()
	client := dialTestRelay(t)

	events := make(chan signaling.CallRecord, 8)
	unsub, err := client.ListenIncoming(ctx, "bob", func(rec signaling.CallRecord) {
		events <- rec
	})
	if err != nil {
		t.Fatalf("ListenIncoming: %v", err)
	}
	defer unsub()

	if err := client.CreateCall(ctx, relayRecord(t, "in1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	select {
	case rec := <-events:
		if rec.ID != "in1" {
			t.Fatalf("incoming call = %s, want in1", rec.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an incoming-call event")
	}
}

func TestRelayUnsubscribeStopsEvents(t *testing.T) {
	ctx := context.Background()
	client := dialTestRelay(t)

	if err := client.CreateCall(ctx, relayRecord(t, "u1")); err != nil {
		t.Fatalf("CreateCall: %v", err)
	}

	events := make(chan signaling.CallRecord, 8)
	unsub, err := client.ListenCall(ctx, "u1", func(rec signaling.CallRecord) {
		events <- rec
	})
	if err != nil {
		t.Fatalf("ListenCall: %v", err)
	}

	select {
	case <-events:
	case <-time.After(3 * time.Second):
		t.Fatal("initial snapshot never arrived")
	}
	unsub()

	if err := client.EndCall(ctx, "u1", signaling.StatusEnded); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	select {
	case rec := <-events:
		t.Fatalf("event after unsubscribe: %+v", rec)
	case <-time.After(200 * time.Millisecond):
	}
}
