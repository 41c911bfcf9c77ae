package signaling

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	return zaptest.NewLogger(t)
}

func testOfferCandidate(payload string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: payload}
}
