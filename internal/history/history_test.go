package history

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mentora/callkit/internal/media"
	"github.com/mentora/callkit/internal/signaling"
)

func TestRecordRejectsNonTerminal(t *testing.T) {
	a := &PostgresArchive{logger: zaptest.NewLogger(t)}
	rec := signaling.CallRecord{
		ID:       "c1",
		Status:   signaling.StatusActive,
		Kind:     media.KindAudio,
		CallerID: "alice", ReceiverID: "bob",
		StartedAt: time.Now(),
	}
	if err := a.Record(context.Background(), rec); err == nil {
		t.Fatal("non-terminal call was archived")
	}
}

func TestRecordAsyncNilArchive(t *testing.T) {
	// Must be a no-op, not a panic.
	RecordAsync(nil, signaling.CallRecord{ID: "c1"}, zaptest.NewLogger(t))
}
