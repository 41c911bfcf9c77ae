// Package notify dispatches ring notifications to the receiving party.
// Dispatch is fire-and-forget: a notification failure never aborts the
// call that triggered it.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/signaling"
)

// Notifier delivers a "you have an incoming call" signal to the
// receiver's devices out of band.
type Notifier interface {
	NotifyRing(ctx context.Context, rec signaling.CallRecord) error
}

// LogNotifier is the default sink when no push integration is wired. It
// records the ring in the log and nothing else.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) NotifyRing(_ context.Context, rec signaling.CallRecord) error {
	n.logger.Info("ring notification",
		zap.String("callID", rec.ID),
		zap.String("callerID", rec.CallerID),
		zap.String("receiverID", rec.ReceiverID),
		zap.String("kind", string(rec.Kind)))
	return nil
}

// Dispatch invokes the notifier in the background with a bounded
// timeout. Errors are logged and dropped.
func Dispatch(n Notifier, rec signaling.CallRecord, logger *zap.Logger) {
	if n == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := n.NotifyRing(ctx, rec); err != nil {
			logger.Warn("ring notification failed",
				zap.String("callID", rec.ID), zap.Error(err))
		}
	}()
}
