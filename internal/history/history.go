// Package history archives finished calls to postgres. Writes happen
// fire-and-forget on terminal transitions; a lost row never affects a
// live call.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mentora/callkit/internal/config"
	"github.com/mentora/callkit/internal/signaling"
)

// Entry is one archived call.
type Entry struct {
	CallID     string        `db:"call_id"`
	CallerID   string        `db:"caller_id"`
	ReceiverID string        `db:"receiver_id"`
	MediaKind  string        `db:"media_kind"`
	Outcome    string        `db:"outcome"`
	StartedAt  time.Time     `db:"started_at"`
	EndedAt    sql.NullTime  `db:"ended_at"`
	DurationS  sql.NullInt64 `db:"duration_seconds"`
}

// Archive is the call-history sink.
type Archive interface {
	Record(ctx context.Context, rec signaling.CallRecord) error
	Recent(ctx context.Context, identity string, limit int) ([]Entry, error)
	Close() error
}

// PostgresArchive implements Archive on postgres via sqlx.
type PostgresArchive struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgresArchive connects, configures the pool, and ensures the
// schema exists.
func NewPostgresArchive(cfg config.PostgresConfig, logger *zap.Logger) (*PostgresArchive, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping database: %w", err)
	}

	a := &PostgresArchive{
		db:     db,
		logger: logger.Named("history"),
	}
	if err := a.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return a, nil
}

func (a *PostgresArchive) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS call_history (
		call_id          VARCHAR(64) PRIMARY KEY,
		caller_id        VARCHAR(255) NOT NULL,
		receiver_id      VARCHAR(255) NOT NULL,
		media_kind       VARCHAR(10) NOT NULL CHECK (media_kind IN ('audio', 'video')),
		outcome          VARCHAR(10) NOT NULL CHECK (outcome IN ('ended', 'missed')),
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ,
		duration_seconds BIGINT,

		created_at       TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_call_history_caller ON call_history(caller_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_call_history_receiver ON call_history(receiver_id, started_at DESC);
	`
	_, err := a.db.ExecContext(ctx, schema)
	return err
}

// Record archives one terminal call. A call that is not terminal yet is
// rejected; a call already archived is a no-op.
func (a *PostgresArchive) Record(ctx context.Context, rec signaling.CallRecord) error {
	if !rec.Status.Terminal() {
		return fmt.Errorf("history: call %s is not terminal (%s)", rec.ID, rec.Status)
	}
	entry := Entry{
		CallID:     rec.ID,
		CallerID:   rec.CallerID,
		ReceiverID: rec.ReceiverID,
		MediaKind:  string(rec.Kind),
		Outcome:    string(rec.Status),
		StartedAt:  rec.StartedAt,
	}
	if !rec.EndedAt.IsZero() {
		entry.EndedAt = sql.NullTime{Time: rec.EndedAt, Valid: true}
		entry.DurationS = sql.NullInt64{
			Int64: int64(rec.EndedAt.Sub(rec.StartedAt).Seconds()),
			Valid: true,
		}
	}

	_, err := a.db.NamedExecContext(ctx, `
		INSERT INTO call_history
			(call_id, caller_id, receiver_id, media_kind, outcome, started_at, ended_at, duration_seconds)
		VALUES
			(:call_id, :caller_id, :receiver_id, :media_kind, :outcome, :started_at, :ended_at, :duration_seconds)`,
		entry)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		// Both sides archive on terminal; the second insert loses.
		a.logger.Debug("call already archived", zap.String("callID", rec.ID))
		return nil
	}
	return err
}

// Recent lists the newest archived calls in which identity took part.
func (a *PostgresArchive) Recent(ctx context.Context, identity string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := a.db.SelectContext(ctx, &entries, `
		SELECT call_id, caller_id, receiver_id, media_kind, outcome, started_at, ended_at, duration_seconds
		FROM call_history
		WHERE caller_id = $1 OR receiver_id = $1
		ORDER BY started_at DESC
		LIMIT $2`,
		identity, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	return entries, nil
}

func (a *PostgresArchive) Close() error { return a.db.Close() }

// RecordAsync archives in the background. Used on terminal transitions
// where the caller must not block or fail on archive errors.
func RecordAsync(archive Archive, rec signaling.CallRecord, logger *zap.Logger) {
	if archive == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := archive.Record(ctx, rec); err != nil {
			logger.Warn("call archive write failed",
				zap.String("callID", rec.ID), zap.Error(err))
		}
	}()
}
