package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
)

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, payload, status,
	retry_count, error_message, created_at, updated_at, processed_at`

// maxErrorMessageLen keeps a single noisy broker error from bloating the row.
const maxErrorMessageLen = 2000

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.OutboxRepository {
	return &outboxRepository{base}
}

// insertOutboxEvent writes evt through the caller's transaction so the event
// exists exactly when the business change commits.
func insertOutboxEvent(ctx context.Context, tx *sqlx.Tx, evt *model.OutboxEvent) error {
	if evt == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if len(evt.Payload) == 0 {
		return fmt.Errorf("event payload cannot be empty")
	}

	query := `
		INSERT INTO outbox_events (
			id, aggregate_id, aggregate_type, event_type, payload,
			status, retry_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		evt.ID,
		evt.AggregateID,
		evt.AggregateType,
		evt.EventType,
		[]byte(evt.Payload),
		string(evt.Status),
		evt.RetryCount,
		evt.CreatedAt,
		evt.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	return nil
}

func (r *outboxRepository) Append(ctx context.Context, tx *sqlx.Tx, evt *model.OutboxEvent) error {
	if tx == nil {
		return r.WithTx(ctx, func(tx *sqlx.Tx) error {
			return insertOutboxEvent(ctx, tx, evt)
		})
	}
	return insertOutboxEvent(ctx, tx, evt)
}

func (r *outboxRepository) FindPending(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	var events []*model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, string(status), limit); err != nil {
		return nil, fmt.Errorf("failed to find %s outbox events: %w", status, err)
	}
	return events, nil
}

func (r *outboxRepository) FindRetryable(ctx context.Context, maxRetries, limit int) ([]*model.OutboxEvent, error) {
	query := `SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE status = $1 AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $3
	`

	var events []*model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query, string(model.OutboxStatusFailed), maxRetries, limit); err != nil {
		return nil, fmt.Errorf("failed to find retryable outbox events: %w", err)
	}
	return events, nil
}

// MarkProcessing claims the row. False means another relay got there first.
func (r *outboxRepository) MarkProcessing(ctx context.Context, id uuid.UUID, expected model.OutboxStatus) (bool, error) {
	if !expected.CanTransitionTo(model.OutboxStatusProcessing) {
		return false, fmt.Errorf("cannot claim outbox event from status %s", expected)
	}

	query := `
		UPDATE outbox_events
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	result, err := r.db.ExecContext(ctx, query, string(model.OutboxStatusProcessing), id, string(expected))
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim outbox event: %w", err)
	}
	return rows == 1, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = $1, processed_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`
	result, err := r.db.ExecContext(ctx, query,
		string(model.OutboxStatusProcessed), id, string(model.OutboxStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("outbox event %s is no longer claimed: %w", id, repository.ErrNotFound)
	}
	return nil
}

// MarkFailedOrRetry records a failed publish. The row goes back to PENDING
// until retry_count reaches maxRetries, then it becomes FAILED.
func (r *outboxRepository) MarkFailedOrRetry(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (model.OutboxStatus, int, error) {
	errMsg = truncateUTF8(errMsg, maxErrorMessageLen)

	query := `
		UPDATE outbox_events
		SET retry_count = retry_count + 1,
			error_message = $1,
			status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
			updated_at = NOW()
		WHERE id = $5 AND status = $6
		RETURNING status, retry_count
	`

	var row struct {
		Status     model.OutboxStatus `db:"status"`
		RetryCount int                `db:"retry_count"`
	}
	err := r.db.GetContext(ctx, &row, query,
		errMsg,
		maxRetries,
		string(model.OutboxStatusFailed),
		string(model.OutboxStatusPending),
		id,
		string(model.OutboxStatusProcessing),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("outbox event %s is no longer claimed: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to record outbox publish failure: %w", err)
	}
	return row.Status, row.RetryCount, nil
}

// ResetStuckProcessing returns claims abandoned by a crashed relay to PENDING.
func (r *outboxRepository) ResetStuckProcessing(ctx context.Context, before time.Time) (int64, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`
	result, err := r.db.ExecContext(ctx, query,
		string(model.OutboxStatusPending), string(model.OutboxStatusProcessing), before)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck outbox events: %w", err)
	}
	return result.RowsAffected()
}

func (r *outboxRepository) PurgeProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE status = $1
		AND processed_at < $2
	`
	result, err := r.db.ExecContext(ctx, query, string(model.OutboxStatusProcessed), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}

	return result.RowsAffected()
}

func (r *outboxRepository) CountByStatus(ctx context.Context) (*model.OutboxMetrics, error) {
	query := `SELECT status, COUNT(*) AS count FROM outbox_events GROUP BY status`

	var rows []struct {
		Status model.OutboxStatus `db:"status"`
		Count  int64              `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}

	m := &model.OutboxMetrics{}
	for _, row := range rows {
		switch row.Status {
		case model.OutboxStatusPending:
			m.Pending = row.Count
		case model.OutboxStatusProcessing:
			m.Processing = row.Count
		case model.OutboxStatusProcessed:
			m.Processed = row.Count
		case model.OutboxStatusFailed:
			m.Failed = row.Count
		}
	}
	return m, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
