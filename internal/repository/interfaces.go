package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/paypulse/internal/model"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// EventFactory builds the outbox event for a ledger entry inside the same
// database transaction that wrote the entry.
type EventFactory func(entry *model.LedgerEntry) (*model.OutboxEvent, error)

// All repository interfaces in one file
type (
	// TransactionRepository persists transfer records.
	TransactionRepository interface {
		// CreateWithEvent commits the record and its outbox event together or not at all.
		CreateWithEvent(ctx context.Context, txn *model.Transaction, evt *model.OutboxEvent) error
		Create(ctx context.Context, txn *model.Transaction) error
		Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	}

	// OutboxRepository is the durable event queue drained by the relay. Every
	// status change is a compare-and-set on the expected prior status.
	OutboxRepository interface {
		Append(ctx context.Context, tx *sqlx.Tx, evt *model.OutboxEvent) error
		FindPending(ctx context.Context, status model.OutboxStatus, limit int) ([]*model.OutboxEvent, error)
		FindRetryable(ctx context.Context, maxRetries, limit int) ([]*model.OutboxEvent, error)
		MarkProcessing(ctx context.Context, id uuid.UUID, expected model.OutboxStatus) (bool, error)
		MarkProcessed(ctx context.Context, id uuid.UUID) error
		MarkFailedOrRetry(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (model.OutboxStatus, int, error)
		ResetStuckProcessing(ctx context.Context, before time.Time) (int64, error)
		PurgeProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
		CountByStatus(ctx context.Context) (*model.OutboxMetrics, error)
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
	}

	// AccountRepository owns ledger balances. Apply holds a row lock on the
	// account for the whole mutation.
	AccountRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
		Apply(ctx context.Context, op model.LedgerOperation, event EventFactory) (*model.LedgerResult, error)
		History(ctx context.Context, accountID uuid.UUID, page model.Pagination) ([]*model.LedgerEntry, int, error)
	}
)
