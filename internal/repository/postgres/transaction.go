package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
)

type transactionRepository struct {
	BaseRepository
}

func NewTransactionRepository(base BaseRepository) repository.TransactionRepository {
	return &transactionRepository{base}
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, txn *model.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, from_account_id, to_account_id, amount, status, failure_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := tx.ExecContext(ctx, query,
		txn.ID,
		txn.FromAccountID,
		txn.ToAccountID,
		txn.Amount,
		string(txn.Status),
		txn.FailureReason,
		txn.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *transactionRepository) CreateWithEvent(ctx context.Context, txn *model.Transaction, evt *model.OutboxEvent) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		return insertOutboxEvent(ctx, tx, evt)
	})
}

func (r *transactionRepository) Create(ctx context.Context, txn *model.Transaction) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return insertTransaction(ctx, tx, txn)
	})
}

func (r *transactionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	query := `
		SELECT id, from_account_id, to_account_id, amount, status, failure_reason, created_at
		FROM transactions
		WHERE id = $1
	`

	var txn model.Transaction
	err := r.db.GetContext(ctx, &txn, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &txn, nil
}
