package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
)

type accountRepository struct {
	BaseRepository
}

func NewAccountRepository(base BaseRepository) repository.AccountRepository {
	return &accountRepository{base}
}

func (r *accountRepository) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	query := `SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1`

	var acct model.Account
	err := r.db.GetContext(ctx, &acct, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &acct, nil
}

// Apply performs one balance mutation under a row lock on the account.
//
// Operations are deduplicated by idempotency key. A compensation whose forward
// operation never applied is recorded as a no-op, and that record fences the
// forward operation if it arrives later.
func (r *accountRepository) Apply(ctx context.Context, op model.LedgerOperation, event repository.EventFactory) (*model.LedgerResult, error) {
	var result *model.LedgerResult

	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if op.Kind == model.LedgerOpDeposit {
			if err := ensureAccount(ctx, tx, op.AccountID); err != nil {
				return err
			}
		}

		acct, err := lockAccount(ctx, tx, op.AccountID)
		if errors.Is(err, repository.ErrNotFound) && op.Kind.Compensating() {
			result = &model.LedgerResult{Outcome: model.LedgerOutcomeNoop, Balance: decimal.Zero}
			return recordOperation(ctx, tx, op, model.LedgerOutcomeNoop, decimal.Zero)
		}
		if err != nil {
			return err
		}

		prior, err := findOperation(ctx, tx, op.IdempotencyKey)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if prior != nil {
			result = &model.LedgerResult{Outcome: model.LedgerOutcomeDuplicate, Balance: acct.Balance}
			return nil
		}

		if op.Kind.Compensating() && op.ReversesKey != "" {
			origin, err := findOperation(ctx, tx, op.ReversesKey)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return err
			}
			if origin == nil || origin.Outcome != model.LedgerOutcomeApplied {
				result = &model.LedgerResult{Outcome: model.LedgerOutcomeNoop, Balance: acct.Balance}
				return recordOperation(ctx, tx, op, model.LedgerOutcomeNoop, acct.Balance)
			}
		}

		if !op.Kind.Compensating() {
			reversed, err := isReversed(ctx, tx, op.IdempotencyKey)
			if err != nil {
				return err
			}
			if reversed {
				result = &model.LedgerResult{Outcome: model.LedgerOutcomeFenced, Balance: acct.Balance}
				return recordOperation(ctx, tx, op, model.LedgerOutcomeFenced, acct.Balance)
			}
		}

		balance := acct.Balance.Add(op.Amount)
		if op.Kind.Debit() {
			balance = acct.Balance.Sub(op.Amount)
			if balance.IsNegative() {
				return repository.ErrInsufficientFunds
			}
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = $1, updated_at = $2 WHERE id = $3`,
			balance, now, op.AccountID,
		); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		entry := &model.LedgerEntry{
			ID:             uuid.New(),
			AccountID:      op.AccountID,
			Kind:           op.Kind,
			Amount:         op.Amount,
			BalanceAfter:   balance,
			IdempotencyKey: op.IdempotencyKey,
			CreatedAt:      now,
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, kind, amount, balance_after, idempotency_key, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.ID, entry.AccountID, string(entry.Kind), entry.Amount, entry.BalanceAfter, entry.IdempotencyKey, entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to write ledger entry: %w", err)
		}

		if err := recordOperation(ctx, tx, op, model.LedgerOutcomeApplied, balance); err != nil {
			return err
		}

		if event != nil {
			evt, err := event(entry)
			if err != nil {
				return err
			}
			if err := insertOutboxEvent(ctx, tx, evt); err != nil {
				return err
			}
		}

		result = &model.LedgerResult{Outcome: model.LedgerOutcomeApplied, Balance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *accountRepository) History(ctx context.Context, accountID uuid.UUID, page model.Pagination) ([]*model.LedgerEntry, int, error) {
	page = page.Normalize()

	var total int
	if err := r.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM ledger_entries WHERE account_id = $1`, accountID); err != nil {
		return nil, 0, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	query := `
		SELECT id, account_id, kind, amount, balance_after, idempotency_key, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	var entries []*model.LedgerEntry
	if err := r.db.SelectContext(ctx, &entries, query, accountID, page.PageSize, page.Offset()); err != nil {
		return nil, 0, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return entries, total, nil
}

func ensureAccount(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, created_at, updated_at)
		VALUES ($1, 0, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func lockAccount(ctx context.Context, tx *sqlx.Tx, id uuid.UUID) (*model.Account, error) {
	var acct model.Account
	err := tx.GetContext(ctx, &acct,
		`SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &acct, nil
}

type operationRow struct {
	IdempotencyKey string              `db:"idempotency_key"`
	Outcome        model.LedgerOutcome `db:"outcome"`
}

func findOperation(ctx context.Context, tx *sqlx.Tx, key string) (*operationRow, error) {
	var row operationRow
	err := tx.GetContext(ctx, &row,
		`SELECT idempotency_key, outcome FROM ledger_operations WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up ledger operation: %w", err)
	}
	return &row, nil
}

func isReversed(ctx context.Context, tx *sqlx.Tx, key string) (bool, error) {
	var exists bool
	err := tx.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM ledger_operations WHERE reverses_key = $1)`, key)
	if err != nil {
		return false, fmt.Errorf("failed to check reversal fence: %w", err)
	}
	return exists, nil
}

func recordOperation(ctx context.Context, tx *sqlx.Tx, op model.LedgerOperation, outcome model.LedgerOutcome, balance decimal.Decimal) error {
	var reverses *string
	if op.ReversesKey != "" {
		reverses = &op.ReversesKey
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_operations (
			idempotency_key, account_id, kind, amount, reverses_key, outcome, balance_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`,
		op.IdempotencyKey, op.AccountID, string(op.Kind), op.Amount, reverses, string(outcome), balance,
	)
	if err != nil {
		return fmt.Errorf("failed to record ledger operation: %w", err)
	}
	return nil
}
