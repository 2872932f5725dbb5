package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is one balance held by the ledger service.
type Account struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

type LedgerOperationKind string

const (
	LedgerOpReserve          LedgerOperationKind = "RESERVE"
	LedgerOpDeposit          LedgerOperationKind = "DEPOSIT"
	LedgerOpReturnReserved   LedgerOperationKind = "RETURN_RESERVED"
	LedgerOpRollbackTransfer LedgerOperationKind = "ROLLBACK_TRANSFER"
)

// Debit reports whether the operation lowers the balance.
func (k LedgerOperationKind) Debit() bool {
	return k == LedgerOpReserve || k == LedgerOpRollbackTransfer
}

// Compensating reports whether the operation undoes an earlier one.
func (k LedgerOperationKind) Compensating() bool {
	return k == LedgerOpReturnReserved || k == LedgerOpRollbackTransfer
}

// LedgerOperation is one balance mutation request. IdempotencyKey is unique per
// logical operation; ReversesKey names the forward operation a compensation undoes.
type LedgerOperation struct {
	Kind           LedgerOperationKind
	AccountID      uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
	ReversesKey    string
	Actor          string
}

type LedgerOutcome string

const (
	LedgerOutcomeApplied   LedgerOutcome = "APPLIED"
	LedgerOutcomeDuplicate LedgerOutcome = "DUPLICATE"
	LedgerOutcomeNoop      LedgerOutcome = "NOOP"
	LedgerOutcomeFenced    LedgerOutcome = "FENCED"
)

// LedgerResult is what the ledger reports back for an accepted operation.
type LedgerResult struct {
	Outcome LedgerOutcome   `json:"outcome"`
	Balance decimal.Decimal `json:"balance"`
}

// LedgerEntry is one line of account history.
type LedgerEntry struct {
	ID             uuid.UUID           `json:"id" db:"id"`
	AccountID      uuid.UUID           `json:"account_id" db:"account_id"`
	Kind           LedgerOperationKind `json:"kind" db:"kind"`
	Amount         decimal.Decimal     `json:"amount" db:"amount"`
	BalanceAfter   decimal.Decimal     `json:"balance_after" db:"balance_after"`
	IdempotencyKey string              `json:"idempotency_key" db:"idempotency_key"`
	CreatedAt      time.Time           `json:"created_at" db:"created_at"`
}

const (
	AggregateTypeWallet           = "WALLET"
	EventTypeWalletBalanceChanged = "wallet.balance.changed"
)

// BalanceChangedEvent is the payload of wallet.balance.changed.
type BalanceChangedEvent struct {
	AccountID uuid.UUID           `json:"accountId"`
	Operation LedgerOperationKind `json:"operation"`
	Amount    decimal.Decimal     `json:"amount"`
	Balance   decimal.Decimal     `json:"balance"`
	Timestamp time.Time           `json:"timestamp"`
}
