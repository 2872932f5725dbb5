package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionStatusCompleted   TransactionStatus = "COMPLETED"
	TransactionStatusFailed      TransactionStatus = "FAILED"
	TransactionStatusCompensated TransactionStatus = "COMPENSATED"
)

const (
	AggregateTypeTransaction    = "TRANSACTION"
	EventTypeTransactionCreated = "transaction.created"
)

// Transaction is the durable record of one attempted transfer.
type Transaction struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	FromAccountID uuid.UUID         `db:"from_account_id" json:"from_account_id"`
	ToAccountID   uuid.UUID         `db:"to_account_id" json:"to_account_id"`
	Amount        decimal.Decimal   `db:"amount" json:"amount"`
	Status        TransactionStatus `db:"status" json:"status"`
	FailureReason *string           `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
}

// TransferRequest is the validated input of a transfer.
type TransferRequest struct {
	FromAccountID uuid.UUID       `json:"from_account_id" binding:"required"`
	ToAccountID   uuid.UUID       `json:"to_account_id" binding:"required,nefield=FromAccountID"`
	Amount        decimal.Decimal `json:"amount" binding:"required,dgt0,dscale2"`
}

// TransactionCreatedEvent is the payload of transaction.created.
type TransactionCreatedEvent struct {
	TransactionID uuid.UUID       `json:"transactionId"`
	FromAccountID uuid.UUID       `json:"fromAccountId"`
	ToAccountID   uuid.UUID       `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	CreatedAt     time.Time       `json:"createdAt"`
}
