package model

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Actor     string    `json:"actor" db:"actor"`
	Action    string    `json:"action" db:"action"`
	Detail    string    `json:"detail" db:"detail"`
	RequestID string    `json:"request_id,omitempty" db:"request_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const (
	AuditActionSagaTransaction        = "sagaTransaction"
	AuditActionSagaCompensation       = "sagaCompensation"
	AuditActionSagaCompensationFailed = "sagaCompensationFailed"
	AuditActionSagaOutcomeUnknown     = "sagaOutcomeUnknown"
	AuditActionWithdraw               = "withdraw"
	AuditActionDeposit                = "deposit"

	AuditStatusSuccess     = "SUCCESS"
	AuditStatusFailed      = "FAILED"
	AuditStatusCompensated = "COMPENSATED"
	AuditStatusUnknown     = "UNKNOWN"
)
