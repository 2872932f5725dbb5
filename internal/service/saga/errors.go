package saga

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Failure kinds returned by ExecuteTransfer. Test with errors.Is.
var (
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrBusinessRejection   = errors.New("transfer rejected")
	ErrRemoteUnavailable   = errors.New("ledger unavailable")
	ErrTransferFailed      = errors.New("transfer failed")
	ErrCompensationFailure = errors.New("compensation failed")
	ErrForbidden           = errors.New("source account not owned by caller")
	// ErrOutcomeUnknown means the confirm may or may not have committed. No
	// money was moved back; the saga needs manual reconciliation.
	ErrOutcomeUnknown = errors.New("transfer outcome unknown")
)

// TransferError describes why a saga did not complete.
type TransferError struct {
	Kind   error
	SagaID uuid.UUID
	Step   Step
	// Reason is the ledger's rejection code, when there is one.
	Reason string
	// Compensated is true when every completed step was undone.
	Compensated bool
	Err         error
}

func (e *TransferError) Error() string {
	msg := fmt.Sprintf("saga %s: %v at %s", e.SagaID, e.Kind, e.Step)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
