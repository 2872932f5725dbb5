package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	"github.com/jwalitptl/paypulse/internal/service/audit"
	"github.com/jwalitptl/paypulse/pkg/ledgerclient"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

// Step names one action of the transfer saga. Together with the saga ID it
// forms the ledger idempotency key.
type Step string

const (
	StepValidate         Step = "validate"
	StepReserve          Step = "reserve"
	StepTransfer         Step = "transfer"
	StepConfirm          Step = "confirm"
	StepRollbackTransfer Step = "rollback-transfer"
	StepReturnReserved   Step = "return-reserved"
)

// Metrics is the subset of pkg/metrics the coordinator reports to.
type Metrics interface {
	TransferAttempted()
	TransferSucceeded()
	TransferFailed()
	TransferCompensated()
	ObserveSagaDuration(d time.Duration)
}

// CredentialSource yields the bearer token the saga presents for ledger calls
// a user may not make on their own: credits and compensations.
type CredentialSource interface {
	Credential() (string, error)
}

type Config struct {
	// RetryAttempts is the total number of tries per step, first one included.
	RetryAttempts int
	RetryDelay    time.Duration
	// Service signs the non-reserve ledger calls. Without it the caller's own
	// credential is used for every step.
	Service CredentialSource
}

// Coordinator runs the reserve, transfer, confirm saga against the ledger and
// undoes completed steps in reverse order when a later one fails.
type Coordinator struct {
	ledger  ledgerclient.Client
	txns    repository.TransactionRepository
	audit   audit.Sink
	metrics Metrics
	cfg     Config
	logger  *logger.Logger
}

func NewCoordinator(
	ledger ledgerclient.Client,
	txns repository.TransactionRepository,
	auditSink audit.Sink,
	metrics Metrics,
	cfg Config,
	log *logger.Logger,
) *Coordinator {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		ledger:  ledger,
		txns:    txns,
		audit:   auditSink,
		metrics: metrics,
		cfg:     cfg,
		logger:  log,
	}
}

// run is the state of one saga execution.
type run struct {
	id        uuid.UUID
	principal model.Principal
	from      uuid.UUID
	to        uuid.UUID
	amount    decimal.Decimal
	// Set once the step was sent, even if its outcome is unknown. The ledger
	// turns a reversal of a never-applied step into a no-op.
	reserveSent  bool
	transferSent bool
	// serviceCredential signs every call but the reserve.
	serviceCredential string
	log               *logger.Logger
}

func (r *run) key(step Step) string {
	return fmt.Sprintf("%s:%s", r.id, step)
}

func (r *run) detail(status string) string {
	return fmt.Sprintf("saga=%s from=%s to=%s amount=%s status=%s",
		r.id, r.from, r.to, r.amount.StringFixed(2), status)
}

// ExecuteTransfer moves amount from one account to another. On success the
// COMPLETED record and its transaction.created event are committed together.
// Any other outcome is a *TransferError.
//
// The saga is detached from ctx cancellation: once the first ledger call is
// sent it always runs to a completed or compensated end.
func (c *Coordinator) ExecuteTransfer(ctx context.Context, principal model.Principal, from, to uuid.UUID, amount decimal.Decimal) (*model.Transaction, error) {
	r := &run{
		id:        uuid.New(),
		principal: principal,
		from:      from,
		to:        to,
		amount:    amount,
	}
	r.log = c.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"saga_id": r.id.String(),
		"from":    from.String(),
		"to":      to.String(),
		"amount":  amount.String(),
	})

	if err := validate(from, to, amount); err != nil {
		return nil, &TransferError{Kind: ErrInvalidTransfer, SagaID: r.id, Step: StepValidate, Err: err}
	}
	if !principal.Privileged() && !principal.Owns(from) {
		r.log.Warn("Transfer from a foreign account refused", "subject", principal.Subject)
		return nil, &TransferError{
			Kind:   ErrForbidden,
			SagaID: r.id,
			Step:   StepValidate,
			Err:    fmt.Errorf("account %s does not belong to %s", from, principal.Subject),
		}
	}

	start := time.Now()
	c.metrics.TransferAttempted()
	defer func() { c.metrics.ObserveSagaDuration(time.Since(start)) }()

	r.serviceCredential = principal.Credential
	if c.cfg.Service != nil {
		token, err := c.cfg.Service.Credential()
		if err != nil {
			c.metrics.TransferFailed()
			return nil, &TransferError{Kind: ErrTransferFailed, SagaID: r.id, Step: StepValidate, Err: err}
		}
		r.serviceCredential = token
	}

	ctx = context.WithoutCancel(ctx)
	r.log.Info("Starting transfer saga")

	// Reserve
	r.reserveSent = true
	err := c.retry(ctx, func() error {
		return c.ledger.Reserve(ctx, c.request(r, StepReserve, from, ""))
	})
	if err != nil {
		var rejection *ledgerclient.BusinessRejection
		if errors.As(err, &rejection) {
			r.log.Info("Reserve rejected", "reason", rejection.Reason)
			c.audit.Log(ctx, principal.Subject, model.AuditActionSagaTransaction, r.detail(model.AuditStatusFailed))
			c.metrics.TransferFailed()
			return nil, &TransferError{
				Kind:   ErrBusinessRejection,
				SagaID: r.id,
				Step:   StepReserve,
				Reason: rejection.Reason,
				Err:    err,
			}
		}
		return nil, c.abort(ctx, r, StepReserve, ErrRemoteUnavailable, err)
	}

	// Transfer
	r.transferSent = true
	err = c.retry(ctx, func() error {
		return c.ledger.Deposit(ctx, c.request(r, StepTransfer, to, ""))
	})
	if err != nil {
		// A refused credit is not an outage; keep the ledger's reason.
		var rejection *ledgerclient.BusinessRejection
		if errors.As(err, &rejection) {
			terr := c.abort(ctx, r, StepTransfer, ErrTransferFailed, err)
			terr.Reason = rejection.Reason
			return nil, terr
		}
		return nil, c.abort(ctx, r, StepTransfer, ErrRemoteUnavailable, err)
	}

	// Confirm and emit
	txn := &model.Transaction{
		ID:            r.id,
		FromAccountID: from,
		ToAccountID:   to,
		Amount:        amount,
		Status:        model.TransactionStatusCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	evt, err := model.NewOutboxEvent(txn.ID, model.AggregateTypeTransaction, model.EventTypeTransactionCreated,
		model.TransactionCreatedEvent{
			TransactionID: txn.ID,
			FromAccountID: from,
			ToAccountID:   to,
			Amount:        amount,
			Type:          model.AggregateTypeTransaction,
			CreatedAt:     txn.CreatedAt,
		})
	if err != nil {
		return nil, c.abort(ctx, r, StepConfirm, ErrTransferFailed, err)
	}

	err = c.retry(ctx, func() error {
		return c.txns.CreateWithEvent(ctx, txn, evt)
	})
	if err != nil {
		landed, readErr := c.committed(ctx, r)
		if readErr != nil {
			return nil, c.unresolved(ctx, r, err, readErr)
		}
		if !landed {
			return nil, c.abort(ctx, r, StepConfirm, ErrTransferFailed, err)
		}
	}

	c.audit.Log(ctx, principal.Subject, model.AuditActionSagaTransaction, r.detail(model.AuditStatusSuccess))
	c.metrics.TransferSucceeded()
	r.log.Info("Transfer saga completed")
	return txn, nil
}

func validate(from, to uuid.UUID, amount decimal.Decimal) error {
	switch {
	case from == uuid.Nil || to == uuid.Nil:
		return errors.New("account ids are required")
	case from == to:
		return errors.New("source and destination must differ")
	case !amount.IsPositive():
		return errors.New("amount must be greater than zero")
	case !amount.Equal(amount.Round(2)):
		return errors.New("amount has more than two decimal places")
	}
	return nil
}

func (c *Coordinator) request(r *run, step Step, account uuid.UUID, reverses Step) ledgerclient.Request {
	req := ledgerclient.Request{
		AccountID:      account,
		Amount:         r.amount,
		IdempotencyKey: r.key(step),
		Credential:     r.serviceCredential,
	}
	if step == StepReserve {
		req.Credential = r.principal.Credential
	}
	if reverses != "" {
		req.ReversesKey = r.key(reverses)
	}
	return req
}

// retry runs op with a constant delay between attempts. Only remote failures
// are retried; everything else ends the loop at once.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.RetryAttempts-1)),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var rejection *ledgerclient.BusinessRejection
		if errors.As(err, &rejection) || errors.Is(err, model.ErrInvalidOutboxEvent) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// committed checks whether a confirm that reported an error actually landed.
// Only a confirmed absence of the record counts as not committed; a read that
// keeps failing is returned as an error.
func (c *Coordinator) committed(ctx context.Context, r *run) (bool, error) {
	var existing *model.Transaction
	err := c.retry(ctx, func() error {
		txn, err := c.txns.Get(ctx, r.id)
		if errors.Is(err, repository.ErrNotFound) {
			return backoff.Permanent(err)
		}
		existing = txn
		return err
	})
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	if existing.Status == model.TransactionStatusCompleted {
		r.log.Warn("Confirm reported an error but the record is committed")
		return true, nil
	}
	return false, nil
}

// unresolved ends a saga whose confirm outcome cannot be determined. Both
// ledger steps stay applied, since the record and its event may be committed.
func (c *Coordinator) unresolved(ctx context.Context, r *run, cause, readErr error) *TransferError {
	r.log.Critical(readErr, "Confirm outcome unknown, manual reconciliation required",
		"confirm_error", cause.Error())
	c.audit.Log(ctx, r.principal.Subject, model.AuditActionSagaOutcomeUnknown,
		fmt.Sprintf("%s confirm_error=%q read_error=%q", r.detail(model.AuditStatusUnknown), cause.Error(), readErr.Error()))
	c.metrics.TransferFailed()
	return &TransferError{
		Kind:   ErrOutcomeUnknown,
		SagaID: r.id,
		Step:   StepConfirm,
		Err:    fmt.Errorf("%v; read back: %w", cause, readErr),
	}
}

// abort compensates whatever was sent and builds the error for the caller.
func (c *Coordinator) abort(ctx context.Context, r *run, step Step, kind, cause error) *TransferError {
	r.log.Error(cause, "Transfer saga step failed", "step", string(step))

	failedStep, compErr := c.compensate(ctx, r)
	if compErr != nil {
		r.log.Critical(compErr, "Compensation failed, manual reconciliation required",
			"failed_step", string(step),
			"compensation_step", string(failedStep))
		c.audit.Log(ctx, r.principal.Subject, model.AuditActionSagaCompensationFailed,
			fmt.Sprintf("%s step=%s compensation_step=%s cause=%q compensation_error=%q",
				r.detail(model.AuditStatusFailed), step, failedStep, cause.Error(), compErr.Error()))
		c.metrics.TransferFailed()
		c.recordOutcome(ctx, r, model.TransactionStatusFailed, compErr)
		return &TransferError{
			Kind:   ErrCompensationFailure,
			SagaID: r.id,
			Step:   failedStep,
			Err:    fmt.Errorf("%v; compensation: %w", cause, compErr),
		}
	}

	c.audit.Log(ctx, r.principal.Subject, model.AuditActionSagaCompensation, r.detail(model.AuditStatusCompensated))
	c.audit.Log(ctx, r.principal.Subject, model.AuditActionSagaTransaction, r.detail(model.AuditStatusFailed))
	c.metrics.TransferCompensated()
	c.metrics.TransferFailed()
	c.recordOutcome(ctx, r, model.TransactionStatusCompensated, cause)

	return &TransferError{
		Kind:        kind,
		SagaID:      r.id,
		Step:        step,
		Compensated: true,
		Err:         cause,
	}
}

// compensate undoes sent steps, most recent first, and stops at the first
// compensation that fails so no further balance moves on a broken saga.
func (c *Coordinator) compensate(ctx context.Context, r *run) (Step, error) {
	if r.transferSent {
		err := c.retry(ctx, func() error {
			return c.ledger.RollbackTransfer(ctx, c.request(r, StepRollbackTransfer, r.to, StepTransfer))
		})
		if err != nil {
			return StepRollbackTransfer, err
		}
		r.log.Info("Rolled back transfer")
	}

	if r.reserveSent {
		err := c.retry(ctx, func() error {
			return c.ledger.ReturnReserved(ctx, c.request(r, StepReturnReserved, r.from, StepReserve))
		})
		if err != nil {
			return StepReturnReserved, err
		}
		r.log.Info("Returned reserved funds")
	}
	return "", nil
}

// recordOutcome writes a best-effort record of a saga that did not complete.
// No event is emitted for it.
func (c *Coordinator) recordOutcome(ctx context.Context, r *run, status model.TransactionStatus, cause error) {
	reason := cause.Error()
	txn := &model.Transaction{
		ID:            r.id,
		FromAccountID: r.from,
		ToAccountID:   r.to,
		Amount:        r.amount,
		Status:        status,
		FailureReason: &reason,
		CreatedAt:     time.Now().UTC(),
	}
	if err := c.txns.Create(ctx, txn); err != nil {
		r.log.Warn("Failed to record saga outcome", "status", string(status), "error", err.Error())
	}
}
