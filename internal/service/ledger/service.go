package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	"github.com/jwalitptl/paypulse/internal/service/audit"
	apperrors "github.com/jwalitptl/paypulse/pkg/errors"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

// Command is one balance mutation as received from a caller.
type Command struct {
	Kind           model.LedgerOperationKind
	AccountID      uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
	ReversesKey    string
}

type Service struct {
	repo   repository.AccountRepository
	audit  audit.Sink
	logger *logger.Logger
}

func NewService(repo repository.AccountRepository, auditSink audit.Sink, log *logger.Logger) *Service {
	return &Service{repo: repo, audit: auditSink, logger: log}
}

// ErrForbidden is wrapped by every authorization failure of this service.
var ErrForbidden = errors.New("operation not permitted for caller")

// Apply executes cmd for principal. Insufficient funds and missing accounts
// come back as Unprocessable errors wrapping the repository sentinel.
//
// A user may only reserve from their own wallet. Credits and compensations
// are reserved for service and admin callers.
func (s *Service) Apply(ctx context.Context, principal model.Principal, cmd Command) (*model.LedgerResult, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, apperrors.BadRequest(err.Error(), err)
	}
	if !mayApply(principal, cmd) {
		s.logger.WithContext(ctx).Warn("Ledger operation refused",
			"subject", principal.Subject,
			"kind", string(cmd.Kind),
			"account_id", cmd.AccountID.String())
		return nil, forbidden(fmt.Sprintf("%s on account %s is not permitted", cmd.Kind, cmd.AccountID))
	}

	op := model.LedgerOperation{
		Kind:           cmd.Kind,
		AccountID:      cmd.AccountID,
		Amount:         cmd.Amount,
		IdempotencyKey: cmd.IdempotencyKey,
		ReversesKey:    cmd.ReversesKey,
		Actor:          principal.Subject,
	}

	result, err := s.repo.Apply(ctx, op, balanceChanged)
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds):
		return nil, apperrors.Unprocessable("insufficient funds", err)
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperrors.Unprocessable("account not found", err)
	case errors.Is(err, model.ErrInvalidOutboxEvent):
		return nil, apperrors.Internal(err)
	case err != nil:
		return nil, apperrors.Internal(fmt.Errorf("failed to apply %s: %w", cmd.Kind, err))
	}

	log := s.logger.WithContext(ctx)
	log.Debug("Ledger operation handled",
		"kind", string(cmd.Kind),
		"account_id", cmd.AccountID.String(),
		"idempotency_key", cmd.IdempotencyKey,
		"outcome", string(result.Outcome))

	if result.Outcome == model.LedgerOutcomeApplied {
		action := model.AuditActionDeposit
		if cmd.Kind.Debit() {
			action = model.AuditActionWithdraw
		}
		s.audit.Log(ctx, principal.Subject, action,
			fmt.Sprintf("account=%s kind=%s amount=%s balance=%s key=%s",
				cmd.AccountID, cmd.Kind, cmd.Amount.StringFixed(2), result.Balance.StringFixed(2), cmd.IdempotencyKey))
	}
	if result.Outcome == model.LedgerOutcomeFenced {
		log.Warn("Forward operation arrived after its reversal",
			"account_id", cmd.AccountID.String(),
			"idempotency_key", cmd.IdempotencyKey)
	}
	return result, nil
}

func (s *Service) GetBalance(ctx context.Context, principal model.Principal, accountID uuid.UUID) (*model.Account, error) {
	if !mayRead(principal, accountID) {
		return nil, forbidden("account belongs to another user")
	}
	acct, err := s.repo.Get(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound("account", err)
	}
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return acct, nil
}

func (s *Service) History(ctx context.Context, principal model.Principal, accountID uuid.UUID, page model.Pagination) ([]*model.LedgerEntry, int, error) {
	if !mayRead(principal, accountID) {
		return nil, 0, forbidden("account belongs to another user")
	}
	entries, total, err := s.repo.History(ctx, accountID, page)
	if err != nil {
		return nil, 0, apperrors.Internal(err)
	}
	return entries, total, nil
}

func mayApply(p model.Principal, cmd Command) bool {
	if p.Privileged() {
		return true
	}
	return cmd.Kind == model.LedgerOpReserve && p.Owns(cmd.AccountID)
}

func mayRead(p model.Principal, accountID uuid.UUID) bool {
	return p.Privileged() || p.Owns(accountID)
}

func forbidden(message string) *apperrors.AppError {
	err := apperrors.Forbidden(message)
	err.Err = ErrForbidden
	return err
}

func validateCommand(cmd Command) error {
	switch cmd.Kind {
	case model.LedgerOpReserve, model.LedgerOpDeposit, model.LedgerOpReturnReserved, model.LedgerOpRollbackTransfer:
	default:
		return fmt.Errorf("unknown operation %q", cmd.Kind)
	}
	switch {
	case cmd.AccountID == uuid.Nil:
		return errors.New("account id is required")
	case !cmd.Amount.IsPositive():
		return errors.New("amount must be greater than zero")
	case !cmd.Amount.Equal(cmd.Amount.Round(2)):
		return errors.New("amount has more than two decimal places")
	case cmd.IdempotencyKey == "":
		return errors.New("idempotency key is required")
	case cmd.ReversesKey != "" && !cmd.Kind.Compensating():
		return errors.New("only compensations may reverse an operation")
	}
	return nil
}

// balanceChanged builds the wallet.balance.changed event for an applied entry.
func balanceChanged(entry *model.LedgerEntry) (*model.OutboxEvent, error) {
	return model.NewOutboxEvent(entry.AccountID, model.AggregateTypeWallet, model.EventTypeWalletBalanceChanged,
		model.BalanceChangedEvent{
			AccountID: entry.AccountID,
			Operation: entry.Kind,
			Amount:    entry.Amount,
			Balance:   entry.BalanceAfter,
			Timestamp: entry.CreatedAt.UTC().Truncate(time.Millisecond),
		})
}
