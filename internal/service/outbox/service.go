package outbox

import (
	"context"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	apperrors "github.com/jwalitptl/paypulse/pkg/errors"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

// Relay runs one pass of each relay schedule on demand.
// *worker.OutboxProcessor satisfies it.
type Relay interface {
	Dispatch(ctx context.Context) error
	RetrySweep(ctx context.Context) error
	RetentionSweep(ctx context.Context) (int64, error)
}

type Service struct {
	repo   repository.OutboxRepository
	relay  Relay
	logger *logger.Logger
}

// NewService builds the outbox service. relay may be nil when this process
// does not run a relay; the manual triggers then report Unavailable.
func NewService(repo repository.OutboxRepository, relay Relay, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, relay: relay, logger: log}
}

func (s *Service) Metrics(ctx context.Context) (*model.OutboxMetrics, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return counts, nil
}

func (s *Service) Dispatch(ctx context.Context, actor string) error {
	if s.relay == nil {
		return errNoRelay
	}
	s.logger.WithContext(ctx).Info("Manual outbox dispatch", "actor", actor)
	if err := s.relay.Dispatch(ctx); err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

func (s *Service) Retry(ctx context.Context, actor string) error {
	if s.relay == nil {
		return errNoRelay
	}
	s.logger.WithContext(ctx).Info("Manual outbox retry sweep", "actor", actor)
	if err := s.relay.RetrySweep(ctx); err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

// Retention purges old PROCESSED rows and returns how many were removed.
func (s *Service) Retention(ctx context.Context, actor string) (int64, error) {
	if s.relay == nil {
		return 0, errNoRelay
	}
	s.logger.WithContext(ctx).Info("Manual outbox retention sweep", "actor", actor)
	n, err := s.relay.RetentionSweep(ctx)
	if err != nil {
		return 0, apperrors.Internal(err)
	}
	return n, nil
}

var errNoRelay = apperrors.Unavailable("outbox relay is not running in this process", nil)
