package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

// Sink records human-auditable actions. It has no error return: an audit
// outage must never change the outcome of the operation being audited.
type Sink interface {
	Log(ctx context.Context, actor, action, detail string)
}

const writeTimeout = 3 * time.Second

type Service struct {
	repo   repository.AuditRepository
	logger *logger.Logger
}

func NewService(repo repository.AuditRepository, log *logger.Logger) *Service {
	return &Service{repo: repo, logger: log}
}

// Log creates an audit log entry. The write is detached from ctx cancellation
// so an entry for a request that timed out still lands.
func (s *Service) Log(ctx context.Context, actor, action, detail string) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Warn("audit sink panicked", "action", action, "panic", p)
		}
	}()

	entry := &model.AuditLog{
		ID:        uuid.New(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
		RequestID: logger.RequestIDFrom(ctx),
		CreatedAt: time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if err := s.repo.Create(writeCtx, entry); err != nil {
		s.logger.WithContext(ctx).Error(err, "Failed to write audit log",
			"actor", actor,
			"action", action,
			"detail", detail)
	}
}
