package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

type repoStub struct {
	logs []*model.AuditLog
	err  error
}

func (r *repoStub) Create(ctx context.Context, log *model.AuditLog) error {
	if r.err != nil {
		return r.err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.logs = append(r.logs, log)
	return nil
}

func (r *repoStub) List(_ context.Context, _ string, _ model.Pagination) ([]*model.AuditLog, int, error) {
	return r.logs, len(r.logs), nil
}

func TestLogPersistsEntryWithRequestID(t *testing.T) {
	repo := &repoStub{}
	svc := NewService(repo, logger.Nop())

	ctx := logger.ContextWithRequestID(context.Background(), "req-42")
	svc.Log(ctx, "user-1", model.AuditActionSagaTransaction, "status=SUCCESS")

	require.Len(t, repo.logs, 1)
	assert.Equal(t, "user-1", repo.logs[0].Actor)
	assert.Equal(t, "req-42", repo.logs[0].RequestID)
	assert.Equal(t, "status=SUCCESS", repo.logs[0].Detail)
}

func TestLogSurvivesCancelledRequest(t *testing.T) {
	repo := &repoStub{}
	svc := NewService(repo, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Log(ctx, "user-1", model.AuditActionSagaCompensation, "status=COMPENSATED")

	assert.Len(t, repo.logs, 1)
}

func TestLogSwallowsRepositoryErrors(t *testing.T) {
	svc := NewService(&repoStub{err: errors.New("db down")}, logger.Nop())
	assert.NotPanics(t, func() {
		svc.Log(context.Background(), "user-1", model.AuditActionSagaTransaction, "status=FAILED")
	})
}
