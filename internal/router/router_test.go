package router

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/paypulse/internal/handler/health"
	"github.com/jwalitptl/paypulse/internal/handler/ledger"
	"github.com/jwalitptl/paypulse/internal/handler/outbox"
	"github.com/jwalitptl/paypulse/internal/handler/transfer"
	"github.com/jwalitptl/paypulse/internal/middleware"
	"github.com/jwalitptl/paypulse/internal/model"
	ledgerService "github.com/jwalitptl/paypulse/internal/service/ledger"
	"github.com/jwalitptl/paypulse/pkg/auth"
	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/validator"
)

const secret = "router-secret"

type okExecutor struct{}

func (okExecutor) ExecuteTransfer(_ context.Context, _ model.Principal, from, to uuid.UUID, amount decimal.Decimal) (*model.Transaction, error) {
	return &model.Transaction{ID: uuid.New(), FromAccountID: from, ToAccountID: to, Amount: amount, Status: model.TransactionStatusCompleted}, nil
}

type idleOutbox struct{}

func (idleOutbox) Metrics(context.Context) (*model.OutboxMetrics, error) {
	return &model.OutboxMetrics{}, nil
}
func (idleOutbox) Dispatch(context.Context, string) error { return nil }
func (idleOutbox) Retry(context.Context, string) error    { return nil }
func (idleOutbox) Retention(context.Context, string) (int64, error) {
	return 0, nil
}

type idleLedger struct{}

func (idleLedger) Apply(context.Context, model.Principal, ledgerService.Command) (*model.LedgerResult, error) {
	return &model.LedgerResult{Outcome: model.LedgerOutcomeApplied}, nil
}
func (idleLedger) GetBalance(_ context.Context, _ model.Principal, id uuid.UUID) (*model.Account, error) {
	return &model.Account{ID: id}, nil
}
func (idleLedger) History(context.Context, model.Principal, uuid.UUID, model.Pagination) ([]*model.LedgerEntry, int, error) {
	return nil, 0, nil
}

func token(t *testing.T, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, model.TokenClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	require.NoError(t, validator.RegisterGin())

	reg := prometheus.NewRegistry()
	authMW := middleware.NewAuthMiddleware(auth.NewVerifier(auth.Config{Secret: secret}))
	r := NewRouter(authMW, health.NewHandler(nil, reg), RouterConfig{
		Mode:       gin.TestMode,
		RateLimit:  1000,
		RateBurst:  1000,
		Registerer: reg,
	})
	r.RegisterTransferAPI(
		transfer.NewHandler(okExecutor{}, nil, nil, logger.Nop()),
		outbox.NewHandler(idleOutbox{}),
	)
	r.RegisterLedgerAPI(ledger.NewHandler(idleLedger{}))
	return r.Engine()
}

func request(r *gin.Engine, method, path, bearer, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	r := newRouter(t)
	w := request(r, http.MethodGet, "/health/live", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderXRequestID))
}

func TestTransferRoutesRequireToken(t *testing.T) {
	r := newRouter(t)
	body := fmt.Sprintf(`{"from_account_id":%q,"to_account_id":%q,"amount":"5.00"}`, uuid.New(), uuid.New())

	assert.Equal(t, http.StatusUnauthorized, request(r, http.MethodPost, "/api/v1/transfers", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, request(r, http.MethodPost, "/api/v1/transfers", "garbage", body).Code)
	assert.Equal(t, http.StatusCreated, request(r, http.MethodPost, "/api/v1/transfers", token(t, ""), body).Code)
}

func TestOutboxTriggersNeedAdmin(t *testing.T) {
	r := newRouter(t)

	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, "/api/v1/outbox/metrics", token(t, ""), "").Code)
	assert.Equal(t, http.StatusForbidden, request(r, http.MethodPost, "/api/v1/outbox/dispatch", token(t, ""), "").Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodPost, "/api/v1/outbox/dispatch", token(t, model.RoleAdmin), "").Code)
}

func TestLedgerRoutesRequireToken(t *testing.T) {
	r := newRouter(t)
	path := "/internal/ledger/accounts/" + uuid.NewString() + "/balance"

	assert.Equal(t, http.StatusUnauthorized, request(r, http.MethodGet, path, "", "").Code)
	assert.Equal(t, http.StatusOK, request(r, http.MethodGet, path, token(t, ""), "").Code)
}

func TestHTTPMetricsExported(t *testing.T) {
	r := newRouter(t)
	request(r, http.MethodGet, "/health/live", "", "")

	w := request(r, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `paypulse_http_requests_total{method="GET",path="/health/live",status="200"} 1`)
}
