package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/paypulse/internal/middleware"
	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	"github.com/jwalitptl/paypulse/internal/service/saga"
	apperrors "github.com/jwalitptl/paypulse/pkg/errors"
	"github.com/jwalitptl/paypulse/pkg/httputil"
	"github.com/jwalitptl/paypulse/pkg/idempotency"
	"github.com/jwalitptl/paypulse/pkg/ledgerclient"
	"github.com/jwalitptl/paypulse/pkg/logger"
	"github.com/jwalitptl/paypulse/pkg/validator"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "Idempotent-Replayed"
	maxKeyLength         = 255
)

// Reasons attached to failed transfers that did not come from the ledger.
const (
	ReasonLedgerUnavailable  = "LEDGER_UNAVAILABLE"
	ReasonTransferFailed     = "TRANSFER_FAILED"
	ReasonCompensationFailed = "COMPENSATION_FAILED"
	ReasonOutcomeUnknown     = "OUTCOME_UNKNOWN"
	ReasonForbidden          = ledgerclient.ReasonForbidden
)

// Executor runs one transfer saga.
type Executor interface {
	ExecuteTransfer(ctx context.Context, principal model.Principal, from, to uuid.UUID, amount decimal.Decimal) (*model.Transaction, error)
}

type Handler struct {
	saga   Executor
	txns   repository.TransactionRepository
	store  idempotency.Store
	logger *logger.Logger
}

// NewHandler wires the transfer API. store may be nil, in which case the
// Idempotency-Key header is ignored.
func NewHandler(executor Executor, txns repository.TransactionRepository, store idempotency.Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{saga: executor, txns: txns, store: store, logger: log}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	transfers := r.Group("/transfers")
	{
		transfers.POST("", h.CreateTransfer)
		transfers.GET("/:id", h.GetTransfer)
	}
}

func (h *Handler) CreateTransfer(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	var req model.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httputil.Response{
			Success: false,
			Data:    validator.FormatErrors(err),
			Error:   &httputil.Error{Code: http.StatusBadRequest, Message: "invalid transfer request"},
		})
		return
	}

	key := c.GetHeader(HeaderIdempotencyKey)
	if len(key) > maxKeyLength {
		httputil.RespondWithError(c, apperrors.BadRequest("idempotency key is too long", nil))
		return
	}
	if key == "" || h.store == nil {
		status, body := h.execute(c.Request.Context(), principal, req)
		c.JSON(status, body)
		return
	}

	// Keys are scoped to the caller so two clients cannot collide.
	scoped := principal.Subject + ":" + key
	ctx := c.Request.Context()

	fp := fingerprint(req)

	rec, err := h.store.Begin(ctx, scoped, fp)
	switch {
	case errors.Is(err, idempotency.ErrInProgress):
		httputil.RespondWithError(c, apperrors.Conflict("a request with this idempotency key is in progress", err))
		return
	case errors.Is(err, idempotency.ErrKeyReused):
		httputil.RespondWithError(c, apperrors.Unprocessable("idempotency key was used for a different request", err))
		return
	case err != nil:
		h.logger.WithContext(ctx).Error(err, "Idempotency store unavailable")
		httputil.RespondWithError(c, apperrors.Unavailable("idempotency store unavailable", err))
		return
	case rec != nil:
		c.Header(HeaderReplayed, "true")
		c.Data(rec.StatusCode, "application/json; charset=utf-8", rec.Body)
		return
	}

	status, body := h.execute(ctx, principal, req)
	raw, err := json.Marshal(body)
	if err != nil {
		_ = h.store.Release(context.WithoutCancel(ctx), scoped)
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}

	// Server side failures that moved no money may succeed on a retry, so the
	// key is freed for it.
	storeCtx := context.WithoutCancel(ctx)
	if retryable(status, body) {
		err = h.store.Release(storeCtx, scoped)
	} else {
		err = h.store.Complete(storeCtx, scoped, idempotency.Record{Fingerprint: fp, StatusCode: status, Body: raw})
	}
	if err != nil {
		h.logger.WithContext(ctx).Error(err, "Failed to record idempotent response", "status", status)
	}

	c.Data(status, "application/json; charset=utf-8", raw)
}

func (h *Handler) execute(ctx context.Context, principal model.Principal, req model.TransferRequest) (int, httputil.Response) {
	txn, err := h.saga.ExecuteTransfer(ctx, principal, req.FromAccountID, req.ToAccountID, req.Amount)
	if err == nil {
		return http.StatusCreated, httputil.Response{Success: true, Data: txn}
	}

	status, message, reason := describe(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithContext(ctx).Error(err, "Transfer failed", "reason", reason)
	}
	return status, httputil.Response{
		Success: false,
		Error:   &httputil.Error{Code: status, Message: message, Reason: reason},
	}
}

// retryable reports whether a response may be answered by running the saga
// again. Sagas that may have left money moved are replayed instead.
func retryable(status int, body httputil.Response) bool {
	if status < http.StatusInternalServerError {
		return false
	}
	if body.Error != nil {
		switch body.Error.Reason {
		case ReasonOutcomeUnknown, ReasonCompensationFailed:
			return false
		}
	}
	return true
}

func describe(err error) (status int, message, reason string) {
	var terr *saga.TransferError
	if errors.As(err, &terr) {
		reason = terr.Reason
	}

	switch {
	case errors.Is(err, saga.ErrInvalidTransfer):
		return http.StatusBadRequest, "invalid transfer request", reason
	case errors.Is(err, saga.ErrForbidden):
		return http.StatusForbidden, "source account belongs to another user", ReasonForbidden
	case errors.Is(err, saga.ErrBusinessRejection) && reason == ReasonForbidden:
		return http.StatusForbidden, "source account belongs to another user", reason
	case errors.Is(err, saga.ErrBusinessRejection):
		return http.StatusUnprocessableEntity, "transfer rejected", reason
	case errors.Is(err, saga.ErrCompensationFailure):
		return http.StatusInternalServerError, "transfer failed and could not be fully reversed", ReasonCompensationFailed
	case errors.Is(err, saga.ErrOutcomeUnknown):
		return http.StatusInternalServerError, "transfer outcome unknown, it is being reconciled", ReasonOutcomeUnknown
	case errors.Is(err, saga.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable, "ledger unavailable, transfer was not applied", ReasonLedgerUnavailable
	case errors.Is(err, saga.ErrTransferFailed) && reason != "":
		return http.StatusInternalServerError, "transfer failed and was reversed", reason
	default:
		return http.StatusInternalServerError, "transfer failed", ReasonTransferFailed
	}
}

// GetTransfer returns a transfer to either of its parties or to an admin.
func (h *Handler) GetTransfer(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid transfer ID", err))
		return
	}

	txn, err := h.txns.Get(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		httputil.RespondWithError(c, apperrors.NotFound("transfer", err))
		return
	}
	if err != nil {
		httputil.RespondWithError(c, apperrors.Internal(err))
		return
	}
	if !principal.Privileged() && !principal.Owns(txn.FromAccountID) && !principal.Owns(txn.ToAccountID) {
		httputil.RespondWithError(c, apperrors.Forbidden("transfer belongs to other users"))
		return
	}

	httputil.RespondWithSuccess(c, txn)
}

// fingerprint identifies the logical request independent of JSON formatting.
func fingerprint(req model.TransferRequest) string {
	sum := sha256.Sum256([]byte(req.FromAccountID.String() + "|" + req.ToAccountID.String() + "|" + req.Amount.StringFixed(2)))
	return hex.EncodeToString(sum[:])
}
