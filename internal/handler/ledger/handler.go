package ledger

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/paypulse/internal/middleware"
	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/internal/repository"
	ledgerService "github.com/jwalitptl/paypulse/internal/service/ledger"
	apperrors "github.com/jwalitptl/paypulse/pkg/errors"
	"github.com/jwalitptl/paypulse/pkg/httputil"
	"github.com/jwalitptl/paypulse/pkg/ledgerclient"
	"github.com/jwalitptl/paypulse/pkg/validator"
)

type Service interface {
	Apply(ctx context.Context, principal model.Principal, cmd ledgerService.Command) (*model.LedgerResult, error)
	GetBalance(ctx context.Context, principal model.Principal, accountID uuid.UUID) (*model.Account, error)
	History(ctx context.Context, principal model.Principal, accountID uuid.UUID, page model.Pagination) ([]*model.LedgerEntry, int, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	accounts := r.Group("/accounts")
	{
		accounts.POST("/:id/"+string(ledgerclient.OpReserve), h.operation(model.LedgerOpReserve))
		accounts.POST("/:id/"+string(ledgerclient.OpDeposit), h.operation(model.LedgerOpDeposit))
		accounts.POST("/:id/"+string(ledgerclient.OpReturnReserved), h.operation(model.LedgerOpReturnReserved))
		accounts.POST("/:id/"+string(ledgerclient.OpRollbackTransfer), h.operation(model.LedgerOpRollbackTransfer))
		accounts.GET("/:id/balance", h.GetBalance)
		accounts.GET("/:id/history", h.GetHistory)
	}
}

type operationRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required,dgt0,dscale2"`
}

func (h *Handler) operation(kind model.LedgerOperationKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := middleware.PrincipalFrom(c)
		if !ok {
			httputil.RespondWithError(c, apperrors.Unauthorized(nil))
			return
		}

		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			httputil.RespondWithError(c, apperrors.BadRequest("invalid account ID", err))
			return
		}

		key := c.GetHeader(ledgerclient.HeaderIdempotencyKey)
		if key == "" {
			httputil.RespondWithError(c, apperrors.BadRequest("Idempotency-Key header is required", nil))
			return
		}

		var req operationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, httputil.Response{
				Success: false,
				Data:    validator.FormatErrors(err),
				Error:   &httputil.Error{Code: http.StatusBadRequest, Message: "invalid ledger request"},
			})
			return
		}

		result, err := h.service.Apply(c.Request.Context(), principal, ledgerService.Command{
			Kind:           kind,
			AccountID:      id,
			Amount:         req.Amount,
			IdempotencyKey: key,
			ReversesKey:    c.GetHeader(ledgerclient.HeaderReversesKey),
		})
		if err != nil {
			httputil.RespondWithReason(c, err, reason(err))
			return
		}

		httputil.RespondWithSuccess(c, result)
	}
}

// reason names business rejections in the form the ledger client expects.
func reason(err error) string {
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds):
		return ledgerclient.ReasonInsufficientFunds
	case errors.Is(err, repository.ErrNotFound):
		return ledgerclient.ReasonAccountNotFound
	case errors.Is(err, ledgerService.ErrForbidden):
		return ledgerclient.ReasonForbidden
	}
	return ""
}

func (h *Handler) GetBalance(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid account ID", err))
		return
	}

	acct, err := h.service.GetBalance(c.Request.Context(), principal, id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, acct)
}

func (h *Handler) GetHistory(c *gin.Context) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid account ID", err))
		return
	}

	var page model.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid pagination", err))
		return
	}
	page = page.Normalize()

	entries, total, err := h.service.History(c.Request.Context(), principal, id, page)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithPagination(c, entries, page.Page, page.PageSize, total)
}
