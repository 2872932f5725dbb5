package outbox

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/paypulse/internal/middleware"
	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/pkg/httputil"
)

type Service interface {
	Metrics(ctx context.Context) (*model.OutboxMetrics, error)
	Dispatch(ctx context.Context, actor string) error
	Retry(ctx context.Context, actor string) error
	Retention(ctx context.Context, actor string) (int64, error)
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the read endpoint on r and the manual triggers behind admin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup, admin gin.HandlerFunc) {
	outbox := r.Group("/outbox")
	{
		outbox.GET("/metrics", h.GetMetrics)

		triggers := outbox.Group("", admin)
		triggers.POST("/dispatch", h.Dispatch)
		triggers.POST("/retry", h.Retry)
		triggers.POST("/retention", h.Retention)
	}
}

func (h *Handler) GetMetrics(c *gin.Context) {
	counts, err := h.service.Metrics(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, counts)
}

func (h *Handler) Dispatch(c *gin.Context) {
	if err := h.service.Dispatch(c.Request.Context(), actor(c)); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"triggered": "dispatch"})
}

func (h *Handler) Retry(c *gin.Context) {
	if err := h.service.Retry(c.Request.Context(), actor(c)); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"triggered": "retry"})
}

func (h *Handler) Retention(c *gin.Context) {
	n, err := h.service.Retention(c.Request.Context(), actor(c))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"triggered": "retention", "purged": n})
}

func actor(c *gin.Context) string {
	p, _ := middleware.PrincipalFrom(c)
	return p.Subject
}
