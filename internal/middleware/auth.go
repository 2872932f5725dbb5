package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/paypulse/internal/model"
	apperrors "github.com/jwalitptl/paypulse/pkg/errors"
	"github.com/jwalitptl/paypulse/pkg/httputil"
)

const ContextPrincipal = "principal"

// TokenVerifier turns a bearer token into the caller it identifies.
type TokenVerifier interface {
	Verify(token string) (model.Principal, error)
}

type AuthMiddleware struct {
	verifier TokenVerifier
}

func NewAuthMiddleware(verifier TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate verifies the JWT token and sets the principal in context
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, &apperrors.AppError{Code: apperrors.ErrUnauthorized, Message: "missing authorization header"})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			httputil.RespondWithError(c, &apperrors.AppError{Code: apperrors.ErrUnauthorized, Message: "invalid authorization format"})
			return
		}

		principal, err := m.verifier.Verify(parts[1])
		if err != nil {
			httputil.RespondWithError(c, &apperrors.AppError{Code: apperrors.ErrUnauthorized, Message: "invalid token", Err: err})
			return
		}

		c.Set(ContextPrincipal, principal)
		c.Next()
	}
}

// RequireAdmin must run after Authenticate.
func (m *AuthMiddleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, ok := PrincipalFrom(c)
		if !ok || !principal.IsAdmin() {
			httputil.RespondWithError(c, apperrors.Forbidden("permission denied"))
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the caller stored by Authenticate.
func PrincipalFrom(c *gin.Context) (model.Principal, bool) {
	v, ok := c.Get(ContextPrincipal)
	if !ok {
		return model.Principal{}, false
	}
	p, ok := v.(model.Principal)
	return p, ok
}
