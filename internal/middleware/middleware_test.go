package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/paypulse/internal/model"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

type stubVerifier struct {
	principal model.Principal
	err       error
	seen      string
}

func (s *stubVerifier) Verify(token string) (model.Principal, error) {
	s.seen = token
	return s.principal, s.err
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthenticate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := &stubVerifier{principal: model.Principal{Subject: "alice", Role: model.RoleAdmin}}
	auth := NewAuthMiddleware(verifier)

	r := gin.New()
	r.GET("/me", auth.Authenticate(), func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, p.Subject)
	})

	tests := []struct {
		name   string
		header string
		err    error
		status int
	}{
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", status: http.StatusUnauthorized},
		{name: "empty token", header: "Bearer ", status: http.StatusUnauthorized},
		{name: "rejected", header: "Bearer bad", err: errors.New("expired"), status: http.StatusUnauthorized},
		{name: "ok", header: "Bearer good", status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifier.err = tt.err
			req, _ := http.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := serve(r, req)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice", w.Body.String())
				assert.Equal(t, "good", verifier.seen)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := &stubVerifier{principal: model.Principal{Subject: "bob"}}
	auth := NewAuthMiddleware(verifier)

	r := gin.New()
	r.POST("/admin", auth.Authenticate(), auth.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req, _ := http.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer t")
	assert.Equal(t, http.StatusForbidden, serve(r, req).Code)

	verifier.principal.Role = model.RoleAdmin
	req, _ = http.NewRequest(http.MethodPost, "/admin", nil)
	req.Header.Set("Authorization", "Bearer t")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, logger.RequestIDFrom(c.Request.Context()))
	})

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderXRequestID, "abc-123")
	w := serve(r, req)
	assert.Equal(t, "abc-123", w.Header().Get(HeaderXRequestID))
	assert.Equal(t, "abc-123", w.Body.String())

	req, _ = http.NewRequest(http.MethodGet, "/", nil)
	w = serve(r, req)
	generated := w.Header().Get(HeaderXRequestID)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, w.Body.String())
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	req, _ := http.NewRequest(http.MethodGet, "/boom", nil)
	w := serve(r, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "kaboom")
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Logger(), NewRateLimiter(RateLimiterConfig{Rate: 0.001, Burst: 2}).RateLimit())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		codes = append(codes, serve(r, req).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestSizeLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SizeLimit(16))
	r.POST("/", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"a":1}`))
	assert.Equal(t, http.StatusOK, serve(r, req).Code)

	req, _ = http.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 64)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(r, req).Code)

	// Unknown length is still capped while reading.
	req, _ = http.NewRequest(http.MethodPost, "/", io.NopCloser(strings.NewReader(strings.Repeat("x", 64))))
	req.ContentLength = -1
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(r, req).Code)
}
