package ledgerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/paypulse/pkg/logger"
)

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestReserveForwardsCredentialAndKeys(t *testing.T) {
	account := uuid.New()
	var got *http.Request
	var body map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"outcome":"APPLIED","balance":"50"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/"}, nil, logger.Nop())
	ctx := logger.ContextWithRequestID(context.Background(), "req-1")

	err := c.Reserve(ctx, Request{
		AccountID:      account,
		Amount:         decimal.RequireFromString("100.00"),
		IdempotencyKey: "saga:reserve",
		Credential:     "opaque-token",
	})
	require.NoError(t, err)

	assert.Equal(t, "/internal/ledger/accounts/"+account.String()+"/reserve", got.URL.Path)
	assert.Equal(t, "Bearer opaque-token", got.Header.Get("Authorization"))
	assert.Equal(t, "saga:reserve", got.Header.Get(HeaderIdempotencyKey))
	assert.Empty(t, got.Header.Get(HeaderReversesKey))
	assert.Equal(t, "req-1", got.Header.Get(HeaderRequestID))
	assert.Equal(t, "100", body["amount"])
}

func TestInsufficientFundsIsBusinessRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity,
			`{"success":false,"error":{"code":422,"message":"insufficient funds","reason":"INSUFFICIENT_FUNDS"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, logger.Nop())
	err := c.Reserve(context.Background(), Request{AccountID: uuid.New(), Amount: decimal.NewFromInt(1)})

	var rejection *BusinessRejection
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, ReasonInsufficientFunds, rejection.Reason)
	assert.Equal(t, OpReserve, rejection.Operation)
}

func TestDepositCannotBeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity,
			`{"success":false,"error":{"code":422,"message":"nope","reason":"INSUFFICIENT_FUNDS"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, logger.Nop())
	err := c.Deposit(context.Background(), Request{AccountID: uuid.New(), Amount: decimal.NewFromInt(1)})

	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, http.StatusUnprocessableEntity, remote.StatusCode)
}

func TestServerErrorAndMalformedAreRemoteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "5xx", status: http.StatusBadGateway, body: `{"success":false,"error":{"code":502,"message":"upstream"}}`},
		{name: "html", status: http.StatusServiceUnavailable, body: `<html>down</html>`},
		{name: "ok without success flag", status: http.StatusOK, body: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL}, nil, logger.Nop())
			err := c.Deposit(context.Background(), Request{AccountID: uuid.New(), Amount: decimal.NewFromInt(1)})

			var remote *RemoteError
			assert.True(t, errors.As(err, &remote), "got %v", err)
		})
	}
}

func TestTimeoutIsRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil, logger.Nop())
	err := c.Deposit(context.Background(), Request{AccountID: uuid.New(), Amount: decimal.NewFromInt(1)})

	var remote *RemoteError
	assert.True(t, errors.As(err, &remote))
}

func TestCompensationSendsReversesKey(t *testing.T) {
	var reverses string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reverses = r.Header.Get(HeaderReversesKey)
		writeJSON(w, http.StatusOK, `{"success":true}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil, logger.Nop())
	require.NoError(t, c.ReturnReserved(context.Background(), Request{
		AccountID:      uuid.New(),
		Amount:         decimal.NewFromInt(1),
		IdempotencyKey: "saga:return-reserved",
		ReversesKey:    "saga:reserve",
	}))
	assert.Equal(t, "saga:reserve", reverses)
}

type observerStub struct {
	outcomes []string
}

func (o *observerStub) ObserveLedgerCall(_, outcome string, _ time.Duration) {
	o.outcomes = append(o.outcomes, outcome)
}

func TestBreakerFailsFastAndIgnoresRejections(t *testing.T) {
	var calls int32
	status := int32(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if atomic.LoadInt32(&status) == http.StatusUnprocessableEntity {
			writeJSON(w, http.StatusUnprocessableEntity, `{"success":false,"error":{"code":422,"reason":"INSUFFICIENT_FUNDS"}}`)
			return
		}
		writeJSON(w, http.StatusInternalServerError, `{"success":false}`)
	}))
	defer srv.Close()

	obs := &observerStub{}
	c := New(Config{BaseURL: srv.URL, BreakerFailures: 2, BreakerTimeout: time.Minute}, obs, logger.Nop())
	req := Request{AccountID: uuid.New(), Amount: decimal.NewFromInt(1)}

	atomic.StoreInt32(&status, http.StatusUnprocessableEntity)
	for i := 0; i < 3; i++ {
		var rejection *BusinessRejection
		require.True(t, errors.As(c.Reserve(context.Background(), req), &rejection))
	}

	atomic.StoreInt32(&status, http.StatusInternalServerError)
	_ = c.Reserve(context.Background(), req)
	_ = c.Reserve(context.Background(), req)
	before := atomic.LoadInt32(&calls)

	var remote *RemoteError
	require.True(t, errors.As(c.Reserve(context.Background(), req), &remote))
	assert.Equal(t, before, atomic.LoadInt32(&calls), "open breaker must not reach the ledger")
	assert.Equal(t, []string{"rejected", "rejected", "rejected", "error", "error", "error"}, obs.outcomes)
}
