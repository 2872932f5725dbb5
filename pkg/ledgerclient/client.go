package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jwalitptl/paypulse/pkg/circuitbreaker"
	"github.com/jwalitptl/paypulse/pkg/logger"
)

// Operation names one of the four ledger calls.
type Operation string

const (
	OpReserve          Operation = "reserve"
	OpDeposit          Operation = "deposit"
	OpReturnReserved   Operation = "return-reserved"
	OpRollbackTransfer Operation = "rollback-transfer"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReversesKey    = "Reverses-Key"
	HeaderRequestID      = "X-Request-ID"
)

// Reasons the ledger gives for a business rejection.
const (
	ReasonInsufficientFunds = "INSUFFICIENT_FUNDS"
	ReasonAccountNotFound   = "ACCOUNT_NOT_FOUND"
	ReasonForbidden         = "ACCOUNT_FORBIDDEN"
)

// Request is one ledger call. Credential is forwarded as the bearer token.
type Request struct {
	AccountID      uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
	ReversesKey    string
	Credential     string
}

// BusinessRejection is a normal negative answer from the ledger. It is never retried.
type BusinessRejection struct {
	Operation Operation
	Reason    string
}

func (e *BusinessRejection) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Operation, e.Reason)
}

// RemoteError covers everything else: timeouts, 5xx, malformed replies, open breaker.
type RemoteError struct {
	Operation  Operation
	StatusCode int
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ledger %s failed with status %d: %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ledger %s failed: %v", e.Operation, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Client is the ledger contract used by the transfer saga. A nil error means success.
type Client interface {
	Reserve(ctx context.Context, req Request) error
	Deposit(ctx context.Context, req Request) error
	ReturnReserved(ctx context.Context, req Request) error
	RollbackTransfer(ctx context.Context, req Request) error
}

// Observer receives per-call timings. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveLedgerCall(operation, outcome string, d time.Duration)
}

type Config struct {
	BaseURL string
	Timeout time.Duration
	// Breaker settings; zero ConsecutiveFailures disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type HTTPClient struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	observer   Observer
	logger     *logger.Logger
}

func New(cfg Config, observer Observer, log *logger.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}

	c := &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		observer:   observer,
		logger:     log,
	}

	if cfg.BreakerFailures > 0 {
		c.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:                "ledger",
			MaxRequests:         1,
			Timeout:             cfg.BreakerTimeout,
			ConsecutiveFailures: cfg.BreakerFailures,
			IsSuccessful: func(err error) bool {
				var rejection *BusinessRejection
				return err == nil || errors.As(err, &rejection)
			},
		}, log)
	}
	return c
}

func (c *HTTPClient) Reserve(ctx context.Context, req Request) error {
	return c.call(ctx, OpReserve, req)
}

func (c *HTTPClient) Deposit(ctx context.Context, req Request) error {
	return c.call(ctx, OpDeposit, req)
}

func (c *HTTPClient) ReturnReserved(ctx context.Context, req Request) error {
	return c.call(ctx, OpReturnReserved, req)
}

func (c *HTTPClient) RollbackTransfer(ctx context.Context, req Request) error {
	return c.call(ctx, OpRollbackTransfer, req)
}

func (c *HTTPClient) call(ctx context.Context, op Operation, req Request) error {
	start := time.Now()

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(func() error { return c.do(ctx, op, req) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = &RemoteError{Operation: op, Err: err}
		}
	} else {
		err = c.do(ctx, op, req)
	}

	if c.observer != nil {
		c.observer.ObserveLedgerCall(string(op), outcomeLabel(err), time.Since(start))
	}
	return err
}

type operationBody struct {
	Amount decimal.Decimal `json:"amount"`
}

type envelope struct {
	Success bool `json:"success"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error"`
}

func (c *HTTPClient) do(ctx context.Context, op Operation, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(operationBody{Amount: req.Amount})
	if err != nil {
		return &RemoteError{Operation: op, Err: err}
	}

	url := fmt.Sprintf("%s/internal/ledger/accounts/%s/%s", c.baseURL, req.AccountID, op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &RemoteError{Operation: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}
	if req.ReversesKey != "" {
		httpReq.Header.Set(HeaderReversesKey, req.ReversesKey)
	}
	if rid := logger.RequestIDFrom(ctx); rid != "" {
		httpReq.Header.Set(HeaderRequestID, rid)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &RemoteError{Operation: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &RemoteError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			return &RemoteError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if !env.Success {
			return &RemoteError{Operation: op, StatusCode: resp.StatusCode, Err: errors.New("malformed response: success flag not set")}
		}
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity && rejectable(op) && env.Error != nil && env.Error.Reason != "":
		return &BusinessRejection{Operation: op, Reason: env.Error.Reason}
	case resp.StatusCode == http.StatusForbidden && env.Error != nil && env.Error.Reason != "":
		// Retrying with the same credential cannot succeed.
		return &BusinessRejection{Operation: op, Reason: env.Error.Reason}
	default:
		msg := http.StatusText(resp.StatusCode)
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return &RemoteError{Operation: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}
}

// Only debits can be refused on business grounds.
func rejectable(op Operation) bool {
	return op == OpReserve || op == OpRollbackTransfer
}

func outcomeLabel(err error) string {
	var rejection *BusinessRejection
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &rejection):
		return "rejected"
	default:
		return "error"
	}
}
