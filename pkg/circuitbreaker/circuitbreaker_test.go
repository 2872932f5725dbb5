package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/paypulse/pkg/logger"
)

var errRejected = errors.New("rejected")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "ledger",
		Timeout:             time.Minute,
		ConsecutiveFailures: 2,
	}, logger.Nop())

	boom := errors.New("boom")
	assert.Equal(t, boom, cb.Execute(func() error { return boom }))
	assert.Equal(t, boom, cb.Execute(func() error { return boom }))

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, "open", cb.State())
}

func TestBreakerIgnoresBusinessOutcomes(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "ledger",
		Timeout:             time.Minute,
		ConsecutiveFailures: 1,
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errRejected)
		},
	}, logger.Nop())

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errRejected }), errRejected)
	}
	assert.Equal(t, "closed", cb.State())
}
