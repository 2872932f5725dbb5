package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSagaCounters(t *testing.T) {
	m := NewMetrics("paypulse", "test", prometheus.NewRegistry())

	m.TransferAttempted()
	m.TransferAttempted()
	m.TransferSucceeded()
	m.TransferCompensated()
	m.TransferFailed()
	m.ObserveSagaDuration(120 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransfersAttempted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersSucceeded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersCompensated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransfersFailed))
}

func TestDBOpLabels(t *testing.T) {
	m := NewMetrics("paypulse", "test", prometheus.NewRegistry())

	m.DBOp("find_pending", nil)
	m.DBOp("find_pending", errors.New("x"))
	m.DBOp("find_pending", errors.New("y"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DatabaseOperations.WithLabelValues("find_pending", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DatabaseOperations.WithLabelValues("find_pending", "error")))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("paypulse", "a", prometheus.NewRegistry())
		NewMetrics("paypulse", "a", prometheus.NewRegistry())
	})
}
