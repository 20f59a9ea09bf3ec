package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSessionCounters(t *testing.T) {
	SessionOpened("sign")
	SessionOpened("sign")
	SessionFinished("sign", "completed")
	RoundCompleted("sign", 1, 3*time.Millisecond)
	MessageRejected("unauthorized")

	assert.Equal(t, 1.0, testutil.ToFloat64(activeSessions.WithLabelValues("sign")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sessionsTotal.WithLabelValues("sign", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(droppedTotal.WithLabelValues("unauthorized")))
}

func TestReshareOutcomes(t *testing.T) {
	ensure()
	before := testutil.ToFloat64(reshareTotal.WithLabelValues(ReshareAbortedAfterStage))
	ReshareFinished(ReshareCommitted)
	ReshareFinished(ReshareAbortedAfterStage)

	assert.Equal(t, before+1, testutil.ToFloat64(reshareTotal.WithLabelValues(ReshareAbortedAfterStage)))
	assert.GreaterOrEqual(t, testutil.ToFloat64(reshareTotal.WithLabelValues(ReshareCommitted)), 1.0)
}
