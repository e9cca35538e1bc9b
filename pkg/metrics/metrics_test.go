package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordImport(t *testing.T) {
	before := testutil.ToFloat64(ImportsTotal.WithLabelValues("FINISHED"))

	RecordImport("FINISHED", time.Second, time.Minute)

	assert.Equal(t, before+1, testutil.ToFloat64(ImportsTotal.WithLabelValues("FINISHED")))
}

func TestRecordQueue(t *testing.T) {
	RecordQueue(4, 2)

	assert.Equal(t, float64(4), testutil.ToFloat64(QueueSize))
	assert.Equal(t, float64(2), testutil.ToFloat64(ImportsInFlight))
}

func TestRecordTriggerSubmission(t *testing.T) {
	before := testutil.ToFloat64(TriggerSubmissions.WithLabelValues("due", "error"))

	RecordTriggerSubmission("due", errors.New("queue full"))

	assert.Equal(t, before+1, testutil.ToFloat64(TriggerSubmissions.WithLabelValues("due", "error")))
}
