package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Counter != nil {
		return out.Counter.GetValue()
	}
	return out.Gauge.GetValue()
}

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncQueue("pending")
		IncCommit("live", "success")
		IncCache("l1", "hit")
		IncPrefetch("error")
	})
}

func TestCounters(t *testing.T) {
	before := value(t, queueTransitions.WithLabelValues("failed"))
	IncQueue("failed")
	assert.Equal(t, before+1, value(t, queueTransitions.WithLabelValues("failed")))

	SetOnline(true)
	assert.Equal(t, float64(1), value(t, online))
	SetOnline(false)
	assert.Equal(t, float64(0), value(t, online))
}
