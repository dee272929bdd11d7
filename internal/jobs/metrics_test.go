package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return -1
	}
	return m.GetCounter().GetValue()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	assert.NoError(t, m.Track("leaderboard:refresh").End(nil))
	boom := errors.New("boom")
	assert.ErrorIs(t, m.Track("leaderboard:refresh").End(boom), boom)

	assert.Equal(t, 1.0, counterValue(m.runs.WithLabelValues("leaderboard:refresh", "success")))
	assert.Equal(t, 1.0, counterValue(m.runs.WithLabelValues("leaderboard:refresh", "failure")))
	assert.Equal(t, 1.0, counterValue(m.failures.WithLabelValues("leaderboard:refresh")))
}

func TestRoleChangesIgnoresNonPositive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddRoleChanges("add", 3)
	m.AddRoleChanges("add", 0)
	m.AddRoleChanges("remove", -1)

	assert.Equal(t, 3.0, counterValue(m.roleChanges.WithLabelValues("add")))
	assert.Equal(t, 0.0, counterValue(m.roleChanges.WithLabelValues("remove")))
}

func TestNilMetricsTrackerIsNoop(t *testing.T) {
	var m *Metrics
	err := errors.New("x")
	assert.Equal(t, err, m.Track("job").End(err))
	m.AddRoleChanges("add", 1)
}
