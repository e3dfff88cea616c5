package monitoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/config"
	"github.com/sells-group/visibility-engine/internal/model"
)

type fakeCounter struct {
	counts map[model.RunStatus]int
	err    error
}

func (f *fakeCounter) CountRuns(context.Context) (map[model.RunStatus]int, error) {
	return f.counts, f.err
}

type fakeGauge struct {
	size, inFlight, highWater int64
}

func (g fakeGauge) Size() int64 { return g.size }
func (g fakeGauge) InFlight() int64 { return g.inFlight }
func (g fakeGauge) HighWater() int64 { return g.highWater }

func TestCollector_Collect(t *testing.T) {
	c := NewCollector(&fakeCounter{counts: map[model.RunStatus]int{
		model.RunStatusPending:   1,
		model.RunStatusRunning:   2,
		model.RunStatusCompleted: 6,
		model.RunStatusFailed:    2,
	}}, fakeGauge{size: 5, inFlight: 3, highWater: 5})

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.RunsPending)
	assert.Equal(t, 2, snap.RunsRunning)
	assert.Equal(t, 6, snap.RunsCompleted)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.Equal(t, 11, snap.RunsTotal)
	assert.InDelta(t, 0.25, snap.RunFailRate, 0.0001)
	assert.Equal(t, int64(5), snap.SlotsTotal)
	assert.Equal(t, int64(3), snap.SlotsInFlight)
	assert.Equal(t, int64(5), snap.SlotsHighWater)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_Empty(t *testing.T) {
	c := NewCollector(&fakeCounter{counts: map[model.RunStatus]int{}}, nil)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Zero(t, snap.RunFailRate)
	assert.Zero(t, snap.SlotsTotal)
}

func TestCollector_StoreError(t *testing.T) {
	c := NewCollector(&fakeCounter{err: errors.New("db down")}, nil)

	_, err := c.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count runs")
}

func TestAlerter_Evaluate(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureRateThreshold: 0.2})

	tests := []struct {
		name string
		snap MetricsSnapshot
		want []AlertType
	}{
		{
			name: "healthy",
			snap: MetricsSnapshot{RunsCompleted: 10, RunsFailed: 1, RunFailRate: 1.0 / 11, SlotsTotal: 5, SlotsInFlight: 2},
		},
		{
			name: "failure rate",
			snap: MetricsSnapshot{RunsCompleted: 4, RunsFailed: 4, RunFailRate: 0.5},
			want: []AlertType{AlertRunFailureRate},
		},
		{
			name: "too few finished runs",
			snap: MetricsSnapshot{RunsCompleted: 1, RunsFailed: 2, RunFailRate: 2.0 / 3},
		},
		{
			name: "saturated",
			snap: MetricsSnapshot{RunsRunning: 3, SlotsTotal: 5, SlotsInFlight: 5},
			want: []AlertType{AlertSlotsSaturated},
		},
		{
			name: "saturated without runs is ignored",
			snap: MetricsSnapshot{SlotsTotal: 5, SlotsInFlight: 5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := a.Evaluate(&tt.snap)
			var got []AlertType
			for _, al := range alerts {
				got = append(got, al.Type)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlerter_DisabledThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	alerts := a.Evaluate(&MetricsSnapshot{RunsFailed: 10, RunFailRate: 1})
	assert.Empty(t, alerts)
}
