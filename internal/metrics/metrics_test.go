package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/pkg/types"
)

func TestNewCollector(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotNil(t, c)
	assert.NotNil(t, c.jobsCreated)
	assert.NotNil(t, c.jobsCompleted)
	assert.NotNil(t, c.jobsFailed)
	assert.NotNil(t, c.jobLatency)
}

func TestRecordCreateAndSuccess(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.RecordCreate(types.KindUpscale)
	c.RecordSuccess("w1", types.KindUpscale, 150*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, int64(1), snap.TotalCreated)
	assert.Equal(t, int64(1), snap.TotalCompleted)
	assert.Equal(t, int64(1), snap.ByWorker["w1"].Completed)
}

func TestRecordFailureAppendsRecentError(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.RecordFailure("w1", types.KindRemoveBackground, types.JobError{Kind: types.ErrKindTimeout, Message: "boom"}, time.Second)

	snap := c.Snapshot()
	require.Len(t, snap.RecentErrors, 1)
	assert.Equal(t, types.KindRemoveBackground, snap.RecentErrors[0].Kind)
	assert.Equal(t, int64(1), snap.ByWorker["w1"].Failed)
}

func TestRecentErrorsRingIsBounded(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	for i := 0; i < recentErrorCap+10; i++ {
		c.RecordFailure("w1", types.KindUpscale, types.JobError{Kind: types.ErrKindTransport}, time.Millisecond)
	}

	snap := c.Snapshot()
	assert.Len(t, snap.RecentErrors, recentErrorCap)
}

func TestPercentileOverSamples(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	for i := 1; i <= 10; i++ {
		c.RecordSuccess("w1", types.KindUpscale, time.Duration(i)*100*time.Millisecond)
	}

	p50 := c.Percentile(50)
	assert.Greater(t, p50, 0.0)
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	done := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordCreate(types.KindUpscale)
			c.RecordSuccess("w1", types.KindUpscale, 10*time.Millisecond)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	snap := c.Snapshot()
	assert.Equal(t, int64(50), snap.TotalCreated)
}

func TestCollectorIsolationPanicsOnDuplicateRegister(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	NewCollector()

	assert.Panics(t, func() {
		NewCollector()
	})
}
