package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiredfox/comfymw/pkg/types"
)

func TestCreateStartsPending(t *testing.T) {
	r := New(Config{})
	job := r.Create(types.KindRemoveBackground, types.JobInput{Format: types.FormatPNG})

	assert.Equal(t, types.StatusPending, job.Status)
	assert.Contains(t, r.ListPending(), job.ID)
}

func TestLegalLifecycle(t *testing.T) {
	r := New(Config{})
	job := r.Create(types.KindUpscale, types.JobInput{})

	require.NoError(t, r.TransitionToProcessing(job.ID, "w1"))
	got, ok := r.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusProcessing, got.Status)
	assert.Equal(t, "w1", got.AssignedWorker)
	assert.NotContains(t, r.ListPending(), job.ID)

	require.NoError(t, r.Complete(job.ID, types.JobResult{ContentType: "image/png"}, "sub-1"))
	got, _ = r.Get(job.ID)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
}

func TestIllegalTransitionRejected(t *testing.T) {
	r := New(Config{})
	job := r.Create(types.KindUpscale, types.JobInput{})

	err := r.Complete(job.ID, types.JobResult{}, "sub-1")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestUnknownJobNotFound(t *testing.T) {
	r := New(Config{})
	_, ok := r.Get("missing")
	assert.False(t, ok)

	err := r.TransitionToProcessing("missing", "w1")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestTerminalRetentionEvictsAfterGrace(t *testing.T) {
	r := New(Config{TerminalRetention: 20 * time.Millisecond})
	job := r.Create(types.KindUpscale, types.JobInput{})
	require.NoError(t, r.TransitionToProcessing(job.ID, "w1"))
	require.NoError(t, r.Fail(job.ID, types.JobError{Kind: types.ErrKindTimeout}))

	_, ok := r.Get(job.ID)
	assert.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = r.Get(job.ID)
	assert.False(t, ok)
}

func TestListFiltersByState(t *testing.T) {
	r := New(Config{})
	r.Create(types.KindUpscale, types.JobInput{})
	j2 := r.Create(types.KindRemoveBackground, types.JobInput{})
	require.NoError(t, r.TransitionToProcessing(j2.ID, "w1"))

	pending := r.List(Filter{State: types.StatusPending})
	assert.Len(t, pending, 1)
}

func TestStatsCountsByState(t *testing.T) {
	r := New(Config{})
	r.Create(types.KindUpscale, types.JobInput{})
	r.Create(types.KindUpscale, types.JobInput{})

	stats := r.Stats()
	assert.Equal(t, 2, stats.ByState[types.StatusPending])
}

func TestStatsCountsByKindAndWorker(t *testing.T) {
	r := New(Config{})
	r.Create(types.KindUpscale, types.JobInput{})
	j2 := r.Create(types.KindRemoveBackground, types.JobInput{})
	require.NoError(t, r.TransitionToProcessing(j2.ID, "w1"))

	stats := r.Stats()
	assert.Equal(t, 1, stats.ByKind[types.KindUpscale])
	assert.Equal(t, 1, stats.ByKind[types.KindRemoveBackground])
	assert.Equal(t, 1, stats.ByWorker[types.WorkerID("w1")])
}
