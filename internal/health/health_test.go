package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tr := NewTracker(clock)
	tr.Expect("reconcile", 30*time.Minute)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Nil(t, snap[0].LastRun)
	assert.False(t, snap[0].Stale)

	tr.Observe("reconcile", nil)
	now = now.Add(10 * time.Minute)
	tr.Observe("reconcile", errors.New("feed down"))
	tr.Observe("cleanup", nil)

	snap = tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "cleanup", snap[0].Name)
	rec := snap[1]
	assert.Equal(t, "feed down", rec.LastError)
	assert.Equal(t, 1, rec.Failures)
	assert.True(t, rec.LastSuccess.Before(*rec.LastRun))
	assert.True(t, tr.Healthy())

	now = now.Add(25 * time.Minute)
	assert.False(t, tr.Healthy())

	tr.Observe("reconcile", nil)
	assert.True(t, tr.Healthy())
	assert.Zero(t, tr.Snapshot()[1].Failures)
}

func TestTracker_InactiveNeverStale(t *testing.T) {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(func() time.Time { return now })
	tr.Expect("reconcile", 30*time.Minute)
	tr.Observe("reconcile", nil)
	tr.SetActive(false)

	now = now.Add(72 * time.Hour)
	assert.True(t, tr.Healthy(), "a dormant pipeline's jobs are not stale")

	tr.SetActive(true)
	assert.True(t, tr.Healthy(), "age restarts on activation")

	now = now.Add(31 * time.Minute)
	assert.False(t, tr.Healthy())

	tr.Observe("reconcile", nil)
	assert.True(t, tr.Healthy())
}
