package workers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.Running())

	reg.SetState(NameTipFollower, StateRunning)
	assert.True(t, reg.Running())

	reg.RecordRun(NameTipFollower, 10)
	reg.RecordRun(NameTipFollower, 5)
	reg.RecordError(NameTipFollower, &rpcpool.TransientError{Err: errors.New("endpoint down")})

	statuses := reg.Statuses()
	require.Len(t, statuses, 1)

	s := statuses[0]
	assert.Equal(t, NameTipFollower, s.Name)
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, int64(15), s.ItemsProcessed)
	assert.NotNil(t, s.LastRunAt)
	assert.NotNil(t, s.LastErrorAt)
	assert.Equal(t, "transient: endpoint down", s.LastError)

	reg.SetState(NameTipFollower, StateStopped)
	assert.False(t, reg.Running())
}

func TestRegistryDatabaseErrorParksWorker(t *testing.T) {
	reg := NewRegistry()
	reg.SetState(NameGapFiller, StateRunning)

	// Upstream failures are routine retries and leave the state alone.
	reg.RecordError(NameGapFiller, rpcpool.ErrExhausted)
	assert.Equal(t, StateRunning, reg.Statuses()[0].State)

	reg.RecordError(NameGapFiller, &rpcpool.TransientError{Err: errors.New("read timeout")})
	assert.Equal(t, StateRunning, reg.Statuses()[0].State)

	// An unclassified error means the database is unreachable.
	reg.RecordError(NameGapFiller, errors.New("connection refused"))
	assert.Equal(t, StateError, reg.Statuses()[0].State)
	assert.False(t, reg.Running())

	// The next completed iteration restores the running state.
	reg.RecordRun(NameGapFiller, 1)
	assert.Equal(t, StateRunning, reg.Statuses()[0].State)
	assert.True(t, reg.Running())
}

func TestRegistryStatusesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.SetState(NameTipFollower, StateIdle)
	reg.SetState(NameGapFiller, StateRunning)
	reg.SetState(NameBlockBackfiller, StateIdle)

	statuses := reg.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, NameBlockBackfiller, statuses[0].Name)
	assert.Equal(t, NameGapFiller, statuses[1].Name)
	assert.Equal(t, NameTipFollower, statuses[2].Name)
}
