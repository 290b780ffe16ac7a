package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

func TestPriorityFeeSweepInitializesFromMax(t *testing.T) {
	st := newFakeStore()
	st.seedBlocks(1, 100, false)

	w := NewPriorityFeeRecomputer(newFakeEL(), st, NewRegistry(), 10, 2)

	_, done, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, done)

	require.NotNil(t, st.fixStatus)
	assert.Equal(t, uint64(100), st.fixStatus.FixDeployedAtBlock)
	assert.Equal(t, uint64(100), st.fixStatus.LastFixedBlock)
}

func TestPriorityFeeSweepIsolatesFailures(t *testing.T) {
	el := newFakeEL()
	el.addRange(90, 99, 1)
	el.blockErrs[93] = &rpcpool.TransientError{Err: errors.New("read timeout")}

	st := newFakeStore()
	st.seedBlocks(1, 100, false)
	st.fixStatus = &store.PriorityFeeFixStatus{FixDeployedAtBlock: 100, LastFixedBlock: 100}

	w := NewPriorityFeeRecomputer(el, st, NewRegistry(), 10, 4)

	items, done, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(9), items)

	// The cursor stops at the contiguous run of successes above the failed
	// block, so 93 stays in reach of a later pass.
	assert.Equal(t, uint64(94), st.fixStatus.LastFixedBlock)

	assert.Contains(t, st.rewrites, uint64(90))
	assert.Contains(t, st.rewrites, uint64(99))
	assert.NotContains(t, st.rewrites, uint64(93))
}

func TestPriorityFeeSweepCompletes(t *testing.T) {
	el := newFakeEL()
	el.addRange(1, 9, 0)

	st := newFakeStore()
	st.seedBlocks(1, 10, false)
	st.fixStatus = &store.PriorityFeeFixStatus{FixDeployedAtBlock: 10, LastFixedBlock: 10}

	w := NewPriorityFeeRecomputer(el, st, NewRegistry(), 20, 2)

	items, done, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, int64(9), items)
	assert.Equal(t, uint64(1), st.fixStatus.LastFixedBlock)

	_, done, err = w.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestPriorityFeeSweepExhaustionAborts(t *testing.T) {
	el := newFakeEL()
	el.addRange(90, 99, 1)
	el.blockErrs[95] = rpcpool.ErrExhausted

	st := newFakeStore()
	st.seedBlocks(1, 100, false)
	st.fixStatus = &store.PriorityFeeFixStatus{FixDeployedAtBlock: 100, LastFixedBlock: 100}

	w := NewPriorityFeeRecomputer(el, st, NewRegistry(), 10, 1)

	_, _, err := w.iterate(context.Background())
	require.Error(t, err)
	assert.True(t, rpcpool.IsExhausted(err))

	// No progress is recorded for an aborted batch.
	assert.Equal(t, uint64(100), st.fixStatus.LastFixedBlock)
}

func TestContiguousFloor(t *testing.T) {
	assert.Equal(t, uint64(94), contiguousFloor(99, []uint64{90, 91, 92, 94, 95, 96, 97, 98, 99}))
	assert.Equal(t, uint64(90), contiguousFloor(99, []uint64{90, 91, 92, 93, 94, 95, 96, 97, 98, 99}))
	assert.Equal(t, uint64(100), contiguousFloor(99, []uint64{90, 91}))
	assert.Equal(t, uint64(0), contiguousFloor(1, []uint64{0, 1}))
}
