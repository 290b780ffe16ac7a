package workers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

func seedMilestone(st *fakeStore, seq, start, end uint64) {
	st.milestones[seq] = &store.Milestone{
		MilestoneID: end,
		SequenceID:  seq,
		StartBlock:  start,
		EndBlock:    end,
		Timestamp:   time.Unix(int64(1_700_000_000+2*end+10), 0).UTC(),
	}
}

func TestMilestoneBackfillerWalksDown(t *testing.T) {
	cl := newFakeCL()
	for seq := uint64(1); seq <= 5; seq++ {
		cl.addMilestone(seq, (seq-1)*10+1, seq*10)
	}

	st := newFakeStore()
	seedMilestone(st, 5, 41, 50)

	reg := NewRegistry()
	w := NewMilestoneBackfiller(cl, st, reg, 1, 2)

	ctx := context.Background()

	progressed, err := w.iterate(ctx)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Contains(t, st.milestones, uint64(3))
	assert.Contains(t, st.milestones, uint64(4))

	progressed, err = w.iterate(ctx)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Contains(t, st.milestones, uint64(1))
	assert.Contains(t, st.milestones, uint64(2))

	// Floor at target: idle.
	progressed, err = w.iterate(ctx)
	require.NoError(t, err)
	assert.False(t, progressed)
}

func TestMilestoneBackfillerFinalizesCoveredBlocks(t *testing.T) {
	cl := newFakeCL()
	cl.addMilestone(1, 1, 10)
	cl.addMilestone(2, 11, 20)

	st := newFakeStore()
	st.seedBlocks(1, 20, false)
	seedMilestone(st, 2, 11, 20)

	w := NewMilestoneBackfiller(cl, st, NewRegistry(), 1, 10)

	_, err := w.iterate(context.Background())
	require.NoError(t, err)

	assert.True(t, st.blocks[1].Finalized)
	assert.True(t, st.blocks[10].Finalized)
	require.NotNil(t, st.blocks[5].TimeToFinalitySec)
}

func TestMilestoneBackfillerAnchorsAtCountWhenEmpty(t *testing.T) {
	cl := newFakeCL()
	cl.addMilestone(2, 11, 20)
	cl.addMilestone(3, 21, 30)

	st := newFakeStore()
	w := NewMilestoneBackfiller(cl, st, NewRegistry(), 1, 10)

	cursor, ok, err := w.cursor(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), cursor)
}

func TestMilestoneBackfillerRecordsGapForMissingSequence(t *testing.T) {
	cl := newFakeCL()
	cl.addMilestone(1, 1, 10)
	cl.addMilestone(3, 21, 30)
	cl.count = 4

	st := newFakeStore()
	seedMilestone(st, 4, 31, 40)

	w := NewMilestoneBackfiller(cl, st, NewRegistry(), 1, 10)

	progressed, err := w.iterate(context.Background())
	require.NoError(t, err)
	assert.True(t, progressed)

	// Sequence 2 does not exist upstream; it became a gap row while 1 and 3
	// were ingested.
	assert.Contains(t, st.milestones, uint64(1))
	assert.Contains(t, st.milestones, uint64(3))

	gaps := st.gapsByKind(store.GapKindMilestone)
	require.Len(t, gaps, 1)
	assert.Equal(t, uint64(2), gaps[0].RangeStart)
	assert.Equal(t, uint64(2), gaps[0].RangeEnd)
}
