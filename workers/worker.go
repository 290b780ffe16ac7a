package workers

import (
	"context"
	"time"

	"github.com/maxsam4/polygon-dashboard-sub001/heimdall"
	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// Back-off durations per error kind. Exhausted execution-layer pools recover
// quickly (rate limits), so the retry is tight; the checkpoint layer is
// polled far less aggressively. Database errors get a longer pause.
const (
	elExhaustedBackoff = time.Second
	clExhaustedBackoff = 5 * time.Minute
	transientBackoff   = time.Second
	dbErrorBackoff     = 10 * time.Second
)

// executionClient is the worker-facing slice of the execution-layer pool.
type executionClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*rpcpool.Block, error)
	ReceiptsByNumber(ctx context.Context, number uint64) ([]rpcpool.Receipt, error)
	BlocksWithTransactions(ctx context.Context, numbers []uint64) (map[uint64]*rpcpool.Block, error)
	BlockReceipts(ctx context.Context, numbers []uint64) (map[uint64][]rpcpool.Receipt, error)
}

// checkpointClient is the worker-facing slice of the checkpoint-layer client.
type checkpointClient interface {
	FetchMilestoneCount(ctx context.Context) (uint64, error)
	FetchMilestone(ctx context.Context, sequenceID uint64) (*heimdall.Milestone, error)
}

// rpcClassified reports whether err carries an upstream classification.
// Unclassified errors came from the database or internal state.
func rpcClassified(err error) bool {
	return rpcpool.IsExhausted(err) || rpcpool.IsTransient(err) || rpcpool.IsPermanent(err)
}

// backoffFor maps an error to its retry pause. exhausted is layer-specific:
// one second for the execution layer, five minutes for the checkpoint layer.
func backoffFor(err error, exhausted time.Duration) time.Duration {
	switch {
	case rpcpool.IsExhausted(err):
		return exhausted
	case rpcClassified(err):
		return transientBackoff
	default:
		return dbErrorBackoff
	}
}

// sleepCtx pauses for d, waking early on cancellation. Reports whether the
// context is still live.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// toStoreMilestone converts a checkpoint-layer milestone into its row form.
func toStoreMilestone(m *heimdall.Milestone) *store.Milestone {
	return &store.Milestone{
		MilestoneID: m.MilestoneID,
		SequenceID:  m.SequenceID,
		StartBlock:  m.StartBlock,
		EndBlock:    m.EndBlock,
		Hash:        m.Hash.Hex(),
		Proposer:    m.Proposer.Hex(),
		Timestamp:   time.Unix(int64(m.Timestamp), 0).UTC(),
	}
}

// rangeNumbers expands a closed range into the slice of ids it contains.
func rangeNumbers(r store.Range) []uint64 {
	out := make([]uint64, 0, r.Len())
	for n := r.Start; ; n++ {
		out = append(out, n)
		if n == r.End {
			break
		}
	}

	return out
}
