package workers

import (
	"context"
	"sort"
	"time"

	"github.com/maxsam4/polygon-dashboard-sub001/ingest"
	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// blockWriter is the store slice shared by every block-ingesting worker.
type blockWriter interface {
	UpsertBlocks(ctx context.Context, blocks []store.Block) (int64, error)
	BlockTimestamp(ctx context.Context, number uint64) (*time.Time, error)
}

// ingestBlocks fetches the given block numbers with transactions and
// receipts, converts them to rows and bulk-upserts them. Per-number fetch
// failures shrink the result rather than failing it; the returned slice holds
// the numbers actually fetched, sorted ascending. Only pool exhaustion and
// database errors surface.
func ingestBlocks(ctx context.Context, el executionClient, st blockWriter, numbers []uint64) (int64, []uint64, error) {
	blocks, err := el.BlocksWithTransactions(ctx, numbers)
	if err != nil {
		return 0, nil, err
	}

	if len(blocks) == 0 {
		return 0, nil, nil
	}

	fetched := make([]uint64, 0, len(blocks))
	withTxs := make([]uint64, 0, len(blocks))

	for number, b := range blocks {
		fetched = append(fetched, number)
		if len(b.Transactions) > 0 {
			withTxs = append(withTxs, number)
		}
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i] < fetched[j] })

	var receipts map[uint64][]rpcpool.Receipt
	if len(withTxs) > 0 {
		receipts, err = el.BlockReceipts(ctx, withTxs)
		if err != nil {
			return 0, nil, err
		}
	}

	rows := make([]store.Block, 0, len(fetched))

	for _, number := range fetched {
		prev, err := previousTimestamp(ctx, st, blocks, number)
		if err != nil {
			return 0, nil, err
		}

		rows = append(rows, ingest.BuildBlock(blocks[number], receipts[number], prev))
	}

	inserted, err := st.UpsertBlocks(ctx, rows)
	if err != nil {
		return 0, nil, err
	}

	return inserted, fetched, nil
}

// previousTimestamp finds the parent block's timestamp, preferring the
// freshly fetched batch over a database lookup.
func previousTimestamp(ctx context.Context, st blockWriter, batch map[uint64]*rpcpool.Block, number uint64) (*time.Time, error) {
	if number == 0 {
		return nil, nil
	}

	if parent, ok := batch[number-1]; ok {
		ts := time.Unix(int64(parent.Timestamp), 0).UTC()
		return &ts, nil
	}

	return st.BlockTimestamp(ctx, number-1)
}
