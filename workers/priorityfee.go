package workers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/maxsam4/polygon-dashboard-sub001/ingest"
	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// Priority-fee sweep defaults.
const (
	DefaultPriorityFeeBatch = 10

	priorityFeeDoneInterval = time.Minute
)

type priorityFeeStore interface {
	feeRewriter
	TableStats(ctx context.Context, table string) (*store.TableStats, error)
	PriorityFeeFixStatus(ctx context.Context) (*store.PriorityFeeFixStatus, error)
	InitPriorityFeeFixStatus(ctx context.Context, block uint64) error
	SetLastFixedBlock(ctx context.Context, block uint64) error
}

type feeRewriter interface {
	RewritePriorityFee(ctx context.Context, number uint64, totalPriorityFeeGwei string) error
}

// PriorityFeeRecomputer sweeps historical blocks whose total priority fee was
// written with the block gas limit instead of per-transaction gas used, and
// rewrites the aggregate from receipts. The sweep walks downward from the
// deployment block; the cursor lives in priority_fee_fix_status.
type PriorityFeeRecomputer struct {
	el  executionClient
	st  priorityFeeStore
	reg *Registry

	batch       uint64
	parallelism int
}

func NewPriorityFeeRecomputer(el executionClient, st priorityFeeStore, reg *Registry, batch, parallelism int) *PriorityFeeRecomputer {
	if batch <= 0 {
		batch = DefaultPriorityFeeBatch
	}

	if parallelism <= 0 {
		parallelism = rpcpool.DefaultParallelism
	}

	return &PriorityFeeRecomputer{el: el, st: st, reg: reg, batch: uint64(batch), parallelism: parallelism}
}

func (w *PriorityFeeRecomputer) Run(ctx context.Context) {
	log.Info("Priority fee recomputer started", "batch", w.batch)
	defer w.reg.SetState(NamePriorityFeeRecomputer, StateStopped)

	for {
		items, done, err := w.iterate(ctx)

		var pause time.Duration

		switch {
		case err != nil:
			w.reg.RecordError(NamePriorityFeeRecomputer, err)
			log.Warn("Priority fee sweep iteration failed", "err", err)
			pause = backoffFor(err, elExhaustedBackoff)
		case done:
			w.reg.SetState(NamePriorityFeeRecomputer, StateIdle)
			pause = priorityFeeDoneInterval
		default:
			w.reg.RecordRun(NamePriorityFeeRecomputer, items)
			pause = backfillPause
		}

		if !sleepCtx(ctx, pause) {
			return
		}
	}
}

// iterate processes one downward batch. done reports that the sweep has
// reached the earliest stored block.
func (w *PriorityFeeRecomputer) iterate(ctx context.Context) (int64, bool, error) {
	stats, err := w.st.TableStats(ctx, store.StreamBlocks)
	if err != nil {
		return 0, false, err
	}

	if stats.MinValue == nil || stats.MaxValue == nil {
		return 0, true, nil
	}

	earliest := *stats.MinValue

	status, err := w.st.PriorityFeeFixStatus(ctx)
	if err != nil {
		return 0, false, err
	}

	if status == nil {
		if err := w.st.InitPriorityFeeFixStatus(ctx, *stats.MaxValue); err != nil {
			return 0, false, err
		}

		log.Info("Initialized priority fee sweep", "deployedAt", *stats.MaxValue)

		return 0, false, nil
	}

	if status.LastFixedBlock <= earliest {
		return 0, true, nil
	}

	batch := store.Range{Start: earliest, End: status.LastFixedBlock - 1}
	if status.LastFixedBlock > earliest+w.batch {
		batch.Start = status.LastFixedBlock - w.batch
	}

	succeeded, err := recomputeBlocks(ctx, w.el, w.st, rangeNumbers(batch), w.parallelism)
	if err != nil {
		return 0, false, err
	}

	if len(succeeded) == 0 {
		return 0, false, fmt.Errorf("priority fee batch [%d, %d]: no block succeeded", batch.Start, batch.End)
	}

	// The cursor only moves through the contiguous run of successes at the
	// top of the batch; a failed block keeps everything below it above the
	// cursor so a later pass retries it.
	cursor := contiguousFloor(batch.End, succeeded)
	if cursor < status.LastFixedBlock {
		if err := w.st.SetLastFixedBlock(ctx, cursor); err != nil {
			return 0, false, err
		}
	}

	log.Debug("Priority fee batch processed", "start", batch.Start, "end", batch.End,
		"succeeded", len(succeeded), "cursor", cursor)

	return int64(len(succeeded)), false, nil
}

// contiguousFloor returns the lowest number reachable from top through the
// sorted succeeded slice without a hole.
func contiguousFloor(top uint64, succeeded []uint64) uint64 {
	ok := make(map[uint64]bool, len(succeeded))
	for _, n := range succeeded {
		ok[n] = true
	}

	cursor := top + 1

	for n := top; ok[n]; n-- {
		cursor = n
		if n == 0 {
			break
		}
	}

	return cursor
}

// recomputeBlocks refetches each block with its receipts and rewrites the
// total priority fee, in parallel and isolated per block. Per-block failures
// shrink the returned success slice; only exhaustion aborts the batch.
func recomputeBlocks(ctx context.Context, el executionClient, st feeRewriter, numbers []uint64, parallelism int) ([]uint64, error) {
	var (
		mu        sync.Mutex
		succeeded []uint64
		exhausted bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, number := range numbers {
		number := number

		g.Go(func() error {
			err := recomputeBlock(gctx, el, st, number)
			if err != nil {
				if rpcpool.IsExhausted(err) {
					mu.Lock()
					exhausted = true
					mu.Unlock()

					return err
				}

				log.Debug("Skipping block in priority fee batch", "number", number, "err", err)

				return nil
			}

			mu.Lock()
			succeeded = append(succeeded, number)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil && exhausted {
		return nil, rpcpool.ErrExhausted
	}

	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i] < succeeded[j] })

	return succeeded, nil
}

func recomputeBlock(ctx context.Context, el executionClient, st feeRewriter, number uint64) error {
	block, err := el.BlockByNumber(ctx, number)
	if err != nil {
		return err
	}

	var receipts []rpcpool.Receipt

	if len(block.Transactions) > 0 {
		receipts, err = el.ReceiptsByNumber(ctx, number)
		if err != nil {
			return err
		}
	}

	total, ok := ingest.TotalPriorityFee(block, receipts)
	if !ok {
		return fmt.Errorf("block %d: receipts incomplete", number)
	}

	return st.RewritePriorityFee(ctx, number, total)
}
