package workers

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// DefaultBackfillBatchSize bounds one backfill iteration for both streams.
const DefaultBackfillBatchSize = 50

const (
	// backfillPause separates successful iterations so the loop always has a
	// suspension point.
	backfillPause = 100 * time.Millisecond

	// backfillIdleInterval is how often a completed backfiller re-checks its
	// floor.
	backfillIdleInterval = 30 * time.Second
)

type blockBackfillStore interface {
	blockWriter
	TableStats(ctx context.Context, table string) (*store.TableStats, error)
	InsertGap(ctx context.Context, kind string, r store.Range, source string) (bool, error)
}

// BlockBackfiller walks backward from the lowest stored block toward the
// configured target. Progress is monotone downward; the tip follower owns the
// upper edge, so the two never overlap.
type BlockBackfiller struct {
	el  executionClient
	st  blockBackfillStore
	reg *Registry

	target uint64
	batch  uint64
}

func NewBlockBackfiller(el executionClient, st blockBackfillStore, reg *Registry, target uint64, batch int) *BlockBackfiller {
	if batch <= 0 {
		batch = DefaultBackfillBatchSize
	}

	return &BlockBackfiller{el: el, st: st, reg: reg, target: target, batch: uint64(batch)}
}

func (w *BlockBackfiller) Run(ctx context.Context) {
	log.Info("Block backfiller started", "target", w.target, "batch", w.batch)
	defer w.reg.SetState(NameBlockBackfiller, StateStopped)

	for {
		progressed, err := w.iterate(ctx)

		var pause time.Duration

		switch {
		case err != nil:
			w.reg.RecordError(NameBlockBackfiller, err)
			log.Warn("Block backfill iteration failed", "err", err)
			pause = backoffFor(err, elExhaustedBackoff)
		case progressed:
			pause = backfillPause
		default:
			w.reg.SetState(NameBlockBackfiller, StateIdle)
			pause = backfillIdleInterval
		}

		if !sleepCtx(ctx, pause) {
			return
		}
	}
}

// iterate runs one batch. It reports false without error when the backfill
// has reached its target or has nothing seeded to walk from.
func (w *BlockBackfiller) iterate(ctx context.Context) (bool, error) {
	stats, err := w.st.TableStats(ctx, store.StreamBlocks)
	if err != nil {
		return false, err
	}

	// Until the tip follower seeds the table there is no floor to walk from.
	if stats.MinValue == nil {
		return false, nil
	}

	floor := *stats.MinValue
	if floor <= w.target {
		return false, nil
	}

	batch := store.Range{Start: w.target, End: floor - 1}
	if floor > w.target+w.batch {
		batch.Start = floor - w.batch
	}

	inserted, fetched, err := ingestBlocks(ctx, w.el, w.st, rangeNumbers(batch))
	if err != nil {
		return false, err
	}

	// Nothing in the batch could be fetched; retry it rather than recording
	// the whole range as a permanent gap.
	if len(fetched) == 0 {
		w.reg.RecordRun(NameBlockBackfiller, 0)
		return false, nil
	}

	// Numbers the pool could not serve stay behind as gap rows; the stats
	// floor has already moved past them, so the filler owns them now.
	for _, r := range missingRanges(batch, fetched) {
		if _, err := w.st.InsertGap(ctx, store.GapKindBlock, r, NameBlockBackfiller); err != nil {
			return false, err
		}

		log.Warn("Recorded block gap during backfill", "start", r.Start, "end", r.End)
	}

	w.reg.RecordRun(NameBlockBackfiller, inserted)
	log.Debug("Backfilled blocks", "start", batch.Start, "end", batch.End, "inserted", inserted)

	return true, nil
}

// missingRanges returns the maximal runs of ids in r that are absent from the
// sorted present slice.
func missingRanges(r store.Range, present []uint64) []store.Range {
	have := make(map[uint64]bool, len(present))
	for _, n := range present {
		have[n] = true
	}

	var missing []uint64

	for n := r.Start; ; n++ {
		if !have[n] {
			missing = append(missing, n)
		}

		if n == r.End {
			break
		}
	}

	return store.GroupRanges(missing)
}
