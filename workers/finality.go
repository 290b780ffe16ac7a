package workers

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// DefaultFinalityInterval is how often the reconciler sweeps for unfinalized
// blocks inside the milestone-covered window.
const DefaultFinalityInterval = time.Minute

type finalityStore interface {
	MilestoneAggregates(ctx context.Context) (*store.MilestoneAggregates, error)
	UnfinalizedFinalityRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error)
	MilestoneForBlock(ctx context.Context, number uint64) (*store.Milestone, error)
	FinalizeBlocks(ctx context.Context, m *store.Milestone) (int64, error)
}

// FinalityReconciler finalizes blocks that fall inside a stored milestone but
// are still marked unfinalized. Milestone ingest finalizes eagerly; this
// sweep catches blocks that were written after their milestone, out of order.
type FinalityReconciler struct {
	st  finalityStore
	reg *Registry

	interval time.Duration
}

func NewFinalityReconciler(st finalityStore, reg *Registry, interval time.Duration) *FinalityReconciler {
	if interval <= 0 {
		interval = DefaultFinalityInterval
	}

	return &FinalityReconciler{st: st, reg: reg, interval: interval}
}

func (w *FinalityReconciler) Run(ctx context.Context) {
	log.Info("Finality reconciler started", "interval", w.interval)
	defer w.reg.SetState(NameFinalityReconciler, StateStopped)

	for {
		items, err := w.cycle(ctx)

		if err != nil {
			w.reg.RecordError(NameFinalityReconciler, err)
			log.Warn("Finality sweep failed", "err", err)
		} else if items > 0 {
			w.reg.RecordRun(NameFinalityReconciler, items)
		} else {
			w.reg.SetState(NameFinalityReconciler, StateIdle)
		}

		if !sleepCtx(ctx, w.interval) {
			return
		}
	}
}

func (w *FinalityReconciler) cycle(ctx context.Context) (int64, error) {
	agg, err := w.st.MilestoneAggregates(ctx)
	if err != nil {
		return 0, err
	}

	if agg.MinStartBlock == nil || agg.MaxEndBlock == nil {
		return 0, nil
	}

	ranges, err := w.st.UnfinalizedFinalityRanges(ctx, *agg.MinStartBlock, *agg.MaxEndBlock)
	if err != nil {
		return 0, err
	}

	var items int64

	for _, r := range ranges {
		affected, err := w.reconcileRange(ctx, r)
		items += affected

		if err != nil {
			return items, err
		}
	}

	if items > 0 {
		log.Info("Reconciled finality", "blocks", items)
	}

	return items, nil
}

// reconcileRange finalizes a run of unfinalized blocks milestone by
// milestone. Numbers with no stored enclosing milestone are skipped; the
// milestone backfiller will bring their milestone in eventually.
func (w *FinalityReconciler) reconcileRange(ctx context.Context, r store.Range) (int64, error) {
	var items int64

	cursor := r.Start

	for cursor <= r.End {
		m, err := w.st.MilestoneForBlock(ctx, cursor)
		if err != nil {
			return items, err
		}

		if m == nil {
			return items, nil
		}

		affected, err := w.st.FinalizeBlocks(ctx, m)
		if err != nil {
			return items, err
		}

		items += affected

		if m.EndBlock >= r.End {
			break
		}

		cursor = m.EndBlock + 1
	}

	return items, nil
}
