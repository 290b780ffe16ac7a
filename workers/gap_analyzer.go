package workers

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// Gap analyzer defaults.
const (
	DefaultGapAnalyzerInterval = 5 * time.Minute
	DefaultGapAnalyzerBatch    = 10000
	DefaultGapAnalyzerBuffer   = 100

	gapAnalyzerErrRetry = time.Minute
)

type gapAnalyzerStore interface {
	TableStats(ctx context.Context, table string) (*store.TableStats, error)
	Coverage(ctx context.Context, stream string) (*store.Coverage, error)
	InitCoverage(ctx context.Context, stream string, low, high uint64) error
	ExtendCoverageUp(ctx context.Context, stream string, high uint64) error
	ExtendCoverageDown(ctx context.Context, stream string, low uint64) error
	TouchCoverage(ctx context.Context, stream string) error
	MissingBlockRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error)
	MissingMilestoneRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error)
	OpenGapRanges(ctx context.Context, kind string, lo, hi uint64) ([]store.Range, error)
	InsertGap(ctx context.Context, kind string, r store.Range, source string) (bool, error)
	MilestoneAggregates(ctx context.Context) (*store.MilestoneAggregates, error)
	UnfinalizedFinalityRanges(ctx context.Context, lo, hi uint64) ([]store.Range, error)
	PriorityFeeRepairRanges(ctx context.Context) ([]store.Range, error)
}

// GapAnalyzer extends each stream's validated coverage outward, emits gap
// rows for missing ids, and re-checks the already-covered window in rotating
// chunks. It also derives the finality and priority-fee repair gaps.
type GapAnalyzer struct {
	st  gapAnalyzerStore
	reg *Registry

	interval time.Duration
	batch    uint64
	buffer   uint64

	// recheckCursor rotates the in-window re-scan per stream.
	recheckCursor map[string]uint64
}

func NewGapAnalyzer(st gapAnalyzerStore, reg *Registry, interval time.Duration, batch, buffer int) *GapAnalyzer {
	if interval <= 0 {
		interval = DefaultGapAnalyzerInterval
	}

	if batch <= 0 {
		batch = DefaultGapAnalyzerBatch
	}

	if buffer <= 0 {
		buffer = DefaultGapAnalyzerBuffer
	}

	return &GapAnalyzer{
		st:            st,
		reg:           reg,
		interval:      interval,
		batch:         uint64(batch),
		buffer:        uint64(buffer),
		recheckCursor: make(map[string]uint64),
	}
}

func (w *GapAnalyzer) Run(ctx context.Context) {
	log.Info("Gap analyzer started", "interval", w.interval, "batch", w.batch, "buffer", w.buffer)
	defer w.reg.SetState(NameGapAnalyzer, StateStopped)

	for {
		items, err := w.cycle(ctx)

		pause := w.interval

		if err != nil {
			w.reg.RecordError(NameGapAnalyzer, err)
			log.Warn("Gap analysis cycle failed", "err", err)
			pause = gapAnalyzerErrRetry
		} else {
			w.reg.RecordRun(NameGapAnalyzer, items)
		}

		if !sleepCtx(ctx, pause) {
			return
		}
	}
}

func (w *GapAnalyzer) cycle(ctx context.Context) (int64, error) {
	var items int64

	n, err := w.analyzeStream(ctx, store.StreamBlocks, store.GapKindBlock, w.st.MissingBlockRanges)
	items += n

	if err != nil {
		return items, err
	}

	n, err = w.analyzeStream(ctx, store.StreamMilestones, store.GapKindMilestone, w.st.MissingMilestoneRanges)
	items += n

	if err != nil {
		return items, err
	}

	n, err = w.scanFinality(ctx)
	items += n

	if err != nil {
		return items, err
	}

	n, err = w.scanPriorityFee(ctx)
	items += n

	return items, err
}

type missingRangesFunc func(ctx context.Context, lo, hi uint64) ([]store.Range, error)

func (w *GapAnalyzer) analyzeStream(ctx context.Context, stream, kind string, missing missingRangesFunc) (int64, error) {
	stats, err := w.st.TableStats(ctx, stream)
	if err != nil {
		return 0, err
	}

	if stats.MinValue == nil || stats.MaxValue == nil {
		return 0, nil
	}

	min, max := *stats.MinValue, *stats.MaxValue

	cov, err := w.st.Coverage(ctx, stream)
	if err != nil {
		return 0, err
	}

	// First sighting of the stream: the current extent becomes the initial
	// validated window. Gaps inside it surface through the re-check scan.
	if cov == nil {
		if err := w.st.InitCoverage(ctx, stream, min, max); err != nil {
			return 0, err
		}

		log.Info("Initialized coverage", "stream", stream, "low", min, "high", max)

		return 0, nil
	}

	var items int64

	// Scan up, staying a buffer short of the live edge to avoid racing the
	// tip follower.
	if max > w.buffer && max-w.buffer > cov.HighWaterMark {
		lo := cov.HighWaterMark + 1
		hi := max - w.buffer

		if hi-lo+1 > w.batch {
			hi = lo + w.batch - 1
		}

		n, err := w.emitGaps(ctx, kind, lo, hi, missing)
		items += n

		if err != nil {
			return items, err
		}

		if err := w.st.ExtendCoverageUp(ctx, stream, hi); err != nil {
			return items, err
		}
	}

	// Scan down symmetrically, buffered away from the backfiller's floor.
	if lowEdge := min + w.buffer; cov.LowWaterMark > lowEdge {
		hi := cov.LowWaterMark - 1
		lo := lowEdge

		if cov.LowWaterMark-lo > w.batch {
			lo = cov.LowWaterMark - w.batch
		}

		n, err := w.emitGaps(ctx, kind, lo, hi, missing)
		items += n

		if err != nil {
			return items, err
		}

		if err := w.st.ExtendCoverageDown(ctx, stream, lo); err != nil {
			return items, err
		}
	}

	n, err := w.recheck(ctx, stream, kind, cov, missing)
	items += n

	if err != nil {
		return items, err
	}

	return items, w.st.TouchCoverage(ctx, stream)
}

// recheck re-validates one batch-sized chunk of the covered window per cycle,
// rotating a cursor so the whole window is eventually re-scanned. This is how
// losses inside already-validated coverage (crashes mid-cycle, manual
// deletes) surface as gap rows.
func (w *GapAnalyzer) recheck(ctx context.Context, stream, kind string, cov *store.Coverage, missing missingRangesFunc) (int64, error) {
	lo := w.recheckCursor[stream]
	if lo < cov.LowWaterMark || lo > cov.HighWaterMark {
		lo = cov.LowWaterMark
	}

	hi := cov.HighWaterMark
	if hi-lo+1 > w.batch {
		hi = lo + w.batch - 1
	}

	if hi >= cov.HighWaterMark {
		w.recheckCursor[stream] = cov.LowWaterMark
	} else {
		w.recheckCursor[stream] = hi + 1
	}

	return w.emitGaps(ctx, kind, lo, hi, missing)
}

// emitGaps finds missing ids in [lo, hi], subtracts ranges already tracked by
// open gap rows, and records the remainder. Open-gap subtraction keeps
// re-runs from emitting overlapping shapes of the same hole.
func (w *GapAnalyzer) emitGaps(ctx context.Context, kind string, lo, hi uint64, missing missingRangesFunc) (int64, error) {
	found, err := missing(ctx, lo, hi)
	if err != nil {
		return 0, err
	}

	if len(found) == 0 {
		return 0, nil
	}

	open, err := w.st.OpenGapRanges(ctx, kind, lo, hi)
	if err != nil {
		return 0, err
	}

	var items int64

	for _, r := range store.SubtractRanges(found, open) {
		inserted, err := w.st.InsertGap(ctx, kind, r, NameGapAnalyzer)
		if err != nil {
			return items, err
		}

		if inserted {
			items++
			log.Info("Recorded gap", "kind", kind, "start", r.Start, "end", r.End)
		}
	}

	return items, nil
}

// scanFinality emits finality gaps for unfinalized blocks inside the
// milestone-covered window. Blocks older than the compression threshold are
// excluded by the store query; compressed partitions cannot be updated.
func (w *GapAnalyzer) scanFinality(ctx context.Context) (int64, error) {
	agg, err := w.st.MilestoneAggregates(ctx)
	if err != nil {
		return 0, err
	}

	if agg.MinStartBlock == nil || agg.MaxEndBlock == nil {
		return 0, nil
	}

	found, err := w.st.UnfinalizedFinalityRanges(ctx, *agg.MinStartBlock, *agg.MaxEndBlock)
	if err != nil {
		return 0, err
	}

	return w.insertRepairGaps(ctx, store.GapKindFinality, found)
}

// scanPriorityFee emits repair gaps for blocks whose fee aggregates are
// missing despite carrying transactions.
func (w *GapAnalyzer) scanPriorityFee(ctx context.Context) (int64, error) {
	found, err := w.st.PriorityFeeRepairRanges(ctx)
	if err != nil {
		return 0, err
	}

	return w.insertRepairGaps(ctx, store.GapKindPriorityFee, found)
}

func (w *GapAnalyzer) insertRepairGaps(ctx context.Context, kind string, found []store.Range) (int64, error) {
	if len(found) == 0 {
		return 0, nil
	}

	open, err := w.st.OpenGapRanges(ctx, kind, found[0].Start, found[len(found)-1].End)
	if err != nil {
		return 0, err
	}

	var items int64

	for _, r := range store.SubtractRanges(found, open) {
		inserted, err := w.st.InsertGap(ctx, kind, r, NameGapAnalyzer)
		if err != nil {
			return items, err
		}

		if inserted {
			items++
			log.Info("Recorded repair gap", "kind", kind, "start", r.Start, "end", r.End)
		}
	}

	return items, nil
}
