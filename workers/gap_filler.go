package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// Gap filler defaults.
const (
	DefaultGapFillerInterval = 10 * time.Second

	// maxGapAttempts bounds consecutive claims of the same gap before it is
	// abandoned. Abandoned ranges resurface through the analyzer's re-check.
	maxGapAttempts = 5

	// finalityRequeueBackoff paces retries of finality gaps whose enclosing
	// milestone has not been ingested yet.
	finalityRequeueBackoff = 30 * time.Second

	milestoneCacheSize = 128
)

// errNoEnclosingMilestone marks a finality gap that must wait for milestone
// ingest to catch up.
var errNoEnclosingMilestone = errors.New("no enclosing milestone stored yet")

type gapFillerStore interface {
	blockWriter
	feeRewriter
	ClaimGap(ctx context.Context) (*store.Gap, error)
	MarkGapFilled(ctx context.Context, id int64) error
	RequeueGap(ctx context.Context, id int64) error
	AbandonGap(ctx context.Context, id int64) error
	InsertGap(ctx context.Context, kind string, r store.Range, source string) (bool, error)
	UpsertMilestones(ctx context.Context, milestones []store.Milestone) (int64, error)
	FinalizeBlocks(ctx context.Context, m *store.Milestone) (int64, error)
	MilestoneForBlock(ctx context.Context, number uint64) (*store.Milestone, error)
}

// GapFiller claims pending gap rows one at a time and repairs them. The
// row-level claim lock serializes work across concurrent fillers; everything
// else is idempotent.
type GapFiller struct {
	el  executionClient
	cl  checkpointClient
	st  gapFillerStore
	reg *Registry

	interval    time.Duration
	parallelism int

	// milestones caches recently used milestones; consecutive finality gaps
	// tend to fall under the same one.
	milestones *lru.Cache
}

func NewGapFiller(el executionClient, cl checkpointClient, st gapFillerStore, reg *Registry, interval time.Duration, parallelism int) *GapFiller {
	if interval <= 0 {
		interval = DefaultGapFillerInterval
	}

	if parallelism <= 0 {
		parallelism = rpcpool.DefaultParallelism
	}

	cache, _ := lru.New(milestoneCacheSize)

	return &GapFiller{el: el, cl: cl, st: st, reg: reg, interval: interval, parallelism: parallelism, milestones: cache}
}

func (w *GapFiller) Run(ctx context.Context) {
	log.Info("Gap filler started", "interval", w.interval)
	defer w.reg.SetState(NameGapFiller, StateStopped)

	for {
		pause := w.step(ctx)

		if !sleepCtx(ctx, pause) {
			return
		}
	}
}

// step claims and fills at most one gap, returning the pause before the next
// claim.
func (w *GapFiller) step(ctx context.Context) time.Duration {
	gap, err := w.st.ClaimGap(ctx)
	if err != nil {
		w.reg.RecordError(NameGapFiller, err)
		log.Warn("Gap claim failed", "err", err)

		return dbErrorBackoff
	}

	if gap == nil {
		w.reg.SetState(NameGapFiller, StateIdle)
		return w.interval
	}

	if gap.Attempts > maxGapAttempts {
		if err := w.st.AbandonGap(ctx, gap.ID); err != nil {
			w.reg.RecordError(NameGapFiller, err)
			return dbErrorBackoff
		}

		log.Warn("Abandoned gap after repeated failures", "id", gap.ID, "kind", gap.Kind,
			"start", gap.RangeStart, "end", gap.RangeEnd, "attempts", gap.Attempts)

		return 0
	}

	items, err := w.fill(ctx, gap)
	if err != nil {
		w.reg.RecordError(NameGapFiller, err)

		if rerr := w.st.RequeueGap(ctx, gap.ID); rerr != nil {
			log.Warn("Gap requeue failed", "id", gap.ID, "err", rerr)
		}

		if errors.Is(err, errNoEnclosingMilestone) {
			return finalityRequeueBackoff
		}

		log.Warn("Gap fill failed", "id", gap.ID, "kind", gap.Kind, "err", err)

		return backoffFor(err, w.exhaustedBackoff(gap.Kind))
	}

	w.reg.RecordRun(NameGapFiller, items)
	log.Info("Filled gap", "id", gap.ID, "kind", gap.Kind, "start", gap.RangeStart, "end", gap.RangeEnd, "items", items)

	return 0
}

func (w *GapFiller) exhaustedBackoff(kind string) time.Duration {
	if kind == store.GapKindMilestone {
		return clExhaustedBackoff
	}

	return elExhaustedBackoff
}

func (w *GapFiller) fill(ctx context.Context, gap *store.Gap) (int64, error) {
	r := store.Range{Start: gap.RangeStart, End: gap.RangeEnd}

	switch gap.Kind {
	case store.GapKindBlock:
		return w.fillBlocks(ctx, gap, r)
	case store.GapKindMilestone:
		return w.fillMilestones(ctx, gap, r)
	case store.GapKindFinality:
		return w.fillFinality(ctx, gap, r)
	case store.GapKindPriorityFee:
		return w.fillPriorityFee(ctx, gap, r)
	default:
		// Unknown kinds would otherwise be reclaimed forever.
		if err := w.st.AbandonGap(ctx, gap.ID); err != nil {
			return 0, err
		}

		return 0, fmt.Errorf("abandoned gap %d: unknown kind %q", gap.ID, gap.Kind)
	}
}

func (w *GapFiller) fillBlocks(ctx context.Context, gap *store.Gap, r store.Range) (int64, error) {
	inserted, fetched, err := ingestBlocks(ctx, w.el, w.st, rangeNumbers(r))
	if err != nil {
		return 0, err
	}

	if len(fetched) == 0 {
		return 0, fmt.Errorf("block gap [%d, %d]: nothing fetched", r.Start, r.End)
	}

	return inserted, w.finish(ctx, gap, missingRanges(r, fetched))
}

func (w *GapFiller) fillMilestones(ctx context.Context, gap *store.Gap, r store.Range) (int64, error) {
	rows := make([]store.Milestone, 0, r.Len())

	var fetched []uint64

	for seq := r.Start; ; seq++ {
		m, err := w.cl.FetchMilestone(ctx, seq)
		if err != nil {
			if !errors.Is(err, rpcpool.ErrNotFound) && !rpcpool.IsPermanent(err) {
				return 0, err
			}

			log.Warn("Milestone unavailable during gap fill", "sequenceId", seq, "err", err)
		} else {
			rows = append(rows, *toStoreMilestone(m))
			fetched = append(fetched, seq)
		}

		if seq == r.End {
			break
		}
	}

	if len(fetched) == 0 {
		return 0, fmt.Errorf("milestone gap [%d, %d]: nothing fetched", r.Start, r.End)
	}

	inserted, err := w.st.UpsertMilestones(ctx, rows)
	if err != nil {
		return 0, err
	}

	for i := range rows {
		if _, err := w.st.FinalizeBlocks(ctx, &rows[i]); err != nil {
			return inserted, err
		}
	}

	return inserted, w.finish(ctx, gap, missingRanges(r, fetched))
}

// fillFinality walks the gap range milestone by milestone, finalizing each
// covered stretch. A range whose very first block has no stored milestone yet
// waits; a partially coverable range credits what it finalized and leaves the
// tail as a fresh gap.
func (w *GapFiller) fillFinality(ctx context.Context, gap *store.Gap, r store.Range) (int64, error) {
	var items int64

	cursor := r.Start

	for cursor <= r.End {
		m, err := w.milestoneFor(ctx, cursor)
		if err != nil {
			return items, err
		}

		if m == nil {
			if cursor == r.Start {
				return 0, errNoEnclosingMilestone
			}

			return items, w.finish(ctx, gap, []store.Range{{Start: cursor, End: r.End}})
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

	return items, w.finish(ctx, gap, nil)
}

func (w *GapFiller) fillPriorityFee(ctx context.Context, gap *store.Gap, r store.Range) (int64, error) {
	succeeded, err := recomputeBlocks(ctx, w.el, w.st, rangeNumbers(r), w.parallelism)
	if err != nil {
		return 0, err
	}

	if len(succeeded) == 0 {
		return 0, fmt.Errorf("priority fee gap [%d, %d]: nothing recomputed", r.Start, r.End)
	}

	return int64(len(succeeded)), w.finish(ctx, gap, missingRanges(r, succeeded))
}

// finish closes a gap, splitting off fresh pending rows for any remaining
// holes so the processed part is credited without violating coverage
// soundness.
func (w *GapFiller) finish(ctx context.Context, gap *store.Gap, remaining []store.Range) error {
	if err := w.st.MarkGapFilled(ctx, gap.ID); err != nil {
		return err
	}

	for _, r := range remaining {
		if _, err := w.st.InsertGap(ctx, gap.Kind, r, NameGapFiller); err != nil {
			return err
		}

		log.Debug("Split unresolved tail into new gap", "kind", gap.Kind, "start", r.Start, "end", r.End)
	}

	return nil
}

// milestoneFor finds the smallest stored milestone covering the block,
// consulting the cache before the store.
func (w *GapFiller) milestoneFor(ctx context.Context, number uint64) (*store.Milestone, error) {
	for _, key := range w.milestones.Keys() {
		if v, ok := w.milestones.Peek(key); ok {
			m := v.(*store.Milestone)
			if m.StartBlock <= number && number <= m.EndBlock {
				return m, nil
			}
		}
	}

	m, err := w.st.MilestoneForBlock(ctx, number)
	if err != nil || m == nil {
		return nil, err
	}

	w.milestones.Add(m.MilestoneID, m)

	return m, nil
}
