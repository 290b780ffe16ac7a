package workers

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// DefaultMilestoneBackfillTarget is the lowest sequence id worth fetching;
// the checkpoint layer numbers milestones from one.
const DefaultMilestoneBackfillTarget = 1

type milestoneBackfillStore interface {
	TableStats(ctx context.Context, table string) (*store.TableStats, error)
	UpsertMilestones(ctx context.Context, milestones []store.Milestone) (int64, error)
	FinalizeBlocks(ctx context.Context, m *store.Milestone) (int64, error)
	InsertGap(ctx context.Context, kind string, r store.Range, source string) (bool, error)
}

// MilestoneBackfiller walks backward through milestone sequence ids toward
// the target, finalizing the block range each fetched milestone covers.
type MilestoneBackfiller struct {
	cl  checkpointClient
	st  milestoneBackfillStore
	reg *Registry

	target uint64
	batch  uint64
}

func NewMilestoneBackfiller(cl checkpointClient, st milestoneBackfillStore, reg *Registry, target uint64, batch int) *MilestoneBackfiller {
	if target == 0 {
		target = DefaultMilestoneBackfillTarget
	}

	if batch <= 0 {
		batch = DefaultBackfillBatchSize
	}

	return &MilestoneBackfiller{cl: cl, st: st, reg: reg, target: target, batch: uint64(batch)}
}

func (w *MilestoneBackfiller) Run(ctx context.Context) {
	log.Info("Milestone backfiller started", "target", w.target, "batch", w.batch)
	defer w.reg.SetState(NameMilestoneBackfiller, StateStopped)

	for {
		progressed, err := w.iterate(ctx)

		var pause time.Duration

		switch {
		case err != nil:
			w.reg.RecordError(NameMilestoneBackfiller, err)
			log.Warn("Milestone backfill iteration failed", "err", err)
			pause = backoffFor(err, clExhaustedBackoff)
		case progressed:
			pause = backfillPause
		default:
			w.reg.SetState(NameMilestoneBackfiller, StateIdle)
			pause = backfillIdleInterval
		}

		if !sleepCtx(ctx, pause) {
			return
		}
	}
}

func (w *MilestoneBackfiller) iterate(ctx context.Context) (bool, error) {
	cursor, ok, err := w.cursor(ctx)
	if err != nil || !ok {
		return false, err
	}

	batch := store.Range{Start: w.target, End: cursor}
	if cursor >= w.target+w.batch {
		batch.Start = cursor - w.batch + 1
	}

	rows := make([]store.Milestone, 0, batch.Len())

	for seq := batch.End; ; seq-- {
		m, err := w.cl.FetchMilestone(ctx, seq)
		if err != nil {
			// A sequence id the layer cannot serve becomes a gap row; lower
			// ids keep the walk moving past it.
			if errors.Is(err, rpcpool.ErrNotFound) || rpcpool.IsPermanent(err) {
				if _, gerr := w.st.InsertGap(ctx, store.GapKindMilestone, store.Range{Start: seq, End: seq}, NameMilestoneBackfiller); gerr != nil {
					return false, gerr
				}

				log.Warn("Recorded milestone gap during backfill", "sequenceId", seq, "err", err)
			} else {
				return false, err
			}
		} else {
			rows = append(rows, *toStoreMilestone(m))
		}

		if seq == batch.Start {
			break
		}
	}

	inserted, err := w.st.UpsertMilestones(ctx, rows)
	if err != nil {
		return false, err
	}

	for i := range rows {
		if _, err := w.st.FinalizeBlocks(ctx, &rows[i]); err != nil {
			return false, err
		}
	}

	w.reg.RecordRun(NameMilestoneBackfiller, inserted)
	log.Debug("Backfilled milestones", "start", batch.Start, "end", batch.End, "inserted", inserted)

	return true, nil
}

// cursor returns the next sequence id to fetch, walking downward. The anchor
// is the lower of the stored minimum and the checkpoint layer's current
// count; with an empty table the walk starts at the count itself.
func (w *MilestoneBackfiller) cursor(ctx context.Context) (uint64, bool, error) {
	stats, err := w.st.TableStats(ctx, store.StreamMilestones)
	if err != nil {
		return 0, false, err
	}

	if stats.MinValue == nil {
		count, err := w.cl.FetchMilestoneCount(ctx)
		if err != nil {
			return 0, false, err
		}

		if count < w.target {
			return 0, false, nil
		}

		return count, true, nil
	}

	if *stats.MinValue <= w.target {
		return 0, false, nil
	}

	return *stats.MinValue - 1, true, nil
}
