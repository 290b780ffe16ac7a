package workers

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// DefaultTipPollInterval is how often the tip follower probes both layers.
const DefaultTipPollInterval = 2 * time.Second

// tipChunk bounds how many blocks a single catch-up fetch requests, so one
// long outage does not turn into one giant batch.
const tipChunk = 100

type tipStore interface {
	blockWriter
	TableStats(ctx context.Context, table string) (*store.TableStats, error)
	UpsertMilestone(ctx context.Context, m *store.Milestone) (bool, error)
	FinalizeBlocks(ctx context.Context, m *store.Milestone) (int64, error)
}

// TipFollower polls the execution and checkpoint layers and ingests whatever
// appeared since the last cycle. It does not guarantee zero loss across
// restarts; cycles lost to a crash reappear as gaps for the analyzer.
type TipFollower struct {
	el  executionClient
	cl  checkpointClient
	st  tipStore
	reg *Registry

	interval time.Duration

	// clSuspendedUntil pauses milestone polling after checkpoint-layer
	// exhaustion without stalling block ingest.
	clSuspendedUntil time.Time
}

func NewTipFollower(el executionClient, cl checkpointClient, st tipStore, reg *Registry, interval time.Duration) *TipFollower {
	if interval <= 0 {
		interval = DefaultTipPollInterval
	}

	return &TipFollower{el: el, cl: cl, st: st, reg: reg, interval: interval}
}

// Run drives the poll loop until the context is cancelled.
func (t *TipFollower) Run(ctx context.Context) {
	log.Info("Tip follower started", "interval", t.interval)
	defer t.reg.SetState(NameTipFollower, StateStopped)

	t.reg.SetState(NameTipFollower, StateRunning)

	for {
		items, err := t.cycle(ctx)
		if err != nil {
			t.reg.RecordError(NameTipFollower, err)
			log.Warn("Tip follower cycle failed", "err", err)

			if !sleepCtx(ctx, t.backoff(err)) {
				return
			}

			continue
		}

		t.reg.RecordRun(NameTipFollower, items)

		if !sleepCtx(ctx, t.interval) {
			return
		}
	}
}

func (t *TipFollower) backoff(err error) time.Duration {
	return backoffFor(err, elExhaustedBackoff)
}

// cycle ingests new blocks, then new milestones. Checkpoint-layer exhaustion
// suspends milestone polling for its long back-off instead of stalling block
// ingest with it.
func (t *TipFollower) cycle(ctx context.Context) (int64, error) {
	blocks, blockErr := t.followBlocks(ctx)

	var milestones int64

	if time.Now().After(t.clSuspendedUntil) {
		var milestoneErr error

		milestones, milestoneErr = t.followMilestones(ctx)
		if milestoneErr != nil {
			if rpcpool.IsExhausted(milestoneErr) {
				t.clSuspendedUntil = time.Now().Add(clExhaustedBackoff)
				t.reg.RecordError(NameTipFollower, milestoneErr)
				log.Warn("Checkpoint layer exhausted, suspending milestone polling", "until", t.clSuspendedUntil)
			} else if blockErr == nil {
				blockErr = milestoneErr
			}
		}
	}

	return blocks + milestones, blockErr
}

func (t *TipFollower) followBlocks(ctx context.Context) (int64, error) {
	tip, err := t.el.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	stats, err := t.st.TableStats(ctx, store.StreamBlocks)
	if err != nil {
		return 0, err
	}

	// An empty table starts from genesis; the backfiller has nothing to do
	// then, so the tip follower owns the whole catch-up.
	next := uint64(1)
	if stats.MaxValue != nil {
		if *stats.MaxValue >= tip {
			return 0, nil
		}

		next = *stats.MaxValue + 1
	}

	var total int64

	for next <= tip {
		end := next + tipChunk - 1
		if end > tip {
			end = tip
		}

		inserted, _, err := ingestBlocks(ctx, t.el, t.st, rangeNumbers(store.Range{Start: next, End: end}))
		if err != nil {
			return total, err
		}

		total += inserted
		next = end + 1

		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}

	if total > 0 {
		log.Debug("Ingested tip blocks", "count", total, "tip", tip)
	}

	return total, nil
}

func (t *TipFollower) followMilestones(ctx context.Context) (int64, error) {
	count, err := t.cl.FetchMilestoneCount(ctx)
	if err != nil {
		return 0, err
	}

	if count == 0 {
		return 0, nil
	}

	stats, err := t.st.TableStats(ctx, store.StreamMilestones)
	if err != nil {
		return 0, err
	}

	// An empty milestones table seeds with the latest milestone only; the
	// backfiller walks history downward from there.
	next := count
	if stats.MaxValue != nil {
		if *stats.MaxValue >= count {
			return 0, nil
		}

		next = *stats.MaxValue + 1
	}

	var total int64

	for seq := next; seq <= count; seq++ {
		m, err := t.cl.FetchMilestone(ctx, seq)
		if err != nil {
			return total, err
		}

		row := toStoreMilestone(m)

		inserted, err := t.st.UpsertMilestone(ctx, row)
		if err != nil {
			return total, err
		}

		if _, err := t.st.FinalizeBlocks(ctx, row); err != nil {
			return total, err
		}

		if inserted {
			total++
			log.Info("Ingested milestone", "sequenceId", seq, "start", m.StartBlock, "end", m.EndBlock)
		}
	}

	return total, nil
}
