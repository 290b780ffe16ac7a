package workers

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/store"
)

// NameStatsRefresher identifies the periodic stats recount in the registry.
const NameStatsRefresher = "stats_refresher"

// DefaultStatsRefreshInterval is how often the incremental stats caches are
// replaced with an authoritative full recount.
const DefaultStatsRefreshInterval = 15 * time.Minute

type statsStore interface {
	RefreshTableStats(ctx context.Context, table string) error
	RefreshMilestoneAggregates(ctx context.Context) error
}

// StatsRefresher restores ground truth to the stats caches. The insert paths
// keep them incrementally close; this recount corrects drift from crashes and
// the finalize overshoot.
type StatsRefresher struct {
	st  statsStore
	reg *Registry

	interval time.Duration
}

func NewStatsRefresher(st statsStore, reg *Registry, interval time.Duration) *StatsRefresher {
	if interval <= 0 {
		interval = DefaultStatsRefreshInterval
	}

	return &StatsRefresher{st: st, reg: reg, interval: interval}
}

func (w *StatsRefresher) Run(ctx context.Context) {
	log.Info("Stats refresher started", "interval", w.interval)
	defer w.reg.SetState(NameStatsRefresher, StateStopped)

	for {
		if err := w.refresh(ctx); err != nil {
			w.reg.RecordError(NameStatsRefresher, err)
			log.Warn("Stats refresh failed", "err", err)
		} else {
			w.reg.RecordRun(NameStatsRefresher, 1)
		}

		if !sleepCtx(ctx, w.interval) {
			return
		}
	}
}

func (w *StatsRefresher) refresh(ctx context.Context) error {
	if err := w.st.RefreshTableStats(ctx, store.StreamBlocks); err != nil {
		return err
	}

	if err := w.st.RefreshTableStats(ctx, store.StreamMilestones); err != nil {
		return err
	}

	return w.st.RefreshMilestoneAggregates(ctx)
}
