package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/maxsam4/polygon-dashboard-sub001/rpcpool"
	"github.com/maxsam4/polygon-dashboard-sub001/store"
	"github.com/maxsam4/polygon-dashboard-sub001/workers"
)

type statusResponse struct {
	WorkersRunning      bool             `json:"workersRunning"`
	WorkerStatuses      []workers.Status `json:"workerStatuses"`
	Blocks              blocksStatus     `json:"blocks"`
	Milestones          milestonesStatus `json:"milestones"`
	PriorityFeeBackfill *feeSweepStatus  `json:"priorityFeeBackfill"`
	Gaps                map[string]int64 `json:"gaps"`
	Endpoints           endpointsStatus  `json:"endpoints"`
	Timestamp           time.Time        `json:"timestamp"`
}

type blocksStatus struct {
	Min          *uint64      `json:"min"`
	Max          *uint64      `json:"max"`
	Total        int64        `json:"total"`
	Finalized    int64        `json:"finalized"`
	MinFinalized *uint64      `json:"min_finalized"`
	MaxFinalized *uint64      `json:"max_finalized"`
	Latest       *latestBlock `json:"latest"`
}

type latestBlock struct {
	Number     uint64    `json:"number"`
	Timestamp  time.Time `json:"timestamp"`
	AgeSeconds float64   `json:"age_seconds"`
}

type milestonesStatus struct {
	MinSeq *uint64          `json:"min_seq"`
	MaxSeq *uint64          `json:"max_seq"`
	Total  int64            `json:"total"`
	Latest *latestMilestone `json:"latest"`
}

type latestMilestone struct {
	SequenceID uint64    `json:"sequence_id"`
	EndBlock   uint64    `json:"end_block"`
	Timestamp  time.Time `json:"timestamp"`
	AgeSeconds float64   `json:"age_seconds"`
}

type feeSweepStatus struct {
	Cursor          uint64 `json:"cursor"`
	MinBlock        uint64 `json:"min_block"`
	MaxBlock        uint64 `json:"max_block"`
	ProcessedBlocks uint64 `json:"processed_blocks"`
	TotalBlocks     uint64 `json:"total_blocks"`
	IsComplete      bool   `json:"is_complete"`
}

type endpointsStatus struct {
	Execution  []rpcpool.Health `json:"execution"`
	Checkpoint []rpcpool.Health `json:"checkpoint"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	res, err := s.buildStatus(r.Context())
	if err != nil {
		log.Warn("Status assembly failed", "err", err)
		http.Error(w, `{"error":"status unavailable"}`, http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Debug("Status write failed", "err", err)
	}
}

func (s *Server) buildStatus(ctx context.Context) (*statusResponse, error) {
	now := time.Now()

	res := &statusResponse{
		WorkersRunning: s.registry.Running(),
		WorkerStatuses: s.registry.Statuses(),
		Endpoints: endpointsStatus{
			Execution:  s.el.Selector().Healths(),
			Checkpoint: s.cl.Selector().Healths(),
		},
		Timestamp: now,
	}

	blockStats, err := s.store.TableStats(ctx, store.StreamBlocks)
	if err != nil {
		return nil, err
	}

	res.Blocks = blocksStatus{
		Min:          blockStats.MinValue,
		Max:          blockStats.MaxValue,
		Total:        blockStats.TotalCount,
		Finalized:    blockStats.FinalizedCount,
		MinFinalized: blockStats.MinFinalized,
		MaxFinalized: blockStats.MaxFinalized,
	}

	latest, err := s.store.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		res.Blocks.Latest = &latestBlock{
			Number:     latest.Number,
			Timestamp:  latest.Timestamp,
			AgeSeconds: now.Sub(latest.Timestamp).Seconds(),
		}
	}

	milestoneStats, err := s.store.TableStats(ctx, store.StreamMilestones)
	if err != nil {
		return nil, err
	}

	res.Milestones = milestonesStatus{
		MinSeq: milestoneStats.MinValue,
		MaxSeq: milestoneStats.MaxValue,
		Total:  milestoneStats.TotalCount,
	}

	latestMs, err := s.store.LatestMilestone(ctx)
	if err != nil {
		return nil, err
	}

	if latestMs != nil {
		res.Milestones.Latest = &latestMilestone{
			SequenceID: latestMs.SequenceID,
			EndBlock:   latestMs.EndBlock,
			Timestamp:  latestMs.Timestamp,
			AgeSeconds: now.Sub(latestMs.Timestamp).Seconds(),
		}
	}

	res.Gaps, err = s.store.GapCounts(ctx)
	if err != nil {
		return nil, err
	}

	fix, err := s.store.PriorityFeeFixStatus(ctx)
	if err != nil {
		return nil, err
	}

	if fix != nil {
		res.PriorityFeeBackfill = feeSweep(fix, blockStats.MinValue)
	}

	return res, nil
}

// feeSweep derives sweep progress from the cursor and the earliest stored
// block. The sweep runs top down, so processed counts from the deployment
// block to the cursor.
func feeSweep(fix *store.PriorityFeeFixStatus, minBlock *uint64) *feeSweepStatus {
	st := &feeSweepStatus{
		Cursor:   fix.LastFixedBlock,
		MaxBlock: fix.FixDeployedAtBlock,
	}

	if minBlock != nil {
		st.MinBlock = *minBlock
	}

	if fix.FixDeployedAtBlock > st.MinBlock {
		st.TotalBlocks = fix.FixDeployedAtBlock - st.MinBlock
	}

	if fix.FixDeployedAtBlock > fix.LastFixedBlock {
		st.ProcessedBlocks = fix.FixDeployedAtBlock - fix.LastFixedBlock
	}

	st.IsComplete = fix.LastFixedBlock <= st.MinBlock

	return st
}
