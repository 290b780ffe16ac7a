package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// TableStats caches min/max/total aggregates per stream. The cache is a
// hint: behavioral decisions tolerate it being slightly stale, and the
// periodic refresh restores ground truth from the stream table.
type TableStats struct {
	TableName      string    `db:"table_name"`
	MinValue       *uint64   `db:"min_value"`
	MaxValue       *uint64   `db:"max_value"`
	TotalCount     int64     `db:"total_count"`
	FinalizedCount int64     `db:"finalized_count"`
	MinFinalized   *uint64   `db:"min_finalized"`
	MaxFinalized   *uint64   `db:"max_finalized"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// MilestoneAggregates caches milestone-level aggregates, maintained with the
// same discipline as TableStats.
type MilestoneAggregates struct {
	MinSequenceID *uint64   `db:"min_sequence_id"`
	MaxSequenceID *uint64   `db:"max_sequence_id"`
	MinStartBlock *uint64   `db:"min_start_block"`
	MaxEndBlock   *uint64   `db:"max_end_block"`
	Count         int64     `db:"count"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// TableStats returns the cached stats row for a stream.
func (s *Store) TableStats(ctx context.Context, table string) (*TableStats, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var stats TableStats
	err := s.db.GetContext(ctx, &stats, `SELECT * FROM table_stats WHERE table_name = $1`, table)
	if err != nil {
		return nil, fmt.Errorf("read table stats for %s: %w", table, err)
	}

	return &stats, nil
}

// bumpTableStats incrementally extends the stats cache after an insert. It
// runs inside the insert's transaction.
func bumpTableStats(ctx context.Context, tx sqlx.ExtContext, table string, min, max uint64, delta int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE table_stats
		SET min_value = LEAST(COALESCE(min_value, $2), $2),
		    max_value = GREATEST(COALESCE(max_value, $3), $3),
		    total_count = total_count + $4,
		    updated_at = now()
		WHERE table_name = $1`, table, min, max, delta)
	if err != nil {
		return fmt.Errorf("bump table stats for %s: %w", table, err)
	}

	return nil
}

// bumpFinalizedStats extends the finalized aggregates after a finalize pass.
// The min/max are the milestone bounds rather than the exact affected rows;
// the periodic refresh corrects any overshoot.
func bumpFinalizedStats(ctx context.Context, tx sqlx.ExtContext, lo, hi uint64, delta int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE table_stats
		SET finalized_count = finalized_count + $3,
		    min_finalized = LEAST(COALESCE(min_finalized, $1), $1),
		    max_finalized = GREATEST(COALESCE(max_finalized, $2), $2),
		    updated_at = now()
		WHERE table_name = $4`, lo, hi, delta, StreamBlocks)
	if err != nil {
		return fmt.Errorf("bump finalized stats: %w", err)
	}

	return nil
}

// RefreshTableStats recomputes a stream's stats row with an authoritative
// full scan.
func (s *Store) RefreshTableStats(ctx context.Context, table string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var query string

	switch table {
	case StreamBlocks:
		query = `UPDATE table_stats SET
			min_value = src.min_value,
			max_value = src.max_value,
			total_count = src.total_count,
			finalized_count = src.finalized_count,
			min_finalized = src.min_finalized,
			max_finalized = src.max_finalized,
			updated_at = now()
		FROM (SELECT min(number) AS min_value,
		             max(number) AS max_value,
		             count(*) AS total_count,
		             count(*) FILTER (WHERE finalized) AS finalized_count,
		             min(number) FILTER (WHERE finalized) AS min_finalized,
		             max(number) FILTER (WHERE finalized) AS max_finalized
		      FROM blocks) AS src
		WHERE table_name = $1`
	case StreamMilestones:
		query = `UPDATE table_stats SET
			min_value = src.min_value,
			max_value = src.max_value,
			total_count = src.total_count,
			updated_at = now()
		FROM (SELECT min(sequence_id) AS min_value,
		             max(sequence_id) AS max_value,
		             count(*) AS total_count
		      FROM milestones) AS src
		WHERE table_name = $1`
	default:
		return fmt.Errorf("unknown stats table %q", table)
	}

	if _, err := s.db.ExecContext(ctx, query, table); err != nil {
		return fmt.Errorf("refresh table stats for %s: %w", table, err)
	}

	return nil
}

// MilestoneAggregates returns the cached milestone aggregates row.
func (s *Store) MilestoneAggregates(ctx context.Context) (*MilestoneAggregates, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var agg MilestoneAggregates
	err := s.db.GetContext(ctx, &agg, `SELECT min_sequence_id, max_sequence_id,
		min_start_block, max_end_block, count, updated_at
		FROM milestone_aggregates WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("read milestone aggregates: %w", err)
	}

	return &agg, nil
}

func bumpMilestoneAggregates(ctx context.Context, tx sqlx.ExtContext, m *Milestone) error {
	_, err := tx.ExecContext(ctx, `UPDATE milestone_aggregates
		SET min_sequence_id = LEAST(COALESCE(min_sequence_id, $1), $1),
		    max_sequence_id = GREATEST(COALESCE(max_sequence_id, $1), $1),
		    min_start_block = LEAST(COALESCE(min_start_block, $2), $2),
		    max_end_block = GREATEST(COALESCE(max_end_block, $3), $3),
		    count = count + 1,
		    updated_at = now()
		WHERE id = 1`, m.SequenceID, m.StartBlock, m.EndBlock)
	if err != nil {
		return fmt.Errorf("bump milestone aggregates: %w", err)
	}

	return nil
}

// RefreshMilestoneAggregates recomputes the milestone aggregates with a full
// scan.
func (s *Store) RefreshMilestoneAggregates(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE milestone_aggregates SET
		min_sequence_id = src.min_sequence_id,
		max_sequence_id = src.max_sequence_id,
		min_start_block = src.min_start_block,
		max_end_block = src.max_end_block,
		count = src.count,
		updated_at = now()
	FROM (SELECT min(sequence_id) AS min_sequence_id,
	             max(sequence_id) AS max_sequence_id,
	             min(start_block) AS min_start_block,
	             max(end_block) AS max_end_block,
	             count(*) AS count
	      FROM milestones) AS src
	WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("refresh milestone aggregates: %w", err)
	}

	return nil
}
