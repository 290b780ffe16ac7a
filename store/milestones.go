package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Milestone is one row of the milestones table. MilestoneID equals the end
// block; SequenceID is the checkpoint layer's monotonic counter.
type Milestone struct {
	MilestoneID uint64    `db:"milestone_id"`
	SequenceID  uint64    `db:"sequence_id"`
	StartBlock  uint64    `db:"start_block"`
	EndBlock    uint64    `db:"end_block"`
	Hash        string    `db:"hash"`
	Proposer    string    `db:"proposer"`
	Timestamp   time.Time `db:"timestamp"`
}

// UpsertMilestone inserts a milestone, idempotent on milestone_id. Reports
// whether a row was actually inserted.
func (s *Store) UpsertMilestone(ctx context.Context, m *Milestone) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowxContext(ctx, `INSERT INTO milestones
		(milestone_id, sequence_id, start_block, end_block, hash, proposer, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (milestone_id) DO NOTHING
		RETURNING milestone_id`,
		m.MilestoneID, m.SequenceID, m.StartBlock, m.EndBlock, m.Hash, m.Proposer, m.Timestamp)

	var inserted uint64
	if err := row.Scan(&inserted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, tx.Commit()
		}

		return false, fmt.Errorf("insert milestone %d: %w", m.MilestoneID, err)
	}

	if err := bumpTableStats(ctx, tx, StreamMilestones, m.SequenceID, m.SequenceID, 1); err != nil {
		return false, err
	}

	if err := bumpMilestoneAggregates(ctx, tx, m); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// UpsertMilestones bulk-inserts milestones with one array-parameter
// statement, returning the count actually inserted.
func (s *Store) UpsertMilestones(ctx context.Context, milestones []Milestone) (int64, error) {
	if len(milestones) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n := len(milestones)

	var (
		ids        = make([]int64, n)
		seqs       = make([]int64, n)
		starts     = make([]int64, n)
		ends       = make([]int64, n)
		hashes     = make([]string, n)
		proposers  = make([]string, n)
		timestamps = make([]time.Time, n)
	)

	byID := make(map[uint64]*Milestone, n)

	for i, m := range milestones {
		ids[i] = int64(m.MilestoneID)
		seqs[i] = int64(m.SequenceID)
		starts[i] = int64(m.StartBlock)
		ends[i] = int64(m.EndBlock)
		hashes[i] = m.Hash
		proposers[i] = m.Proposer
		timestamps[i] = m.Timestamp
		byID[m.MilestoneID] = &milestones[i]
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `INSERT INTO milestones
		(milestone_id, sequence_id, start_block, end_block, hash, proposer, timestamp)
		SELECT * FROM unnest(
			$1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[],
			$5::text[], $6::text[], $7::timestamptz[])
		ON CONFLICT (milestone_id) DO NOTHING
		RETURNING milestone_id`,
		pq.Array(ids), pq.Array(seqs), pq.Array(starts), pq.Array(ends),
		pq.Array(hashes), pq.Array(proposers), pq.Array(timestamps))
	if err != nil {
		return 0, fmt.Errorf("bulk insert milestones: %w", err)
	}

	var count int64

	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}

		m := byID[id]

		if err := bumpMilestoneAggregates(ctx, tx, m); err != nil {
			rows.Close()
			return 0, err
		}

		if err := bumpTableStats(ctx, tx, StreamMilestones, m.SequenceID, m.SequenceID, 1); err != nil {
			rows.Close()
			return 0, err
		}

		count++
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, err
	}

	return count, tx.Commit()
}

// MilestoneForBlock returns the smallest stored milestone whose range covers
// the given block number, or nil when none does.
func (s *Store) MilestoneForBlock(ctx context.Context, number uint64) (*Milestone, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var m Milestone
	err := s.db.GetContext(ctx, &m, `SELECT * FROM milestones
		WHERE start_block <= $1 AND end_block >= $1
		ORDER BY end_block - start_block, sequence_id
		LIMIT 1`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &m, nil
}

// LatestMilestone returns the milestone with the highest sequence id, or nil.
func (s *Store) LatestMilestone(ctx context.Context) (*Milestone, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var m Milestone
	err := s.db.GetContext(ctx, &m, `SELECT * FROM milestones ORDER BY sequence_id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &m, nil
}

// MissingMilestoneRanges enumerates sequence ids in [lo, hi] and returns the
// runs absent from the milestones table.
func (s *Store) MissingMilestoneRanges(ctx context.Context, lo, hi uint64) ([]Range, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var missing []uint64
	err := s.db.SelectContext(ctx, &missing, `SELECT gs.n
		FROM generate_series($1::bigint, $2::bigint) AS gs(n)
		LEFT JOIN milestones m ON m.sequence_id = gs.n
		WHERE m.sequence_id IS NULL
		ORDER BY gs.n`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("find missing milestones [%d, %d]: %w", lo, hi, err)
	}

	return GroupRanges(missing), nil
}
