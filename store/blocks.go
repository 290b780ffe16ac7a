package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Block is one row of the blocks table. Fee totals cross the database
// boundary as decimal strings; in-memory arithmetic happens in wei with
// big.Int before conversion.
type Block struct {
	Number                uint64     `db:"number"`
	Timestamp             time.Time  `db:"timestamp"`
	BlockHash             string     `db:"block_hash"`
	ParentHash            string     `db:"parent_hash"`
	GasUsed               uint64     `db:"gas_used"`
	GasLimit              uint64     `db:"gas_limit"`
	BaseFeeGwei           *float64   `db:"base_fee_gwei"`
	MinPriorityFeeGwei    *float64   `db:"min_priority_fee_gwei"`
	MaxPriorityFeeGwei    *float64   `db:"max_priority_fee_gwei"`
	AvgPriorityFeeGwei    *float64   `db:"avg_priority_fee_gwei"`
	MedianPriorityFeeGwei *float64   `db:"median_priority_fee_gwei"`
	TotalBaseFeeGwei      *string    `db:"total_base_fee_gwei"`
	TotalPriorityFeeGwei  *string    `db:"total_priority_fee_gwei"`
	TxCount               int        `db:"tx_count"`
	BlockTimeSec          *float64   `db:"block_time_sec"`
	MgasPerSec            *float64   `db:"mgas_per_sec"`
	TPS                   *float64   `db:"tps"`
	Finalized             bool       `db:"finalized"`
	FinalizedAt           *time.Time `db:"finalized_at"`
	MilestoneID           *int64     `db:"milestone_id"`
	TimeToFinalitySec     *float64   `db:"time_to_finality_sec"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// FillDerived computes block_time_sec, mgas_per_sec and tps from the previous
// block's timestamp. A nil prev leaves the derived fields null.
func (b *Block) FillDerived(prev *time.Time) {
	if prev == nil {
		return
	}

	blockTime := b.Timestamp.Sub(*prev).Seconds()
	if blockTime <= 0 {
		return
	}

	mgas := float64(b.GasUsed) / 1e6 / blockTime
	tps := float64(b.TxCount) / blockTime

	b.BlockTimeSec = &blockTime
	b.MgasPerSec = &mgas
	b.TPS = &tps
}

const blockInsertColumns = `number, timestamp, block_hash, parent_hash, gas_used, gas_limit,
	base_fee_gwei, min_priority_fee_gwei, max_priority_fee_gwei, avg_priority_fee_gwei,
	median_priority_fee_gwei, total_base_fee_gwei, total_priority_fee_gwei, tx_count,
	block_time_sec, mgas_per_sec, tps`

// UpsertBlock inserts a block, idempotent on number. It reports whether a row
// was actually inserted; a conflict is a no-change. Derived fields are filled
// from the previous block's timestamp when not already set.
func (s *Store) UpsertBlock(ctx context.Context, b *Block) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	if b.BlockTimeSec == nil && b.Number > 0 {
		prev, err := s.BlockTimestamp(ctx, b.Number-1)
		if err != nil {
			return false, err
		}

		b.FillDerived(prev)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRowxContext(ctx, `INSERT INTO blocks (`+blockInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (number) DO NOTHING
		RETURNING number`,
		b.Number, b.Timestamp, b.BlockHash, b.ParentHash, b.GasUsed, b.GasLimit,
		b.BaseFeeGwei, b.MinPriorityFeeGwei, b.MaxPriorityFeeGwei, b.AvgPriorityFeeGwei,
		b.MedianPriorityFeeGwei, b.TotalBaseFeeGwei, b.TotalPriorityFeeGwei, b.TxCount,
		b.BlockTimeSec, b.MgasPerSec, b.TPS)

	var inserted uint64
	if err := row.Scan(&inserted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, tx.Commit()
		}

		return false, fmt.Errorf("insert block %d: %w", b.Number, err)
	}

	if err := bumpTableStats(ctx, tx, StreamBlocks, b.Number, b.Number, 1); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// UpsertBlocks bulk-inserts blocks with a single array-parameter statement
// and ON CONFLICT DO NOTHING. Returns the count of rows actually inserted;
// table stats are incremented once with that count.
func (s *Store) UpsertBlocks(ctx context.Context, blocks []Block) (int64, error) {
	if len(blocks) == 0 {
		return 0, nil
	}

	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	n := len(blocks)

	var (
		numbers    = make([]int64, n)
		timestamps = make([]time.Time, n)
		hashes     = make([]string, n)
		parents    = make([]string, n)
		gasUsed    = make([]int64, n)
		gasLimit   = make([]int64, n)
		baseFee    = make([]sql.NullFloat64, n)
		minTip     = make([]sql.NullFloat64, n)
		maxTip     = make([]sql.NullFloat64, n)
		avgTip     = make([]sql.NullFloat64, n)
		medianTip  = make([]sql.NullFloat64, n)
		totalBase  = make([]sql.NullString, n)
		totalTip   = make([]sql.NullString, n)
		txCounts   = make([]int64, n)
		blockTimes = make([]sql.NullFloat64, n)
		mgas       = make([]sql.NullFloat64, n)
		tps        = make([]sql.NullFloat64, n)
	)

	for i, b := range blocks {
		numbers[i] = int64(b.Number)
		timestamps[i] = b.Timestamp
		hashes[i] = b.BlockHash
		parents[i] = b.ParentHash
		gasUsed[i] = int64(b.GasUsed)
		gasLimit[i] = int64(b.GasLimit)
		baseFee[i] = nullFloat(b.BaseFeeGwei)
		minTip[i] = nullFloat(b.MinPriorityFeeGwei)
		maxTip[i] = nullFloat(b.MaxPriorityFeeGwei)
		avgTip[i] = nullFloat(b.AvgPriorityFeeGwei)
		medianTip[i] = nullFloat(b.MedianPriorityFeeGwei)
		totalBase[i] = nullString(b.TotalBaseFeeGwei)
		totalTip[i] = nullString(b.TotalPriorityFeeGwei)
		txCounts[i] = int64(b.TxCount)
		blockTimes[i] = nullFloat(b.BlockTimeSec)
		mgas[i] = nullFloat(b.MgasPerSec)
		tps[i] = nullFloat(b.TPS)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, `INSERT INTO blocks (`+blockInsertColumns+`)
		SELECT * FROM unnest(
			$1::bigint[], $2::timestamptz[], $3::text[], $4::text[], $5::bigint[], $6::bigint[],
			$7::double precision[], $8::double precision[], $9::double precision[], $10::double precision[],
			$11::double precision[], $12::numeric[], $13::numeric[], $14::bigint[],
			$15::double precision[], $16::double precision[], $17::double precision[])
		ON CONFLICT (number) DO NOTHING
		RETURNING number`,
		pq.Array(numbers), pq.Array(timestamps), pq.Array(hashes), pq.Array(parents),
		pq.Array(gasUsed), pq.Array(gasLimit), pq.Array(baseFee), pq.Array(minTip),
		pq.Array(maxTip), pq.Array(avgTip), pq.Array(medianTip), pq.Array(totalBase),
		pq.Array(totalTip), pq.Array(txCounts), pq.Array(blockTimes), pq.Array(mgas),
		pq.Array(tps))
	if err != nil {
		return 0, fmt.Errorf("bulk insert blocks: %w", err)
	}

	var (
		count    int64
		min, max uint64
	)

	for rows.Next() {
		var number uint64
		if err := rows.Scan(&number); err != nil {
			rows.Close()
			return 0, err
		}

		if count == 0 || number < min {
			min = number
		}

		if number > max {
			max = number
		}

		count++
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, err
	}

	if count > 0 {
		if err := bumpTableStats(ctx, tx, StreamBlocks, min, max, count); err != nil {
			return 0, err
		}
	}

	return count, tx.Commit()
}

// FinalizeBlocks marks every unfinalized block covered by the milestone as
// final, in one transaction. The timestamp predicate keeps the update out of
// compressed partitions. Returns the number of rows updated.
func (s *Store) FinalizeBlocks(ctx context.Context, m *Milestone) (int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cutoff := time.Now().Add(-s.compressionThreshold)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE blocks
		SET finalized = TRUE,
		    finalized_at = $1,
		    milestone_id = $2,
		    time_to_finality_sec = EXTRACT(EPOCH FROM ($1::timestamptz - timestamp)),
		    updated_at = now()
		WHERE number BETWEEN $3 AND $4
		  AND NOT finalized
		  AND timestamp >= $5`,
		m.Timestamp, m.MilestoneID, m.StartBlock, m.EndBlock, cutoff)
	if err != nil {
		return 0, fmt.Errorf("finalize blocks [%d, %d]: %w", m.StartBlock, m.EndBlock, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if affected > 0 {
		if err := bumpFinalizedStats(ctx, tx, m.StartBlock, m.EndBlock, affected); err != nil {
			return 0, err
		}
	}

	return affected, tx.Commit()
}

// RewritePriorityFee replaces the block's total priority fee with the value
// recomputed from receipts.
func (s *Store) RewritePriorityFee(ctx context.Context, number uint64, totalPriorityFeeGwei string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE blocks
		SET total_priority_fee_gwei = $2, updated_at = now()
		WHERE number = $1`,
		number, totalPriorityFeeGwei)
	if err != nil {
		return fmt.Errorf("rewrite priority fee for block %d: %w", number, err)
	}

	return nil
}

// BlockTimestamp returns the timestamp of the given block, or nil when the
// block is absent.
func (s *Store) BlockTimestamp(ctx context.Context, number uint64) (*time.Time, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var ts time.Time
	err := s.db.GetContext(ctx, &ts, `SELECT timestamp FROM blocks WHERE number = $1`, number)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &ts, nil
}

// MissingBlockRanges enumerates [lo, hi] server-side and returns the maximal
// consecutive runs of block numbers absent from the blocks table.
func (s *Store) MissingBlockRanges(ctx context.Context, lo, hi uint64) ([]Range, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var missing []uint64
	err := s.db.SelectContext(ctx, &missing, `SELECT gs.n
		FROM generate_series($1::bigint, $2::bigint) AS gs(n)
		LEFT JOIN blocks b ON b.number = gs.n
		WHERE b.number IS NULL
		ORDER BY gs.n`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("find missing blocks [%d, %d]: %w", lo, hi, err)
	}

	return GroupRanges(missing), nil
}

// UnfinalizedFinalityRanges returns runs of unfinalized block numbers inside
// [lo, hi] that are still young enough to live in uncompressed partitions.
func (s *Store) UnfinalizedFinalityRanges(ctx context.Context, lo, hi uint64) ([]Range, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cutoff := time.Now().Add(-s.compressionThreshold)

	var numbers []uint64
	err := s.db.SelectContext(ctx, &numbers, `SELECT number FROM blocks
		WHERE NOT finalized AND number BETWEEN $1 AND $2 AND timestamp >= $3
		ORDER BY number`, lo, hi, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find unfinalized blocks [%d, %d]: %w", lo, hi, err)
	}

	return GroupRanges(numbers), nil
}

// PriorityFeeRepairRanges returns runs of blocks in the uncompressed window
// whose priority-fee aggregates are missing despite carrying transactions.
func (s *Store) PriorityFeeRepairRanges(ctx context.Context) ([]Range, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	cutoff := time.Now().Add(-s.compressionThreshold)

	var numbers []uint64
	err := s.db.SelectContext(ctx, &numbers, `SELECT number FROM blocks
		WHERE tx_count > 0
		  AND (avg_priority_fee_gwei IS NULL OR total_priority_fee_gwei IS NULL)
		  AND timestamp >= $1
		ORDER BY number`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find priority fee repair candidates: %w", err)
	}

	return GroupRanges(numbers), nil
}

// LatestBlock returns the highest block row, or nil when the table is empty.
func (s *Store) LatestBlock(ctx context.Context) (*Block, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var b Block
	err := s.db.GetContext(ctx, &b, `SELECT * FROM blocks ORDER BY number DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &b, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}

	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *v, Valid: true}
}
