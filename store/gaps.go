package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Gap kinds. Block and milestone gaps are missing ids; finality and
// priority_fee gaps are repair work on existing rows.
const (
	GapKindBlock       = "block"
	GapKindMilestone   = "milestone"
	GapKindFinality    = "finality"
	GapKindPriorityFee = "priority_fee"
)

// Gap states.
const (
	GapStatePending   = "pending"
	GapStateFilling   = "filling"
	GapStateFilled    = "filled"
	GapStateAbandoned = "abandoned"
)

// Gap is one row of the gaps table: a contiguous range of work of one kind.
type Gap struct {
	ID         int64      `db:"id"`
	Kind       string     `db:"kind"`
	RangeStart uint64     `db:"range_start"`
	RangeEnd   uint64     `db:"range_end"`
	State      string     `db:"state"`
	Source     string     `db:"source"`
	Attempts   int        `db:"attempts"`
	CreatedAt  time.Time  `db:"created_at"`
	ClaimedAt  *time.Time `db:"claimed_at"`
	FilledAt   *time.Time `db:"filled_at"`
}

// InsertGap records a pending gap. The partial unique index makes repeat
// inserts of the same open range no-ops, so the analyzer can re-emit ranges
// idempotently. Reports whether a row was inserted.
func (s *Store) InsertGap(ctx context.Context, kind string, r Range, source string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	row := s.db.QueryRowxContext(ctx, `INSERT INTO gaps (kind, range_start, range_end, source)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, range_start, range_end) WHERE state IN ('pending', 'filling') DO NOTHING
		RETURNING id`,
		kind, r.Start, r.End, source)

	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}

		return false, fmt.Errorf("insert %s gap [%d, %d]: %w", kind, r.Start, r.End, err)
	}

	return true, nil
}

// ClaimGap atomically claims one pending gap: pending rows are selected FOR
// UPDATE SKIP LOCKED so concurrent fillers never claim the same row. Returns
// nil when no pending gap exists.
func (s *Store) ClaimGap(ctx context.Context) (*Gap, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var gap Gap
	err = tx.GetContext(ctx, &gap, `SELECT * FROM gaps
		WHERE state = 'pending'
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}

	if err != nil {
		return nil, fmt.Errorf("claim gap: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `UPDATE gaps
		SET state = 'filling', claimed_at = $2, attempts = attempts + 1
		WHERE id = $1`, gap.ID, now)
	if err != nil {
		return nil, fmt.Errorf("mark gap %d filling: %w", gap.ID, err)
	}

	gap.State = GapStateFilling
	gap.ClaimedAt = &now
	gap.Attempts++

	return &gap, tx.Commit()
}

// MarkGapFilled transitions a gap to filled.
func (s *Store) MarkGapFilled(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE gaps
		SET state = 'filled', filled_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark gap %d filled: %w", id, err)
	}

	return nil
}

// RequeueGap returns a claimed gap to pending so another pass can retry it.
func (s *Store) RequeueGap(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE gaps
		SET state = 'pending', claimed_at = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("requeue gap %d: %w", id, err)
	}

	return nil
}

// AbandonGap gives up on a gap after repeated failures.
func (s *Store) AbandonGap(ctx context.Context, id int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE gaps
		SET state = 'abandoned'
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("abandon gap %d: %w", id, err)
	}

	return nil
}

// OpenGapRanges returns the pending and filling ranges of one kind that
// intersect [lo, hi]. The analyzer subtracts them before emitting new rows so
// open gaps are never duplicated in overlapping shapes.
func (s *Store) OpenGapRanges(ctx context.Context, kind string, lo, hi uint64) ([]Range, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	type row struct {
		RangeStart uint64 `db:"range_start"`
		RangeEnd   uint64 `db:"range_end"`
	}

	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT range_start, range_end FROM gaps
		WHERE kind = $1 AND state IN ('pending', 'filling')
		  AND range_start <= $3 AND range_end >= $2
		ORDER BY range_start`, kind, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("read open %s gaps: %w", kind, err)
	}

	ranges := make([]Range, 0, len(rows))
	for _, r := range rows {
		ranges = append(ranges, Range{Start: r.RangeStart, End: r.RangeEnd})
	}

	return ranges, nil
}

// GapCounts returns the number of gaps per state, for the status surface.
func (s *Store) GapCounts(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	type row struct {
		State string `db:"state"`
		Count int64  `db:"count"`
	}

	var rows []row
	err := s.db.SelectContext(ctx, &rows, `SELECT state, count(*) AS count FROM gaps GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count gaps: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.State] = r.Count
	}

	return counts, nil
}
