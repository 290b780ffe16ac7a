package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Coverage is the validated interval of a stream: every id inside
// [LowWaterMark, HighWaterMark] either exists in the stream table or has an
// open gap row.
type Coverage struct {
	Stream         string    `db:"stream"`
	LowWaterMark   uint64    `db:"low_water_mark"`
	HighWaterMark  uint64    `db:"high_water_mark"`
	LastAnalyzedAt time.Time `db:"last_analyzed_at"`
}

// Coverage returns the stream's coverage row, or nil before the first
// analyzer pass.
func (s *Store) Coverage(ctx context.Context, stream string) (*Coverage, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var c Coverage
	err := s.db.GetContext(ctx, &c, `SELECT * FROM data_coverage WHERE stream = $1`, stream)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read coverage for %s: %w", stream, err)
	}

	return &c, nil
}

// InitCoverage creates the stream's coverage row. An existing row is left
// untouched: water-marks only ever move outward.
func (s *Store) InitCoverage(ctx context.Context, stream string, low, high uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `INSERT INTO data_coverage
		(stream, low_water_mark, high_water_mark, last_analyzed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (stream) DO NOTHING`, stream, low, high)
	if err != nil {
		return fmt.Errorf("init coverage for %s: %w", stream, err)
	}

	return nil
}

// ExtendCoverageUp raises the high water-mark. GREATEST keeps the movement
// monotone regardless of interleaving.
func (s *Store) ExtendCoverageUp(ctx context.Context, stream string, high uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE data_coverage
		SET high_water_mark = GREATEST(high_water_mark, $2), last_analyzed_at = now()
		WHERE stream = $1`, stream, high)
	if err != nil {
		return fmt.Errorf("extend coverage up for %s: %w", stream, err)
	}

	return nil
}

// ExtendCoverageDown lowers the low water-mark, monotone via LEAST.
func (s *Store) ExtendCoverageDown(ctx context.Context, stream string, low uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE data_coverage
		SET low_water_mark = LEAST(low_water_mark, $2), last_analyzed_at = now()
		WHERE stream = $1`, stream, low)
	if err != nil {
		return fmt.Errorf("extend coverage down for %s: %w", stream, err)
	}

	return nil
}

// TouchCoverage bumps last_analyzed_at without moving the water-marks.
func (s *Store) TouchCoverage(ctx context.Context, stream string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE data_coverage
		SET last_analyzed_at = now()
		WHERE stream = $1`, stream)
	if err != nil {
		return fmt.Errorf("touch coverage for %s: %w", stream, err)
	}

	return nil
}
