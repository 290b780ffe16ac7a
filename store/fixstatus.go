package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PriorityFeeFixStatus tracks the historical priority-fee repair sweep. The
// sweep walks from FixDeployedAtBlock down toward the earliest stored block;
// LastFixedBlock is the cursor.
type PriorityFeeFixStatus struct {
	FixDeployedAtBlock uint64    `db:"fix_deployed_at_block"`
	LastFixedBlock     uint64    `db:"last_fixed_block"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// PriorityFeeFixStatus returns the singleton row, or nil before the first
// recomputer run.
func (s *Store) PriorityFeeFixStatus(ctx context.Context) (*PriorityFeeFixStatus, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	var status PriorityFeeFixStatus
	err := s.db.GetContext(ctx, &status, `SELECT fix_deployed_at_block, last_fixed_block, updated_at
		FROM priority_fee_fix_status WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("read priority fee fix status: %w", err)
	}

	return &status, nil
}

// InitPriorityFeeFixStatus seeds the singleton with the deployment block. An
// existing row wins.
func (s *Store) InitPriorityFeeFixStatus(ctx context.Context, block uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `INSERT INTO priority_fee_fix_status
		(id, fix_deployed_at_block, last_fixed_block)
		VALUES (1, $1, $1)
		ON CONFLICT (id) DO NOTHING`, block)
	if err != nil {
		return fmt.Errorf("init priority fee fix status: %w", err)
	}

	return nil
}

// SetLastFixedBlock moves the sweep cursor. LEAST keeps progress monotone
// downward.
func (s *Store) SetLastFixedBlock(ctx context.Context, block uint64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE priority_fee_fix_status
		SET last_fixed_block = LEAST(last_fixed_block, $1), updated_at = now()
		WHERE id = 1`, block)
	if err != nil {
		return fmt.Errorf("set last fixed block: %w", err)
	}

	return nil
}
