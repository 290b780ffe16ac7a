package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStore(sqlx.NewDb(db, "sqlmock"), 10*24*time.Hour), mock
}

func TestUpsertBlockInserts(t *testing.T) {
	st, mock := newMockStore(t)

	prev := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery(`SELECT timestamp FROM blocks WHERE number =`).
		WithArgs(int64(41)).
		WillReturnRows(sqlmock.NewRows([]string{"timestamp"}).AddRow(prev))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO blocks`).
		WillReturnRows(sqlmock.NewRows([]string{"number"}).AddRow(int64(42)))
	mock.ExpectExec(`UPDATE table_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := st.UpsertBlock(context.Background(), &Block{
		Number:    42,
		Timestamp: prev.Add(2 * time.Second),
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBlockConflictIsNoChange(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT timestamp FROM blocks WHERE number =`).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO blocks`).
		WillReturnRows(sqlmock.NewRows([]string{"number"}))
	mock.ExpectCommit()

	inserted, err := st.UpsertBlock(context.Background(), &Block{Number: 42, Timestamp: time.Now()})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertBlocksBumpsStatsOnce(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO blocks`).
		WillReturnRows(sqlmock.NewRows([]string{"number"}).
			AddRow(int64(10)).AddRow(int64(12)))
	mock.ExpectExec(`UPDATE table_stats`).
		WithArgs(StreamBlocks, int64(10), int64(12), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	now := time.Now()
	count, err := st.UpsertBlocks(context.Background(), []Block{
		{Number: 10, Timestamp: now},
		{Number: 11, Timestamp: now},
		{Number: 12, Timestamp: now},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeBlocks(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE blocks`).
		WillReturnResult(sqlmock.NewResult(0, 32))
	mock.ExpectExec(`UPDATE table_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	affected, err := st.FinalizeBlocks(context.Background(), &Milestone{
		MilestoneID: 96,
		StartBlock:  65,
		EndBlock:    96,
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(32), affected)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeBlocksAlreadyFinal(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE blocks`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	affected, err := st.FinalizeBlocks(context.Background(), &Milestone{
		StartBlock: 65,
		EndBlock:   96,
		Timestamp:  time.Now(),
	})
	require.NoError(t, err)
	assert.Zero(t, affected)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRewritePriorityFee(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE blocks`).
		WithArgs(int64(42), "84000.000000000").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.RewritePriorityFee(context.Background(), 42, "84000.000000000"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBlockTimestampAbsent(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT timestamp FROM blocks WHERE number =`).
		WillReturnError(sql.ErrNoRows)

	ts, err := st.BlockTimestamp(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, ts)
}

func TestMissingBlockRanges(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`generate_series`).
		WithArgs(int64(1), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).
			AddRow(int64(3)).AddRow(int64(4)).AddRow(int64(9)))

	ranges, err := st.MissingBlockRanges(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []Range{{Start: 3, End: 4}, {Start: 9, End: 9}}, ranges)
}
