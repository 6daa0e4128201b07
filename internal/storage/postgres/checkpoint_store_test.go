package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStoreLoad(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	updated := time.Unix(1700000000, 0).UTC()
	cursor := "eyJvZmZzZXQiOjUwMH0"
	mock.ExpectQuery("SELECT next_cursor, total_events, updated_at FROM ingest_checkpoints").
		WillReturnRows(pgxmock.
			NewRows([]string{"next_cursor", "total_events", "updated_at"}).
			AddRow(&cursor, int64(1500), updated))

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cursor, cp.NextCursor)
	assert.EqualValues(t, 1500, cp.TotalEvents)
	assert.Equal(t, updated, cp.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreLoadNullCursor(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	updated := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT next_cursor, total_events, updated_at FROM ingest_checkpoints").
		WillReturnRows(pgxmock.
			NewRows([]string{"next_cursor", "total_events", "updated_at"}).
			AddRow(nil, int64(1500), updated))

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", cp.NextCursor)
	assert.EqualValues(t, 1500, cp.TotalEvents)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreLoadMissingRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT next_cursor, total_events, updated_at FROM ingest_checkpoints").
		WillReturnError(pgx.ErrNoRows)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", cp.NextCursor)
	assert.Zero(t, cp.TotalEvents)
	assert.True(t, cp.UpdatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreSave(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO ingest_checkpoints").
		WithArgs("cursor-abc", int64(900)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), "cursor-abc", 900))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreSaveTerminal(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	// An exhausted stream stores NULL, not an empty string.
	mock.ExpectExec("INSERT INTO ingest_checkpoints").
		WithArgs(nil, int64(1500)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Save(context.Background(), "", 1500))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreResetCursor(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE ingest_checkpoints SET next_cursor = NULL").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.ResetCursor(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointStoreSavePropagatesError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewCheckpointStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO ingest_checkpoints").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("read only transaction"))

	err = store.Save(context.Background(), "cursor-abc", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save checkpoint")
	require.NoError(t, mock.ExpectationsWereMet())
}
