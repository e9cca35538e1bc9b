package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewDatabaseInstance(sqlx.NewDb(raw, "postgres"), logger), mock
}

func TestWithTxCommits(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO name").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), db, func(ctx context.Context) error {
		require.NotNil(t, TxFromContext(ctx))
		_, err := db.Querier(ctx).ExecContext(ctx, "INSERT INTO name (id) VALUES ($1)", "n1")
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := WithTx(context.Background(), db, func(ctx context.Context) error {
		return assert.AnError
	})

	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxJoinsOuterTransaction(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	err = WithTx(ctx, db, func(inner context.Context) error {
		assert.Same(t, tx, TxFromContext(inner))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tx.IsOpen())

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, tx.IsOpen())
	assert.Nil(t, TxFromContext(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJSONBScan(t *testing.T) {
	var counts JSONB[map[string]int]
	require.NoError(t, counts.Scan([]byte(`{"species":3}`)))
	assert.Equal(t, 3, counts.GetValue()["species"])

	require.NoError(t, counts.Scan(nil))
	assert.Nil(t, counts.GetValue())

	assert.Error(t, counts.Scan(42))
}

func TestGetLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000001_catalog.up.sql", "000001_catalog.down.sql", "000003_metrics.up.sql", "README.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644))
	}

	latest, err := getLatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	_, err = getLatestVersion(t.TempDir())
	assert.Error(t, err)
}
