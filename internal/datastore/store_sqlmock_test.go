package datastore

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/buildpulse/crmsync/internal/errors"
	"github.com/buildpulse/crmsync/internal/logger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.NewGormAdapter(discardLogger(), 0),
	})
	require.NoError(t, err)

	return NewStore(db, discardLogger()), mock
}

func TestExecuteBatchMySQLUpsert(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	assert.Equal(t, DialectMySQL, store.Dialect())

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `deals` (`created_at`,`id`,`name`) VALUES (?,?,?) ON DUPLICATE KEY UPDATE")).
		WithArgs(int64(100), "d-1", "Kitchen").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.ExecuteBatch(context.Background(), []Statement{dealRow("d-1", "Kitchen", 100)}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteBatchWriteFailureRollsBack(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `deals`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `deals`")).
		WillReturnError(errors.NewStd("Deadlock found when trying to get lock"))
	mock.ExpectRollback()

	err := store.ExecuteBatch(context.Background(), []Statement{
		dealRow("d-1", "Kitchen", 100),
		dealRow("d-2", "Bathroom", 200),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryBatchWrite))
	assert.Contains(t, err.Error(), "Deadlock")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTypeMismatchUnsupportedOnMySQL(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	n, supported, err := store.TypeMismatchCount(context.Background(), "deals", "created_at", "timestamp")
	require.NoError(t, err)
	assert.False(t, supported)
	assert.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
