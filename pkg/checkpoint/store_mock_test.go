package checkpoint

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// White-box tests exercising SQLStore against a scripted sqlmock
// connection, for call sites where asserting the exact SQL issued
// matters more than round-tripping a real database (e.g. which upsert
// dialect MarkThread picks per driver).
func newMockStore(t *testing.T, driver string) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cache, err := lru.New[string, *Record](latestCacheSize)
	require.NoError(t, err)
	return &SQLStore{db: db, driver: driver, threadMus: make(map[string]*sync.Mutex), latestCache: cache}, mock
}

func TestSQLStore_MarkThread_PostgresUsesOnConflict(t *testing.T) {
	s, mock := newMockStore(t, "postgres")

	mock.ExpectExec("INSERT INTO thread_status .* ON CONFLICT \\(thread_id\\) DO UPDATE").
		WithArgs("t1", "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkThread(context.Background(), "t1", ThreadActive)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MarkThread_MySQLUsesOnDuplicateKey(t *testing.T) {
	s, mock := newMockStore(t, "mysql")

	mock.ExpectExec("INSERT INTO thread_status .* ON DUPLICATE KEY UPDATE").
		WithArgs("t1", "incomplete", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkThread(context.Background(), "t1", ThreadIncomplete)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Vacuum_NoOpOnNonSQLiteDrivers(t *testing.T) {
	s, mock := newMockStore(t, "postgres")
	// No ExpectExec registered: Vacuum must issue nothing for postgres.
	err := s.Vacuum(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_Put_RollsBackOnInsertFailure(t *testing.T) {
	s, mock := newMockStore(t, "sqlite3")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(checkpoint_id\\) FROM checkpoints").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO checkpoints").
		WillReturnError(assertError{"disk full"})
	mock.ExpectRollback()

	_, err := s.Put(context.Background(), "t1", []byte("x"), nil)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
