package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bloodgroup/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func testRetrier(attempts int) retrier {
	return retrier{
		logger:         zap.NewNop(),
		retryAttempts:  attempts,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(context.Background(), db))
	return db
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &PatientRepository{retrier: testRetrier(3)}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &PatientRepository{retrier: testRetrier(2)}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "test.operation", opErr.Operation)
	assert.Equal(t, "req-2", opErr.RequestID)
}

func TestExecuteWithRetryGivesUpAfterLastAttempt(t *testing.T) {
	r := testRetrier(3)
	attempts := 0
	err := r.executeWithRetry(context.Background(), "test.operation", "", func() error {
		attempts++
		return transientTestError{}
	})
	var opErr *logging.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, 3, attempts)
}

func TestExecuteWithRetryStopsOnCancelledContext(t *testing.T) {
	r := testRetrier(5)
	r.initialBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.executeWithRetry(ctx, "test.operation", "", func() error { return transientTestError{} })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteWithRetryMapsNotFound(t *testing.T) {
	attempts := 0
	err := testRetrier(3).executeWithRetry(context.Background(), "test.operation", "", func() error {
		attempts++
		return gorm.ErrRecordNotFound
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, attempts)
}
