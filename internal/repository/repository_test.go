package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

// TestIsRetryableError 测试可重试错误判断
func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"plain error", errors.New("something failed"), false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock detected", &pgconn.PgError{Code: "40P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"query canceled", &pgconn.PgError{Code: "57014"}, true},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, true},
		{"disk full", &pgconn.PgError{Code: "53100"}, false},
		{"out of memory", &pgconn.PgError{Code: "53200"}, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

// TestIsRetryableError_Wrapped 测试包装后的错误仍可识别
func TestIsRetryableError_Wrapped(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "40001"}
	wrapped := errors.Join(errors.New("commit failed"), pgErr)
	assert.True(t, IsRetryableError(wrapped))
}

func TestRepository_Transaction_Commit(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_bounties"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "indexer_block_checkpoints"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// 事务内的仓储写入共享同一次提交
	err := repo.Transaction(ctx, func(txCtx context.Context) error {
		if err := repo.DB(txCtx).Exec(`UPDATE "indexer_bounties" SET active = false`).Error; err != nil {
			return err
		}
		return repo.DB(txCtx).Exec(`UPDATE "indexer_block_checkpoints" SET block_number = 1`).Error
	})

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Transaction_Rollback(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	wantErr := errors.New("projection failed")
	err := repo.Transaction(ctx, func(txCtx context.Context) error {
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_TransactionWithRetry_NonRetryableFailsFast(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := repo.TransactionWithRetry(ctx, 3, func(txCtx context.Context) error {
		calls++
		return errors.New("structural error")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_TransactionWithRetry_RetriesTransient(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := repo.TransactionWithRetry(ctx, 3, func(txCtx context.Context) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01"}
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_DB_WithoutTransaction(t *testing.T) {
	db, _, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewRepository(db)
	ctx := context.Background()

	// 无事务时返回普通连接
	assert.NotNil(t, repo.DB(ctx))
}
