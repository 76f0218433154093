package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bountylab/bounty-indexer/internal/model"
)

// bountyColumns 返回 indexer_bounties 表的所有列名
func bountyColumns() []string {
	return []string{
		"id", "bounty_id", "company_address", "token_address", "total_reward",
		"remaining_reward", "lock_amount", "deadline", "active", "status",
		"chain_id", "block_number", "tx_hash", "created_at", "updated_at",
	}
}

// TestBountyRepository_Errors 测试错误类型
func TestBountyRepository_Errors(t *testing.T) {
	assert.Equal(t, "bounty not found", ErrBountyNotFound.Error())
	assert.Equal(t, "insufficient remaining reward", ErrInsufficientReward.Error())
}

// TestBountyStatus_Values 测试赏金状态枚举值
func TestBountyStatus_Values(t *testing.T) {
	assert.Equal(t, model.BountyStatus(0), model.BountyStatusActive)
	assert.Equal(t, model.BountyStatus(1), model.BountyStatusCompleted)
	assert.Equal(t, model.BountyStatus(2), model.BountyStatusCancelled)
}

func TestBountyRepository_GetByBountyID_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows(bountyColumns()).AddRow(
		1, 7, "0xcompany", "0xtoken", "100000", "100000", "10000", 1900000000000,
		true, int8(model.BountyStatusActive), 31337, 12345, "0xtx", 1234567890000, 1234567890000,
	)

	mock.ExpectQuery(`SELECT \* FROM "indexer_bounties" WHERE bounty_id = \$1`).
		WithArgs(int64(7), 1).
		WillReturnRows(rows)

	bounty, err := repo.GetByBountyID(ctx, 7)

	assert.NoError(t, err)
	assert.Equal(t, int64(7), bounty.BountyID)
	assert.Equal(t, model.BountyStatusActive, bounty.Status)
	assert.True(t, bounty.TotalReward.Equal(decimal.NewFromInt(100000)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_GetByBountyID_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "indexer_bounties"`).
		WillReturnRows(sqlmock.NewRows(bountyColumns()))

	bounty, err := repo.GetByBountyID(ctx, 7)

	assert.ErrorIs(t, err, ErrBountyNotFound)
	assert.Nil(t, bounty)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_Upsert_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	// 按 bounty_id 冲突时整行覆盖
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "indexer_bounties" .+ ON CONFLICT \("bounty_id"\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	bounty := &model.Bounty{
		BountyID:        7,
		CompanyAddress:  "0xcompany",
		TokenAddress:    "0xtoken",
		TotalReward:     decimal.NewFromInt(100000),
		RemainingReward: decimal.NewFromInt(100000),
		LockAmount:      decimal.NewFromInt(10000),
		Deadline:        1900000000000,
		Active:          true,
		Status:          model.BountyStatusActive,
		ChainID:         31337,
		BlockNumber:     12345,
		TxHash:          "0xtx",
	}

	err := repo.Upsert(ctx, bounty)

	assert.NoError(t, err)
	assert.NotZero(t, bounty.CreatedAt)
	assert.NotZero(t, bounty.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_DebitRemainingReward_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	// 原子扣减: remaining_reward >= 扣减额时才命中
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_bounties" SET .+remaining_reward - .+ WHERE bounty_id = \$\d+ AND remaining_reward >= \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.DebitRemainingReward(ctx, 7, decimal.NewFromInt(47500))

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_DebitRemainingReward_Insufficient(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_bounties"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// 记录存在但余额不足
	rows := sqlmock.NewRows(bountyColumns()).AddRow(
		1, 7, "0xcompany", "0xtoken", "100000", "100", "10000", 1900000000000,
		true, int8(model.BountyStatusActive), 31337, 12345, "0xtx", 1234567890000, 1234567890000,
	)
	mock.ExpectQuery(`SELECT \* FROM "indexer_bounties"`).
		WillReturnRows(rows)

	err := repo.DebitRemainingReward(ctx, 7, decimal.NewFromInt(47500))

	assert.ErrorIs(t, err, ErrInsufficientReward)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_DebitRemainingReward_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_bounties"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectQuery(`SELECT \* FROM "indexer_bounties"`).
		WillReturnRows(sqlmock.NewRows(bountyColumns()))

	err := repo.DebitRemainingReward(ctx, 404, decimal.NewFromInt(100))

	assert.ErrorIs(t, err, ErrBountyNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_TransitionStatus_Fires(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	// 条件转移: 当前状态匹配 from 时才命中
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_bounties" SET .+ WHERE bounty_id = \$\d+ AND status = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	transitioned, err := repo.TransitionStatus(ctx, 7, model.BountyStatusActive, model.BountyStatusCompleted)

	assert.NoError(t, err)
	assert.True(t, transitioned)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBountyRepository_TransitionStatus_NoOp(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewBountyRepository(db)
	ctx := context.Background()

	// 重复投递: 状态已离开 from，不报错也不改写
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_bounties"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	transitioned, err := repo.TransitionStatus(ctx, 7, model.BountyStatusActive, model.BountyStatusCancelled)

	assert.NoError(t, err)
	assert.False(t, transitioned)
	assert.NoError(t, mock.ExpectationsWereMet())
}
