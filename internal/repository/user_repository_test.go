package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/bountylab/bounty-indexer/internal/model"
)

// userColumns 返回 indexer_users 表的所有列名
func userColumns() []string {
	return []string{"id", "wallet_address", "role", "created_at", "updated_at"}
}

// hunterStatsColumns 返回 indexer_hunter_stats 表的所有列名
func hunterStatsColumns() []string {
	return []string{
		"id", "wallet_address", "total_earned", "total_submissions",
		"valid_submissions", "paid_submissions", "created_at", "updated_at",
	}
}

// TestUserRepository_Errors 测试错误类型
func TestUserRepository_Errors(t *testing.T) {
	assert.Equal(t, "user not found", ErrUserNotFound.Error())
	assert.Equal(t, "hunter stats not found", ErrHunterStatsNotFound.Error())
}

// TestUserRole_Values 测试角色枚举值
func TestUserRole_Values(t *testing.T) {
	assert.Equal(t, model.UserRole("company"), model.UserRoleCompany)
	assert.Equal(t, model.UserRole("hunter"), model.UserRoleHunter)
}

func TestUserRepository_GetOrCreate_New(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "indexer_users" .+ ON CONFLICT \("wallet_address"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	rows := sqlmock.NewRows(userColumns()).AddRow(
		1, "0xhunter", "hunter", 1234567890000, 1234567890000,
	)
	mock.ExpectQuery(`SELECT \* FROM "indexer_users" WHERE wallet_address = \$1`).
		WithArgs("0xhunter", 1).
		WillReturnRows(rows)

	user, err := repo.GetOrCreate(ctx, "0xHUNTER", model.UserRoleHunter)

	assert.NoError(t, err)
	assert.Equal(t, "0xhunter", user.WalletAddress)
	assert.Equal(t, model.UserRoleHunter, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetOrCreate_ExistingRolePreserved(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	// 冲突时无行返回, 已有角色保持不变
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "indexer_users"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	rows := sqlmock.NewRows(userColumns()).AddRow(
		1, "0xwallet", "company", 1234567890000, 1234567890000,
	)
	mock.ExpectQuery(`SELECT \* FROM "indexer_users"`).
		WillReturnRows(rows)

	user, err := repo.GetOrCreate(ctx, "0xwallet", model.UserRoleHunter)

	assert.NoError(t, err)
	assert.Equal(t, model.UserRoleCompany, user.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_EnsureHunterStats(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "indexer_hunter_stats" .+ ON CONFLICT \("wallet_address"\) DO NOTHING`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectCommit()

	err := repo.EnsureHunterStats(ctx, "0xhunter")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetHunterStats_Success(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	rows := sqlmock.NewRows(hunterStatsColumns()).AddRow(
		1, "0xhunter", "47500", 3, 1, 1, 1234567890000, 1234567890000,
	)
	mock.ExpectQuery(`SELECT \* FROM "indexer_hunter_stats" WHERE wallet_address = \$1`).
		WithArgs("0xhunter", 1).
		WillReturnRows(rows)

	stats, err := repo.GetHunterStats(ctx, "0xHunter")

	assert.NoError(t, err)
	assert.True(t, stats.TotalEarned.Equal(decimal.NewFromInt(47500)))
	assert.Equal(t, int64(3), stats.TotalSubmissions)
	assert.Equal(t, int64(1), stats.ValidSubmissions)
	assert.Equal(t, int64(1), stats.PaidSubmissions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_GetHunterStats_NotFound(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "indexer_hunter_stats"`).
		WillReturnRows(sqlmock.NewRows(hunterStatsColumns()))

	stats, err := repo.GetHunterStats(ctx, "0xnobody")

	assert.ErrorIs(t, err, ErrHunterStatsNotFound)
	assert.Nil(t, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_IncrementSubmissions(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_hunter_stats" SET .+total_submissions \+ 1.+ WHERE wallet_address = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.IncrementSubmissions(ctx, "0xhunter")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_IncrementValidSubmissions(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_hunter_stats" SET .+valid_submissions \+ 1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.IncrementValidSubmissions(ctx, "0xhunter")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_AddEarnings(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	// total_earned 与 paid_submissions 同语句原子自增
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_hunter_stats" SET .+paid_submissions \+ 1.+total_earned \+ `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.AddEarnings(ctx, "0xhunter", decimal.NewFromInt(47500))

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepository_AddEarnings_StatsMissing(t *testing.T) {
	db, mock, cleanup := setupMockDB(t)
	defer cleanup()

	repo := NewUserRepository(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "indexer_hunter_stats"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.AddEarnings(ctx, "0xnobody", decimal.NewFromInt(100))

	assert.ErrorIs(t, err, ErrHunterStatsNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
