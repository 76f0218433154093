package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bountylab/bounty-indexer/internal/model"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrHunterStatsNotFound = errors.New("hunter stats not found")
)

// UserRepository 用户与猎人统计仓储接口
//
// 统计行的所有变更都是原子 SQL 自增。是否自增由调用方的
// 转移守卫决定 (如提交行新建、is_paid false→true)，保证
// 重复投递不产生重复计数。
type UserRepository interface {
	// GetOrCreate 惰性创建用户。已存在时不覆盖角色。
	GetOrCreate(ctx context.Context, walletAddress string, role model.UserRole) (*model.User, error)

	// EnsureHunterStats 确保统计行存在 (幂等)
	EnsureHunterStats(ctx context.Context, walletAddress string) error

	GetHunterStats(ctx context.Context, walletAddress string) (*model.HunterStats, error)

	// IncrementSubmissions total_submissions + 1
	IncrementSubmissions(ctx context.Context, walletAddress string) error

	// IncrementValidSubmissions valid_submissions + 1
	IncrementValidSubmissions(ctx context.Context, walletAddress string) error

	// AddEarnings total_earned + amount, paid_submissions + 1
	AddEarnings(ctx context.Context, walletAddress string, amount decimal.Decimal) error
}

// userRepository 用户仓储实现
type userRepository struct {
	*Repository
}

// NewUserRepository 创建用户仓储
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{
		Repository: NewRepository(db),
	}
}

func (r *userRepository) GetOrCreate(ctx context.Context, walletAddress string, role model.UserRole) (*model.User, error) {
	walletAddress = model.NormalizeAddress(walletAddress)
	now := time.Now().UnixMilli()

	user := &model.User{
		WalletAddress: walletAddress,
		Role:          role,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// 已存在时什么都不做: 首次引用的角色保持不变
	err := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(user).Error
	if err != nil {
		return nil, err
	}

	var existing model.User
	if err := r.DB(ctx).Where("wallet_address = ?", walletAddress).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &existing, nil
}

func (r *userRepository) EnsureHunterStats(ctx context.Context, walletAddress string) error {
	now := time.Now().UnixMilli()
	stats := &model.HunterStats{
		WalletAddress: model.NormalizeAddress(walletAddress),
		TotalEarned:   decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(stats).Error
}

func (r *userRepository) GetHunterStats(ctx context.Context, walletAddress string) (*model.HunterStats, error) {
	var stats model.HunterStats
	err := r.DB(ctx).
		Where("wallet_address = ?", model.NormalizeAddress(walletAddress)).
		First(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHunterStatsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (r *userRepository) IncrementSubmissions(ctx context.Context, walletAddress string) error {
	return r.incrementStats(ctx, walletAddress, map[string]interface{}{
		"total_submissions": gorm.Expr("total_submissions + 1"),
		"updated_at":        time.Now().UnixMilli(),
	})
}

func (r *userRepository) IncrementValidSubmissions(ctx context.Context, walletAddress string) error {
	return r.incrementStats(ctx, walletAddress, map[string]interface{}{
		"valid_submissions": gorm.Expr("valid_submissions + 1"),
		"updated_at":        time.Now().UnixMilli(),
	})
}

func (r *userRepository) AddEarnings(ctx context.Context, walletAddress string, amount decimal.Decimal) error {
	return r.incrementStats(ctx, walletAddress, map[string]interface{}{
		"total_earned":     gorm.Expr("total_earned + ?", amount),
		"paid_submissions": gorm.Expr("paid_submissions + 1"),
		"updated_at":       time.Now().UnixMilli(),
	})
}

func (r *userRepository) incrementStats(ctx context.Context, walletAddress string, updates map[string]interface{}) error {
	result := r.DB(ctx).Model(&model.HunterStats{}).
		Where("wallet_address = ?", model.NormalizeAddress(walletAddress)).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrHunterStatsNotFound
	}
	return nil
}
