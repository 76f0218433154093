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
	ErrBountyNotFound = errors.New("bounty not found")
	// ErrInsufficientReward 剩余奖励不足以扣减
	ErrInsufficientReward = errors.New("insufficient remaining reward")
)

// BountyRepository 赏金任务投影仓储接口
type BountyRepository interface {
	GetByBountyID(ctx context.Context, bountyID int64) (*model.Bounty, error)

	// Upsert 按 bounty_id 整行覆盖写入 (快照字段天然幂等)
	Upsert(ctx context.Context, bounty *model.Bounty) error

	// DebitRemainingReward 扣减剩余奖励，剩余不足时返回
	// ErrInsufficientReward
	DebitRemainingReward(ctx context.Context, bountyID int64, amount decimal.Decimal) error

	// TransitionStatus 条件状态转移，仅当当前状态为 from 时生效，
	// 返回是否发生转移
	TransitionStatus(ctx context.Context, bountyID int64, from, to model.BountyStatus) (bool, error)
}

// bountyRepository 赏金任务仓储实现
type bountyRepository struct {
	*Repository
}

// NewBountyRepository 创建赏金任务仓储
func NewBountyRepository(db *gorm.DB) BountyRepository {
	return &bountyRepository{
		Repository: NewRepository(db),
	}
}

func (r *bountyRepository) GetByBountyID(ctx context.Context, bountyID int64) (*model.Bounty, error) {
	var bounty model.Bounty
	err := r.DB(ctx).Where("bounty_id = ?", bountyID).First(&bounty).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBountyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bounty, nil
}

func (r *bountyRepository) Upsert(ctx context.Context, bounty *model.Bounty) error {
	now := time.Now().UnixMilli()
	bounty.UpdatedAt = now
	if bounty.CreatedAt == 0 {
		bounty.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bounty_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"company_address", "token_address", "total_reward", "remaining_reward",
			"lock_amount", "deadline", "active", "block_number", "tx_hash", "updated_at",
		}),
	}).Create(bounty).Error
}

func (r *bountyRepository) DebitRemainingReward(ctx context.Context, bountyID int64, amount decimal.Decimal) error {
	result := r.DB(ctx).Model(&model.Bounty{}).
		Where("bounty_id = ? AND remaining_reward >= ?", bountyID, amount).
		Updates(map[string]interface{}{
			"remaining_reward": gorm.Expr("remaining_reward - ?", amount),
			"updated_at":       time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByBountyID(ctx, bountyID); err != nil {
			return err
		}
		return ErrInsufficientReward
	}
	return nil
}

func (r *bountyRepository) TransitionStatus(ctx context.Context, bountyID int64, from, to model.BountyStatus) (bool, error) {
	result := r.DB(ctx).Model(&model.Bounty{}).
		Where("bounty_id = ? AND status = ?", bountyID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"active":     !to.IsTerminal(),
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
