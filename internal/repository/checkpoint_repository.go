package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/bountylab/bounty-indexer/internal/model"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrCheckpointRegression 检查点回退
	//
	// Advance 只允许不减。正常代码路径不应触发该错误，
	// 出现即视为结构性错误，引擎停止推进。
	ErrCheckpointRegression = errors.New("checkpoint regression")
)

// CheckpointRepository 区块检查点仓储接口
type CheckpointRepository interface {
	Get(ctx context.Context, chainID int64, contractAddress string) (*model.BlockCheckpoint, error)

	// Advance 推进检查点。newBlock 小于当前值时返回
	// ErrCheckpointRegression；无记录时创建。
	// 必须在与投影写入相同的事务内调用。
	Advance(ctx context.Context, chainID int64, contractAddress string, newBlock int64, blockHash string) error

	// Rewind 回退检查点，仅用于重组恢复，只允许减少
	Rewind(ctx context.Context, chainID int64, contractAddress string, newBlock int64, blockHash string) error
}

// checkpointRepository 区块检查点仓储实现
type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建区块检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{
		Repository: NewRepository(db),
	}
}

func (r *checkpointRepository) Get(ctx context.Context, chainID int64, contractAddress string) (*model.BlockCheckpoint, error) {
	var checkpoint model.BlockCheckpoint
	err := r.DB(ctx).
		Where("chain_id = ? AND contract_address = ?", chainID, model.NormalizeAddress(contractAddress)).
		First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Advance(ctx context.Context, chainID int64, contractAddress string, newBlock int64, blockHash string) error {
	contractAddress = model.NormalizeAddress(contractAddress)
	now := time.Now().UnixMilli()

	result := r.DB(ctx).Model(&model.BlockCheckpoint{}).
		Where("chain_id = ? AND contract_address = ? AND block_number <= ?", chainID, contractAddress, newBlock).
		Updates(map[string]interface{}{
			"block_number": newBlock,
			"block_hash":   blockHash,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	// 无行更新: 要么记录不存在 (首次推进)，要么新值小于当前值
	_, err := r.Get(ctx, chainID, contractAddress)
	if errors.Is(err, ErrCheckpointNotFound) {
		checkpoint := &model.BlockCheckpoint{
			ChainID:         chainID,
			ContractAddress: contractAddress,
			BlockNumber:     newBlock,
			BlockHash:       blockHash,
			ProcessedAt:     now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return r.DB(ctx).Create(checkpoint).Error
	}
	if err != nil {
		return err
	}
	return ErrCheckpointRegression
}

func (r *checkpointRepository) Rewind(ctx context.Context, chainID int64, contractAddress string, newBlock int64, blockHash string) error {
	contractAddress = model.NormalizeAddress(contractAddress)
	now := time.Now().UnixMilli()

	result := r.DB(ctx).Model(&model.BlockCheckpoint{}).
		Where("chain_id = ? AND contract_address = ? AND block_number >= ?", chainID, contractAddress, newBlock).
		Updates(map[string]interface{}{
			"block_number": newBlock,
			"block_hash":   blockHash,
			"processed_at": now,
			"updated_at":   now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	_, err := r.Get(ctx, chainID, contractAddress)
	if errors.Is(err, ErrCheckpointNotFound) {
		return ErrCheckpointNotFound
	}
	if err != nil {
		return err
	}
	// 记录存在但新值大于当前值: Rewind 只允许减少
	return ErrCheckpointRegression
}
