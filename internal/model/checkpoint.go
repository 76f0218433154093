package model

import "fmt"

// BlockCheckpoint 区块检查点
//
// 每个 (chain_id, contract_address) 一行，记录该合约日志
// 最后一个已安全投影的区块高度。只有对账引擎写入。
type BlockCheckpoint struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID         int64  `gorm:"column:chain_id;type:int;uniqueIndex:idx_checkpoint_source;not null" json:"chain_id"`
	ContractAddress string `gorm:"column:contract_address;type:varchar(42);uniqueIndex:idx_checkpoint_source;not null" json:"contract_address"`
	BlockNumber     int64  `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	BlockHash       string `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	ProcessedAt     int64  `gorm:"column:processed_at;type:bigint;not null" json:"processed_at"`
	CreatedAt       int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BlockCheckpoint) TableName() string {
	return "indexer_block_checkpoints"
}

// SourceKey 返回检查点的来源键
func (c *BlockCheckpoint) SourceKey() string {
	return SourceKey(c.ChainID, c.ContractAddress)
}

// SourceKey 构造 (chain_id, contract_address) 来源键
func SourceKey(chainID int64, contractAddress string) string {
	return fmt.Sprintf("%d:%s", chainID, contractAddress)
}
