package model

import "github.com/shopspring/decimal"

// BountyStatus 赏金任务状态
type BountyStatus int8

const (
	BountyStatusActive    BountyStatus = 0 // 进行中
	BountyStatusCompleted BountyStatus = 1 // 已完成
	BountyStatusCancelled BountyStatus = 2 // 已取消
)

func (s BountyStatus) String() string {
	switch s {
	case BountyStatusActive:
		return "ACTIVE"
	case BountyStatusCompleted:
		return "COMPLETED"
	case BountyStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 是否为终态
func (s BountyStatus) IsTerminal() bool {
	return s == BountyStatusCompleted || s == BountyStatusCancelled
}

// CanTransitionTo 状态只能向前流转，终态不可离开
func (s BountyStatus) CanTransitionTo(next BountyStatus) bool {
	return s == BountyStatusActive && next.IsTerminal()
}

// Bounty 赏金任务投影
//
// 由 BountyCreated 创建，之后只有状态和剩余奖励可变。
// 快照字段来自事件 payload 中的合约当前状态，整行覆盖写入。
type Bounty struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	BountyID        int64           `gorm:"column:bounty_id;type:bigint;uniqueIndex;not null" json:"bounty_id"`
	CompanyAddress  string          `gorm:"column:company_address;type:varchar(42);index;not null" json:"company_address"`
	TokenAddress    string          `gorm:"column:token_address;type:varchar(42);not null" json:"token_address"`
	TotalReward     decimal.Decimal `gorm:"column:total_reward;type:decimal(36,18);not null" json:"total_reward"`
	RemainingReward decimal.Decimal `gorm:"column:remaining_reward;type:decimal(36,18);not null" json:"remaining_reward"`
	LockAmount      decimal.Decimal `gorm:"column:lock_amount;type:decimal(36,18);not null" json:"lock_amount"`
	Deadline        int64           `gorm:"column:deadline;type:bigint;not null" json:"deadline"`
	Active          bool            `gorm:"column:active;type:boolean;index;not null;default:true" json:"active"`
	Status          BountyStatus    `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	ChainID         int64           `gorm:"column:chain_id;type:int;not null" json:"chain_id"`
	BlockNumber     int64           `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	TxHash          string          `gorm:"column:tx_hash;type:varchar(66);not null" json:"tx_hash"`
	CreatedAt       int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Bounty) TableName() string {
	return "indexer_bounties"
}
