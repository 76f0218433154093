package model

import "github.com/shopspring/decimal"

// Severity 漏洞严重程度
type Severity int8

const (
	SeverityNone   Severity = 0
	SeverityLow    Severity = 1
	SeverityMedium Severity = 2
	SeverityHigh   Severity = 3
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// SubmissionStatus 提交状态
type SubmissionStatus int8

const (
	SubmissionStatusPending SubmissionStatus = 0 // 待审核
	SubmissionStatusValid   SubmissionStatus = 1 // 有效
	SubmissionStatusInvalid SubmissionStatus = 2 // 无效
)

func (s SubmissionStatus) String() string {
	switch s {
	case SubmissionStatusPending:
		return "PENDING"
	case SubmissionStatusValid:
		return "VALID"
	case SubmissionStatusInvalid:
		return "INVALID"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo 状态只能从 Pending 向前流转
func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	return s == SubmissionStatusPending &&
		(next == SubmissionStatusValid || next == SubmissionStatusInvalid)
}

// Submission 漏洞提交投影
//
// 由 SubmissionCreated 创建；SubmissionValidated 推进状态；
// RewardPaid 置 is_paid，之后整行终态不再变更。
type Submission struct {
	ID            int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SubmissionID  int64            `gorm:"column:submission_id;type:bigint;uniqueIndex;not null" json:"submission_id"`
	BountyID      int64            `gorm:"column:bounty_id;type:bigint;index;not null" json:"bounty_id"`
	HunterAddress string           `gorm:"column:hunter_address;type:varchar(42);index;not null" json:"hunter_address"`
	Severity      Severity         `gorm:"column:severity;type:smallint;not null;default:0" json:"severity"`
	Status        SubmissionStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	RewardAmount  decimal.Decimal  `gorm:"column:reward_amount;type:decimal(36,18);not null;default:0" json:"reward_amount"`
	IsPaid        bool             `gorm:"column:is_paid;type:boolean;index;not null;default:false" json:"is_paid"`
	PaidAt        int64            `gorm:"column:paid_at;type:bigint" json:"paid_at"`
	ChainID       int64            `gorm:"column:chain_id;type:int;not null" json:"chain_id"`
	BlockNumber   int64            `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	TxHash        string           `gorm:"column:tx_hash;type:varchar(66);not null" json:"tx_hash"`
	LogIndex      int              `gorm:"column:log_index;type:int;not null" json:"log_index"`
	CreatedAt     int64            `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64            `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Submission) TableName() string {
	return "indexer_submissions"
}
