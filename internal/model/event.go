package model

import "github.com/shopspring/decimal"

// EventType 链上事件类型
type EventType string

const (
	EventTypeBountyCreated       EventType = "BountyCreated"
	EventTypeSubmissionCreated   EventType = "SubmissionCreated"
	EventTypeSubmissionValidated EventType = "SubmissionValidated"
	EventTypeRewardPaid          EventType = "RewardPaid"
	EventTypeBountyCompleted     EventType = "BountyCompleted"
	EventTypeBountyCancelled     EventType = "BountyCancelled"
)

// Event 解码后的链上事件
//
// 在事件源边界完成一次性解码，投影函数只接触强类型 payload。
// 排序键为 (BlockNumber, LogIndex)，在单个合约日志内严格递增。
type Event struct {
	ChainID         int64        `json:"chain_id"`
	ContractAddress string       `json:"contract_address"`
	EventType       EventType    `json:"event_type"`
	BlockNumber     uint64       `json:"block_number"`
	BlockHash       string       `json:"block_hash"`
	TxHash          string       `json:"tx_hash"`
	LogIndex        uint         `json:"log_index"`
	Payload         EventPayload `json:"payload"`
}

// Before 按 (BlockNumber, LogIndex) 比较事件顺序
func (e *Event) Before(other *Event) bool {
	if e.BlockNumber != other.BlockNumber {
		return e.BlockNumber < other.BlockNumber
	}
	return e.LogIndex < other.LogIndex
}

// EventPayload 事件负载 (六种事件类型的 tagged union)
type EventPayload interface {
	eventPayload()
}

// BountyCreatedPayload 赏金任务创建
//
// 携带投影时刻的合约状态全量快照，投影为整行覆盖写入，
// 天然幂等。
type BountyCreatedPayload struct {
	BountyID        int64           `json:"bounty_id"`
	CompanyAddress  string          `json:"company_address"`
	TokenAddress    string          `json:"token_address"`
	TotalReward     decimal.Decimal `json:"total_reward"`
	RemainingReward decimal.Decimal `json:"remaining_reward"`
	LockAmount      decimal.Decimal `json:"lock_amount"`
	Deadline        int64           `json:"deadline"`
	Active          bool            `json:"active"`
}

// SubmissionCreatedPayload 漏洞提交创建
type SubmissionCreatedPayload struct {
	SubmissionID  int64  `json:"submission_id"`
	BountyID      int64  `json:"bounty_id"`
	HunterAddress string `json:"hunter_address"`
}

// SubmissionValidatedPayload 提交审核结果
type SubmissionValidatedPayload struct {
	SubmissionID int64           `json:"submission_id"`
	Severity     Severity        `json:"severity"`
	IsValid      bool            `json:"is_valid"`
	RewardDebit  decimal.Decimal `json:"reward_debit"`
}

// RewardPaidPayload 奖励支付
type RewardPaidPayload struct {
	SubmissionID  int64           `json:"submission_id"`
	HunterAddress string          `json:"hunter_address"`
	Amount        decimal.Decimal `json:"amount"`
}

// BountyCompletedPayload 赏金任务完成
type BountyCompletedPayload struct {
	BountyID int64 `json:"bounty_id"`
}

// BountyCancelledPayload 赏金任务取消
type BountyCancelledPayload struct {
	BountyID int64 `json:"bounty_id"`
}

func (BountyCreatedPayload) eventPayload()       {}
func (SubmissionCreatedPayload) eventPayload()   {}
func (SubmissionValidatedPayload) eventPayload() {}
func (RewardPaidPayload) eventPayload()          {}
func (BountyCompletedPayload) eventPayload()     {}
func (BountyCancelledPayload) eventPayload()     {}

// BlockHeader 区块头 (用于重组检测)
type BlockHeader struct {
	Number     uint64 `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}
