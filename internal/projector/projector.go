package projector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bountylab/bounty-indexer/internal/model"
	"github.com/bountylab/bounty-indexer/internal/repository"
	"github.com/bountylab/bounty-indexer/pkg/logger"
)

// StructuralError 结构性错误
//
// 表示事件因果关系被破坏 (如提交引用不存在的赏金任务)，
// 说明事件乱序或回填窗口错误。该类错误不可重试，
// 必须停机人工介入，跳过会导致投影永久失真。
type StructuralError struct {
	EventType   model.EventType
	BlockNumber uint64
	TxHash      string
	Reason      string
	Err         error
}

func (e *StructuralError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("structural error at block %d (%s, tx %s): %s: %v",
			e.BlockNumber, e.EventType, e.TxHash, e.Reason, e.Err)
	}
	return fmt.Sprintf("structural error at block %d (%s, tx %s): %s",
		e.BlockNumber, e.EventType, e.TxHash, e.Reason)
}

func (e *StructuralError) Unwrap() error {
	return e.Err
}

// IsStructural 判断是否为结构性错误
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// Projector 事件投影器
//
// 每种事件类型一个投影函数，全部满足幂等性:
// 快照字段整行覆盖，计数只做带守卫的原子自增，
// 状态只做条件转移。重复投递任何前缀都收敛到同一结果。
type Projector struct {
	bountyRepo     repository.BountyRepository
	submissionRepo repository.SubmissionRepository
	userRepo       repository.UserRepository
}

// NewProjector 创建投影器
func NewProjector(
	bountyRepo repository.BountyRepository,
	submissionRepo repository.SubmissionRepository,
	userRepo repository.UserRepository,
) *Projector {
	return &Projector{
		bountyRepo:     bountyRepo,
		submissionRepo: submissionRepo,
		userRepo:       userRepo,
	}
}

// Apply 应用单个事件到投影。调用方负责事务边界:
// 同一批次的所有 Apply 与检查点推进共享一个事务。
func (p *Projector) Apply(ctx context.Context, event *model.Event) error {
	switch payload := event.Payload.(type) {
	case model.BountyCreatedPayload:
		return p.applyBountyCreated(ctx, event, payload)
	case model.SubmissionCreatedPayload:
		return p.applySubmissionCreated(ctx, event, payload)
	case model.SubmissionValidatedPayload:
		return p.applySubmissionValidated(ctx, event, payload)
	case model.RewardPaidPayload:
		return p.applyRewardPaid(ctx, event, payload)
	case model.BountyCompletedPayload:
		return p.applyBountyTerminal(ctx, event, payload.BountyID, model.BountyStatusCompleted)
	case model.BountyCancelledPayload:
		return p.applyBountyTerminal(ctx, event, payload.BountyID, model.BountyStatusCancelled)
	default:
		return &StructuralError{
			EventType:   event.EventType,
			BlockNumber: event.BlockNumber,
			TxHash:      event.TxHash,
			Reason:      "unknown event payload type",
		}
	}
}

// applyBountyCreated 投影赏金任务创建
//
// payload 携带合约当前状态全量快照，整行覆盖写入。
// status 列不在覆盖集合内，重放不会回退后续状态转移。
func (p *Projector) applyBountyCreated(ctx context.Context, event *model.Event, payload model.BountyCreatedPayload) error {
	if _, err := p.userRepo.GetOrCreate(ctx, payload.CompanyAddress, model.UserRoleCompany); err != nil {
		return fmt.Errorf("get or create company user failed: %w", err)
	}

	bounty := &model.Bounty{
		BountyID:        payload.BountyID,
		CompanyAddress:  model.NormalizeAddress(payload.CompanyAddress),
		TokenAddress:    model.NormalizeAddress(payload.TokenAddress),
		TotalReward:     payload.TotalReward,
		RemainingReward: payload.RemainingReward,
		LockAmount:      payload.LockAmount,
		Deadline:        payload.Deadline,
		Active:          payload.Active,
		Status:          model.BountyStatusActive,
		ChainID:         event.ChainID,
		BlockNumber:     int64(event.BlockNumber),
		TxHash:          event.TxHash,
	}
	if err := p.bountyRepo.Upsert(ctx, bounty); err != nil {
		return fmt.Errorf("upsert bounty %d failed: %w", payload.BountyID, err)
	}

	logger.Debug("projected bounty created",
		zap.Int64("bounty_id", payload.BountyID),
		zap.Uint64("block_number", event.BlockNumber))
	return nil
}

// applySubmissionCreated 投影漏洞提交创建
//
// 引用的赏金任务必须已存在，否则视为因果违例。
// 统计自增绑定到行新建，重复投递不会重复计数。
func (p *Projector) applySubmissionCreated(ctx context.Context, event *model.Event, payload model.SubmissionCreatedPayload) error {
	if _, err := p.bountyRepo.GetByBountyID(ctx, payload.BountyID); err != nil {
		if errors.Is(err, repository.ErrBountyNotFound) {
			return &StructuralError{
				EventType:   event.EventType,
				BlockNumber: event.BlockNumber,
				TxHash:      event.TxHash,
				Reason:      fmt.Sprintf("submission %d references unknown bounty %d", payload.SubmissionID, payload.BountyID),
				Err:         err,
			}
		}
		return fmt.Errorf("load bounty %d failed: %w", payload.BountyID, err)
	}

	if _, err := p.userRepo.GetOrCreate(ctx, payload.HunterAddress, model.UserRoleHunter); err != nil {
		return fmt.Errorf("get or create hunter user failed: %w", err)
	}
	if err := p.userRepo.EnsureHunterStats(ctx, payload.HunterAddress); err != nil {
		return fmt.Errorf("ensure hunter stats failed: %w", err)
	}

	submission := &model.Submission{
		SubmissionID:  payload.SubmissionID,
		BountyID:      payload.BountyID,
		HunterAddress: model.NormalizeAddress(payload.HunterAddress),
		Status:        model.SubmissionStatusPending,
		ChainID:       event.ChainID,
		BlockNumber:   int64(event.BlockNumber),
		TxHash:        event.TxHash,
		LogIndex:      int(event.LogIndex),
	}
	created, err := p.submissionRepo.Insert(ctx, submission)
	if err != nil {
		return fmt.Errorf("insert submission %d failed: %w", payload.SubmissionID, err)
	}
	if created {
		if err := p.userRepo.IncrementSubmissions(ctx, payload.HunterAddress); err != nil {
			return fmt.Errorf("increment total submissions failed: %w", err)
		}
	}

	logger.Debug("projected submission created",
		zap.Int64("submission_id", payload.SubmissionID),
		zap.Int64("bounty_id", payload.BountyID),
		zap.Bool("created", created))
	return nil
}

// applySubmissionValidated 投影审核结果
//
// 状态转移只在当前为 Pending 时命中；严重程度无条件覆盖。
// 有效提交的奖励扣减和统计自增绑定到同一次转移命中。
func (p *Projector) applySubmissionValidated(ctx context.Context, event *model.Event, payload model.SubmissionValidatedPayload) error {
	submission, err := p.submissionRepo.GetBySubmissionID(ctx, payload.SubmissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return &StructuralError{
				EventType:   event.EventType,
				BlockNumber: event.BlockNumber,
				TxHash:      event.TxHash,
				Reason:      fmt.Sprintf("validation references unknown submission %d", payload.SubmissionID),
				Err:         err,
			}
		}
		return fmt.Errorf("load submission %d failed: %w", payload.SubmissionID, err)
	}

	status := model.SubmissionStatusInvalid
	if payload.IsValid {
		status = model.SubmissionStatusValid
	}

	transitioned, err := p.submissionRepo.Validate(ctx, payload.SubmissionID, payload.Severity, status)
	if err != nil {
		return fmt.Errorf("validate submission %d failed: %w", payload.SubmissionID, err)
	}
	if !transitioned {
		// 重复投递: 状态已离开 Pending，严重程度已覆盖
		return nil
	}

	if payload.IsValid {
		if err := p.userRepo.IncrementValidSubmissions(ctx, submission.HunterAddress); err != nil {
			return fmt.Errorf("increment valid submissions failed: %w", err)
		}
		if payload.RewardDebit.IsPositive() {
			if err := p.bountyRepo.DebitRemainingReward(ctx, submission.BountyID, payload.RewardDebit); err != nil {
				if errors.Is(err, repository.ErrInsufficientReward) || errors.Is(err, repository.ErrBountyNotFound) {
					return &StructuralError{
						EventType:   event.EventType,
						BlockNumber: event.BlockNumber,
						TxHash:      event.TxHash,
						Reason:      fmt.Sprintf("reward debit %s on bounty %d rejected", payload.RewardDebit, submission.BountyID),
						Err:         err,
					}
				}
				return fmt.Errorf("debit bounty %d failed: %w", submission.BountyID, err)
			}
		}
	}

	logger.Debug("projected submission validated",
		zap.Int64("submission_id", payload.SubmissionID),
		zap.String("severity", payload.Severity.String()),
		zap.String("status", status.String()))
	return nil
}

// applyRewardPaid 投影奖励支付
//
// is_paid false→true 守卫命中时才累加猎人收入与支付计数，
// 重复投递为空操作。
func (p *Projector) applyRewardPaid(ctx context.Context, event *model.Event, payload model.RewardPaidPayload) error {
	paid, err := p.submissionRepo.MarkPaid(ctx, payload.SubmissionID, payload.Amount, time.Now().UnixMilli())
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return &StructuralError{
				EventType:   event.EventType,
				BlockNumber: event.BlockNumber,
				TxHash:      event.TxHash,
				Reason:      fmt.Sprintf("payment references unknown submission %d", payload.SubmissionID),
				Err:         err,
			}
		}
		return fmt.Errorf("mark submission %d paid failed: %w", payload.SubmissionID, err)
	}
	if !paid {
		return nil
	}

	if err := p.userRepo.EnsureHunterStats(ctx, payload.HunterAddress); err != nil {
		return fmt.Errorf("ensure hunter stats failed: %w", err)
	}
	if err := p.userRepo.AddEarnings(ctx, payload.HunterAddress, payload.Amount); err != nil {
		return fmt.Errorf("add hunter earnings failed: %w", err)
	}

	logger.Debug("projected reward paid",
		zap.Int64("submission_id", payload.SubmissionID),
		zap.String("amount", payload.Amount.String()))
	return nil
}

// applyBountyTerminal 投影赏金任务终态 (完成/取消)
//
// 只允许 Active 向终态转移。已处于同一终态为重放空操作，
// 处于另一终态则是冲突的状态转移，视为结构性错误。
func (p *Projector) applyBountyTerminal(ctx context.Context, event *model.Event, bountyID int64, to model.BountyStatus) error {
	transitioned, err := p.bountyRepo.TransitionStatus(ctx, bountyID, model.BountyStatusActive, to)
	if err != nil {
		return fmt.Errorf("transition bounty %d to %s failed: %w", bountyID, to, err)
	}
	if transitioned {
		logger.Debug("projected bounty terminal status",
			zap.Int64("bounty_id", bountyID),
			zap.String("status", to.String()))
		return nil
	}

	bounty, err := p.bountyRepo.GetByBountyID(ctx, bountyID)
	if err != nil {
		if errors.Is(err, repository.ErrBountyNotFound) {
			return &StructuralError{
				EventType:   event.EventType,
				BlockNumber: event.BlockNumber,
				TxHash:      event.TxHash,
				Reason:      fmt.Sprintf("terminal transition references unknown bounty %d", bountyID),
				Err:         err,
			}
		}
		return fmt.Errorf("load bounty %d failed: %w", bountyID, err)
	}
	if bounty.Status == to {
		// 重复投递
		return nil
	}
	return &StructuralError{
		EventType:   event.EventType,
		BlockNumber: event.BlockNumber,
		TxHash:      event.TxHash,
		Reason:      fmt.Sprintf("bounty %d cannot move from %s to %s", bountyID, bounty.Status, to),
	}
}
