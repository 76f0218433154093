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
	ErrSubmissionNotFound = errors.New("submission not found")
)

// SubmissionRepository 漏洞提交投影仓储接口
type SubmissionRepository interface {
	GetBySubmissionID(ctx context.Context, submissionID int64) (*model.Submission, error)

	// Insert 按 submission_id 幂等插入，返回行是否为新建。
	// 重复投递时返回 false，调用方据此跳过统计自增。
	Insert(ctx context.Context, submission *model.Submission) (bool, error)

	// Validate 写入审核结果。状态只在当前为 Pending 时转移
	// (返回是否转移)；严重程度无条件覆盖 (幂等)。
	Validate(ctx context.Context, submissionID int64, severity model.Severity, status model.SubmissionStatus) (bool, error)

	// MarkPaid 置支付标记，仅在 is_paid 为 false 时生效，
	// 返回是否发生 false→true 转移
	MarkPaid(ctx context.Context, submissionID int64, amount decimal.Decimal, paidAt int64) (bool, error)
}

// submissionRepository 漏洞提交仓储实现
type submissionRepository struct {
	*Repository
}

// NewSubmissionRepository 创建漏洞提交仓储
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{
		Repository: NewRepository(db),
	}
}

func (r *submissionRepository) GetBySubmissionID(ctx context.Context, submissionID int64) (*model.Submission, error) {
	var submission model.Submission
	err := r.DB(ctx).Where("submission_id = ?", submissionID).First(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &submission, nil
}

func (r *submissionRepository) Insert(ctx context.Context, submission *model.Submission) (bool, error) {
	now := time.Now().UnixMilli()
	submission.CreatedAt = now
	submission.UpdatedAt = now

	result := r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "submission_id"}},
		DoNothing: true,
	}).Create(submission)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *submissionRepository) Validate(ctx context.Context, submissionID int64, severity model.Severity, status model.SubmissionStatus) (bool, error) {
	now := time.Now().UnixMilli()

	// 状态转移: 仅 Pending 可离开
	result := r.DB(ctx).Model(&model.Submission{}).
		Where("submission_id = ? AND status = ?", submissionID, model.SubmissionStatusPending).
		Updates(map[string]interface{}{
			"severity":   severity,
			"status":     status,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 重复投递: 状态已离开 Pending，严重程度仍然覆盖写入
	result = r.DB(ctx).Model(&model.Submission{}).
		Where("submission_id = ?", submissionID).
		Updates(map[string]interface{}{
			"severity":   severity,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, ErrSubmissionNotFound
	}
	return false, nil
}

func (r *submissionRepository) MarkPaid(ctx context.Context, submissionID int64, amount decimal.Decimal, paidAt int64) (bool, error) {
	result := r.DB(ctx).Model(&model.Submission{}).
		Where("submission_id = ? AND is_paid = ?", submissionID, false).
		Updates(map[string]interface{}{
			"is_paid":       true,
			"reward_amount": amount,
			"paid_at":       paidAt,
			"updated_at":    time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	if _, err := r.GetBySubmissionID(ctx, submissionID); err != nil {
		return false, err
	}
	// 已支付，重复投递为空操作
	return false, nil
}
