package repository

import (
	"context"
	"errors"
	"time"

	"genledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrGenerationNotFound = errors.New("生成任务不存在")
	ErrTransitionRejected = errors.New("生成任务已是终态或状态不合法")
)

type GenerationRepository struct {
	db *gorm.DB
}

func NewGenerationRepository(db *gorm.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Create(ctx context.Context, tx *gorm.DB, generation *model.Generation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(generation).Error
}

func (r *GenerationRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Generation, error) {
	if tx == nil {
		tx = r.db
	}
	var generation model.Generation
	err := tx.WithContext(ctx).Where("id = ?", id).First(&generation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}
	return &generation, nil
}

func (r *GenerationRepository) GetByProviderJobID(ctx context.Context, provider, providerJobID string) (*model.Generation, error) {
	var generation model.Generation
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_job_id = ?", provider, providerJobID).
		First(&generation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}
	return &generation, nil
}

// Terminal 终态写入的内容
type Terminal struct {
	Status        string
	ModelURL      string
	ErrorMessage  string
	FailureReason string
	At            time.Time

	// ReleaseCredits 置 credits_used = 0，用于供应商没有受理的提交
	ReleaseCredits bool
}

// Finalize 把任务从非终态推进到终态
//
// 【关键点】WHERE status IN (PENDING, PROCESSING) 让数据库串行化两次竞争的推进：
// 重复回调、回调和巡检同时到达时，只有一方影响1行，其余影响0行并得到 ErrTransitionRejected。
func (r *GenerationRepository) Finalize(ctx context.Context, tx *gorm.DB, id string, t Terminal) error {
	if !model.IsTerminal(t.Status) {
		return ErrTransitionRejected
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status":       t.Status,
		"completed_at": t.At,
	}
	switch t.Status {
	case model.GenerationStatusCompleted:
		updates["model_url"] = t.ModelURL
	case model.GenerationStatusFailed:
		updates["error_message"] = t.ErrorMessage
		updates["failure_reason"] = t.FailureReason
		if t.ReleaseCredits {
			updates["credits_used"] = 0
		}
	}

	result := tx.WithContext(ctx).
		Model(&model.Generation{}).
		Where("id = ? AND status IN ?", id, model.NonTerminalStatuses).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransitionRejected
	}

	return nil
}

// MarkProcessing 供应商受理后 PENDING -> PROCESSING 并记下供应商任务号，
// 任务已不是 PENDING（被巡检判为丢失）时返回 ErrTransitionRejected
func (r *GenerationRepository) MarkProcessing(ctx context.Context, tx *gorm.DB, id, providerJobID string) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Generation{}).
		Where("id = ? AND status = ?", id, model.GenerationStatusPending).
		Updates(map[string]interface{}{
			"status":          model.GenerationStatusProcessing,
			"provider_job_id": providerJobID,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrTransitionRejected
	}

	return nil
}

// ListStale 创建时间早于 before 仍未终态（PENDING 或 PROCESSING）的任务，最老的在前。
// after 不为空时从它之后继续（按 created_at, id 翻页），用于一次巡检遍历所有候选。
func (r *GenerationRepository) ListStale(ctx context.Context, before time.Time, after *model.Generation, limit int) ([]*model.Generation, error) {
	var generations []*model.Generation
	query := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", model.NonTerminalStatuses, before)
	if after != nil {
		query = query.Where("(created_at > ? OR (created_at = ? AND id > ?))", after.CreatedAt, after.CreatedAt, after.ID)
	}
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&generations).Error
	return generations, err
}

func (r *GenerationRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.Generation, int64, error) {
	var generations []*model.Generation
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Generation{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&generations).Error

	return generations, total, err
}

// RefundAnomaly 终态任务与退款流水对不上的记录
type RefundAnomaly struct {
	GenerationID string
	UserID       string
	Status       string
	CreditsUsed  int64
	Debits       int64
	Refunds      int64
}

// RefundAnomalies 找出两类问题：
// FAILED 任务扣过款却没有恰好一笔退款（或退款笔数与扣款笔数不一致）；COMPLETED 任务有退款。
func (r *GenerationRepository) RefundAnomalies(ctx context.Context, limit int) ([]RefundAnomaly, error) {
	var rows []RefundAnomaly
	err := r.db.WithContext(ctx).Raw(`
		SELECT g.id AS generation_id, g.user_id AS user_id, g.status AS status, g.credits_used AS credits_used,
			SUM(CASE WHEN t.type = ? THEN 1 ELSE 0 END) AS debits,
			SUM(CASE WHEN t.type = ? THEN 1 ELSE 0 END) AS refunds
		FROM generation g
		LEFT JOIN credit_transaction t ON t.reference_id = g.id
		WHERE g.status IN (?, ?)
		GROUP BY g.id, g.user_id, g.status, g.credits_used
		HAVING (g.status = ? AND (
				SUM(CASE WHEN t.type = ? THEN 1 ELSE 0 END) <> SUM(CASE WHEN t.type = ? THEN 1 ELSE 0 END)
				OR (g.credits_used > 0 AND SUM(CASE WHEN t.type = ? THEN 1 ELSE 0 END) <> 1)))
			OR (g.status = ? AND SUM(CASE WHEN t.type = ? THEN 1 ELSE 0 END) > 0)
		ORDER BY g.id ASC
		LIMIT ?`,
		model.TransactionTypeGeneration, model.TransactionTypeRefund,
		model.GenerationStatusFailed, model.GenerationStatusCompleted,
		model.GenerationStatusFailed,
		model.TransactionTypeRefund, model.TransactionTypeGeneration,
		model.TransactionTypeRefund,
		model.GenerationStatusCompleted, model.TransactionTypeRefund,
		limit,
	).Scan(&rows).Error
	return rows, err
}
