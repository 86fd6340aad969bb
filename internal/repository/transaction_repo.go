package repository

import (
	"context"

	"genledger/internal/model"

	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.Transaction, int64, error) {
	var transactions []*model.Transaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// ListByReference 某个生成任务或外部事件关联的全部流水，按写入顺序
func (r *TransactionRepository) ListByReference(ctx context.Context, referenceID string) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("id ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) CountByUserID(ctx context.Context, tx *gorm.DB, userID string) (int64, error) {
	if tx == nil {
		tx = r.db
	}
	var n int64
	err := tx.WithContext(ctx).Model(&model.Transaction{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// ============================================================================
// 对账查询
// ============================================================================

// UserLedgerSummary 按用户汇总的流水
type UserLedgerSummary struct {
	UserID           string
	Total            int64 // SUM(amount)
	Count            int64
	LastBalanceAfter int64 // 最后一笔流水记录的余额快照
}

// SummaryByUser 每个用户的流水合计以及最后一笔流水的 balance_after
func (r *TransactionRepository) SummaryByUser(ctx context.Context) ([]UserLedgerSummary, error) {
	var rows []UserLedgerSummary
	err := r.db.WithContext(ctx).Raw(`
		SELECT s.user_id AS user_id, s.total AS total, s.cnt AS count, t.balance_after AS last_balance_after
		FROM (
			SELECT user_id, SUM(amount) AS total, COUNT(*) AS cnt, MAX(id) AS last_id
			FROM credit_transaction
			GROUP BY user_id
		) s
		JOIN credit_transaction t ON t.id = s.last_id`).
		Scan(&rows).Error
	return rows, err
}

// TypeTotal 某种类型流水的合计
type TypeTotal struct {
	Total int64
	Count int64
	Users int64
}

func (r *TransactionRepository) TotalByType(ctx context.Context, txType string) (*TypeTotal, error) {
	var out TypeTotal
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count, COUNT(DISTINCT user_id) AS users").
		Where("type = ?", txType).
		Scan(&out).Error
	return &out, err
}

// OrphanedDebits GENERATION 扣款找不到对应的生成任务
func (r *TransactionRepository) OrphanedDebits(ctx context.Context, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Table("credit_transaction AS t").
		Select("t.*").
		Joins("LEFT JOIN generation AS g ON g.id = t.reference_id").
		Where("t.type = ? AND g.id IS NULL", model.TransactionTypeGeneration).
		Order("t.id ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}
