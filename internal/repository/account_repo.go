package repository

import (
	"context"
	"errors"

	"genledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// CreateIfAbsent 创建账户，已存在时什么也不做；返回是否真的插入了新行
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, account *model.Account) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *AccountRepository) GetByUserID(ctx context.Context, tx *gorm.DB, userID string) (*model.Account, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.Account
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 扣减余额（乐观锁）
//
// 条件更新同时检查 version 和余额，读到的版本在此期间被别人改过就影响0行。
// 这里不再回读判断原因：调用方会重新读取余额再决定是重试还是余额不足，
// 回读必须走同一个事务，否则单连接的数据库会在这里死锁。
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID string, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND version = ? AND balance >= ?", userID, version, amount).
		Updates(map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_spent": gorm.Expr("total_spent + ?", amount),
			"version":     gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}

	return nil
}

// Increase 增加余额，入账不需要条件，只要账户存在就成功
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, userID string, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":      gorm.Expr("balance + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
			"version":      gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// ListAll 分批遍历所有账户，fn 返回错误时停止
func (r *AccountRepository) ListAll(ctx context.Context, batchSize int, fn func([]*model.Account) error) error {
	var batch []*model.Account
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		})
	return result.Error
}

// UsersWithoutAccount 有流水或生成任务，却没有账户行的用户
func (r *AccountRepository) UsersWithoutAccount(ctx context.Context) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).Raw(`
		SELECT t.user_id FROM credit_transaction t
		LEFT JOIN account_balance a ON a.user_id = t.user_id
		WHERE a.id IS NULL
		UNION
		SELECT g.user_id FROM generation g
		LEFT JOIN account_balance a ON a.user_id = g.user_id
		WHERE a.id IS NULL`).
		Scan(&users).Error
	return users, err
}
