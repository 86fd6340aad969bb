package service

import (
	"context"
	"errors"
	"fmt"

	"genledger/internal/config"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/repository"
	"genledger/pkg/idgen"
	"genledger/pkg/retry"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// LedgerService 积分账本，账户余额的唯一写入方
//
// 扣款：读余额 -> 余额不足直接返回 -> 事务内按读到的 version 条件更新 + 追加流水，
// 条件更新影响0行说明被并发修改，整个过程带着新读到的余额重试。
// 入账：无条件 balance = balance + ?，在同一个事务里回读余额写入流水快照。
type LedgerService struct {
	db              *gorm.DB
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	policy          retry.Policy
	welcomeGrant    int64
	log             zerolog.Logger
}

func NewLedgerService(db *gorm.DB, cfg config.LedgerConfig, log zerolog.Logger) *LedgerService {
	s := &LedgerService{
		db:              db,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		welcomeGrant:    cfg.WelcomeGrant,
		log:             log.With().Str("component", "ledger").Logger(),
	}
	s.policy = retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.RetryInterval,
		MaxInterval:     cfg.RetryInterval * 20,
		Multiplier:      1.5,
		Jitter:          0.5,
		Retryable: func(err error) bool {
			return errors.Is(err, repository.ErrOptimisticLock)
		},
	}
	return s
}

// LedgerResult 一次账本变动的结果
type LedgerResult struct {
	Transaction *model.Transaction `json:"transaction"`
	NewBalance  int64              `json:"new_balance"`
}

func (s *LedgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return s.accountRepo.GetByUserID(ctx, nil, userID)
}

func (s *LedgerService) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.Transaction, int64, error) {
	return s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
}

// Debit 扣款，余额不足返回 ErrInsufficientFunds，不产生任何写入
func (s *LedgerService) Debit(ctx context.Context, userID string, amount int64, description, referenceID string) (*LedgerResult, error) {
	return s.DebitWith(ctx, userID, amount, description, referenceID, nil)
}

// DebitWith 扣款，within 在扣款的同一个事务里执行，任一方失败整体回滚。
// 版本冲突重试时 within 会随事务一起重新执行。
func (s *LedgerService) DebitWith(ctx context.Context, userID string, amount int64, description, referenceID string,
	within func(tx *gorm.DB) error) (*LedgerResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	attempts := 0
	res, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*LedgerResult, error) {
		attempts++
		return s.tryDebit(ctx, userID, amount, description, referenceID, within)
	})
	if err != nil {
		if errors.Is(err, repository.ErrOptimisticLock) {
			metrics.RecordLedgerOperation("debit", "unavailable")
			s.log.Error().Str("user_id", userID).Int64("amount", amount).Int("attempts", attempts).
				Msg("扣款重试次数用尽")
			return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
		}
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.RecordLedgerOperation("debit", "insufficient")
		} else {
			metrics.RecordLedgerOperation("debit", "error")
		}
		return nil, err
	}

	metrics.RecordLedgerOperation("debit", "ok")
	s.log.Info().Str("user_id", userID).Int64("amount", amount).Str("reference_id", referenceID).
		Int64("balance", res.NewBalance).Int("attempts", attempts).Msg("扣款成功")
	return res, nil
}

func (s *LedgerService) tryDebit(ctx context.Context, userID string, amount int64, description, referenceID string,
	within func(tx *gorm.DB) error) (*LedgerResult, error) {
	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	if account.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	trans := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Type:          model.TransactionTypeGeneration,
		Amount:        -amount,
		BalanceAfter:  account.Balance - amount,
		Description:   description,
		ReferenceID:   referenceID,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Deduct(ctx, tx, userID, amount, account.Version); err != nil {
			return err
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}
		if within != nil {
			return within(tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &LedgerResult{Transaction: trans, NewBalance: trans.BalanceAfter}, nil
}

// Credit 入账，在独立事务中执行
func (s *LedgerService) Credit(ctx context.Context, userID string, amount int64, txType, description, referenceID string) (*LedgerResult, error) {
	var res *LedgerResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = s.CreditTx(ctx, tx, userID, amount, txType, description, referenceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CreditTx 入账，在调用方的事务中执行；tx 内只能使用 tx，不能再碰 s.db
func (s *LedgerService) CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, txType, description, referenceID string) (*LedgerResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !model.IsCreditType(txType) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidType, txType)
	}

	if err := s.accountRepo.Increase(ctx, tx, userID, amount); err != nil {
		metrics.RecordLedgerOperation("credit", "error")
		return nil, err
	}

	account, err := s.accountRepo.GetByUserID(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	trans := &model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceAfter:  account.Balance,
		Description:   description,
		ReferenceID:   referenceID,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	metrics.RecordLedgerOperation(creditOp(txType), "ok")
	return &LedgerResult{Transaction: trans, NewBalance: account.Balance}, nil
}

// Refund 退还生成任务扣除的积分
//
// 账本本身不按 reference_id 去重，调用方必须先在终态条件更新里赢得推进权。
// 生成任务的退款都走 Finalizer，它在同一个事务里调用 RefundTx。
func (s *LedgerService) Refund(ctx context.Context, userID string, amount int64, generationID, reason string) (*LedgerResult, error) {
	return s.Credit(ctx, userID, amount, model.TransactionTypeRefund, RefundDescription(reason), generationID)
}

func (s *LedgerService) RefundTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, generationID, reason string) (*LedgerResult, error) {
	return s.CreditTx(ctx, tx, userID, amount, model.TransactionTypeRefund, RefundDescription(reason), generationID)
}

// RefundDescription 退款流水的描述，带上机器可读的失败原因
func RefundDescription(reason string) string {
	if reason == "" {
		return "refund"
	}
	return "refund:" + reason
}

// OpenAccount 开户，已存在时直接返回；新开户且配置了注册赠送时同事务写入 WELCOME 流水
func (s *LedgerService) OpenAccount(ctx context.Context, userID string) (*model.Account, bool, error) {
	if userID == "" {
		return nil, false, ErrInvalidUser
	}

	var created bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		created, err = s.accountRepo.CreateIfAbsent(ctx, tx, &model.Account{UserID: userID})
		if err != nil {
			return fmt.Errorf("创建账户失败: %w", err)
		}
		if created && s.welcomeGrant > 0 {
			_, err = s.CreditTx(ctx, tx, userID, s.welcomeGrant, model.TransactionTypeWelcome,
				"welcome grant", "welcome:"+userID)
		}
		return err
	})
	if err != nil {
		return nil, false, err
	}

	account, err := s.accountRepo.GetByUserID(ctx, nil, userID)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info().Str("user_id", userID).Int64("welcome_grant", s.welcomeGrant).Msg("开户成功")
	}
	return account, created, nil
}

func creditOp(txType string) string {
	if txType == model.TransactionTypeRefund {
		return "refund"
	}
	return "credit"
}
