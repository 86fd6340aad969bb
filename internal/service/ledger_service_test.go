package service

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"genledger/internal/config"
	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDebitAppendsNegativeTransaction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "u1", 20)

	res, err := env.ledger.Debit(ctx, "u1", 9, "generation:image_to_model", "gen-1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), res.NewBalance)
	assert.Equal(t, int64(-9), res.Transaction.Amount)
	assert.Equal(t, model.TransactionTypeGeneration, res.Transaction.Type)

	account, err := env.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), account.Balance)
	assert.Equal(t, int64(9), account.TotalSpent)
	assert.Equal(t, int64(20), account.TotalEarned)

	env.requireLedgerConsistent(t, "u1")
}

func TestDebitInsufficientFundsLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "u1", 5)

	_, err := env.ledger.Debit(ctx, "u1", 9, "generation", "gen-1")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	assert.Equal(t, int64(5), env.balance(t, "u1"))
	assert.Empty(t, env.transactions(t, "gen-1"))
}

func TestDebitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.ledger.Debit(ctx, "u1", 0, "x", "r")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = env.ledger.Debit(ctx, "nobody", 1, "x", "r")
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestCreditRejectsDebitType(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 0)

	_, err := env.ledger.Credit(context.Background(), "u1", 5, model.TransactionTypeGeneration, "x", "r")
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = env.ledger.Credit(context.Background(), "u1", -5, model.TransactionTypePurchase, "x", "r")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRefundUsesReasonInDescription(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 0)

	res, err := env.ledger.Refund(context.Background(), "u1", 4, "gen-9", model.FailureTimeout)
	require.NoError(t, err)
	assert.Equal(t, "refund:TIMEOUT", res.Transaction.Description)
	assert.Equal(t, "gen-9", res.Transaction.ReferenceID)
	assert.Equal(t, model.TransactionTypeRefund, res.Transaction.Type)
}

func TestOpenAccountGrantsWelcomeOnce(t *testing.T) {
	db := newTestDB(t)
	ledger := NewLedgerService(db, config.LedgerConfig{MaxAttempts: 3, WelcomeGrant: 10}, zerolog.Nop())
	ctx := context.Background()

	account, created, err := ledger.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(10), account.Balance)

	account, created, err = ledger.OpenAccount(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(10), account.Balance)

	var welcome int64
	require.NoError(t, db.Model(&model.Transaction{}).
		Where("user_id = ? AND type = ?", "u1", model.TransactionTypeWelcome).Count(&welcome).Error)
	assert.Equal(t, int64(1), welcome)
}

// N 个并发扣款总额超过余额：恰好能扣完的那些成功，其余干净地失败
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "u1", 100)

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, insufficient int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.ledger.Debit(ctx, "u1", 7, "generation", "concurrent")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrInsufficientFunds):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 14, ok)
	assert.Equal(t, 6, insufficient)
	assert.Equal(t, int64(2), env.balance(t, "u1"))
	env.requireLedgerConsistent(t, "u1")
}

// 随机的扣款/入账序列，每一步之后账本不变量都成立
func TestRandomOperationsKeepLedgerInvariant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "u1", 10)

	rng := rand.New(rand.NewSource(42))
	expected := int64(10)
	for i := 0; i < 60; i++ {
		amount := int64(rng.Intn(12) + 1)
		if rng.Intn(2) == 0 {
			_, err := env.ledger.Debit(ctx, "u1", amount, "generation", "rand")
			if amount > expected {
				require.ErrorIs(t, err, ErrInsufficientFunds)
			} else {
				require.NoError(t, err)
				expected -= amount
			}
		} else {
			_, err := env.ledger.Credit(ctx, "u1", amount, model.TransactionTypeReferral, "referral", "rand")
			require.NoError(t, err)
			expected += amount
		}
		require.Equal(t, expected, env.balance(t, "u1"))
		env.requireLedgerConsistent(t, "u1")
	}

	account, err := env.ledger.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, account.Balance, account.TotalEarned-account.TotalSpent)
}

func TestDebitGivesUpAfterVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "u1", 20)
	churnAccountVersion(t, env.db)

	ledger := NewLedgerService(env.db, config.LedgerConfig{MaxAttempts: 1}, zerolog.Nop())
	_, err := ledger.Debit(ctx, "u1", 9, "generation:image_to_model", "gen-1")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, repository.ErrOptimisticLock)

	assert.Equal(t, int64(20), env.balance(t, "u1"))
	assert.Empty(t, env.transactions(t, "gen-1"))

	// within 随扣款一起回滚
	called := 0
	_, err = ledger.DebitWith(ctx, "u1", 9, "generation:image_to_model", "gen-2", func(tx *gorm.DB) error {
		called++
		return nil
	})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, 0, called)
	env.requireLedgerConsistent(t, "u1")
}

func TestDebitWithRollsBackOnCallbackError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fund(t, "u1", 20)

	boom := errors.New("insert failed")
	_, err := env.ledger.DebitWith(ctx, "u1", 9, "generation", "gen-1", func(tx *gorm.DB) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(20), env.balance(t, "u1"))
	assert.Empty(t, env.transactions(t, "gen-1"))
}
