package service

import (
	"context"
	"testing"
	"time"

	"genledger/internal/config"
	"genledger/internal/model"
	"genledger/internal/provider"
	"genledger/internal/repository"
	"genledger/pkg/idgen"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// insertTransaction 绕过账本直接写流水，模拟被破坏的数据
func (e *testEnv) insertTransaction(t *testing.T, userID, txType string, amount int64, ref string) {
	t.Helper()
	require.NoError(t, e.db.Create(&model.Transaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		Type:          txType,
		Amount:        amount,
		BalanceAfter:  amount,
		ReferenceID:   ref,
	}).Error)
}

func TestAuditCleanLedger(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 20)
	env.fund(t, "u2", 9)
	ok := submitOne(t, env, "u1")
	bad := submitOne(t, env, "u2")
	ctx := context.Background()

	_, err := env.webhook.HandleRaw(ctx, "tripo", callbackBody(ok.ProviderJobID, provider.StatusSucceeded, "https://cdn/a.glb", ""), "")
	require.NoError(t, err)
	_, err = env.webhook.HandleRaw(ctx, "tripo", callbackBody(bad.ProviderJobID, provider.StatusFailed, "", "x"), "")
	require.NoError(t, err)

	report, err := env.audit.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
	assert.Equal(t, 2, report.AccountsChecked)
	assert.Empty(t, report.StuckGenerations)
}

func TestAuditDetectsTamperedBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 20)
	require.NoError(t, env.db.Model(&model.Account{}).Where("user_id = ?", "u1").Update("balance", 50).Error)

	report, err := env.audit.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.BalanceMismatches, 1)
	assert.Equal(t, BalanceMismatch{UserID: "u1", Stored: 50, LedgerSum: 20, Diff: 30}, report.BalanceMismatches[0])
	require.Len(t, report.SnapshotMismatches, 1)
	assert.Equal(t, int64(20), report.SnapshotMismatches[0].LastBalanceAfter)
	assert.Equal(t, 2, report.Violations())

	// 审计不修改数据
	assert.Equal(t, int64(50), env.balance(t, "u1"))
}

func TestAuditToleranceAbsorbsSmallDrift(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 20)
	require.NoError(t, env.db.Model(&model.Account{}).Where("user_id = ?", "u1").Update("balance", 21).Error)

	audit := NewAuditService(env.db, env.ledger, env.finalizer, nil, config.AuditConfig{Tolerance: 1, StuckThreshold: time.Hour}, zerolog.Nop())
	report, err := audit.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.BalanceMismatches)
	assert.Len(t, report.SnapshotMismatches, 1)
}

func TestAuditDetectsNegativeBalance(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 0)
	env.insertTransaction(t, "u1", model.TransactionTypeGeneration, -5, "gen-x")
	require.NoError(t, env.db.Model(&model.Account{}).Where("user_id = ?", "u1").Update("balance", -5).Error)

	report, err := env.audit.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.NegativeBalances, 1)
	assert.Equal(t, int64(-5), report.NegativeBalances[0].Balance)
	// gen-x 没有对应的生成任务
	require.Len(t, report.OrphanedDebits, 1)
	assert.Equal(t, "gen-x", report.OrphanedDebits[0].ReferenceID)
}

func TestAuditDetectsMissingAccount(t *testing.T) {
	env := newTestEnv(t)
	env.insertTransaction(t, "ghost", model.TransactionTypePurchase, 10, "order-ghost")

	report, err := env.audit.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, report.MissingAccounts)
	assert.False(t, report.Clean())
}

func TestAuditDetectsRefundAnomalies(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 18)
	failed := submitOne(t, env, "u1")
	completed := submitOne(t, env, "u1")
	ctx := context.Background()

	_, err := env.webhook.HandleRaw(ctx, "tripo", callbackBody(failed.ProviderJobID, provider.StatusFailed, "", "x"), "")
	require.NoError(t, err)
	_, err = env.webhook.HandleRaw(ctx, "tripo", callbackBody(completed.ProviderJobID, provider.StatusSucceeded, "https://cdn/a.glb", ""), "")
	require.NoError(t, err)

	// 绕过 Finalizer 多退一次，以及给已完成的任务退款
	_, err = env.ledger.Refund(ctx, "u1", 9, failed.GenerationID, "manual")
	require.NoError(t, err)
	_, err = env.ledger.Refund(ctx, "u1", 9, completed.GenerationID, "manual")
	require.NoError(t, err)

	report, err := env.audit.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.RefundAnomalies, 2)

	byID := map[string]RefundAnomaly{}
	for _, a := range report.RefundAnomalies {
		byID[a.GenerationID] = a
	}
	assert.Equal(t, int64(2), byID[failed.GenerationID].Refunds)
	assert.Equal(t, model.GenerationStatusCompleted, byID[completed.GenerationID].Status)
	assert.Empty(t, report.BalanceMismatches)
}

func TestAuditReportsStuckGenerationsWithoutCountingThem(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")
	env.audit.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	report, err := env.audit.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.StuckGenerations, 1)
	assert.Equal(t, res.GenerationID, report.StuckGenerations[0].GenerationID)
	assert.True(t, report.Clean())
}

func TestAuditReferralTotals(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 0)
	env.fund(t, "u2", 0)
	ctx := context.Background()
	for _, c := range []struct {
		user   string
		amount int64
	}{{"u1", 5}, {"u1", 5}, {"u2", 3}} {
		_, err := env.ledger.Credit(ctx, c.user, c.amount, model.TransactionTypeReferral, "invite", "")
		require.NoError(t, err)
	}

	report, err := env.audit.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReferralTotals{Total: 13, Count: 3, Users: 2}, report.Referral)
}

func TestForceFailGenerationRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")
	ctx := context.Background()

	tr, err := env.audit.ForceFailGeneration(ctx, res.GenerationID, "ops", "stuck at provider")
	require.NoError(t, err)
	assert.Equal(t, int64(9), tr.Refunded)
	assert.Equal(t, model.FailureAdminRepair, tr.Reason)

	gen := env.generation(t, res.GenerationID)
	assert.Equal(t, model.GenerationStatusFailed, gen.Status)
	require.NotNil(t, gen.ErrorMessage)
	assert.Equal(t, "force failed by ops: stuck at provider", *gen.ErrorMessage)

	_, err = env.audit.ForceFailGeneration(ctx, res.GenerationID, "ops", "")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, int64(9), env.balance(t, "u1"))

	_, err = env.audit.ForceFailGeneration(ctx, "missing", "ops", "")
	require.ErrorIs(t, err, repository.ErrGenerationNotFound)
}

func TestForceFailGenerationUnderRepairLock(t *testing.T) {
	env := newTestEnv(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	audit := NewAuditService(env.db, env.ledger, env.finalizer, client, config.AuditConfig{StuckThreshold: time.Hour}, zerolog.Nop())

	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")

	_, err := audit.ForceFailGeneration(context.Background(), res.GenerationID, "ops", "")
	require.NoError(t, err)
	assert.Empty(t, mr.Keys())
}

func TestCreateMissingAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.insertTransaction(t, "ghost", model.TransactionTypePurchase, 10, "order-ghost")

	_, err := env.audit.CreateMissingAccount(ctx, "ghost", "ops")
	require.ErrorIs(t, err, ErrIntegrityViolation)

	account, err := env.audit.CreateMissingAccount(ctx, "newcomer", "ops")
	require.NoError(t, err)
	assert.Equal(t, "newcomer", account.UserID)

	_, err = env.audit.CreateMissingAccount(ctx, "newcomer", "ops")
	require.ErrorIs(t, err, ErrAccountExists)

	_, err = env.audit.CreateMissingAccount(ctx, "", "ops")
	require.ErrorIs(t, err, ErrInvalidUser)
}

func TestRefundOrphanedDebit(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 20)
	ctx := context.Background()

	_, err := env.ledger.Debit(ctx, "u1", 9, "generation:image_to_model", "gen-lost")
	require.NoError(t, err)

	report, err := env.audit.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.OrphanedDebits, 1)
	assert.Equal(t, "gen-lost", report.OrphanedDebits[0].ReferenceID)

	tr, err := env.audit.RefundOrphanedDebit(ctx, "gen-lost", "ops", "lost on failover")
	require.NoError(t, err)
	assert.Equal(t, int64(9), tr.Refunded)
	assert.Equal(t, int64(20), env.balance(t, "u1"))

	gen := env.generation(t, "gen-lost")
	assert.Equal(t, model.GenerationStatusFailed, gen.Status)
	assert.Equal(t, model.FailureAdminRepair, gen.FailureReason)
	assert.Equal(t, int64(9), gen.CreditsUsed)
	require.NotNil(t, gen.ErrorMessage)
	assert.Equal(t, "orphaned debit refunded by ops: lost on failover", *gen.ErrorMessage)

	_, err = env.audit.RefundOrphanedDebit(ctx, "gen-lost", "ops", "")
	require.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Equal(t, int64(20), env.balance(t, "u1"))

	report, err = env.audit.Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
	env.requireLedgerConsistent(t, "u1")
}

func TestRefundOrphanedDebitRefusesNonOrphans(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	ctx := context.Background()

	// 有任务行的扣款走强制失败
	res := submitOne(t, env, "u1")
	_, err := env.audit.RefundOrphanedDebit(ctx, res.GenerationID, "ops", "")
	require.ErrorIs(t, err, ErrIntegrityViolation)

	_, err = env.audit.RefundOrphanedDebit(ctx, "gen-unknown", "ops", "")
	require.ErrorIs(t, err, repository.ErrGenerationNotFound)

	// 已经有退款的孤儿需要人工核对
	env.insertTransaction(t, "u2", model.TransactionTypeGeneration, -5, "gen-odd")
	env.insertTransaction(t, "u2", model.TransactionTypeRefund, 5, "gen-odd")
	_, err = env.audit.RefundOrphanedDebit(ctx, "gen-odd", "ops", "")
	require.ErrorIs(t, err, ErrIntegrityViolation)

	assert.Equal(t, int64(0), env.balance(t, "u1"))
}
