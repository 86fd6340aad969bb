package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"genledger/internal/model"
	"genledger/internal/provider"
	"genledger/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitOne(t *testing.T, env *testEnv, userID string) *SubmitResult {
	t.Helper()
	res, err := env.gateway.Submit(context.Background(), userID, imageSpec())
	require.NoError(t, err)
	return res
}

// balance=9 提交9积分的任务，回调失败 -> FAILED，余额回到9，一笔 +9 的退款
func TestWebhookFailureRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")
	require.Equal(t, int64(0), env.balance(t, "u1"))

	out, err := env.webhook.HandleRaw(context.Background(), "tripo",
		callbackBody(res.ProviderJobID, provider.StatusFailed, "", "out of gpu"), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionApplied, out.Disposition)
	assert.Equal(t, int64(9), out.Transition.Refunded)

	gen := env.generation(t, res.GenerationID)
	assert.Equal(t, model.GenerationStatusFailed, gen.Status)
	assert.Equal(t, model.FailureProviderFailed, gen.FailureReason)
	require.NotNil(t, gen.ErrorMessage)
	assert.Equal(t, "out of gpu", *gen.ErrorMessage)
	assert.Nil(t, gen.ModelURL)
	assert.NotNil(t, gen.CompletedAt)

	assert.Equal(t, int64(9), env.balance(t, "u1"))
	txs := env.transactions(t, res.GenerationID)
	require.Len(t, txs, 2)
	assert.Equal(t, model.TransactionTypeRefund, txs[1].Type)
	assert.Equal(t, int64(9), txs[1].Amount)
	env.requireLedgerConsistent(t, "u1")
}

func TestWebhookSuccessCompletesWithoutLedgerAction(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")

	out, err := env.webhook.HandleRaw(context.Background(), "tripo",
		callbackBody(res.ProviderJobID, provider.StatusSucceeded, "https://cdn/model.glb", ""), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionApplied, out.Disposition)

	gen := env.generation(t, res.GenerationID)
	assert.Equal(t, model.GenerationStatusCompleted, gen.Status)
	require.NotNil(t, gen.ModelURL)
	assert.Equal(t, "https://cdn/model.glb", *gen.ModelURL)
	assert.Nil(t, gen.ErrorMessage)
	assert.Equal(t, int64(0), env.balance(t, "u1"))
	assert.Len(t, env.transactions(t, res.GenerationID), 1)
}

func TestWebhookSuccessWithoutURLIsMalformed(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")

	_, err := env.webhook.HandleRaw(context.Background(), "tripo",
		callbackBody(res.ProviderJobID, provider.StatusSucceeded, "", ""), "")
	require.NoError(t, err)

	gen := env.generation(t, res.GenerationID)
	assert.Equal(t, model.GenerationStatusFailed, gen.Status)
	assert.Equal(t, model.FailureMalformedResult, gen.FailureReason)
	assert.Equal(t, int64(9), env.balance(t, "u1"))

	txs := env.transactions(t, res.GenerationID)
	require.Len(t, txs, 2)
	assert.Equal(t, "refund:MALFORMED_RESULT", txs[1].Description)
}

// 已 COMPLETED 的任务再次收到回调：ack，不变状态，不产生流水
func TestDuplicateWebhookIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")
	ctx := context.Background()

	body := callbackBody(res.ProviderJobID, provider.StatusSucceeded, "https://cdn/model.glb", "")
	first, err := env.webhook.HandleRaw(ctx, "tripo", body, "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionApplied, first.Disposition)

	second, err := env.webhook.HandleRaw(ctx, "tripo", body, "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionDuplicate, second.Disposition)

	// 迟到的失败回调也不能改变终态
	late, err := env.webhook.HandleRaw(ctx, "tripo",
		callbackBody(res.ProviderJobID, provider.StatusFailed, "", "late"), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionDuplicate, late.Disposition)

	gen := env.generation(t, res.GenerationID)
	assert.Equal(t, model.GenerationStatusCompleted, gen.Status)
	assert.Len(t, env.transactions(t, res.GenerationID), 1)
	assert.Equal(t, int64(0), env.balance(t, "u1"))

	events, err := repository.NewWebhookEventRepository(env.db).ListByProviderJobID(ctx, "tripo", res.ProviderJobID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.DispositionApplied, events[0].Disposition)
	assert.Equal(t, model.DispositionDuplicate, events[1].Disposition)
}

// 并发投递同一个失败回调：只推进一次，只退款一次
func TestConcurrentDuplicateFailuresRefundOnce(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")
	body := callbackBody(res.ProviderJobID, provider.StatusFailed, "", "boom")

	var wg sync.WaitGroup
	results := make([]*CallbackResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := env.webhook.HandleRaw(context.Background(), "tripo", body, "")
			assert.NoError(t, err)
			results[i] = out
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r.Disposition == model.DispositionApplied {
			applied++
		} else {
			assert.Equal(t, model.DispositionDuplicate, r.Disposition)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(9), env.balance(t, "u1"))

	refunds := 0
	for _, tx := range env.transactions(t, res.GenerationID) {
		if tx.Type == model.TransactionTypeRefund {
			refunds++
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestWebhookAcksUnknownAndProgressCallbacks(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")
	ctx := context.Background()

	out, err := env.webhook.HandleRaw(ctx, "tripo", callbackBody("foreign-job", provider.StatusSucceeded, "https://x/a.glb", ""), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionUnknownJob, out.Disposition)

	out, err = env.webhook.HandleRaw(ctx, "tripo", callbackBody(res.ProviderJobID, provider.StatusRunning, "", ""), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionIgnored, out.Disposition)
	assert.Equal(t, model.GenerationStatusProcessing, env.generation(t, res.GenerationID).Status)

	out, err = env.webhook.HandleRaw(ctx, "tripo", []byte("<html>oops</html>"), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionInvalid, out.Disposition)

	out, err = env.webhook.HandleRaw(ctx, "nope", []byte(`{}`), "")
	require.NoError(t, err)
	assert.Equal(t, model.DispositionInvalid, out.Disposition)

	invalid, err := repository.NewWebhookEventRepository(env.db).CountByDisposition(ctx, model.DispositionInvalid)
	require.NoError(t, err)
	assert.Equal(t, int64(2), invalid)
}

func TestWebhookSignature(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	signed := newFakeProvider("meshy")
	env.registry.Register(signed, "whsec")
	ctx := context.Background()

	spec := imageSpec()
	spec.Provider = "meshy"
	res, err := env.gateway.Submit(ctx, "u1", spec)
	require.NoError(t, err)

	body := callbackBody(res.ProviderJobID, provider.StatusFailed, "", "nope")
	_, err = env.webhook.HandleRaw(ctx, "meshy", body, "deadbeef")
	require.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, model.GenerationStatusProcessing, env.generation(t, res.GenerationID).Status)

	out, err := env.webhook.HandleRaw(ctx, "meshy", body, provider.Sign("whsec", body))
	require.NoError(t, err)
	assert.Equal(t, model.DispositionApplied, out.Disposition)
	assert.Equal(t, int64(9), env.balance(t, "u1"))
}

func TestJournalTruncatesErrorOnRuneBoundary(t *testing.T) {
	env := newTestEnv(t)

	env.webhook.journal(context.Background(), &model.WebhookEvent{
		Provider:    "tripo",
		Disposition: model.DispositionError,
		Error:       "x" + strings.Repeat("供应商报文异常", 200),
	})

	var ev model.WebhookEvent
	require.NoError(t, env.db.Last(&ev).Error)
	assert.True(t, utf8.ValidString(ev.Error))
	assert.Equal(t, model.WebhookErrorMaxLen, utf8.RuneCountInString(ev.Error))
}

func TestFailureMessageIsTruncatedToColumnWidth(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "u1", 9)
	res := submitOne(t, env, "u1")

	msg := strings.Repeat("模型生成失败", 500)
	_, err := env.webhook.HandleRaw(context.Background(), "tripo",
		callbackBody(res.ProviderJobID, provider.StatusFailed, "", msg), "")
	require.NoError(t, err)

	gen := env.generation(t, res.GenerationID)
	assert.Equal(t, model.GenerationStatusFailed, gen.Status)
	require.NotNil(t, gen.ErrorMessage)
	assert.True(t, utf8.ValidString(*gen.ErrorMessage))
	assert.Equal(t, model.ErrorMessageMaxLen, utf8.RuneCountInString(*gen.ErrorMessage))
	assert.Equal(t, int64(9), env.balance(t, "u1"))
}
