package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"genledger/internal/config"
	"genledger/internal/infrastructure/database"
	"genledger/internal/model"
	"genledger/internal/pricing"
	"genledger/internal/provider"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeProvider 可编程的供应商客户端
type fakeProvider struct {
	name string

	mu        sync.Mutex
	submitErr error
	statusErr error
	statuses  map[string]*provider.Result
	submits   int
	polls     int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, statuses: make(map[string]*provider.Result)}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Submit(ctx context.Context, spec *model.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("%s-job-%d", f.name, f.submits), nil
}

func (f *fakeProvider) GetStatus(ctx context.Context, id string) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	if r, ok := f.statuses[id]; ok {
		return r, nil
	}
	return &provider.Result{Status: provider.StatusRunning}, nil
}

func (f *fakeProvider) setStatus(id string, r *provider.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = r
}

// ParseCallback 报文格式：{"job_id":"...","status":"SUCCEEDED","url":"...","error":"..."}
func (f *fakeProvider) ParseCallback(body []byte) (*provider.Callback, error) {
	var p struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
		URL    string `json:"url"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &p); err != nil || p.JobID == "" {
		return nil, provider.ErrMalformedPayload
	}
	return &provider.Callback{
		ProviderJobID: p.JobID,
		Result:        provider.Result{Status: provider.Status(p.Status), ResultURL: p.URL, ErrorMessage: p.Error},
	}, nil
}

func callbackBody(jobID string, status provider.Status, url, errMsg string) []byte {
	b, _ := json.Marshal(map[string]string{"job_id": jobID, "status": string(status), "url": url, "error": errMsg})
	return b
}

type testEnv struct {
	db        *gorm.DB
	ledger    *LedgerService
	finalizer *Finalizer
	gateway   *GatewayService
	webhook   *WebhookService
	reconcile *ReconcileService
	audit     *AuditService
	provider  *fakeProvider
	registry  *provider.Registry
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open(&config.DatabaseConfig{
		Driver:       database.DriverSQLite,
		Name:         fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := zerolog.Nop()

	ledger := NewLedgerService(db, config.LedgerConfig{
		MaxAttempts:   100,
		RetryInterval: time.Millisecond,
		WelcomeGrant:  0,
	}, log)
	finalizer := NewFinalizer(db, ledger, "generation_events", log)

	fake := newFakeProvider("tripo")
	registry := provider.NewRegistry("tripo")
	registry.Register(fake, "")

	return &testEnv{
		db:        db,
		ledger:    ledger,
		finalizer: finalizer,
		gateway: NewGatewayService(db, ledger, finalizer, pricing.NewTable(config.PricingConfig{}),
			registry, time.Second, log),
		webhook: NewWebhookService(db, registry, finalizer, log),
		reconcile: NewReconcileService(db, registry, finalizer, nil, config.ReconcileConfig{
			StaleThreshold: time.Hour,
			HardCeiling:    24 * time.Hour,
			BatchSize:      2,
		}, "test", log),
		audit: NewAuditService(db, ledger, finalizer, nil, config.AuditConfig{
			Tolerance:      0,
			StuckThreshold: time.Hour,
		}, log),
		provider: fake,
		registry: registry,
	}
}

// fund 开户并充值
func (e *testEnv) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	ctx := context.Background()
	_, _, err := e.ledger.OpenAccount(ctx, userID)
	require.NoError(t, err)
	if amount > 0 {
		_, err = e.ledger.Credit(ctx, userID, amount, model.TransactionTypePurchase, "purchase", "order-"+userID)
		require.NoError(t, err)
	}
}

func (e *testEnv) balance(t *testing.T, userID string) int64 {
	t.Helper()
	b, err := e.ledger.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) transactions(t *testing.T, referenceID string) []*model.Transaction {
	t.Helper()
	var out []*model.Transaction
	require.NoError(t, e.db.Where("reference_id = ?", referenceID).Order("id ASC").Find(&out).Error)
	return out
}

func (e *testEnv) generation(t *testing.T, id string) *model.Generation {
	t.Helper()
	g, err := e.gateway.GetGeneration(context.Background(), id)
	require.NoError(t, err)
	return g
}

func (e *testEnv) countGenerations(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.Generation{}).Count(&n).Error)
	return n
}

// ledgerConsistent 余额等于流水之和，且每笔 balance_after 等于截至该笔的累计和
func (e *testEnv) requireLedgerConsistent(t *testing.T, userID string) {
	t.Helper()
	var txs []*model.Transaction
	require.NoError(t, e.db.Where("user_id = ?", userID).Order("id ASC").Find(&txs).Error)
	var running int64
	for _, tx := range txs {
		running += tx.Amount
		require.Equal(t, running, tx.BalanceAfter, "balance_after of %s", tx.TransactionNo)
	}
	require.Equal(t, running, e.balance(t, userID))
}

// churnAccountVersion 每次更新账户前把 version 加一，模拟持续的并发修改
func churnAccountVersion(t *testing.T, db *gorm.DB) {
	t.Helper()
	err := db.Callback().Update().Before("gorm:update").Register("test:churn_version", func(tx *gorm.DB) {
		if tx.Statement.Table != "account_balance" {
			return
		}
		tx.Session(&gorm.Session{NewDB: true}).Exec("UPDATE account_balance SET version = version + 1")
	})
	require.NoError(t, err)
}

// imageSpec 图生模型，默认价格9
func imageSpec() *model.JobSpec {
	return &model.JobSpec{Mode: model.ModeImageToModel, ImageURLs: []string{"https://img/in.png"}}
}
