package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"genledger/internal/config"
	"genledger/internal/infrastructure/lock"
	"genledger/internal/metrics"
	"genledger/internal/model"
	"genledger/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const auditListLimit = 500

// AuditService 只读的一致性检查，外加需要显式调用的修复动作。
// 修复动作同样经过账本服务和 Finalizer，留下和正常业务一样的流水。
type AuditService struct {
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	generationRepo  *repository.GenerationRepository
	ledger          *LedgerService
	finalizer       *Finalizer
	redis           redis.Cmdable
	cfg             config.AuditConfig
	log             zerolog.Logger
	now             func() time.Time
}

func NewAuditService(db *gorm.DB, ledger *LedgerService, finalizer *Finalizer, redisClient redis.Cmdable,
	cfg config.AuditConfig, log zerolog.Logger) *AuditService {
	return &AuditService{
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		generationRepo:  repository.NewGenerationRepository(db),
		ledger:          ledger,
		finalizer:       finalizer,
		redis:           redisClient,
		cfg:             cfg,
		log:             log.With().Str("component", "audit").Logger(),
		now:             time.Now,
	}
}

type BalanceMismatch struct {
	UserID    string `json:"user_id"`
	Stored    int64  `json:"stored"`
	LedgerSum int64  `json:"ledger_sum"`
	Diff      int64  `json:"diff"`
}

type SnapshotMismatch struct {
	UserID           string `json:"user_id"`
	Stored           int64  `json:"stored"`
	LastBalanceAfter int64  `json:"last_balance_after"`
}

type NegativeBalance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type StuckGeneration struct {
	GenerationID string        `json:"generation_id"`
	UserID       string        `json:"user_id"`
	Provider     string        `json:"provider"`
	CreatedAt    time.Time     `json:"created_at"`
	Age          time.Duration `json:"age"`
}

type OrphanedDebit struct {
	TransactionNo string `json:"transaction_no"`
	UserID        string `json:"user_id"`
	Amount        int64  `json:"amount"`
	ReferenceID   string `json:"reference_id"`
}

type RefundAnomaly struct {
	GenerationID string `json:"generation_id"`
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	CreditsUsed  int64  `json:"credits_used"`
	Debits       int64  `json:"debits"`
	Refunds      int64  `json:"refunds"`
}

type ReferralTotals struct {
	Total int64 `json:"total"`
	Count int64 `json:"count"`
	Users int64 `json:"users"`
}

// AuditReport 一次对账的结果，任何一项非空都是 IntegrityViolation，不会被自动修正
type AuditReport struct {
	GeneratedAt        time.Time          `json:"generated_at"`
	AccountsChecked    int                `json:"accounts_checked"`
	BalanceMismatches  []BalanceMismatch  `json:"balance_mismatches"`
	SnapshotMismatches []SnapshotMismatch `json:"snapshot_mismatches"`
	NegativeBalances   []NegativeBalance  `json:"negative_balances"`
	MissingAccounts    []string           `json:"missing_accounts"`
	StuckGenerations   []StuckGeneration  `json:"stuck_generations"`
	OrphanedDebits     []OrphanedDebit    `json:"orphaned_debits"`
	RefundAnomalies    []RefundAnomaly    `json:"refund_anomalies"`
	Referral           ReferralTotals     `json:"referral"`
}

// Violations 需要人工处理的问题数；卡住的任务交给巡检，不计入
func (r *AuditReport) Violations() int {
	return len(r.BalanceMismatches) + len(r.SnapshotMismatches) + len(r.NegativeBalances) +
		len(r.MissingAccounts) + len(r.OrphanedDebits) + len(r.RefundAnomalies)
}

func (r *AuditReport) Clean() bool {
	return r.Violations() == 0
}

// Run 执行一次完整对账
func (s *AuditService) Run(ctx context.Context) (*AuditReport, error) {
	now := s.now()
	report := &AuditReport{GeneratedAt: now}

	summaries, err := s.transactionRepo.SummaryByUser(ctx)
	if err != nil {
		return nil, fmt.Errorf("汇总流水失败: %w", err)
	}
	byUser := make(map[string]repository.UserLedgerSummary, len(summaries))
	for _, sum := range summaries {
		byUser[sum.UserID] = sum
	}

	err = s.accountRepo.ListAll(ctx, 500, func(accounts []*model.Account) error {
		for _, a := range accounts {
			report.AccountsChecked++
			s.checkAccount(report, a, byUser[a.UserID])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("遍历账户失败: %w", err)
	}

	if report.MissingAccounts, err = s.accountRepo.UsersWithoutAccount(ctx); err != nil {
		return nil, fmt.Errorf("查询缺失账户失败: %w", err)
	}

	stuck, err := s.generationRepo.ListStale(ctx, now.Add(-s.cfg.StuckThreshold), nil, auditListLimit)
	if err != nil {
		return nil, fmt.Errorf("查询卡住的任务失败: %w", err)
	}
	for _, g := range stuck {
		report.StuckGenerations = append(report.StuckGenerations, StuckGeneration{
			GenerationID: g.ID,
			UserID:       g.UserID,
			Provider:     g.Provider,
			CreatedAt:    g.CreatedAt,
			Age:          now.Sub(g.CreatedAt),
		})
	}

	orphans, err := s.transactionRepo.OrphanedDebits(ctx, auditListLimit)
	if err != nil {
		return nil, fmt.Errorf("查询孤儿扣款失败: %w", err)
	}
	for _, t := range orphans {
		report.OrphanedDebits = append(report.OrphanedDebits, OrphanedDebit{
			TransactionNo: t.TransactionNo,
			UserID:        t.UserID,
			Amount:        t.Amount,
			ReferenceID:   t.ReferenceID,
		})
	}

	anomalies, err := s.generationRepo.RefundAnomalies(ctx, auditListLimit)
	if err != nil {
		return nil, fmt.Errorf("查询退款异常失败: %w", err)
	}
	for _, a := range anomalies {
		report.RefundAnomalies = append(report.RefundAnomalies, RefundAnomaly(a))
	}

	referral, err := s.transactionRepo.TotalByType(ctx, model.TransactionTypeReferral)
	if err != nil {
		return nil, fmt.Errorf("汇总邀请奖励失败: %w", err)
	}
	report.Referral = ReferralTotals(*referral)

	s.publish(report)
	return report, nil
}

func (s *AuditService) checkAccount(report *AuditReport, a *model.Account, sum repository.UserLedgerSummary) {
	diff := a.Balance - sum.Total
	if diff > s.cfg.Tolerance || -diff > s.cfg.Tolerance {
		report.BalanceMismatches = append(report.BalanceMismatches, BalanceMismatch{
			UserID:    a.UserID,
			Stored:    a.Balance,
			LedgerSum: sum.Total,
			Diff:      diff,
		})
	}
	if sum.Count > 0 && sum.LastBalanceAfter != a.Balance {
		report.SnapshotMismatches = append(report.SnapshotMismatches, SnapshotMismatch{
			UserID:           a.UserID,
			Stored:           a.Balance,
			LastBalanceAfter: sum.LastBalanceAfter,
		})
	}
	if a.Balance < 0 {
		report.NegativeBalances = append(report.NegativeBalances, NegativeBalance{UserID: a.UserID, Balance: a.Balance})
	}
}

func (s *AuditService) publish(r *AuditReport) {
	metrics.SetAuditViolations("balance_mismatch", len(r.BalanceMismatches))
	metrics.SetAuditViolations("snapshot_mismatch", len(r.SnapshotMismatches))
	metrics.SetAuditViolations("negative_balance", len(r.NegativeBalances))
	metrics.SetAuditViolations("missing_account", len(r.MissingAccounts))
	metrics.SetAuditViolations("stuck_generation", len(r.StuckGenerations))
	metrics.SetAuditViolations("orphaned_debit", len(r.OrphanedDebits))
	metrics.SetAuditViolations("refund_anomaly", len(r.RefundAnomalies))

	ev := s.log.Info()
	if !r.Clean() {
		ev = s.log.Error()
	}
	ev.Int("accounts", r.AccountsChecked).
		Int("violations", r.Violations()).
		Int("stuck", len(r.StuckGenerations)).
		Int64("referral_total", r.Referral.Total).
		Msg("对账完成")
}

// ============================================================================
// 修复动作
// ============================================================================

// ForceFailGeneration 强制把一个非终态任务置为 FAILED 并退款，已是终态时返回 ErrAlreadyTerminal
func (s *AuditService) ForceFailGeneration(ctx context.Context, generationID, operator, note string) (*Transition, error) {
	if s.redis != nil {
		repairLock := lock.NewRepairLock(s.redis, generationID, operator)
		if err := repairLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer repairLock.Unlock(context.WithoutCancel(ctx))
	}

	gen, err := s.generationRepo.GetByID(ctx, nil, generationID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminal(gen.Status) {
		return nil, ErrAlreadyTerminal
	}

	msg := fmt.Sprintf("force failed by %s", operator)
	if note != "" {
		msg += ": " + note
	}
	tr, err := s.finalizer.Fail(ctx, gen, model.FailureAdminRepair, msg)
	if err != nil {
		return nil, err
	}
	s.log.Warn().Str("generation_id", generationID).Str("operator", operator).Int64("refunded", tr.Refunded).
		Msg("运维强制失败生成任务")
	return tr, nil
}

// RefundOrphanedDebit 退还一笔找不到生成任务的 GENERATION 扣款。
// 以扣款的 reference_id 补建一条 FAILED 任务并在同一事务里退款，重复调用返回 ErrAlreadyTerminal。
func (s *AuditService) RefundOrphanedDebit(ctx context.Context, referenceID, operator, note string) (*Transition, error) {
	if referenceID == "" {
		return nil, repository.ErrGenerationNotFound
	}
	if s.redis != nil {
		repairLock := lock.NewRepairLock(s.redis, referenceID, operator)
		if err := repairLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer repairLock.Unlock(context.WithoutCancel(ctx))
	}

	if gen, err := s.generationRepo.GetByID(ctx, nil, referenceID); err == nil {
		if model.IsTerminal(gen.Status) {
			return nil, ErrAlreadyTerminal
		}
		return nil, fmt.Errorf("%w: generation %s exists, force fail it instead", ErrIntegrityViolation, referenceID)
	} else if !errors.Is(err, repository.ErrGenerationNotFound) {
		return nil, err
	}

	transactions, err := s.transactionRepo.ListByReference(ctx, referenceID)
	if err != nil {
		return nil, err
	}
	var userID string
	var charged int64
	for _, t := range transactions {
		switch t.Type {
		case model.TransactionTypeGeneration:
			if userID != "" && userID != t.UserID {
				return nil, fmt.Errorf("%w: reference %s is debited from several users", ErrIntegrityViolation, referenceID)
			}
			userID = t.UserID
			charged -= t.Amount
		case model.TransactionTypeRefund:
			return nil, fmt.Errorf("%w: reference %s already has a refund", ErrIntegrityViolation, referenceID)
		}
	}
	if charged <= 0 {
		return nil, fmt.Errorf("%w: no generation debit references %s", repository.ErrGenerationNotFound, referenceID)
	}

	msg := fmt.Sprintf("orphaned debit refunded by %s", operator)
	if note != "" {
		msg += ": " + note
	}
	tr, err := s.finalizer.RecoverOrphan(ctx, &model.Generation{
		ID:          referenceID,
		UserID:      userID,
		CreditsUsed: charged,
	}, msg)
	if err != nil {
		return nil, err
	}
	s.log.Warn().Str("reference_id", referenceID).Str("user_id", userID).Str("operator", operator).
		Int64("refunded", tr.Refunded).Msg("运维退还孤儿扣款")
	return tr, nil
}

// CreateMissingAccount 为缺失账户的用户补建账户并发放注册赠送。
// 用户已有流水时拒绝：任何初始余额都会改写历史，需要人工核对。
func (s *AuditService) CreateMissingAccount(ctx context.Context, userID, operator string) (*model.Account, error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if _, err := s.accountRepo.GetByUserID(ctx, nil, userID); err == nil {
		return nil, ErrAccountExists
	}

	n, err := s.transactionRepo.CountByUserID(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: user %s already has %d transactions", ErrIntegrityViolation, userID, n)
	}

	account, created, err := s.ledger.OpenAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrAccountExists
	}
	s.log.Warn().Str("user_id", userID).Str("operator", operator).Int64("balance", account.Balance).
		Msg("运维补建缺失账户")
	return account, nil
}
