package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"besitos-engine/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	maxAccountIDLength  = 64
)

// Reason describes why a ledger mutation happened.
type Reason struct {
	Code     string
	Category models.TransactionCategory
}

func (r Reason) validate() error {
	if strings.TrimSpace(r.Code) == "" {
		return invalidf("reason.code", "required")
	}
	switch r.Category {
	case models.CategoryAction, models.CategoryMission, models.CategoryPurchase,
		models.CategoryRewardBonus, models.CategoryAdmin:
		return nil
	}
	return invalidf("reason.category", "unknown category %q", r.Category)
}

// LedgerService is the only writer of account balances. Every mutation is a
// single conditional UPDATE plus one transaction row, committed together.
type LedgerService struct {
	DB    *gorm.DB
	Clock clockwork.Clock
	Retry RetryPolicy
}

func NewLedgerService(db *gorm.DB, clock clockwork.Clock, retry RetryPolicy) *LedgerService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LedgerService{DB: db, Clock: clock, Retry: retry}
}

func validateAccountID(accountID string) error {
	id := strings.TrimSpace(accountID)
	if id == "" {
		return invalidf("account_id", "required")
	}
	if len(id) > maxAccountIDLength || id != accountID {
		return invalidf("account_id", "must be at most %d characters without surrounding spaces", maxAccountIDLength)
	}
	return nil
}

// EnsureAccount creates the account on first interaction (idempotent).
func (s *LedgerService) EnsureAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if err := validateAccountID(accountID); err != nil {
		return nil, err
	}
	var acct models.Account
	err := withRetry(ctx, s.Retry, func() error {
		if err := s.ensureAccountTx(s.DB.WithContext(ctx), accountID); err != nil {
			return err
		}
		return s.DB.WithContext(ctx).First(&acct, "id = ?", accountID).Error
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *LedgerService) ensureAccountTx(tx *gorm.DB, accountID string) error {
	now := s.Clock.Now().UTC()
	acct := models.Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acct).Error
}

// Grant credits amount (> 0) to the account.
func (s *LedgerService) Grant(ctx context.Context, accountID string, amount int64, reason Reason) (*models.Transaction, error) {
	if err := validateMutation(accountID, amount, reason); err != nil {
		return nil, err
	}
	var out *models.Transaction
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := s.grantTx(tx, accountID, amount, reason)
			out = t
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deduct debits amount (> 0). The balance check and the write are one statement,
// so two concurrent deductions can never both pass against the same funds.
func (s *LedgerService) Deduct(ctx context.Context, accountID string, amount int64, reason Reason) (*models.Transaction, error) {
	if err := validateMutation(accountID, amount, reason); err != nil {
		return nil, err
	}
	var out *models.Transaction
	err := withRetry(ctx, s.Retry, func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			t, err := s.deductTx(tx, accountID, amount, reason)
			out = t
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func validateMutation(accountID string, amount int64, reason Reason) error {
	if err := validateAccountID(accountID); err != nil {
		return err
	}
	if amount <= 0 {
		return invalidf("amount", "must be > 0")
	}
	return reason.validate()
}

func (s *LedgerService) grantTx(tx *gorm.DB, accountID string, amount int64, reason Reason) (*models.Transaction, error) {
	now := s.Clock.Now().UTC()
	res := tx.Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"balance":      gorm.Expr("balance + ?", amount),
			"total_earned": gorm.Expr("total_earned + ?", amount),
			"updated_at":   now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, notFound("account", accountID)
	}
	return s.appendTx(tx, accountID, amount, reason, now)
}

func (s *LedgerService) deductTx(tx *gorm.DB, accountID string, amount int64, reason Reason) (*models.Transaction, error) {
	now := s.Clock.Now().UTC()
	res := tx.Model(&models.Account{}).
		Where("id = ? AND balance >= ?", accountID, amount).
		Updates(map[string]any{
			"balance":     gorm.Expr("balance - ?", amount),
			"total_spent": gorm.Expr("total_spent + ?", amount),
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&models.Account{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, notFound("account", accountID)
		}
		return nil, ErrInsufficientBalance
	}
	return s.appendTx(tx, accountID, -amount, reason, now)
}

func (s *LedgerService) appendTx(tx *gorm.DB, accountID string, amount int64, reason Reason, at time.Time) (*models.Transaction, error) {
	row := models.Transaction{
		AccountID: accountID,
		Amount:    amount,
		Reason:    reason.Code,
		Category:  reason.Category,
		CreatedAt: at,
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

// Account returns the stored account.
func (s *LedgerService) Account(ctx context.Context, accountID string) (*models.Account, error) {
	return loadAccount(s.DB.WithContext(ctx), accountID)
}

func loadAccount(tx *gorm.DB, accountID string) (*models.Account, error) {
	var acct models.Account
	if err := tx.First(&acct, "id = ?", accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("account", accountID)
		}
		return nil, err
	}
	return &acct, nil
}

func (s *LedgerService) Balance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// History returns the newest transactions first.
func (s *LedgerService) History(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, err := s.Account(ctx, accountID); err != nil {
		return nil, err
	}
	var rows []models.Transaction
	err := s.DB.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// ReconcileReport compares the denormalized account totals against the ledger rows.
type ReconcileReport struct {
	AccountID   string `json:"account_id"`
	Balance     int64  `json:"balance"`
	LedgerSum   int64  `json:"ledger_sum"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
	Consistent  bool   `json:"consistent"`
}

func (s *LedgerService) Reconcile(ctx context.Context, accountID string) (*ReconcileReport, error) {
	acct, err := s.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var sum struct{ Total int64 }
	if err := s.DB.WithContext(ctx).
		Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error; err != nil {
		return nil, err
	}
	report := &ReconcileReport{
		AccountID:   acct.ID,
		Balance:     acct.Balance,
		LedgerSum:   sum.Total,
		TotalEarned: acct.TotalEarned,
		TotalSpent:  acct.TotalSpent,
	}
	report.Consistent = acct.Balance >= 0 &&
		acct.Balance == sum.Total &&
		acct.Balance == acct.TotalEarned-acct.TotalSpent
	return report, nil
}

// AccountIDs pages through accounts in id order.
func (s *LedgerService) AccountIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var ids []string
	err := s.DB.WithContext(ctx).
		Model(&models.Account{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
