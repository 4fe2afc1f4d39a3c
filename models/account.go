package models

import (
	"time"

	"gorm.io/gorm"
)

// Account holds the besitos balance for one user (denormalized totals for cheap reads).
// Balance is only ever mutated by the ledger with single conditional UPDATE statements.
type Account struct {
	ID string `gorm:"primaryKey;type:varchar(64)" json:"id"` // external user id (bot user)

	Balance     int64 `gorm:"not null;default:0" json:"balance"`
	TotalEarned int64 `gorm:"not null;default:0" json:"total_earned"`
	TotalSpent  int64 `gorm:"not null;default:0" json:"total_spent"`

	LevelID       *string    `gorm:"type:varchar(36);index" json:"level_id,omitempty"`
	LastLevelUpAt *time.Time `json:"last_level_up_at,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TransactionCategory groups ledger rows by what produced them.
type TransactionCategory string

const (
	CategoryAction      TransactionCategory = "action"
	CategoryMission     TransactionCategory = "mission"
	CategoryPurchase    TransactionCategory = "purchase"
	CategoryRewardBonus TransactionCategory = "reward_bonus"
	CategoryAdmin       TransactionCategory = "admin"
)

// Transaction is an append-only ledger row. Positive amounts credit, negative debit.
type Transaction struct {
	ID        uint64              `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID string              `gorm:"type:varchar(64);not null;index:idx_ledger_account_created,priority:1" json:"account_id"`
	Amount    int64               `gorm:"not null" json:"amount"`
	Reason    string              `gorm:"type:varchar(128);not null" json:"reason"`
	Category  TransactionCategory `gorm:"type:varchar(32);not null;index" json:"category"`
	CreatedAt time.Time           `gorm:"not null;autoCreateTime;index:idx_ledger_account_created,priority:2" json:"created_at"`
}

func (Transaction) TableName() string {
	return "ledger_transactions"
}

// Streak tracks consecutive days of qualifying activity for one account.
type Streak struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"account_id"`
	Current        int        `gorm:"not null;default:0" json:"current"`
	Longest        int        `gorm:"not null;default:0" json:"longest"`
	LastActivityAt *time.Time `gorm:"index" json:"last_activity_at,omitempty"`
	Version        int64      `gorm:"not null;default:0" json:"-"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
