package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// RewardType selects which metadata variant a reward carries
type RewardType string

const (
	RewardTypeBadge         RewardType = "badge"
	RewardTypeItem          RewardType = "item"
	RewardTypePermission    RewardType = "permission"
	RewardTypeTitle         RewardType = "title"
	RewardTypeCurrencyBonus RewardType = "currency_bonus"
)

func (t RewardType) Valid() bool {
	switch t {
	case RewardTypeBadge, RewardTypeItem, RewardTypePermission, RewardTypeTitle, RewardTypeCurrencyBonus:
		return true
	}
	return false
}

// BadgeRarity is display-only; it never affects unlock logic.
type BadgeRarity string

const (
	RarityCommon    BadgeRarity = "common"
	RarityRare      BadgeRarity = "rare"
	RarityEpic      BadgeRarity = "epic"
	RarityLegendary BadgeRarity = "legendary"
)

func (r BadgeRarity) Valid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityEpic, RarityLegendary:
		return true
	}
	return false
}

// AcquisitionMethod records how a reward ended up owned
type AcquisitionMethod string

const (
	MethodMission    AcquisitionMethod = "mission"
	MethodPurchase   AcquisitionMethod = "purchase"
	MethodAdminGrant AcquisitionMethod = "admin_grant"
	MethodLevelUp    AcquisitionMethod = "level_up"
)

func (m AcquisitionMethod) Valid() bool {
	switch m {
	case MethodMission, MethodPurchase, MethodAdminGrant, MethodLevelUp:
		return true
	}
	return false
}

type BadgeMetadata struct {
	Icon   string      `json:"icon" yaml:"icon"` // e.g., R2 URL to SVG/png or an emoji
	Rarity BadgeRarity `json:"rarity" yaml:"rarity"`
}

type ItemMetadata struct {
	ItemCode string `json:"item_code" yaml:"item_code"`
	Quantity int    `json:"quantity" yaml:"quantity"`
}

type PermissionMetadata struct {
	Permission   string `json:"permission" yaml:"permission"`
	DurationDays int    `json:"duration_days,omitempty" yaml:"duration_days,omitempty"` // 0 = permanent
}

type TitleMetadata struct {
	Title string `json:"title" yaml:"title"`
}

type CurrencyBonusMetadata struct {
	Amount int64 `json:"amount" yaml:"amount"`
}

// RewardMetadata is a tagged union: exactly the variant matching Type is set.
type RewardMetadata struct {
	Type          RewardType             `json:"type" yaml:"type"`
	Badge         *BadgeMetadata         `json:"badge,omitempty" yaml:"badge,omitempty"`
	Item          *ItemMetadata          `json:"item,omitempty" yaml:"item,omitempty"`
	Permission    *PermissionMetadata    `json:"permission,omitempty" yaml:"permission,omitempty"`
	Title         *TitleMetadata         `json:"title,omitempty" yaml:"title,omitempty"`
	CurrencyBonus *CurrencyBonusMetadata `json:"currency_bonus,omitempty" yaml:"currency_bonus,omitempty"`
}

// Validate checks the union against the reward's declared type.
func (m RewardMetadata) Validate(rewardType RewardType, path string) []Issue {
	var issues []Issue
	if m.Type != rewardType {
		issues = append(issues, issuef(join(path, "type"), "metadata type %q does not match reward type %q", m.Type, rewardType))
	}

	set := 0
	for _, present := range []bool{m.Badge != nil, m.Item != nil, m.Permission != nil, m.Title != nil, m.CurrencyBonus != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		issues = append(issues, issuef(path, "exactly one metadata variant must be set"))
	}

	switch rewardType {
	case RewardTypeBadge:
		if m.Badge == nil {
			return append(issues, issuef(join(path, "badge"), "required for badge rewards"))
		}
		if strings.TrimSpace(m.Badge.Icon) == "" {
			issues = append(issues, issuef(join(path, "badge.icon"), "required"))
		}
		if !m.Badge.Rarity.Valid() {
			issues = append(issues, issuef(join(path, "badge.rarity"), "must be one of common, rare, epic, legendary"))
		}
	case RewardTypeItem:
		if m.Item == nil {
			return append(issues, issuef(join(path, "item"), "required for item rewards"))
		}
		if strings.TrimSpace(m.Item.ItemCode) == "" {
			issues = append(issues, issuef(join(path, "item.item_code"), "required"))
		}
		if m.Item.Quantity <= 0 {
			issues = append(issues, issuef(join(path, "item.quantity"), "must be > 0"))
		}
	case RewardTypePermission:
		if m.Permission == nil {
			return append(issues, issuef(join(path, "permission"), "required for permission rewards"))
		}
		if strings.TrimSpace(m.Permission.Permission) == "" {
			issues = append(issues, issuef(join(path, "permission.permission"), "required"))
		}
		if m.Permission.DurationDays < 0 {
			issues = append(issues, issuef(join(path, "permission.duration_days"), "must be >= 0"))
		}
	case RewardTypeTitle:
		if m.Title == nil {
			return append(issues, issuef(join(path, "title"), "required for title rewards"))
		}
		if strings.TrimSpace(m.Title.Title) == "" {
			issues = append(issues, issuef(join(path, "title.title"), "required"))
		}
	case RewardTypeCurrencyBonus:
		if m.CurrencyBonus == nil {
			return append(issues, issuef(join(path, "currency_bonus"), "required for currency_bonus rewards"))
		}
		if m.CurrencyBonus.Amount <= 0 {
			issues = append(issues, issuef(join(path, "currency_bonus.amount"), "must be > 0"))
		}
	default:
		issues = append(issues, issuef(join(path, "type"), "unknown reward type %q", rewardType))
	}
	return issues
}

// Reward is one catalog entry. Badges are rewards of type badge.
type Reward struct {
	ID          string                               `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name        string                               `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	Description string                               `gorm:"type:text" json:"description"`
	Type        RewardType                           `gorm:"type:varchar(32);not null;index" json:"type"`
	Metadata    datatypes.JSONType[RewardMetadata]   `gorm:"not null" json:"metadata"`
	Unlock      datatypes.JSONType[*UnlockCondition] `json:"unlock"`
	Cost        *int64                               `json:"cost,omitempty"` // nil = not purchasable
	Repeatable  bool                                 `gorm:"not null" json:"repeatable"`
	Active      bool                                 `gorm:"not null;index" json:"active"`

	Timestamps
}

// UnlockCondition returns the stored predicate, nil when the reward is always unlocked.
func (r Reward) UnlockCondition() *UnlockCondition {
	return r.Unlock.Data()
}

// UserReward is an ownership record. OwnershipKey is unique: account:reward for
// non-repeatable rewards, account:reward:<uuid> for repeatable ones.
type UserReward struct {
	ID           uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID    string            `gorm:"type:varchar(64);not null;index:idx_user_rewards_account_reward,priority:1" json:"account_id"`
	RewardID     string            `gorm:"type:varchar(36);not null;index:idx_user_rewards_account_reward,priority:2" json:"reward_id"`
	Method       AcquisitionMethod `gorm:"type:varchar(32);not null" json:"method"`
	AcquiredAt   time.Time         `gorm:"not null" json:"acquired_at"`
	OwnershipKey string            `gorm:"type:varchar(160);uniqueIndex;not null" json:"-"`

	Reward *Reward `gorm:"foreignKey:RewardID" json:"reward,omitempty"`
}
