package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus represents account status
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusBanned    AccountStatus = "banned"
	AccountStatusPending   AccountStatus = "pending"
)

// Valid reports whether s is a known status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountStatusActive, AccountStatusSuspended, AccountStatusBanned, AccountStatusPending:
		return true
	}
	return false
}

// Account is the durable per-user balance record.
type Account struct {
	UserID             string          `json:"userId" db:"user_id"`
	Username           string          `json:"username,omitempty" db:"username"`
	PlayableBalance    decimal.Decimal `json:"playableBalance" db:"playable_balance"`
	BonusBalance       decimal.Decimal `json:"bonusBalance" db:"bonus_balance"`
	TotalEarned        decimal.Decimal `json:"totalEarned" db:"total_earned"`
	TotalDeposited     decimal.Decimal `json:"totalDeposited" db:"total_deposited"`
	TotalWithdrawn     decimal.Decimal `json:"totalWithdrawn" db:"total_withdrawn"`
	HasDeposited       bool            `json:"hasDeposited" db:"has_deposited"`
	Status             AccountStatus   `json:"status" db:"status"`
	XP                 int64           `json:"xp" db:"xp"`
	Level              int             `json:"level" db:"level"`
	LastDailyBonusDate string          `json:"lastDailyBonusDate,omitempty" db:"last_daily_bonus_date"` // YYYY-MM-DD, server timezone
	ReferralCode       string          `json:"referralCode" db:"referral_code"`
	ReferredBy         string          `json:"referredBy,omitempty" db:"referred_by"`
	OnboardedAt        *time.Time      `json:"onboardedAt,omitempty" db:"onboarded_at"`
	Version            int             `json:"-" db:"version"` // for optimistic locking
	CreatedAt          time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time       `json:"updatedAt" db:"updated_at"`
}

// AvailableBalance is always derived from its parts.
func (a *Account) AvailableBalance() decimal.Decimal {
	return a.PlayableBalance.Add(a.BonusBalance)
}

// SpendableBalance is what an entry fee may draw on: bonus credit only counts
// once the account has completed a deposit.
func (a *Account) SpendableBalance() decimal.Decimal {
	if a.HasDeposited {
		return a.AvailableBalance()
	}
	return a.PlayableBalance
}

// IsActive reports whether the account may initiate balance operations.
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	if a.OnboardedAt != nil {
		t := *a.OnboardedAt
		c.OnboardedAt = &t
	}
	return &c
}

// BalanceDelta bundles every field change of one balance mutation.
// Counter fields are lifetime totals and must never be negative.
type BalanceDelta struct {
	Playable      decimal.Decimal `json:"playable"`
	Bonus         decimal.Decimal `json:"bonus"`
	Earned        decimal.Decimal `json:"earned"`
	Deposited     decimal.Decimal `json:"deposited"`
	Withdrawn     decimal.Decimal `json:"withdrawn"`
	MarkDeposited bool            `json:"markDeposited,omitempty"`
}

// IsZero reports whether the delta changes no balance field.
func (d BalanceDelta) IsZero() bool {
	return d.Playable.IsZero() && d.Bonus.IsZero() && d.Earned.IsZero() &&
		d.Deposited.IsZero() && d.Withdrawn.IsZero() && !d.MarkDeposited
}

// ApplyTo mutates acc in place. It fails without touching acc when a balance
// would go negative.
func (d BalanceDelta) ApplyTo(acc *Account) error {
	if d.Earned.IsNegative() || d.Deposited.IsNegative() || d.Withdrawn.IsNegative() {
		return NewValidationError("delta", "lifetime counters cannot decrease")
	}

	playable := acc.PlayableBalance.Add(d.Playable)
	bonus := acc.BonusBalance.Add(d.Bonus)
	if playable.IsNegative() || bonus.IsNegative() {
		return ErrInsufficientBalance
	}

	acc.PlayableBalance = playable
	acc.BonusBalance = bonus
	acc.TotalEarned = acc.TotalEarned.Add(d.Earned)
	acc.TotalDeposited = acc.TotalDeposited.Add(d.Deposited)
	acc.TotalWithdrawn = acc.TotalWithdrawn.Add(d.Withdrawn)
	if d.MarkDeposited {
		acc.HasDeposited = true
	}
	return nil
}

// LedgerEntry records one applied mutation. IdempotencyKey is unique, so a
// replayed mutation cannot be applied twice.
type LedgerEntry struct {
	ID              int64           `json:"id" db:"id"`
	IdempotencyKey  string          `json:"idempotencyKey" db:"idempotency_key"`
	UserID          string          `json:"userId" db:"user_id"`
	PlayableDelta   decimal.Decimal `json:"playableDelta" db:"playable_delta"`
	BonusDelta      decimal.Decimal `json:"bonusDelta" db:"bonus_delta"`
	PlayableBalance decimal.Decimal `json:"playableBalance" db:"playable_balance"`
	BonusBalance    decimal.Decimal `json:"bonusBalance" db:"bonus_balance"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// TransactionUpdate is a conditional status change committed together with an
// account mutation.
type TransactionUpdate struct {
	ID          string
	From        TransactionStatus
	To          TransactionStatus
	Reason      string
	TxHash      string
	ProcessedBy string
	ProcessedAt time.Time
}

// AccountCommit is one atomic write: account compare-and-swap on Version,
// ledger entry insert, and optionally a transaction status change.
type AccountCommit struct {
	Account     *Account
	Entry       *LedgerEntry
	Transaction *TransactionUpdate
}
