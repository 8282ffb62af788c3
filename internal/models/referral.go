package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralStatus represents referral status
type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralCompleted ReferralStatus = "completed"
	ReferralCancelled ReferralStatus = "cancelled"
)

// Referral attributes a referred account to exactly one referrer.
type Referral struct {
	ID            string          `json:"id" db:"id"`
	ReferrerID    string          `json:"referrerId" db:"referrer_id"`
	ReferredID    string          `json:"referredId" db:"referred_id"` // unique
	ReferralCode  string          `json:"referralCode" db:"referral_code"`
	BonusAmount   decimal.Decimal `json:"bonusAmount" db:"bonus_amount"`
	WelcomeAmount decimal.Decimal `json:"welcomeAmount" db:"welcome_amount"`
	ReferrerTxID  string          `json:"referrerTxId" db:"referrer_tx_id"`
	WelcomeTxID   string          `json:"welcomeTxId" db:"welcome_tx_id"`
	Status        ReferralStatus  `json:"status" db:"status"`
	Date          time.Time       `json:"date" db:"created_at"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty" db:"completed_at"`
}

// ReferralStats summarises a referrer's invitations.
type ReferralStats struct {
	ReferralCode string          `json:"referralCode"`
	Total        int             `json:"total"`
	Completed    int             `json:"completed"`
	TotalEarned  decimal.Decimal `json:"totalEarned"`
	Referrals    []Referral      `json:"referrals"`
}
