package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the business reason for a balance-affecting event.
type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"
	TxWithdrawal      TransactionType = "withdrawal"
	TxQuizReward      TransactionType = "quiz_reward"
	TxTournamentWin   TransactionType = "tournament_win"
	TxReferralBonus   TransactionType = "referral_bonus"
	TxDailyBonus      TransactionType = "daily_bonus"
	TxLevelBonus      TransactionType = "level_bonus"
	TxTaskReward      TransactionType = "task_reward"
	TxEntryFee        TransactionType = "entry_fee"
	TxBonusConversion TransactionType = "bonus_conversion"
)

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxQuizReward, TxTournamentWin, TxReferralBonus,
		TxDailyBonus, TxLevelBonus, TxTaskReward, TxEntryFee, TxBonusConversion:
		return true
	}
	return false
}

// RequiresReview reports whether the type goes through admin approval.
func (t TransactionType) RequiresReview() bool {
	return t == TxDeposit || t == TxWithdrawal
}

// TransactionStatus represents transaction status
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusRejected  TransactionStatus = "rejected"
	StatusFailed    TransactionStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

// ReviewState is the admin-facing view of a deposit or withdrawal.
type ReviewState string

const (
	ReviewPending  ReviewState = "pending_review"
	ReviewApproved ReviewState = "approved"
	ReviewRejected ReviewState = "rejected"
)

// Transaction is an append-only record of a balance-affecting event.
type Transaction struct {
	ID          string            `json:"id" db:"id"`
	UserID      string            `json:"userId" db:"user_id"`
	Type        TransactionType   `json:"type" db:"type"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Fee         decimal.Decimal   `json:"fee" db:"fee"`
	Status      TransactionStatus `json:"status" db:"status"`
	TxHash      string            `json:"txHash,omitempty" db:"tx_hash"`
	Reference   string            `json:"reference,omitempty" db:"reference"`
	Details     Metadata          `json:"details,omitempty" db:"details"`
	Reason      string            `json:"reason,omitempty" db:"reason"`
	ProcessedBy string            `json:"processedBy,omitempty" db:"processed_by"`
	Timestamp   time.Time         `json:"timestamp" db:"created_at"`
	ProcessedAt *time.Time        `json:"processedAt,omitempty" db:"processed_at"`
}

// Details keys
const (
	DetailProofURL      = "proofUrl"
	DetailExternalTxID  = "externalTxId"
	DetailAddress       = "address"
	DetailNetwork       = "network"
	DetailLevel         = "level"
	DetailReferralID    = "referralId"
	DetailReferralSide  = "referralSide"
	DetailClaimDate     = "claimDate"
	DetailBonusConsumed = "bonusConsumed"
)

// ReviewState maps the status lifecycle onto the approval state machine.
func (t *Transaction) ReviewState() ReviewState {
	switch t.Status {
	case StatusCompleted:
		return ReviewApproved
	case StatusRejected, StatusFailed:
		return ReviewRejected
	default:
		return ReviewPending
	}
}

// Detail returns a string detail or "".
func (t *Transaction) Detail(key string) string {
	if t.Details == nil {
		return ""
	}
	if v, ok := t.Details[key].(string); ok {
		return v
	}
	return ""
}

// SignedDelta is the balance mutation applied when the transaction completes.
func (t *Transaction) SignedDelta() BalanceDelta {
	switch t.Type {
	case TxDeposit:
		return BalanceDelta{Playable: t.Amount, Deposited: t.Amount, MarkDeposited: true}
	case TxWithdrawal:
		return BalanceDelta{Playable: t.Amount.Add(t.Fee).Neg(), Withdrawn: t.Amount}
	case TxQuizReward, TxTournamentWin, TxTaskReward, TxLevelBonus:
		return BalanceDelta{Playable: t.Amount, Earned: t.Amount}
	case TxReferralBonus, TxDailyBonus:
		return BalanceDelta{Bonus: t.Amount, Earned: t.Amount}
	case TxEntryFee:
		// bonus share is decided at creation time and stored in details
		bonus := decimal.Zero
		if s := t.Detail(DetailBonusConsumed); s != "" {
			bonus, _ = decimal.NewFromString(s)
		}
		return BalanceDelta{Playable: t.Amount.Sub(bonus).Neg(), Bonus: bonus.Neg()}
	case TxBonusConversion:
		return BalanceDelta{Playable: t.Amount, Bonus: t.Amount.Neg()}
	}
	return BalanceDelta{}
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Details = t.Details.Clone()
	if t.ProcessedAt != nil {
		p := *t.ProcessedAt
		c.ProcessedAt = &p
	}
	return &c
}

// TransactionFilter narrows list queries. Before is an exclusive id cursor.
type TransactionFilter struct {
	UserID        string
	Reference     string
	Types         []TransactionType
	Statuses      []TransactionStatus
	Before        string
	CreatedBefore time.Time
	Limit         int
}

// Matches reports whether tx satisfies every set criterion.
func (f TransactionFilter) Matches(tx *Transaction) bool {
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if f.Reference != "" && tx.Reference != f.Reference {
		return false
	}
	if f.Before != "" && tx.ID >= f.Before {
		return false
	}
	if !f.CreatedBefore.IsZero() && !tx.Timestamp.Before(f.CreatedBefore) {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == tx.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if s == tx.Status {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// TransactionPage is one page of a descending listing.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"nextCursor,omitempty"`
}
