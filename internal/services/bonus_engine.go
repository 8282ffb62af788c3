package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cryptoquiz/backend/internal/audit"
	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/cryptoquiz/backend/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettingDailyBonusAmount is the settings key admins use to override the
// configured daily bonus.
const SettingDailyBonusAmount = "daily_bonus_amount"

const (
	systemActor     = "system"
	maxXPAttempts   = 3
	referrerSide    = "referrer"
	welcomeSide     = "welcome"
	claimDateLayout = "2006-01-02"
)

var errLevelDrift = errors.New("level changed while awarding xp")

type DailyBonusResult struct {
	Claimed     bool                `json:"claimed"`
	Message     string              `json:"message,omitempty"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
	Account     *models.Account     `json:"account"`
	NextClaimAt time.Time           `json:"nextClaimAt"`
}

// RewardRequest is a credit asserted by a trusted quiz, tournament or task
// module. Reference makes it idempotent per (user, type).
type RewardRequest struct {
	UserID    string
	Type      models.TransactionType
	Amount    decimal.Decimal
	Reference string
	Details   models.Metadata
}

type EntryFeeRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Reference string
}

type XPResult struct {
	Account     *models.Account     `json:"account"`
	LeveledUp   bool                `json:"leveledUp"`
	Transaction *models.Transaction `json:"transaction,omitempty"`
}

// BonusEngine evaluates the reward rules and turns them into completed
// transactions.
type BonusEngine struct {
	store    store.Store
	accounts *AccountStore
	txlog    *TransactionLog
	locks    *keyedMutex
	audit    *audit.Logger
	cfg      config.LedgerConfig
	now      func() time.Time
}

func NewBonusEngine(s store.Store, accounts *AccountStore, txlog *TransactionLog, auditLog *audit.Logger, cfg config.LedgerConfig) *BonusEngine {
	if auditLog == nil {
		auditLog = audit.NewLogger(nil)
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.XPPerLevel <= 0 {
		cfg.XPPerLevel = 100
	}
	return &BonusEngine{
		store:    s,
		accounts: accounts,
		txlog:    txlog,
		locks:    newKeyedMutex(),
		audit:    auditLog,
		cfg:      cfg,
		now:      time.Now,
	}
}

// DailyBonusAmount returns the admin override if set, else the configured
// amount.
func (e *BonusEngine) DailyBonusAmount(ctx context.Context) (decimal.Decimal, error) {
	raw, err := e.store.GetSetting(ctx, SettingDailyBonusAmount)
	if errors.Is(err, models.ErrNotFound) {
		return e.cfg.DailyBonusAmount, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || !amount.IsPositive() {
		logger.Log.Warn("ignoring invalid daily bonus setting", zap.String("value", raw))
		return e.cfg.DailyBonusAmount, nil
	}
	return amount, nil
}

func (e *BonusEngine) SetDailyBonusAmount(ctx context.Context, amount decimal.Decimal, adminID string) error {
	if !amount.IsPositive() {
		return models.NewValidationError("amount", "must be greater than zero")
	}
	if err := checkAmountPlaces("amount", amount); err != nil {
		return err
	}
	if err := e.store.PutSetting(ctx, SettingDailyBonusAmount, amount.String()); err != nil {
		return err
	}
	e.audit.LogOperation("", adminID, "DAILY_BONUS_AMOUNT", amount.String())
	return nil
}

// ClaimDailyBonus credits the daily bonus once per calendar day in the
// server timezone. A second claim the same day returns Claimed=false.
func (e *BonusEngine) ClaimDailyBonus(ctx context.Context, userID string) (*DailyBonusResult, error) {
	acc, err := e.activeAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := e.now().In(e.cfg.Timezone)
	today := now.Format(claimDateLayout)
	result := &DailyBonusResult{
		Account:     acc,
		NextClaimAt: time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, e.cfg.Timezone),
	}
	if acc.LastDailyBonusDate == today {
		result.Message = "already claimed"
		return result, nil
	}

	amount, err := e.DailyBonusAmount(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := e.txlog.Create(ctx, &models.Transaction{
		UserID:    userID,
		Type:      models.TxDailyBonus,
		Amount:    amount,
		Reference: "daily:" + today,
		Details:   models.Metadata{models.DetailClaimDate: today},
	})
	if err != nil {
		return nil, err
	}

	tx, applied, err := e.txlog.transition(ctx, tx.ID, models.StatusCompleted, TransitionOptions{
		ActorID: systemActor,
		Mutate: func(acc *models.Account) error {
			acc.LastDailyBonusDate = today
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	if result.Account, err = e.accounts.Get(ctx, userID); err != nil {
		return nil, err
	}
	if !applied {
		result.Message = "already claimed"
		return result, nil
	}
	result.Claimed = true
	result.Transaction = tx
	return result, nil
}

// ApplyReferral attributes referredID to the owner of code and credits both
// sides. Each side is its own transaction, so a retry after a partial
// failure completes the missing side without repeating the other.
func (e *BonusEngine) ApplyReferral(ctx context.Context, referredID, code string) (*models.Referral, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, models.NewValidationError("referralCode", "required")
	}

	existing, err := e.store.GetReferralByReferred(ctx, referredID)
	if err == nil {
		if existing.Status != models.ReferralPending {
			return existing, fmt.Errorf("user %s: %w", referredID, models.ErrDuplicateAttribution)
		}
		return e.completeReferral(ctx, existing)
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	referred, err := e.accounts.Get(ctx, referredID)
	if err != nil {
		return nil, err
	}
	if referred.ReferredBy != "" {
		return nil, fmt.Errorf("user %s: %w", referredID, models.ErrDuplicateAttribution)
	}
	if referred.OnboardedAt != nil {
		return nil, models.NewValidationError("referralCode", "referral codes only apply to new accounts")
	}

	referrer, err := e.store.GetAccountByReferralCode(ctx, code)
	if errors.Is(err, models.ErrNotFound) {
		return nil, models.NewValidationError("referralCode", "unknown referral code")
	}
	if err != nil {
		return nil, err
	}
	if referrer.UserID == referredID {
		return nil, models.NewValidationError("referralCode", "cannot use your own referral code")
	}

	ref := &models.Referral{
		ID:            uuid.NewString(),
		ReferrerID:    referrer.UserID,
		ReferredID:    referredID,
		ReferralCode:  code,
		BonusAmount:   e.cfg.ReferrerReward,
		WelcomeAmount: e.cfg.WelcomeReward,
		ReferrerTxID:  e.txlog.NewID(),
		WelcomeTxID:   e.txlog.NewID(),
		Status:        models.ReferralPending,
		Date:          e.now().UTC(),
	}
	if err := e.store.CreateReferral(ctx, ref); err != nil {
		if errors.Is(err, models.ErrAlreadyExists) {
			return nil, fmt.Errorf("user %s: %w", referredID, models.ErrDuplicateAttribution)
		}
		return nil, err
	}
	logger.Log.Info("referral attributed",
		zap.String("referral_id", ref.ID),
		zap.String("referrer_id", ref.ReferrerID),
		zap.String("referred_id", referredID))

	return e.completeReferral(ctx, ref)
}

func (e *BonusEngine) completeReferral(ctx context.Context, ref *models.Referral) (*models.Referral, error) {
	_, err := e.accounts.Update(ctx, ref.ReferredID, func(acc *models.Account) error {
		if acc.ReferredBy != "" && acc.ReferredBy != ref.ReferrerID {
			return fmt.Errorf("user %s: %w", ref.ReferredID, models.ErrDuplicateAttribution)
		}
		acc.ReferredBy = ref.ReferrerID
		return nil
	})
	if err != nil {
		return nil, err
	}

	sides := []struct {
		name   string
		txID   string
		userID string
		amount decimal.Decimal
	}{
		{referrerSide, ref.ReferrerTxID, ref.ReferrerID, ref.BonusAmount},
		{welcomeSide, ref.WelcomeTxID, ref.ReferredID, ref.WelcomeAmount},
	}
	for _, side := range sides {
		if !side.amount.IsPositive() {
			continue
		}
		_, err := e.complete(ctx, &models.Transaction{
			ID:        side.txID,
			UserID:    side.userID,
			Type:      models.TxReferralBonus,
			Amount:    side.amount,
			Reference: "referral:" + ref.ID + ":" + side.name,
			Details: models.Metadata{
				models.DetailReferralID:   ref.ID,
				models.DetailReferralSide: side.name,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("referral %s %s side: %w", ref.ID, side.name, err)
		}
	}

	done := e.now().UTC()
	ref.Status = models.ReferralCompleted
	ref.CompletedAt = &done
	if err := e.store.UpdateReferral(ctx, ref); err != nil {
		return nil, err
	}
	e.audit.LogOperation(ref.ReferredID, ref.ReferrerID, "REFERRAL_COMPLETED", ref.ID)
	return ref, nil
}

func (e *BonusEngine) GetReferralStats(ctx context.Context, userID string) (*models.ReferralStats, error) {
	acc, err := e.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	refs, err := e.store.ListReferralsByReferrer(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &models.ReferralStats{
		ReferralCode: acc.ReferralCode,
		Total:        len(refs),
		TotalEarned:  decimal.Zero,
		Referrals:    refs,
	}
	if stats.Referrals == nil {
		stats.Referrals = []models.Referral{}
	}
	for _, r := range refs {
		if r.Status == models.ReferralCompleted {
			stats.Completed++
			stats.TotalEarned = stats.TotalEarned.Add(r.BonusAmount)
		}
	}
	return stats, nil
}

// LevelFor maps total xp onto a level.
func (e *BonusEngine) LevelFor(xp int64) int {
	return int(xp/e.cfg.XPPerLevel) + 1
}

// AwardXP adds xp once per sourceKey. Crossing a level boundary credits
// newLevel * LevelBonusRate to playable balance in the same write that
// stores the new level.
func (e *BonusEngine) AwardXP(ctx context.Context, userID string, xp int64, sourceKey string) (*XPResult, error) {
	if xp <= 0 {
		return nil, models.NewValidationError("xp", "must be greater than zero")
	}
	if sourceKey == "" {
		return nil, models.NewValidationError("sourceKey", "required")
	}

	unlock := e.locks.Lock(userID)
	defer unlock()

	xpKey := "xp:" + userID + ":" + sourceKey
	for attempt := 1; ; attempt++ {
		res, err := e.awardXP(ctx, userID, xp, xpKey)
		if !errors.Is(err, errLevelDrift) {
			return res, err
		}
		if attempt >= maxXPAttempts {
			return nil, fmt.Errorf("award xp %s: %w", xpKey, models.ErrVersionConflict)
		}
		logger.Log.Debug("level drift, retrying xp award",
			zap.String("user_id", userID), zap.Int("attempt", attempt))
	}
}

// levelRef names the level bonus transaction of one planning round. Later
// rounds exist only when a concurrent award moved the level first.
func levelRef(xpKey string, round int) string {
	if round == 1 {
		return xpKey
	}
	return fmt.Sprintf("%s:retry%d", xpKey, round)
}

func (e *BonusEngine) awardXP(ctx context.Context, userID string, xp int64, xpKey string) (*XPResult, error) {
	applied, err := e.store.HasLedgerEntry(ctx, xpKey)
	if err != nil {
		return nil, err
	}
	if applied {
		return e.xpReplay(ctx, userID, nil)
	}

	round := 1
	for ; ; round++ {
		levelTx, err := e.txlog.FindByReference(ctx, userID, models.TxLevelBonus, levelRef(xpKey, round))
		if errors.Is(err, models.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch levelTx.Status {
		case models.StatusCompleted:
			return e.xpReplay(ctx, userID, levelTx)
		case models.StatusPending:
			return e.completeLevelUp(ctx, levelTx, xp)
		}
		// failed rounds lost their level to a concurrent writer
	}

	acc, err := e.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	newLevel := e.LevelFor(acc.XP + xp)
	if newLevel <= acc.Level {
		return e.addXP(ctx, userID, xp, xpKey)
	}

	levelTx, err := e.txlog.Create(ctx, &models.Transaction{
		UserID:    userID,
		Type:      models.TxLevelBonus,
		Amount:    e.cfg.LevelBonusRate.Mul(decimal.NewFromInt(int64(newLevel))),
		Reference: levelRef(xpKey, round),
		Details:   models.Metadata{models.DetailLevel: newLevel},
	})
	if err != nil {
		return nil, err
	}
	return e.completeLevelUp(ctx, levelTx, xp)
}

// addXP records xp that stays within the current level. Crossing a boundary
// here would skip the bonus, so it reports errLevelDrift instead.
func (e *BonusEngine) addXP(ctx context.Context, userID string, xp int64, xpKey string) (*XPResult, error) {
	acc, err := e.accounts.Mutate(ctx, userID, Mutation{
		Key: xpKey,
		Apply: func(acc *models.Account) error {
			acc.XP += xp
			if e.LevelFor(acc.XP) > acc.Level {
				return errLevelDrift
			}
			return nil
		},
	})
	if errors.Is(err, models.ErrDuplicateEntry) {
		return &XPResult{Account: acc}, nil
	}
	if err != nil {
		return nil, err
	}
	return &XPResult{Account: acc}, nil
}

func (e *BonusEngine) completeLevelUp(ctx context.Context, tx *models.Transaction, xp int64) (*XPResult, error) {
	target := e.LevelFor(0)
	if lvl, err := levelDetail(tx); err == nil {
		target = lvl
	}

	done, err := e.txlog.Transition(ctx, tx.ID, models.StatusCompleted, TransitionOptions{
		ActorID: systemActor,
		Mutate: func(acc *models.Account) error {
			acc.XP += xp
			if acc.Level >= target || e.LevelFor(acc.XP) != target {
				return errLevelDrift
			}
			acc.Level = target
			return nil
		},
	})
	if errors.Is(err, errLevelDrift) {
		if _, failErr := e.txlog.Fail(ctx, tx.ID, "level changed during award"); failErr != nil {
			return nil, failErr
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	acc, err := e.accounts.Get(ctx, tx.UserID)
	if err != nil {
		return nil, err
	}
	logger.Log.Info("level up",
		zap.String("user_id", tx.UserID),
		zap.Int("level", target),
		zap.String("bonus", done.Amount.String()))
	return &XPResult{Account: acc, LeveledUp: true, Transaction: done}, nil
}

func (e *BonusEngine) xpReplay(ctx context.Context, userID string, tx *models.Transaction) (*XPResult, error) {
	acc, err := e.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &XPResult{Account: acc, Transaction: tx}, nil
}

func levelDetail(tx *models.Transaction) (int, error) {
	switch v := tx.Details[models.DetailLevel].(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case int64:
		return int(v), nil
	}
	return 0, fmt.Errorf("transaction %s has no level", tx.ID)
}

// Credit records and completes a reward from a trusted module.
func (e *BonusEngine) Credit(ctx context.Context, req RewardRequest) (*models.Transaction, error) {
	switch req.Type {
	case models.TxQuizReward, models.TxTournamentWin, models.TxTaskReward:
	default:
		return nil, models.NewValidationError("type", "%q is not a reward type", req.Type)
	}
	if strings.TrimSpace(req.Reference) == "" {
		return nil, models.NewValidationError("reference", "required")
	}
	if _, err := e.activeAccount(ctx, req.UserID); err != nil {
		return nil, err
	}

	return e.complete(ctx, &models.Transaction{
		UserID:    req.UserID,
		Type:      req.Type,
		Amount:    req.Amount,
		Reference: req.Reference,
		Details:   req.Details,
	})
}

// SpendEntryFee debits a tournament entry. Playable balance is used first;
// bonus balance covers the rest only after the first deposit.
func (e *BonusEngine) SpendEntryFee(ctx context.Context, req EntryFeeRequest) (*models.Transaction, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, models.NewValidationError("reference", "required")
	}
	if !req.Amount.IsPositive() {
		return nil, models.NewValidationError("amount", "must be greater than zero")
	}
	acc, err := e.activeAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if existing, err := e.txlog.FindByReference(ctx, req.UserID, models.TxEntryFee, req.Reference); err == nil {
		return e.resume(ctx, existing)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if acc.SpendableBalance().LessThan(req.Amount) {
		return nil, fmt.Errorf("entry fee %s: %w", req.Amount, models.ErrInsufficientBalance)
	}
	bonusUsed := decimal.Zero
	if acc.PlayableBalance.LessThan(req.Amount) {
		bonusUsed = req.Amount.Sub(acc.PlayableBalance)
	}

	tx, err := e.txlog.Create(ctx, &models.Transaction{
		UserID:    req.UserID,
		Type:      models.TxEntryFee,
		Amount:    req.Amount,
		Reference: req.Reference,
		Details:   models.Metadata{models.DetailBonusConsumed: bonusUsed.String()},
	})
	if err != nil {
		return nil, err
	}
	return e.completeOrFail(ctx, tx)
}

// ConvertBonus moves the whole bonus balance into playable balance.
func (e *BonusEngine) ConvertBonus(ctx context.Context, userID string) (*models.Transaction, error) {
	acc, err := e.activeAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acc.HasDeposited {
		return nil, models.NewValidationError("bonusBalance", "bonus can be converted after your first deposit")
	}
	if !acc.BonusBalance.IsPositive() {
		return nil, models.NewValidationError("bonusBalance", "no bonus to convert")
	}

	tx, err := e.txlog.Create(ctx, &models.Transaction{
		UserID: userID,
		Type:   models.TxBonusConversion,
		Amount: acc.BonusBalance,
	})
	if err != nil {
		return nil, err
	}
	return e.completeOrFail(ctx, tx)
}

// complete creates tx (or finds the earlier one) and drives it to completed.
// Transient failures leave it pending so a retry resumes it.
func (e *BonusEngine) complete(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	tx, err := e.txlog.Create(ctx, tx)
	if err != nil {
		return nil, err
	}
	return e.resume(ctx, tx)
}

func (e *BonusEngine) resume(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	switch tx.Status {
	case models.StatusPending:
		return e.txlog.Transition(ctx, tx.ID, models.StatusCompleted, TransitionOptions{ActorID: systemActor})
	case models.StatusCompleted:
		return tx, nil
	default:
		return tx, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, models.ErrInvalidTransition)
	}
}

// completeOrFail is for debits: a balance that no longer covers the amount
// fails the transaction instead of leaving it pending.
func (e *BonusEngine) completeOrFail(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	done, err := e.resume(ctx, tx)
	if errors.Is(err, models.ErrInsufficientBalance) {
		if _, failErr := e.txlog.Fail(ctx, tx.ID, "insufficient balance"); failErr != nil {
			logger.Log.Warn("could not fail transaction", zap.String("transaction_id", tx.ID), zap.Error(failErr))
		}
	}
	return done, err
}

func (e *BonusEngine) activeAccount(ctx context.Context, userID string) (*models.Account, error) {
	acc, err := e.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive() {
		return nil, fmt.Errorf("account %s is %s: %w", userID, acc.Status, models.ErrAccountNotActive)
	}
	return acc, nil
}
