package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cryptoquiz/backend/internal/events"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	activityKeyPrefix   = "activity:"
	activityGenPrefix   = "activity:gen:"
	defaultActivitySize = 50
	defaultActivityTTL  = 24 * time.Hour
)

type transactionLister interface {
	ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) (*models.TransactionPage, error)
}

// ActivityFeed is a read-side projection of the transaction log, cached per
// user in a Redis list. The cache is dropped on every change and rebuilt
// from the log on the next read.
type ActivityFeed struct {
	txlog transactionLister
	rdb   *redis.Client
	size  int
	ttl   time.Duration
}

func NewActivityFeed(txlog transactionLister, rdb *redis.Client) *ActivityFeed {
	return &ActivityFeed{
		txlog: txlog,
		rdb:   rdb,
		size:  defaultActivitySize,
		ttl:   defaultActivityTTL,
	}
}

func activityKey(userID string) string {
	return activityKeyPrefix + userID
}

// activityGenKey is bumped on every change so a rebuild that read the log
// before the change cannot write its stale list back.
func activityGenKey(userID string) string {
	return activityGenPrefix + userID
}

// Project maps a transaction onto its display record.
func (f *ActivityFeed) Project(tx *models.Transaction) models.ActivityItem {
	return ProjectActivity(tx)
}

// ProjectActivity is pure: the same transaction always yields the same item.
func ProjectActivity(tx *models.Transaction) models.ActivityItem {
	item := models.ActivityItem{
		TransactionID: tx.ID,
		Time:          tx.Timestamp,
	}
	if tx.ProcessedAt != nil {
		item.Time = *tx.ProcessedAt
	}
	amount := tx.Amount.String()

	switch tx.Type {
	case models.TxDeposit:
		item.Icon = "💰"
		item.Title = "Deposit " + reviewWord(tx)
		item.Description = fmt.Sprintf("%s USDT via %s", amount, networkOrDash(tx))
	case models.TxWithdrawal:
		item.Icon = "🏦"
		item.Title = "Withdrawal " + reviewWord(tx)
		item.Description = fmt.Sprintf("%s USDT to %s", amount, networkOrDash(tx))
	case models.TxQuizReward:
		item.Icon = "🧠"
		item.Title = "Quiz reward"
		item.Description = fmt.Sprintf("+%s USDT", amount)
	case models.TxTournamentWin:
		item.Icon = "🏆"
		item.Title = "Tournament win"
		item.Description = fmt.Sprintf("+%s USDT", amount)
	case models.TxTaskReward:
		item.Icon = "✅"
		item.Title = "Task reward"
		item.Description = fmt.Sprintf("+%s USDT", amount)
	case models.TxReferralBonus:
		item.Icon = "🤝"
		item.Title = "Referral bonus"
		if tx.Detail(models.DetailReferralSide) == "welcome" {
			item.Title = "Welcome bonus"
		}
		item.Description = fmt.Sprintf("+%s bonus", amount)
	case models.TxDailyBonus:
		item.Icon = "🎁"
		item.Title = "Daily bonus"
		item.Description = fmt.Sprintf("+%s bonus", amount)
	case models.TxLevelBonus:
		item.Icon = "⭐"
		item.Title = "Level up"
		if lvl, ok := tx.Details[models.DetailLevel]; ok {
			item.Title = fmt.Sprintf("Reached level %v", lvl)
		}
		item.Description = fmt.Sprintf("+%s USDT", amount)
	case models.TxEntryFee:
		item.Icon = "🎟️"
		item.Title = "Tournament entry"
		item.Description = fmt.Sprintf("-%s USDT", amount)
	case models.TxBonusConversion:
		item.Icon = "🔄"
		item.Title = "Bonus converted"
		item.Description = fmt.Sprintf("%s bonus moved to balance", amount)
	default:
		item.Icon = "•"
		item.Title = string(tx.Type)
		item.Description = amount
	}

	if !tx.Type.RequiresReview() {
		switch tx.Status {
		case models.StatusPending:
			item.Title += " (processing)"
		case models.StatusFailed, models.StatusRejected:
			item.Title += " (failed)"
		}
	}
	if tx.Reason != "" && tx.Status != models.StatusCompleted {
		item.Description += " · " + tx.Reason
	}
	return item
}

func reviewWord(tx *models.Transaction) string {
	switch tx.ReviewState() {
	case models.ReviewApproved:
		return "approved"
	case models.ReviewRejected:
		return "rejected"
	default:
		return "pending review"
	}
}

func networkOrDash(tx *models.Transaction) string {
	if n := tx.Detail(models.DetailNetwork); n != "" {
		return n
	}
	return "-"
}

// List returns up to limit items, newest first.
func (f *ActivityFeed) List(ctx context.Context, userID string, limit int) ([]models.ActivityItem, error) {
	if limit <= 0 || limit > f.size {
		limit = f.size
	}

	if f.rdb != nil {
		vals, err := f.rdb.LRange(ctx, activityKey(userID), 0, int64(limit-1)).Result()
		if err != nil {
			logger.Log.Warn("activity cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if len(vals) > 0 {
			items := make([]models.ActivityItem, 0, len(vals))
			for _, v := range vals {
				var item models.ActivityItem
				if err := json.Unmarshal([]byte(v), &item); err != nil {
					items = nil
					break
				}
				items = append(items, item)
			}
			if items != nil {
				return items, nil
			}
		}
	}

	items, err := f.Rebuild(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// Rebuild projects the latest transactions again and replaces the cache.
// The cache write is skipped when a Record lands while the log is read.
func (f *ActivityFeed) Rebuild(ctx context.Context, userID string) ([]models.ActivityItem, error) {
	if f.rdb == nil {
		items, _, err := f.project(ctx, userID)
		return items, err
	}

	var items []models.ActivityItem
	var listErr error
	key := activityKey(userID)
	err := f.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		var payloads []interface{}
		items, payloads, listErr = f.project(ctx, userID)
		if listErr != nil {
			return listErr
		}
		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(payloads) > 0 {
				pipe.RPush(ctx, key, payloads...)
				pipe.Expire(ctx, key, f.ttl)
			}
			return nil
		})
		return err
	}, activityGenKey(userID))
	if listErr != nil {
		return nil, listErr
	}

	switch {
	case errors.Is(err, redis.TxFailedErr):
		logger.Log.Debug("activity changed during rebuild, cache left empty", zap.String("user_id", userID))
	case err != nil:
		logger.Log.Warn("activity cache write failed", zap.String("user_id", userID), zap.Error(err))
	}
	if items == nil {
		// redis failed before the log was read
		items, _, listErr = f.project(ctx, userID)
		if listErr != nil {
			return nil, listErr
		}
	}
	return items, nil
}

func (f *ActivityFeed) project(ctx context.Context, userID string) ([]models.ActivityItem, []interface{}, error) {
	page, err := f.txlog.ListByUser(ctx, userID, models.TransactionFilter{Limit: f.size})
	if err != nil {
		return nil, nil, err
	}

	items := make([]models.ActivityItem, 0, len(page.Transactions))
	payloads := make([]interface{}, 0, len(page.Transactions))
	for i := range page.Transactions {
		item := ProjectActivity(&page.Transactions[i])
		items = append(items, item)
		b, err := json.Marshal(item)
		if err != nil {
			return nil, nil, err
		}
		payloads = append(payloads, string(b))
	}
	return items, payloads, nil
}

// Record invalidates the user's cached feed after a change.
func (f *ActivityFeed) Record(ctx context.Context, tx *models.Transaction) error {
	if f.rdb == nil {
		return nil
	}
	_, err := f.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, activityGenKey(tx.UserID))
		pipe.Expire(ctx, activityGenKey(tx.UserID), f.ttl)
		pipe.Del(ctx, activityKey(tx.UserID))
		return nil
	})
	return err
}

// Publish lets the feed sit in an events.Fanout.
func (f *ActivityFeed) Publish(ctx context.Context, event *events.TransactionEvent) error {
	return f.Record(ctx, &event.Transaction)
}
