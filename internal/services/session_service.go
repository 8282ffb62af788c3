package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cryptoquiz/backend/internal/config"
	"github.com/cryptoquiz/backend/internal/logger"
	"github.com/cryptoquiz/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// TelegramUser is the user object embedded in Mini App init data.
type TelegramUser struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	LanguageCode string `json:"language_code"`
}

type InitData struct {
	User       TelegramUser
	AuthDate   time.Time
	StartParam string
	QueryID    string
}

// ParseInitData verifies the Mini App init data signature with the bot
// token and rejects data older than maxAge.
func ParseInitData(raw, botToken string, maxAge time.Duration, now time.Time) (*InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("init data: %w", models.ErrUnauthorized)
	}
	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("init data missing hash: %w", models.ErrUnauthorized)
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		if k != "hash" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
		return nil, fmt.Errorf("init data signature mismatch: %w", models.ErrUnauthorized)
	}

	authUnix, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("init data auth_date: %w", models.ErrUnauthorized)
	}
	data := &InitData{
		AuthDate:   time.Unix(authUnix, 0).UTC(),
		StartParam: values.Get("start_param"),
		QueryID:    values.Get("query_id"),
	}
	if maxAge > 0 && now.Sub(data.AuthDate) > maxAge {
		return nil, fmt.Errorf("init data expired: %w", models.ErrUnauthorized)
	}

	if err := json.Unmarshal([]byte(values.Get("user")), &data.User); err != nil || data.User.ID == 0 {
		return nil, fmt.Errorf("init data user: %w", models.ErrUnauthorized)
	}
	return data, nil
}

type SessionResult struct {
	Token         string           `json:"token"`
	ExpiresAt     time.Time        `json:"expiresAt"`
	Account       *models.Account  `json:"account"`
	Created       bool             `json:"created"`
	Referral      *models.Referral `json:"referral,omitempty"`
	ReferralError string           `json:"referralError,omitempty"`
}

// SessionService turns a Telegram Mini App launch into an account and a
// bearer token.
type SessionService struct {
	accounts  *AccountStore
	bonus     *BonusEngine
	rdb       *redis.Client
	botToken  string
	maxAge    time.Duration
	jwtSecret []byte
	expiry    time.Duration
	admins    map[string]bool
	now       func() time.Time
}

func NewSessionService(accounts *AccountStore, bonus *BonusEngine, rdb *redis.Client, cfg *config.Config) *SessionService {
	admins := make(map[string]bool, len(cfg.Server.AdminIDs))
	for _, id := range cfg.Server.AdminIDs {
		admins[id] = true
	}
	expiry := time.Duration(cfg.JWT.ExpiryHours) * time.Hour
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &SessionService{
		accounts:  accounts,
		bonus:     bonus,
		rdb:       rdb,
		botToken:  cfg.Telegram.BotToken,
		maxAge:    cfg.Telegram.InitDataMaxAge,
		jwtSecret: []byte(cfg.JWT.SecretKey),
		expiry:    expiry,
		admins:    admins,
		now:       time.Now,
	}
}

// Start verifies init data, opens the account on first sight, applies a
// referral from start_param for accounts that have not finished onboarding,
// and issues a token.
func (s *SessionService) Start(ctx context.Context, rawInitData string) (*SessionResult, error) {
	data, err := ParseInitData(rawInitData, s.botToken, s.maxAge, s.now())
	if err != nil {
		return nil, err
	}
	userID := strconv.FormatInt(data.User.ID, 10)

	acc, created, err := s.accounts.Open(ctx, userID, data.User.Username)
	if err != nil {
		return nil, err
	}
	result := &SessionResult{Created: created}

	if acc.OnboardedAt == nil {
		if code := referralCodeFromStartParam(data.StartParam); code != "" {
			ref, err := s.bonus.ApplyReferral(ctx, userID, code)
			switch {
			case err == nil:
				result.Referral = ref
			case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrDuplicateAttribution):
				logger.Log.Info("referral not applied", zap.String("user_id", userID), zap.Error(err))
				result.ReferralError = err.Error()
			default:
				// onboarding stays open so the next session retries
				return nil, err
			}
		}
		now := s.now().UTC()
		acc, err = s.accounts.Update(ctx, userID, func(acc *models.Account) error {
			if acc.OnboardedAt == nil {
				acc.OnboardedAt = &now
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	result.Account = acc
	result.Token, result.ExpiresAt, err = s.IssueToken(userID)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func referralCodeFromStartParam(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "ref_")
	p = strings.TrimPrefix(p, "ref-")
	return strings.ToUpper(p)
}

// IssueToken signs an HS256 token carrying user_id and role.
func (s *SessionService) IssueToken(userID string) (string, time.Time, error) {
	if len(s.jwtSecret) == 0 {
		return "", time.Time{}, errors.New("jwt secret is not configured")
	}
	role := RoleUser
	if s.admins[userID] {
		role = RoleAdmin
	}
	now := s.now()
	exp := now.Add(s.expiry)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"iat":     now.Unix(),
		"exp":     exp.Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	return signed, exp, err
}

// Revoke blacklists token until it would have expired anyway.
func (s *SessionService) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	if s.rdb == nil {
		return nil
	}
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	return s.rdb.Set(ctx, "blacklist:"+token, "1", ttl).Err()
}

// IsRevoked reports whether token was revoked. Without Redis nothing is.
func (s *SessionService) IsRevoked(ctx context.Context, token string) bool {
	if s.rdb == nil {
		return false
	}
	n, err := s.rdb.Exists(ctx, "blacklist:"+token).Result()
	if err != nil {
		logger.Log.Warn("token blacklist lookup failed", zap.Error(err))
		return false
	}
	return n > 0
}
