package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cryptoquiz/backend/internal/models"
)

// MemoryStore keeps everything in process. Used for tests and local runs.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*models.Account
	codes        map[string]string
	transactions map[string]*models.Transaction
	references   map[string]string
	entries      map[string]*models.LedgerEntry
	referrals    map[string]*models.Referral
	settings     map[string]string
	nextEntryID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*models.Account),
		codes:        make(map[string]string),
		transactions: make(map[string]*models.Transaction),
		references:   make(map[string]string),
		entries:      make(map[string]*models.LedgerEntry),
		referrals:    make(map[string]*models.Referral),
		settings:     make(map[string]string),
	}
}

func referenceKey(userID string, txType models.TransactionType, reference string) string {
	return userID + "|" + string(txType) + "|" + reference
}

func (s *MemoryStore) CreateAccount(ctx context.Context, acc *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.UserID]; ok {
		return fmt.Errorf("account %s: %w", acc.UserID, models.ErrAlreadyExists)
	}
	if acc.ReferralCode != "" {
		if _, ok := s.codes[acc.ReferralCode]; ok {
			return fmt.Errorf("referral code %s: %w", acc.ReferralCode, models.ErrAlreadyExists)
		}
		s.codes[acc.ReferralCode] = acc.UserID
	}
	if acc.Version == 0 {
		acc.Version = 1
	}
	s.accounts[acc.UserID] = acc.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, userID string) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, models.ErrNotFound)
	}
	return acc.Clone(), nil
}

func (s *MemoryStore) GetAccountByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	s.mu.RLock()
	userID, ok := s.codes[code]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("referral code %s: %w", code, models.ErrNotFound)
	}
	return s.GetAccount(ctx, userID)
}

func (s *MemoryStore) CommitAccount(ctx context.Context, commit models.AccountCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := commit.Account
	current, ok := s.accounts[acc.UserID]
	if !ok {
		return fmt.Errorf("account %s: %w", acc.UserID, models.ErrNotFound)
	}
	if commit.Entry != nil {
		if _, dup := s.entries[commit.Entry.IdempotencyKey]; dup {
			return fmt.Errorf("entry %s: %w", commit.Entry.IdempotencyKey, models.ErrDuplicateEntry)
		}
	}
	if current.Version != acc.Version {
		return fmt.Errorf("account %s: %w", acc.UserID, models.ErrVersionConflict)
	}
	var tx *models.Transaction
	if upd := commit.Transaction; upd != nil {
		tx, ok = s.transactions[upd.ID]
		if !ok {
			return fmt.Errorf("transaction %s: %w", upd.ID, models.ErrNotFound)
		}
		if tx.Status != upd.From {
			return fmt.Errorf("transaction %s is %s: %w", upd.ID, tx.Status, models.ErrInvalidTransition)
		}
	}

	now := time.Now().UTC()
	if commit.Entry != nil {
		s.nextEntryID++
		entry := *commit.Entry
		entry.ID = s.nextEntryID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		s.entries[entry.IdempotencyKey] = &entry
	}
	if tx != nil {
		applyUpdate(tx, *commit.Transaction)
	}

	acc.Version++
	acc.UpdatedAt = now
	s.accounts[acc.UserID] = acc.Clone()
	return nil
}

func (s *MemoryStore) HasLedgerEntry(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, models.ErrAlreadyExists)
	}
	if tx.Reference != "" {
		key := referenceKey(tx.UserID, tx.Type, tx.Reference)
		if _, ok := s.references[key]; ok {
			return fmt.Errorf("reference %s: %w", tx.Reference, models.ErrAlreadyExists)
		}
		s.references[key] = tx.ID
	}
	s.transactions[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, models.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) FindTransactionByReference(ctx context.Context, userID string, txType models.TransactionType, reference string) (*models.Transaction, error) {
	s.mu.RLock()
	id, ok := s.references[referenceKey(userID, txType, reference)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", reference, models.ErrNotFound)
	}
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, upd models.TransactionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[upd.ID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", upd.ID, models.ErrNotFound)
	}
	if tx.Status != upd.From {
		return fmt.Errorf("transaction %s is %s: %w", upd.ID, tx.Status, models.ErrInvalidTransition)
	}
	applyUpdate(tx, upd)
	return nil
}

func applyUpdate(tx *models.Transaction, upd models.TransactionUpdate) {
	tx.Status = upd.To
	if upd.Reason != "" {
		tx.Reason = upd.Reason
	}
	if upd.TxHash != "" {
		tx.TxHash = upd.TxHash
	}
	if upd.ProcessedBy != "" {
		tx.ProcessedBy = upd.ProcessedBy
	}
	processedAt := upd.ProcessedAt
	if processedAt.IsZero() {
		processedAt = time.Now().UTC()
	}
	tx.ProcessedAt = &processedAt
}

func (s *MemoryStore) ListTransactions(ctx context.Context, filter models.TransactionFilter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Transaction, 0)
	for _, tx := range s.transactions {
		if filter.Matches(tx) {
			out = append(out, *tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if limit := PageSize(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateReferral(ctx context.Context, ref *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referrals[ref.ReferredID]; ok {
		return fmt.Errorf("referral for %s: %w", ref.ReferredID, models.ErrAlreadyExists)
	}
	c := *ref
	s.referrals[ref.ReferredID] = &c
	return nil
}

func (s *MemoryStore) GetReferralByReferred(ctx context.Context, referredID string) (*models.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.referrals[referredID]
	if !ok {
		return nil, fmt.Errorf("referral for %s: %w", referredID, models.ErrNotFound)
	}
	c := *ref
	return &c, nil
}

func (s *MemoryStore) ListReferralsByReferrer(ctx context.Context, referrerID string) ([]models.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Referral, 0)
	for _, ref := range s.referrals {
		if ref.ReferrerID == referrerID {
			out = append(out, *ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (s *MemoryStore) UpdateReferral(ctx context.Context, ref *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referrals[ref.ReferredID]; !ok {
		return fmt.Errorf("referral for %s: %w", ref.ReferredID, models.ErrNotFound)
	}
	c := *ref
	s.referrals[ref.ReferredID] = &c
	return nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, models.ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) Close() error { return nil }
