package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/share-settlement/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache of accounts. Writes go to the primary store and invalidate the
// cache; reads check Redis first then fall back to the primary.
//
// The settlement processor re-reads accounts under its lock. A stale cached
// account can only fail the optimistic version check, never overwrite
// newer state.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) SaveAccount(ctx context.Context, a *model.Account, entry *model.LedgerEntry) error {
	err := s.primary.SaveAccount(ctx, a, entry)
	// Invalidate on conflict too: the cached copy is what went stale.
	s.rdb.Del(ctx, accountKey(a.ID))
	return err
}

func (s *CachedStore) CommitSettlement(ctx context.Context, a *model.Account, st *model.Settlement, entry *model.LedgerEntry) error {
	err := s.primary.CommitSettlement(ctx, a, st, entry)
	s.rdb.Del(ctx, accountKey(a.ID))
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	// Cache miss: read from primary.
	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheAccount(ctx, a)
	return a, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListSettlements(ctx context.Context, accountID string, since *time.Time) ([]model.Settlement, error) {
	return s.primary.ListSettlements(ctx, accountID, since)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.ID), data, s.ttl)
	}
}

func accountKey(id string) string { return fmt.Sprintf("account:%s", id) }
