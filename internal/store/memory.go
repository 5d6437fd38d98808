package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/share-settlement/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	accounts    map[string]*model.Account
	settlements []model.Settlement
	ledger      []model.LedgerEntry
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
	}
	for _, existing := range s.accounts {
		if existing.ClientName == a.ClientName && existing.ExchangeName == a.ExchangeName {
			return fmt.Errorf("%w: %s / %s", ErrDuplicate, a.ClientName, a.ExchangeName)
		}
	}

	a.Version = 1
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	a.UpdatedAt = a.CreatedAt

	// Store a copy to avoid external mutation.
	s.accounts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a.Clone())
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].ClientName != accounts[j].ClientName {
			return accounts[i].ClientName < accounts[j].ClientName
		}
		return accounts[i].ExchangeName < accounts[j].ExchangeName
	})
	return accounts, nil
}

func (s *MemoryStore) SaveAccount(_ context.Context, a *model.Account, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(a); err != nil {
		return err
	}
	s.put(a)
	if entry != nil {
		s.ledger = append(s.ledger, *entry)
	}
	return nil
}

func (s *MemoryStore) CommitSettlement(_ context.Context, a *model.Account, st *model.Settlement, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before the first write so a failure leaves
	// nothing behind.
	if err := s.checkVersion(a); err != nil {
		return err
	}
	if st == nil || entry == nil {
		return fmt.Errorf("store: settlement and ledger entry are required")
	}

	s.put(a)
	s.settlements = append(s.settlements, *st)
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListSettlements(_ context.Context, accountID string, since *time.Time) ([]model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Settlement
	for _, st := range s.settlements {
		if st.AccountID != accountID {
			continue
		}
		if since != nil && st.Timestamp.Before(*since) {
			continue
		}
		result = append(result, st)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// checkVersion must be called with mu held.
func (s *MemoryStore) checkVersion(a *model.Account) error {
	current, ok := s.accounts[a.ID]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, a.ID)
	}
	if current.Version != a.Version {
		return fmt.Errorf("%w: account %s at version %d, have %d",
			ErrVersionConflict, a.ID, current.Version, a.Version)
	}
	return nil
}

// put must be called with mu held.
func (s *MemoryStore) put(a *model.Account) {
	a.Version++
	a.UpdatedAt = s.now()
	s.accounts[a.ID] = a.Clone()
}
