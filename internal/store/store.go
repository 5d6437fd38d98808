// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/share-settlement/internal/model"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when an account was modified after it
	// was read. The caller must re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicate is returned when creating an account that already exists.
	ErrDuplicate = errors.New("store: duplicate account")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Saves are optimistic: the account passed in carries the Version it was
// read at. On success the store bumps Version and UpdatedAt in place.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account at version 1.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns all accounts.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// SaveAccount persists balances and cycle state, plus an optional
	// ledger entry, as one atomic unit.
	SaveAccount(ctx context.Context, acct *model.Account, entry *model.LedgerEntry) error

	// --- Settlements ---

	// CommitSettlement persists the account mutation, the settlement and
	// its ledger entry as one atomic unit; if any part fails none is kept.
	CommitSettlement(ctx context.Context, acct *model.Account, s *model.Settlement, entry *model.LedgerEntry) error

	// ListSettlements returns an account's settlements ordered by time.
	// A non-nil since keeps only those with timestamp >= since.
	ListSettlements(ctx context.Context, accountID string, since *time.Time) ([]model.Settlement, error)

	// --- Immutable ledger ---

	// ListLedgerEntries returns an account's audit trail ordered by time.
	ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error)
}
