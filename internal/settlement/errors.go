package settlement

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/atmx/share-settlement/internal/lock"
	"github.com/atmx/share-settlement/internal/store"
)

// Rejections. Every one is detected before any mutation.
var (
	ErrInvalidAmount          = errors.New("settlement: invalid amount")
	ErrNothingToSettle        = errors.New("settlement: nothing to settle")
	ErrAlreadyFlat            = errors.New("settlement: account is flat")
	ErrOverSettlement         = errors.New("settlement: amount exceeds remaining")
	ErrBalanceWouldGoNegative = errors.New("settlement: balance would go negative")
	ErrConcurrentModification = errors.New("settlement: concurrent modification")
	ErrAccountNotFound        = errors.New("settlement: account not found")
	ErrInvalidAccount         = errors.New("settlement: invalid account")
	ErrDuplicateAccount       = errors.New("settlement: duplicate account")
	ErrInvalidKind            = errors.New("settlement: invalid ledger kind")
)

var kinds = []struct {
	err    error
	kind   string
	status int
}{
	{ErrInvalidAmount, "InvalidAmount", http.StatusBadRequest},
	{ErrInvalidAccount, "InvalidAccount", http.StatusBadRequest},
	{ErrInvalidKind, "InvalidKind", http.StatusBadRequest},
	{ErrAccountNotFound, "AccountNotFound", http.StatusNotFound},
	{ErrNothingToSettle, "NothingToSettle", http.StatusConflict},
	{ErrAlreadyFlat, "AlreadyFlat", http.StatusConflict},
	{ErrOverSettlement, "OverSettlement", http.StatusConflict},
	{ErrBalanceWouldGoNegative, "BalanceWouldGoNegative", http.StatusConflict},
	{ErrConcurrentModification, "ConcurrentModification", http.StatusConflict},
	{ErrDuplicateAccount, "DuplicateAccount", http.StatusConflict},
}

// Kind returns the stable name of err's rejection kind, or "Internal".
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

func statusOf(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// translate maps infrastructure errors onto rejection kinds.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, lock.ErrNotAcquired):
		return fmt.Errorf("%w: %v", ErrConcurrentModification, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrDuplicateAccount, err)
	}
	return err
}
