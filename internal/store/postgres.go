package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/share-settlement/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money columns are BIGINT in the smallest currency unit.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const accountColumns = `id, client_name, exchange_name, funding, exchange_balance,
		loss_share_percent, profit_share_percent, default_share_percent,
		locked_share, locked_percent, locked_pnl, locked_funding, cycle_start, cycle_settled_capital,
		settled_through, version, created_at, updated_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	a.Version = 1

	l := lockColumns(a.Lock)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		a.ID, a.ClientName, a.ExchangeName, a.Funding, a.ExchangeBalance,
		a.LossSharePercent, a.ProfitSharePercent, a.DefaultSharePercent,
		l.share, l.percent, l.pnl, l.funding, l.start, l.settled,
		a.SettledThrough, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, a.ID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY client_name, exchange_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) SaveAccount(ctx context.Context, a *model.Account, entry *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateAccount(ctx, tx, a); err != nil {
			return err
		}
		if entry != nil {
			return insertLedgerEntry(ctx, tx, entry)
		}
		return nil
	})
}

func (s *PostgresStore) CommitSettlement(ctx context.Context, a *model.Account, st *model.Settlement, entry *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := updateAccount(ctx, tx, a); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO settlements (id, account_id, amount, timestamp, notes)
			 VALUES ($1, $2, $3, $4, $5)`,
			st.ID, st.AccountID, st.Amount, st.Timestamp, st.Notes,
		); err != nil {
			return fmt.Errorf("insert settlement: %w", err)
		}
		return insertLedgerEntry(ctx, tx, entry)
	})
}

func (s *PostgresStore) ListSettlements(ctx context.Context, accountID string, since *time.Time) ([]model.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount, timestamp, notes
		 FROM settlements
		 WHERE account_id = $1 AND ($2::TIMESTAMPTZ IS NULL OR timestamp >= $2)
		 ORDER BY timestamp`, accountID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Settlement
	for rows.Next() {
		var st model.Settlement
		if err := rows.Scan(&st.ID, &st.AccountID, &st.Amount, &st.Timestamp, &st.Notes); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, kind, signed_amount, timestamp, balance_after, notes
		 FROM ledger_entries WHERE account_id = $1 ORDER BY timestamp`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Kind, &e.SignedAmount,
			&e.Timestamp, &e.BalanceAfter, &e.Notes); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// inTx runs fn in one transaction; any error rolls everything back.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// updateAccount writes balances and cycle state only if the row is still at
// the version the caller read.
func updateAccount(ctx context.Context, tx pgx.Tx, a *model.Account) error {
	now := time.Now().UTC()
	l := lockColumns(a.Lock)
	tag, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET funding = $3, exchange_balance = $4,
		     locked_share = $5, locked_percent = $6, locked_pnl = $7, locked_funding = $8,
		     cycle_start = $9, cycle_settled_capital = $10,
		     settled_through = $11, version = version + 1, updated_at = $12
		 WHERE id = $1 AND version = $2`,
		a.ID, a.Version, a.Funding, a.ExchangeBalance,
		l.share, l.percent, l.pnl, l.funding, l.start, l.settled,
		a.SettledThrough, now,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: account %s", ErrNotFound, a.ID)
		}
		return fmt.Errorf("%w: account %s at version %d", ErrVersionConflict, a.ID, a.Version)
	}
	a.Version++
	a.UpdatedAt = now
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, kind, signed_amount, timestamp, balance_after, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AccountID, e.Kind, e.SignedAmount, e.Timestamp, e.BalanceAfter, e.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// lockCols flattens a CycleLock into nullable columns.
type lockCols struct {
	share, pnl, funding, settled *int64
	percent                      *int
	start                        *time.Time
}

func lockColumns(l *model.CycleLock) lockCols {
	if l == nil {
		return lockCols{}
	}
	c := *l
	return lockCols{
		share:   &c.Share,
		pnl:     &c.PnL,
		funding: &c.Funding,
		settled: &c.SettledCapital,
		percent: &c.Percent,
		start:   &c.CycleStart,
	}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var l lockCols
	if err := row.Scan(&a.ID, &a.ClientName, &a.ExchangeName, &a.Funding, &a.ExchangeBalance,
		&a.LossSharePercent, &a.ProfitSharePercent, &a.DefaultSharePercent,
		&l.share, &l.percent, &l.pnl, &l.funding, &l.start, &l.settled,
		&a.SettledThrough, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if l.share != nil && l.percent != nil && l.pnl != nil && l.funding != nil && l.start != nil {
		a.Lock = &model.CycleLock{
			Share:      *l.share,
			Percent:    *l.percent,
			PnL:        *l.pnl,
			Funding:    *l.funding,
			CycleStart: l.start.UTC(),
		}
		if l.settled != nil {
			a.Lock.SettledCapital = *l.settled
		}
	}
	return &a, nil
}
