package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore keeps the ledger in an embedded SQLite database. The handle must
// be opened with a single connection (see infra.NewSQLiteDB) so writers are
// serialised by the pool itself.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore constructs a SQLite-backed ledger store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteTransactionColumns = `id, owner_id, amount, category, COALESCE(reference_id, ''),
        COALESCE(idempotency_key, ''), description, balance_after, created_at`

// Update runs fn inside one SQLite transaction.
func (s *SQLiteStore) Update(ctx context.Context, ownerID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	now := time.Now().UTC().UnixNano()
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallets (owner_id, balance, created_at, updated_at)
        VALUES (?, 0, ?, ?) ON CONFLICT (owner_id) DO NOTHING`, ownerID, now, now); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE owner_id = ?`, ownerID).Scan(&balance); err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}

	if err := fn(ctx, &sqliteTx{tx: tx, ownerID: ownerID, balance: balance}); err != nil {
		return err
	}
	return tx.Commit()
}

// Balance returns the stored balance for the owner.
func (s *SQLiteStore) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE owner_id = ?`, ownerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// History pages through the owner's transactions newest first.
func (s *SQLiteStore) History(ctx context.Context, ownerID string, filter Filter) ([]Transaction, error) {
	var (
		conds = []string{"owner_id = ?"}
		args  = []any{ownerID}
	)
	if filter.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.ReferenceID != "" {
		conds = append(conds, "reference_id = ?")
		args = append(args, filter.ReferenceID)
	}
	if filter.Before != nil {
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		nanos := filter.Before.CreatedAt.UnixNano()
		args = append(args, nanos, nanos, filter.Before.ID)
	}
	args = append(args, filter.Limit)

	query := `SELECT ` + sqliteTransactionColumns + `
        FROM ledger_transactions
        WHERE ` + strings.Join(conds, " AND ") + `
        ORDER BY created_at DESC, id DESC
        LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		txn, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// Reconcile compares every wallet balance with the sum of its transactions.
func (s *SQLiteStore) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT w.owner_id, w.balance, COALESCE(SUM(t.amount), 0) AS total
        FROM wallets w
        LEFT JOIN ledger_transactions t ON t.owner_id = w.owner_id
        GROUP BY w.owner_id, w.balance
        HAVING w.balance <> total OR w.balance < 0
        ORDER BY w.owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		if err := rows.Scan(&d.OwnerID, &d.Balance, &d.Sum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type sqliteTx struct {
	tx      *sql.Tx
	ownerID string
	balance int64
}

func (t *sqliteTx) Balance(_ context.Context) (int64, error) {
	return t.balance, nil
}

func (t *sqliteTx) Lookup(ctx context.Context, key string) (Transaction, bool, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+sqliteTransactionColumns+`
        FROM ledger_transactions WHERE owner_id = ? AND idempotency_key = ?`, t.ownerID, key)
	txn, err := scanSQLiteTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func (t *sqliteTx) Append(ctx context.Context, txn Transaction) error {
	if _, err := t.tx.ExecContext(ctx, `INSERT INTO ledger_transactions
        (id, owner_id, amount, category, reference_id, idempotency_key, description, balance_after, created_at)
        VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`,
		txn.ID, t.ownerID, txn.Amount, string(txn.Category), txn.ReferenceID, txn.IdempotencyKey,
		txn.Description, txn.BalanceAfter, txn.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `UPDATE wallets SET balance = ?, updated_at = ? WHERE owner_id = ?`,
		txn.BalanceAfter, time.Now().UTC().UnixNano(), t.ownerID); err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	t.balance = txn.BalanceAfter
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTransaction(row rowScanner) (Transaction, error) {
	var (
		txn      Transaction
		category string
		created  int64
	)
	if err := row.Scan(&txn.ID, &txn.OwnerID, &txn.Amount, &category, &txn.ReferenceID,
		&txn.IdempotencyKey, &txn.Description, &txn.BalanceAfter, &created); err != nil {
		return Transaction{}, err
	}
	txn.Category = Category(category)
	txn.CreatedAt = time.Unix(0, created).UTC()
	return txn, nil
}
