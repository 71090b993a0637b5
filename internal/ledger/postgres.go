package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps wallets and the transaction log in PostgreSQL. Postings
// for one owner are serialised by a row lock on the wallet.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgTransactionColumns = `id, owner_id, amount, category, COALESCE(reference_id, ''),
        COALESCE(idempotency_key, ''), description, balance_after, created_at`

// Update locks the owner's wallet row for the duration of fn.
func (s *PostgresStore) Update(ctx context.Context, ownerID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO wallets (owner_id, balance) VALUES ($1, 0)
        ON CONFLICT (owner_id) DO NOTHING`, ownerID); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	var balance int64
	if err := tx.QueryRow(ctx, `SELECT balance FROM wallets WHERE owner_id = $1 FOR UPDATE`, ownerID).Scan(&balance); err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx, ownerID: ownerID, balance: balance}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Balance returns the stored balance for the owner.
func (s *PostgresStore) Balance(ctx context.Context, ownerID string) (int64, error) {
	var balance int64
	if err := s.db.QueryRow(ctx, `SELECT balance FROM wallets WHERE owner_id = $1`, ownerID).Scan(&balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// History pages through the owner's transactions newest first.
func (s *PostgresStore) History(ctx context.Context, ownerID string, filter Filter) ([]Transaction, error) {
	var (
		conds = []string{"owner_id = $1"}
		args  = []any{ownerID}
	)
	if filter.Category != "" {
		args = append(args, string(filter.Category))
		conds = append(conds, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.ReferenceID != "" {
		args = append(args, filter.ReferenceID)
		conds = append(conds, fmt.Sprintf("reference_id = $%d", len(args)))
	}
	if filter.Before != nil {
		beforeID, err := uuid.Parse(filter.Before.ID)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		args = append(args, filter.Before.CreatedAt, beforeID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	args = append(args, filter.Limit)

	query := `SELECT ` + pgTransactionColumns + `
        FROM ledger_transactions
        WHERE ` + strings.Join(conds, " AND ") + `
        ORDER BY created_at DESC, id DESC
        LIMIT $` + fmt.Sprint(len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		txn, err := scanPgTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// Reconcile compares every wallet balance with the sum of its transactions.
func (s *PostgresStore) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	const query = `
        SELECT w.owner_id, w.balance, COALESCE(SUM(t.amount), 0)
        FROM wallets w
        LEFT JOIN ledger_transactions t ON t.owner_id = w.owner_id
        GROUP BY w.owner_id, w.balance
        HAVING w.balance <> COALESCE(SUM(t.amount), 0) OR w.balance < 0
        ORDER BY w.owner_id`
	rows, err := s.db.Query(ctx, query)
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

type pgTx struct {
	tx      pgx.Tx
	ownerID string
	balance int64
}

func (t *pgTx) Balance(_ context.Context) (int64, error) {
	return t.balance, nil
}

func (t *pgTx) Lookup(ctx context.Context, key string) (Transaction, bool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+pgTransactionColumns+`
        FROM ledger_transactions WHERE owner_id = $1 AND idempotency_key = $2`, t.ownerID, key)
	txn, err := scanPgTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return txn, true, nil
}

func (t *pgTx) Append(ctx context.Context, txn Transaction) error {
	id, err := uuid.Parse(txn.ID)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `INSERT INTO ledger_transactions
        (id, owner_id, amount, category, reference_id, idempotency_key, description, balance_after, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9)`,
		id, t.ownerID, txn.Amount, string(txn.Category), txn.ReferenceID, txn.IdempotencyKey,
		txn.Description, txn.BalanceAfter, txn.CreatedAt); err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = now() WHERE owner_id = $1`,
		t.ownerID, txn.BalanceAfter); err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	t.balance = txn.BalanceAfter
	return nil
}

func scanPgTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn       Transaction
		id        uuid.UUID
		category  string
		createdAt time.Time
	)
	if err := row.Scan(&id, &txn.OwnerID, &txn.Amount, &category, &txn.ReferenceID,
		&txn.IdempotencyKey, &txn.Description, &txn.BalanceAfter, &createdAt); err != nil {
		return Transaction{}, err
	}
	txn.ID = id.String()
	txn.Category = Category(category)
	txn.CreatedAt = createdAt.UTC()
	return txn, nil
}
