package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a debit would drive the owner's balance
	// below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for non-positive posting amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidCategory is returned when a posting carries an unknown category.
	ErrInvalidCategory = errors.New("invalid transaction category")

	// ErrInvalidOwner is returned when a posting has no owner.
	ErrInvalidOwner = errors.New("owner id is required")

	// ErrAuditUnsupported is returned when the configured store cannot be reconciled.
	ErrAuditUnsupported = errors.New("store does not support reconciliation")

	// ErrIdempotencyConflict is returned when an idempotency key is reused for a
	// posting with a different direction, category or reference.
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different posting")
)

// ScopedKey prefixes a caller supplied idempotency key with the API route it
// arrived on, keeping client keys apart from the keys the escrow derives.
// An empty key stays empty.
func ScopedKey(scope, key string) string {
	if key == "" {
		return ""
	}
	return "api:" + scope + ":" + key
}

// Category is the closed set of reasons a transaction occurred.
type Category string

const (
	CategoryPurchase        Category = "purchase"
	CategoryTaskReward      Category = "task_reward"
	CategoryChallengeEntry  Category = "challenge_entry"
	CategoryChallengeRefund Category = "challenge_refund"
	CategoryChallengeReward Category = "challenge_reward"
	CategoryAdminAdjustment Category = "admin_adjustment"
	CategoryOther           Category = "other"
)

var categories = map[Category]struct{}{
	CategoryPurchase:        {},
	CategoryTaskReward:      {},
	CategoryChallengeEntry:  {},
	CategoryChallengeRefund: {},
	CategoryChallengeReward: {},
	CategoryAdminAdjustment: {},
	CategoryOther:           {},
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

// ParseCategory converts raw input into a Category, rejecting unknown values.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if !c.Valid() {
		return "", ErrInvalidCategory
	}
	return c, nil
}

// Transaction is an immutable balance mutation. Amount is signed: positive for
// credits and negative for debits.
type Transaction struct {
	ID             string
	OwnerID        string
	Amount         int64
	Category       Category
	ReferenceID    string
	IdempotencyKey string
	Description    string
	BalanceAfter   int64
	CreatedAt      time.Time

	// Replayed is set when the transaction was returned from an idempotent
	// replay instead of being created by the call. It is never persisted.
	Replayed bool
}

// Posting describes a credit or debit request. Amount is always positive; the
// direction comes from the engine operation.
type Posting struct {
	OwnerID        string
	Amount         int64
	Category       Category
	ReferenceID    string
	IdempotencyKey string
	Description    string
}

// Filter narrows a history query. Results are ordered by CreatedAt descending.
type Filter struct {
	Limit       int
	Before      *Cursor
	Category    Category
	ReferenceID string
}

// Page is one page of history.
type Page struct {
	Items []Transaction
	Next  *Cursor
}

// Discrepancy describes a wallet whose stored balance disagrees with its
// transaction log.
type Discrepancy struct {
	OwnerID string
	Balance int64
	Sum     int64
}

// Ledger is the contract consumed by escrow, wallet and funding flows.
type Ledger interface {
	Credit(ctx context.Context, p Posting) (Transaction, error)
	Debit(ctx context.Context, p Posting) (Transaction, error)
	BalanceOf(ctx context.Context, ownerID string) (int64, error)
	History(ctx context.Context, ownerID string, filter Filter) (Page, error)
}

// Store provides the wallet balances and the append-only transaction log as a
// single atomic capability.
type Store interface {
	// Update runs fn while holding exclusive access to ownerID's wallet. All
	// writes made through tx commit together when fn returns nil and are
	// discarded otherwise. The wallet is created on first use.
	Update(ctx context.Context, ownerID string, fn func(ctx context.Context, tx Tx) error) error
	// Balance returns the current balance, or zero for unknown owners.
	Balance(ctx context.Context, ownerID string) (int64, error)
	// History returns at most filter.Limit transactions newest first.
	History(ctx context.Context, ownerID string, filter Filter) ([]Transaction, error)
}

// Tx is the view of one wallet inside Store.Update.
type Tx interface {
	Balance(ctx context.Context) (int64, error)
	Lookup(ctx context.Context, idempotencyKey string) (Transaction, bool, error)
	Append(ctx context.Context, txn Transaction) error
}

// Auditor is implemented by stores that can verify balance == sum(amount).
type Auditor interface {
	Reconcile(ctx context.Context) ([]Discrepancy, error)
}
