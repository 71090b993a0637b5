package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/techcoin/techcoin/internal/metrics"
)

const (
	directionCredit = "credit"
	directionDebit  = "debit"
)

// Engine applies credits and debits against a Store. Each posting is one
// atomic unit per owner: the idempotency lookup, the balance check and the
// append all happen inside Store.Update.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine builds a ledger engine over the provided store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger, now: time.Now}
}

// Credit increases the owner's balance. A repeated idempotency key returns the
// original transaction with Replayed set and leaves the balance untouched. A
// key already used by a debit, or by another category or reference, fails
// with ErrIdempotencyConflict.
func (e *Engine) Credit(ctx context.Context, p Posting) (Transaction, error) {
	return e.post(ctx, p, directionCredit)
}

// Debit decreases the owner's balance, failing with ErrInsufficientFunds when
// the balance at evaluation time is smaller than the amount.
func (e *Engine) Debit(ctx context.Context, p Posting) (Transaction, error) {
	return e.post(ctx, p, directionDebit)
}

// BalanceOf returns the owner's balance; unknown owners have a zero balance.
func (e *Engine) BalanceOf(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, ErrInvalidOwner
	}
	return e.store.Balance(ctx, ownerID)
}

// History returns one page of the owner's transactions, newest first.
func (e *Engine) History(ctx context.Context, ownerID string, filter Filter) (Page, error) {
	if ownerID == "" {
		return Page{}, ErrInvalidOwner
	}
	if filter.Category != "" && !filter.Category.Valid() {
		return Page{}, ErrInvalidCategory
	}
	limit := normalizeLimit(filter.Limit)
	filter.Limit = limit + 1

	items, err := e.store.History(ctx, ownerID, filter)
	if err != nil {
		return Page{}, err
	}

	page := Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.Next = &Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return page, nil
}

// Reconcile reports wallets whose balance disagrees with their transaction log.
func (e *Engine) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	auditor, ok := e.store.(Auditor)
	if !ok {
		return nil, ErrAuditUnsupported
	}
	return auditor.Reconcile(ctx)
}

func (e *Engine) post(ctx context.Context, p Posting, direction string) (Transaction, error) {
	if err := validate(p); err != nil {
		metrics.ObservePosting(direction, string(p.Category), "rejected", 0)
		return Transaction{}, err
	}

	delta := p.Amount
	if direction == directionDebit {
		delta = -p.Amount
	}

	start := time.Now()
	var result Transaction
	err := e.store.Update(ctx, p.OwnerID, func(ctx context.Context, tx Tx) error {
		if p.IdempotencyKey != "" {
			prior, found, err := tx.Lookup(ctx, p.IdempotencyKey)
			if err != nil {
				return err
			}
			if found {
				if !samePosting(prior, p, delta) {
					return fmt.Errorf("%w: key %q", ErrIdempotencyConflict, p.IdempotencyKey)
				}
				prior.Replayed = true
				result = prior
				return nil
			}
		}

		balance, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if delta > 0 && balance > math.MaxInt64-delta {
			return fmt.Errorf("%w: balance overflow", ErrInvalidAmount)
		}
		if balance+delta < 0 {
			return ErrInsufficientFunds
		}

		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		txn := Transaction{
			ID:             id.String(),
			OwnerID:        p.OwnerID,
			Amount:         delta,
			Category:       p.Category,
			ReferenceID:    p.ReferenceID,
			IdempotencyKey: p.IdempotencyKey,
			Description:    p.Description,
			BalanceAfter:   balance + delta,
			CreatedAt:      e.now().UTC().Truncate(time.Microsecond),
		}
		if err := tx.Append(ctx, txn); err != nil {
			return err
		}
		result = txn
		return nil
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, ErrInsufficientFunds):
		metrics.ObservePosting(direction, string(p.Category), "insufficient_funds", elapsed)
		return Transaction{}, err
	case errors.Is(err, ErrIdempotencyConflict):
		metrics.ObservePosting(direction, string(p.Category), "conflict", elapsed)
		e.logger.Warn("idempotency key reused for a different posting",
			slog.String("owner_id", p.OwnerID),
			slog.String("idempotency_key", p.IdempotencyKey),
			slog.String("category", string(p.Category)),
		)
		return Transaction{}, err
	case err != nil:
		metrics.ObservePosting(direction, string(p.Category), "error", elapsed)
		e.logger.Warn("ledger posting failed",
			slog.String("direction", direction),
			slog.String("owner_id", p.OwnerID),
			slog.String("category", string(p.Category)),
			slog.Any("error", err),
		)
		return Transaction{}, err
	case result.Replayed:
		metrics.ObservePosting(direction, string(p.Category), "replayed", elapsed)
		if result.Amount != delta {
			e.logger.Warn("idempotency key reused with a different amount",
				slog.String("owner_id", p.OwnerID),
				slog.String("idempotency_key", p.IdempotencyKey),
				slog.Int64("original_amount", result.Amount),
				slog.Int64("requested_amount", delta),
			)
		}
	default:
		metrics.ObservePosting(direction, string(p.Category), "committed", elapsed)
		e.logger.Debug("ledger posting committed",
			slog.String("transaction_id", result.ID),
			slog.String("owner_id", result.OwnerID),
			slog.Int64("amount", result.Amount),
			slog.Int64("balance_after", result.BalanceAfter),
		)
	}
	return result, nil
}

// samePosting reports whether a stored transaction was created by a posting
// equivalent to p. Only the amount may differ; the original amount wins.
func samePosting(prior Transaction, p Posting, delta int64) bool {
	if (prior.Amount < 0) != (delta < 0) {
		return false
	}
	return prior.Category == p.Category && prior.ReferenceID == p.ReferenceID
}

func validate(p Posting) error {
	if p.OwnerID == "" {
		return ErrInvalidOwner
	}
	if p.Amount <= 0 {
		return ErrInvalidAmount
	}
	if !p.Category.Valid() {
		return ErrInvalidCategory
	}
	return nil
}
