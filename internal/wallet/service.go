package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/notification"
)

// Categories owned by the challenge escrow or reserved for operators cannot be
// posted through the wallet endpoints.
var reservedCategories = map[ledger.Category]struct{}{
	ledger.CategoryAdminAdjustment: {},
	ledger.CategoryChallengeEntry:  {},
	ledger.CategoryChallengeRefund: {},
	ledger.CategoryChallengeReward: {},
}

// Service exposes user-facing wallet operations backed by the ledger.
type Service struct {
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a wallet service instance.
func NewService(l ledger.Ledger, notifier notification.Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = notification.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: l, notifier: notifier, logger: logger, now: time.Now}
}

// Earn credits the owner. The category defaults to task_reward.
func (s *Service) Earn(ctx context.Context, input EarnInput) (ledger.Transaction, error) {
	category, err := postingCategory(input.Category, ledger.CategoryTaskReward)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn, err := s.ledger.Credit(ctx, ledger.Posting{
		OwnerID:        input.OwnerID,
		Amount:         input.Amount,
		Category:       category,
		ReferenceID:    input.ReferenceID,
		IdempotencyKey: ledger.ScopedKey("earn", input.IdempotencyKey),
		Description:    input.Description,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !txn.Replayed {
		data := transactionData(txn)
		if input.XPReward > 0 {
			data["xp_reward"] = input.XPReward
		}
		s.notify(ctx, notification.Message{
			Kind:        notification.KindWalletCredited,
			Destination: txn.OwnerID,
			Body:        "earned " + strconv.FormatInt(txn.Amount, 10) + " TechCoin",
			Data:        data,
		})
	}
	return txn, nil
}

// Spend debits the owner. The category defaults to other.
func (s *Service) Spend(ctx context.Context, input SpendInput) (ledger.Transaction, error) {
	category, err := postingCategory(input.Category, ledger.CategoryOther)
	if err != nil {
		return ledger.Transaction{}, err
	}
	txn, err := s.ledger.Debit(ctx, ledger.Posting{
		OwnerID:        input.OwnerID,
		Amount:         input.Amount,
		Category:       category,
		ReferenceID:    input.ReferenceID,
		IdempotencyKey: ledger.ScopedKey("spend", input.IdempotencyKey),
		Description:    input.Description,
	})
	if err != nil {
		return ledger.Transaction{}, err
	}
	if !txn.Replayed {
		s.notify(ctx, notification.Message{
			Kind:        notification.KindWalletDebited,
			Destination: txn.OwnerID,
			Body:        "spent " + strconv.FormatInt(-txn.Amount, 10) + " TechCoin",
			Data:        transactionData(txn),
		})
	}
	return txn, nil
}

// Balance returns the owner's current balance.
func (s *Service) Balance(ctx context.Context, ownerID string) (Balance, error) {
	amount, err := s.ledger.BalanceOf(ctx, ownerID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{OwnerID: ownerID, Amount: amount, AsOf: s.now().UTC()}, nil
}

// Transactions returns one page of the owner's history, newest first.
func (s *Service) Transactions(ctx context.Context, ownerID string, query HistoryQuery) (History, error) {
	before, err := ledger.DecodeCursor(query.Before)
	if err != nil {
		return History{}, err
	}
	filter := ledger.Filter{Limit: query.Limit, Before: before, ReferenceID: query.ReferenceID}
	if query.Category != "" {
		if filter.Category, err = ledger.ParseCategory(query.Category); err != nil {
			return History{}, err
		}
	}

	page, err := s.ledger.History(ctx, ownerID, filter)
	if err != nil {
		return History{}, err
	}
	out := History{Items: page.Items}
	if page.Next != nil {
		out.NextCursor = page.Next.Encode()
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed",
			slog.String("kind", msg.Kind),
			slog.String("owner_id", msg.Destination),
			slog.Any("error", err),
		)
	}
}

func postingCategory(raw string, fallback ledger.Category) (ledger.Category, error) {
	if raw == "" {
		return fallback, nil
	}
	category, err := ledger.ParseCategory(raw)
	if err != nil {
		return "", err
	}
	if _, reserved := reservedCategories[category]; reserved {
		return "", fmt.Errorf("%w: %s is reserved", ledger.ErrInvalidCategory, category)
	}
	return category, nil
}

func transactionData(txn ledger.Transaction) map[string]any {
	data := map[string]any{
		"transaction_id": txn.ID,
		"amount":         txn.Amount,
		"category":       string(txn.Category),
		"balance_after":  txn.BalanceAfter,
	}
	if txn.ReferenceID != "" {
		data["reference_id"] = txn.ReferenceID
	}
	return data
}
