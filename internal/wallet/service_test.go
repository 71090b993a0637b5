package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/techcoin/techcoin/internal/ledger"
	"github.com/techcoin/techcoin/internal/logging"
	"github.com/techcoin/techcoin/internal/notification"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification.Message
}

func (r *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingNotifier) sent() []notification.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Message(nil), r.messages...)
}

func newTestService() (*Service, *recordingNotifier) {
	notifier := &recordingNotifier{}
	engine := ledger.NewEngine(ledger.NewInMemory(), logging.Discard())
	return NewService(engine, notifier, logging.Discard()), notifier
}

func TestServiceEarnSpendAndBalance(t *testing.T) {
	svc, notifier := newTestService()
	ctx := context.Background()

	earned, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: 100, Description: "lesson", XPReward: 15})
	if err != nil {
		t.Fatalf("earn: %v", err)
	}
	if earned.Category != ledger.CategoryTaskReward || earned.BalanceAfter != 100 {
		t.Fatalf("unexpected earn transaction %+v", earned)
	}

	spent, err := svc.Spend(ctx, SpendInput{OwnerID: "u1", Amount: 30, Description: "hint"})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if spent.Category != ledger.CategoryOther || spent.Amount != -30 {
		t.Fatalf("unexpected spend transaction %+v", spent)
	}

	balance, err := svc.Balance(ctx, "u1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Amount != 70 {
		t.Fatalf("expected balance 70, got %d", balance.Amount)
	}

	msgs := notifier.sent()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(msgs))
	}
	if msgs[0].Kind != notification.KindWalletCredited || msgs[0].Data["xp_reward"] != int64(15) {
		t.Fatalf("unexpected earn notification %+v", msgs[0])
	}
	if msgs[1].Kind != notification.KindWalletDebited {
		t.Fatalf("unexpected spend notification %+v", msgs[1])
	}
}

func TestServiceSpendInsufficientFunds(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: 10}); err != nil {
		t.Fatalf("earn: %v", err)
	}
	if _, err := svc.Spend(ctx, SpendInput{OwnerID: "u1", Amount: 11}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestServiceReplayDoesNotNotifyTwice(t *testing.T) {
	svc, notifier := newTestService()
	ctx := context.Background()

	in := EarnInput{OwnerID: "u1", Amount: 5, IdempotencyKey: "k1"}
	first, err := svc.Earn(ctx, in)
	if err != nil {
		t.Fatalf("earn: %v", err)
	}
	second, err := svc.Earn(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.ID != first.ID {
		t.Fatalf("expected replay of %s, got %+v", first.ID, second)
	}
	if n := len(notifier.sent()); n != 1 {
		t.Fatalf("expected 1 notification, got %d", n)
	}
}

func TestServiceScopesIdempotencyKeysPerRoute(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: 100}); err != nil {
		t.Fatalf("earn: %v", err)
	}
	// A client key shaped like an escrow entry key.
	spent, err := svc.Spend(ctx, SpendInput{OwnerID: "u1", Amount: 1, IdempotencyKey: "c1:u1:entry"})
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if spent.IdempotencyKey != "api:spend:c1:u1:entry" {
		t.Fatalf("unexpected stored key %q", spent.IdempotencyKey)
	}

	earned, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: 3, IdempotencyKey: "c1:u1:entry"})
	if err != nil {
		t.Fatalf("earn with the same client key: %v", err)
	}
	if earned.Replayed {
		t.Fatalf("earn and spend keys must not collide")
	}

	entry, err := svc.ledger.Debit(ctx, ledger.Posting{
		OwnerID:        "u1",
		Amount:         50,
		Category:       ledger.CategoryChallengeEntry,
		ReferenceID:    "c1",
		IdempotencyKey: "c1:u1:entry",
	})
	if err != nil {
		t.Fatalf("entry debit: %v", err)
	}
	if entry.Replayed || entry.Amount != -50 {
		t.Fatalf("entry debit must post in full, got %+v", entry)
	}

	balance, _ := svc.Balance(ctx, "u1")
	if balance.Amount != 52 {
		t.Fatalf("expected balance 52, got %d", balance.Amount)
	}
}

func TestServiceRejectsReservedCategories(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for _, category := range []string{"admin_adjustment", "challenge_reward", "nonsense"} {
		if _, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: 5, Category: category}); !errors.Is(err, ledger.ErrInvalidCategory) {
			t.Fatalf("category %s: expected invalid category, got %v", category, err)
		}
	}
	if _, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: 5, Category: "purchase"}); err != nil {
		t.Fatalf("purchase category should be accepted: %v", err)
	}
}

func TestServiceTransactionsPaginates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Earn(ctx, EarnInput{OwnerID: "u1", Amount: int64(i + 1), ReferenceID: "lesson"}); err != nil {
			t.Fatalf("earn: %v", err)
		}
	}

	page, err := svc.Transactions(ctx, "u1", HistoryQuery{Limit: 2})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor=%q", len(page.Items), page.NextCursor)
	}

	rest, err := svc.Transactions(ctx, "u1", HistoryQuery{Limit: 2, Before: page.NextCursor})
	if err != nil {
		t.Fatalf("transactions page 2: %v", err)
	}
	if len(rest.Items) != 1 || rest.NextCursor != "" {
		t.Fatalf("expected final page with 1 item, got %d cursor=%q", len(rest.Items), rest.NextCursor)
	}

	if _, err := svc.Transactions(ctx, "u1", HistoryQuery{Before: "%%%"}); !errors.Is(err, ledger.ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor, got %v", err)
	}
	if _, err := svc.Transactions(ctx, "u1", HistoryQuery{Category: "bogus"}); !errors.Is(err, ledger.ErrInvalidCategory) {
		t.Fatalf("expected invalid category, got %v", err)
	}
}
