package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/techcoin/techcoin/internal/infra"
	"github.com/techcoin/techcoin/internal/logging"
	"github.com/techcoin/techcoin/internal/migrations"
)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewInMemory() },
		"sqlite": newSQLiteTestStore,
	}
}

func newSQLiteTestStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	if err := migrations.Up("sqlite://" + path); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	db, err := infra.NewSQLiteDB(context.Background(), path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db)
}

// steppingClock returns strictly increasing timestamps so history order is
// deterministic.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	current := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func newTestEngine(t *testing.T, factory storeFactory) *Engine {
	e := NewEngine(factory(t), logging.Discard())
	e.now = steppingClock()
	return e
}

func eachStore(t *testing.T, fn func(t *testing.T, e *Engine)) {
	for name, factory := range stores() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, newTestEngine(t, factory))
		})
	}
}

func TestEngine_CreditDebitAndInsufficientFunds(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()

		if _, err := e.Credit(ctx, Posting{OwnerID: "u1", Amount: 100, Category: CategoryPurchase}); err != nil {
			t.Fatalf("credit: %v", err)
		}
		txn, err := e.Debit(ctx, Posting{OwnerID: "u1", Amount: 50, Category: CategoryOther})
		if err != nil {
			t.Fatalf("debit: %v", err)
		}
		if txn.Amount != -50 || txn.BalanceAfter != 50 {
			t.Fatalf("unexpected debit transaction %+v", txn)
		}

		if _, err := e.Debit(ctx, Posting{OwnerID: "u1", Amount: 60, Category: CategoryOther}); !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("expected insufficient funds, got %v", err)
		}

		balance, err := e.BalanceOf(ctx, "u1")
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if balance != 50 {
			t.Fatalf("expected balance 50, got %d", balance)
		}

		page, err := e.History(ctx, "u1", Filter{})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Items) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(page.Items))
		}
		if page.Items[0].Amount != -50 || page.Items[1].Amount != 100 {
			t.Fatalf("history not newest first: %+v", page.Items)
		}
	})
}

func TestEngine_UnknownOwnerHasZeroBalance(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		balance, err := e.BalanceOf(context.Background(), "nobody")
		if err != nil {
			t.Fatalf("balance: %v", err)
		}
		if balance != 0 {
			t.Fatalf("expected zero balance, got %d", balance)
		}
		page, err := e.History(context.Background(), "nobody", Filter{})
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(page.Items) != 0 || page.Next != nil {
			t.Fatalf("expected empty page, got %+v", page)
		}
	})
}

func TestEngine_IdempotentReplay(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		p := Posting{OwnerID: "u1", Amount: 100, Category: CategoryPurchase, IdempotencyKey: "buy-1"}

		first, err := e.Credit(ctx, p)
		if err != nil {
			t.Fatalf("first credit: %v", err)
		}
		if first.Replayed {
			t.Fatalf("first posting must not be a replay")
		}
		second, err := e.Credit(ctx, p)
		if err != nil {
			t.Fatalf("second credit: %v", err)
		}
		if !second.Replayed || second.ID != first.ID {
			t.Fatalf("expected replay of %s, got %+v", first.ID, second)
		}

		balance, _ := e.BalanceOf(ctx, "u1")
		if balance != 100 {
			t.Fatalf("expected balance 100 after replay, got %d", balance)
		}
		page, _ := e.History(ctx, "u1", Filter{})
		if len(page.Items) != 1 {
			t.Fatalf("expected one transaction, got %d", len(page.Items))
		}
	})
}

func TestEngine_IdempotencyKeysAreScopedPerOwner(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		for _, owner := range []string{"u1", "u2"} {
			txn, err := e.Credit(ctx, Posting{OwnerID: owner, Amount: 10, Category: CategoryTaskReward, IdempotencyKey: "shared"})
			if err != nil {
				t.Fatalf("credit %s: %v", owner, err)
			}
			if txn.Replayed {
				t.Fatalf("key must not replay across owners")
			}
		}
	})
}

func TestEngine_ReplayWithDifferentPostingConflicts(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		if _, err := e.Credit(ctx, Posting{OwnerID: "u1", Amount: 100, Category: CategoryPurchase}); err != nil {
			t.Fatalf("fund: %v", err)
		}
		spend := Posting{OwnerID: "u1", Amount: 1, Category: CategoryOther, IdempotencyKey: "c1:u1:entry"}
		if _, err := e.Debit(ctx, spend); err != nil {
			t.Fatalf("spend: %v", err)
		}

		cases := []struct {
			name string
			post func() (Transaction, error)
		}{
			{"other category", func() (Transaction, error) {
				return e.Debit(ctx, Posting{OwnerID: "u1", Amount: 50, Category: CategoryChallengeEntry, ReferenceID: "c1", IdempotencyKey: "c1:u1:entry"})
			}},
			{"other direction", func() (Transaction, error) {
				return e.Credit(ctx, Posting{OwnerID: "u1", Amount: 1, Category: CategoryOther, IdempotencyKey: "c1:u1:entry"})
			}},
			{"other reference", func() (Transaction, error) {
				return e.Debit(ctx, Posting{OwnerID: "u1", Amount: 1, Category: CategoryOther, ReferenceID: "order-9", IdempotencyKey: "c1:u1:entry"})
			}},
		}
		for _, tc := range cases {
			if _, err := tc.post(); !errors.Is(err, ErrIdempotencyConflict) {
				t.Fatalf("%s: expected idempotency conflict, got %v", tc.name, err)
			}
		}

		// Same posting with a different amount still replays the original.
		again, err := e.Debit(ctx, Posting{OwnerID: "u1", Amount: 7, Category: CategoryOther, IdempotencyKey: "c1:u1:entry"})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if !again.Replayed || again.Amount != -1 {
			t.Fatalf("expected replay of the 1 coin debit, got %+v", again)
		}

		balance, _ := e.BalanceOf(ctx, "u1")
		if balance != 99 {
			t.Fatalf("expected balance 99, got %d", balance)
		}
	})
}

func TestScopedKey(t *testing.T) {
	if got := ScopedKey("spend", "abc"); got != "api:spend:abc" {
		t.Fatalf("unexpected scoped key %q", got)
	}
	if got := ScopedKey("spend", ""); got != "" {
		t.Fatalf("empty key must stay empty, got %q", got)
	}
}

func TestEngine_HistoryOrderWithinOneInstant(t *testing.T) {
	for name, factory := range stores() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := NewEngine(factory(t), logging.Discard())
			instant := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
			e.now = func() time.Time { return instant }

			for i := 1; i <= 20; i++ {
				if _, err := e.Credit(ctx, Posting{OwnerID: "u1", Amount: 1, Category: CategoryTaskReward}); err != nil {
					t.Fatalf("credit %d: %v", i, err)
				}
			}

			page, err := e.History(ctx, "u1", Filter{Limit: 50})
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(page.Items) != 20 {
				t.Fatalf("expected 20 transactions, got %d", len(page.Items))
			}
			for i, txn := range page.Items {
				if want := int64(20 - i); txn.BalanceAfter != want {
					t.Fatalf("item %d: balance_after = %d, want %d", i, txn.BalanceAfter, want)
				}
			}
		})
	}
}

func TestEngine_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		const (
			start   = int64(1_000)
			amount  = int64(30)
			workers = 100
		)
		if err := SeedBalance(ctx, e, "u1", start); err != nil {
			t.Fatalf("seed: %v", err)
		}

		var (
			wg           sync.WaitGroup
			ok, declined atomic.Int64
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := e.Debit(ctx, Posting{
					OwnerID:        "u1",
					Amount:         amount,
					Category:       CategoryChallengeEntry,
					IdempotencyKey: fmt.Sprintf("debit-%d", i),
				})
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, ErrInsufficientFunds):
					declined.Add(1)
				default:
					t.Errorf("debit %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		if ok.Load() != start/amount {
			t.Fatalf("expected %d successful debits, got %d", start/amount, ok.Load())
		}
		if declined.Load() != workers-start/amount {
			t.Fatalf("expected %d declined debits, got %d", workers-start/amount, declined.Load())
		}
		balance, _ := e.BalanceOf(ctx, "u1")
		if balance != start%amount {
			t.Fatalf("expected balance %d, got %d", start%amount, balance)
		}

		report, err := e.Reconcile(ctx)
		if err != nil {
			t.Fatalf("reconcile: %v", err)
		}
		if len(report) != 0 {
			t.Fatalf("expected no discrepancies, got %+v", report)
		}
	})
}

func TestEngine_ConcurrentReplaysApplyOnce(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := e.Credit(ctx, Posting{OwnerID: "u1", Amount: 25, Category: CategoryPurchase, IdempotencyKey: "once"}); err != nil {
					t.Errorf("credit: %v", err)
				}
			}()
		}
		wg.Wait()

		balance, _ := e.BalanceOf(ctx, "u1")
		if balance != 25 {
			t.Fatalf("expected single application, balance=%d", balance)
		}
	})
}

func TestEngine_HistoryPagination(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		for i := 1; i <= 5; i++ {
			if _, err := e.Credit(ctx, Posting{OwnerID: "u1", Amount: int64(i), Category: CategoryTaskReward}); err != nil {
				t.Fatalf("credit %d: %v", i, err)
			}
		}

		var (
			seen   []int64
			cursor *Cursor
			pages  int
		)
		for {
			page, err := e.History(ctx, "u1", Filter{Limit: 2, Before: cursor})
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			pages++
			for _, txn := range page.Items {
				seen = append(seen, txn.Amount)
			}
			if page.Next == nil {
				break
			}
			decoded, err := DecodeCursor(page.Next.Encode())
			if err != nil {
				t.Fatalf("decode cursor: %v", err)
			}
			cursor = decoded
		}

		if pages != 3 {
			t.Fatalf("expected 3 pages, got %d", pages)
		}
		want := []int64{5, 4, 3, 2, 1}
		if fmt.Sprint(seen) != fmt.Sprint(want) {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	})
}

func TestEngine_HistoryFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, e *Engine) {
		ctx := context.Background()
		postings := []Posting{
			{OwnerID: "u1", Amount: 100, Category: CategoryPurchase},
			{OwnerID: "u1", Amount: 10, Category: CategoryChallengeEntry, ReferenceID: "c1"},
			{OwnerID: "u1", Amount: 20, Category: CategoryChallengeEntry, ReferenceID: "c2"},
		}
		for i, p := range postings {
			var err error
			if p.Category == CategoryChallengeEntry {
				_, err = e.Debit(ctx, p)
			} else {
				_, err = e.Credit(ctx, p)
			}
			if err != nil {
				t.Fatalf("posting %d: %v", i, err)
			}
		}

		page, err := e.History(ctx, "u1", Filter{Category: CategoryChallengeEntry})
		if err != nil {
			t.Fatalf("history by category: %v", err)
		}
		if len(page.Items) != 2 {
			t.Fatalf("expected 2 entry debits, got %d", len(page.Items))
		}

		page, err = e.History(ctx, "u1", Filter{ReferenceID: "c1"})
		if err != nil {
			t.Fatalf("history by reference: %v", err)
		}
		if len(page.Items) != 1 || page.Items[0].Amount != -10 {
			t.Fatalf("unexpected reference filter result %+v", page.Items)
		}
	})
}

func TestEngine_RejectsInvalidPostings(t *testing.T) {
	e := NewEngine(NewInMemory(), logging.Discard())
	ctx := context.Background()

	cases := []struct {
		name string
		p    Posting
		want error
	}{
		{"zero amount", Posting{OwnerID: "u1", Amount: 0, Category: CategoryOther}, ErrInvalidAmount},
		{"negative amount", Posting{OwnerID: "u1", Amount: -5, Category: CategoryOther}, ErrInvalidAmount},
		{"unknown category", Posting{OwnerID: "u1", Amount: 5, Category: "gift"}, ErrInvalidCategory},
		{"missing owner", Posting{Amount: 5, Category: CategoryOther}, ErrInvalidOwner},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Credit(ctx, tc.p); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := e.History(ctx, "u1", Filter{Category: "gift"}); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected invalid category on history filter, got %v", err)
	}
}

func TestDecodeCursor(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2024, 5, 1, 8, 30, 0, 123000, time.UTC), ID: "abc"}
	got, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.CreatedAt.Equal(c.CreatedAt) || got.ID != c.ID {
		t.Fatalf("cursor mismatch: %+v", got)
	}

	if got, err := DecodeCursor(""); err != nil || got != nil {
		t.Fatalf("empty token should yield nil cursor, got %v %v", got, err)
	}
	for _, bad := range []string{"!!!", "bm9waXBl", "eHx5"} {
		if _, err := DecodeCursor(bad); !errors.Is(err, ErrInvalidCursor) {
			t.Fatalf("expected invalid cursor for %q, got %v", bad, err)
		}
	}
}
