package ledger

import (
	"context"
	"sort"
	"sync"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*memoryWallet
}

// memoryWallet serialises postings for one owner; different owners never
// contend on the same lock.
type memoryWallet struct {
	mu      sync.Mutex
	balance int64
	txns    []Transaction
	byKey   map[string]int
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit tests
// and local development.
func NewInMemory() Store {
	return &inMemoryStore{wallets: make(map[string]*memoryWallet)}
}

func (s *inMemoryStore) wallet(ownerID string, create bool) *memoryWallet {
	s.mu.RLock()
	w, ok := s.wallets[ownerID]
	s.mu.RUnlock()
	if ok || !create {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.wallets[ownerID]; !ok {
		w = &memoryWallet{byKey: make(map[string]int)}
		s.wallets[ownerID] = w
	}
	return w
}

func (s *inMemoryStore) Update(ctx context.Context, ownerID string, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w := s.wallet(ownerID, true)
	w.mu.Lock()
	defer w.mu.Unlock()

	staged := &memoryTx{wallet: w, balance: w.balance}
	if err := fn(ctx, staged); err != nil {
		return err
	}

	for _, txn := range staged.pending {
		w.txns = append(w.txns, txn)
		if txn.IdempotencyKey != "" {
			w.byKey[txn.IdempotencyKey] = len(w.txns) - 1
		}
	}
	w.balance = staged.balance
	return nil
}

func (s *inMemoryStore) Balance(_ context.Context, ownerID string) (int64, error) {
	w := s.wallet(ownerID, false)
	if w == nil {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.balance, nil
}

func (s *inMemoryStore) History(_ context.Context, ownerID string, filter Filter) ([]Transaction, error) {
	w := s.wallet(ownerID, false)
	if w == nil {
		return []Transaction{}, nil
	}

	w.mu.Lock()
	all := make([]Transaction, len(w.txns))
	copy(all, w.txns)
	w.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	out := make([]Transaction, 0, filter.Limit)
	for _, txn := range all {
		if filter.Category != "" && txn.Category != filter.Category {
			continue
		}
		if filter.ReferenceID != "" && txn.ReferenceID != filter.ReferenceID {
			continue
		}
		if filter.Before != nil && !filter.Before.before(txn) {
			continue
		}
		out = append(out, txn)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *inMemoryStore) Reconcile(_ context.Context) ([]Discrepancy, error) {
	s.mu.RLock()
	owners := make([]string, 0, len(s.wallets))
	for owner := range s.wallets {
		owners = append(owners, owner)
	}
	s.mu.RUnlock()
	sort.Strings(owners)

	var out []Discrepancy
	for _, owner := range owners {
		w := s.wallet(owner, false)
		w.mu.Lock()
		var sum int64
		for _, txn := range w.txns {
			sum += txn.Amount
		}
		balance := w.balance
		w.mu.Unlock()
		if balance != sum || balance < 0 {
			out = append(out, Discrepancy{OwnerID: owner, Balance: balance, Sum: sum})
		}
	}
	return out, nil
}

type memoryTx struct {
	wallet  *memoryWallet
	balance int64
	pending []Transaction
}

func (t *memoryTx) Balance(_ context.Context) (int64, error) {
	return t.balance, nil
}

func (t *memoryTx) Lookup(_ context.Context, key string) (Transaction, bool, error) {
	if idx, ok := t.wallet.byKey[key]; ok {
		return t.wallet.txns[idx], true, nil
	}
	for _, txn := range t.pending {
		if txn.IdempotencyKey == key {
			return txn, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (t *memoryTx) Append(_ context.Context, txn Transaction) error {
	if txn.BalanceAfter < 0 {
		return ErrInsufficientFunds
	}
	t.pending = append(t.pending, txn)
	t.balance = txn.BalanceAfter
	return nil
}
