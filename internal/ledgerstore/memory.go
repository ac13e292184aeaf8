package ledgerstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryEntryStore is the volatile EntryStore. It backs tests, simulated
// mode and the durability fallback when Postgres is unreachable.
type MemoryEntryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{}
}

func (s *MemoryEntryStore) Insert(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryEntryStore) Latest(ctx context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, ErrNotFound
	}
	latest := s.entries[0]
	for _, e := range s.entries[1:] {
		if e.Timestamp.After(latest.Timestamp) {
			latest = e
		}
	}
	return &latest, nil
}

func (s *MemoryEntryStore) Query(ctx context.Context, f EntryFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Entry
	for _, e := range s.entries {
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		matched = append(matched, e)
	}

	// Most recent first, insertion order preserved within equal timestamps.
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryEntryStore) Window(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	window := make([]Entry, len(s.entries))
	copy(window, s.entries)
	sort.SliceStable(window, func(i, j int) bool {
		return window[i].Timestamp.Before(window[j].Timestamp)
	})
	if limit > 0 && len(window) > limit {
		window = window[:limit]
	}
	return window, nil
}

// Tamper overwrites a stored entry in place. Only reachable from tests;
// a durable store offers no such operation.
func (s *MemoryEntryStore) Tamper(index int, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index >= 0 && index < len(s.entries) {
		mutate(&s.entries[index])
	}
}

// Len returns the number of stored entries.
func (s *MemoryEntryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// MemoryBalanceStore is the volatile BalanceStore.
type MemoryBalanceStore struct {
	mu       sync.RWMutex
	balances map[string]Balance
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{balances: make(map[string]Balance)}
}

func (s *MemoryBalanceStore) Get(ctx context.Context, userID string) (*Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (s *MemoryBalanceStore) Upsert(ctx context.Context, b *Balance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.balances[b.UserID]
	if exists && current.Version != b.Version {
		return ErrVersionConflict
	}

	stored := *b
	stored.Version = b.Version + 1
	stored.UpdatedAt = time.Now()
	s.balances[b.UserID] = stored
	b.Version = stored.Version
	b.UpdatedAt = stored.UpdatedAt
	return nil
}

func (s *MemoryBalanceStore) ListPositive(ctx context.Context, currency string) ([]Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Balance
	for _, b := range s.balances {
		if b.Amount(currency).GreaterThan(decimal.Zero) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryBalanceStore) Ping(ctx context.Context) error { return nil }

// Seed installs a balance directly, bypassing the version check. Test
// setup only.
func (s *MemoryBalanceStore) Seed(b Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.Version == 0 {
		b.Version = 1
	}
	s.balances[b.UserID] = b
}

// MemoryTransactionStore is the volatile TransactionStore.
type MemoryTransactionStore struct {
	mu  sync.RWMutex
	txs map[uuid.UUID]ExchangeTransaction
}

func NewMemoryTransactionStore() *MemoryTransactionStore {
	return &MemoryTransactionStore{txs: make(map[uuid.UUID]ExchangeTransaction)}
}

func (s *MemoryTransactionStore) Insert(ctx context.Context, tx *ExchangeTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = *tx
	return nil
}

func (s *MemoryTransactionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return ErrNotFound
	}
	tx.Status = status
	tx.CompletedAt = completedAt
	s.txs[id] = tx
	return nil
}

func (s *MemoryTransactionStore) Get(ctx context.Context, id uuid.UUID) (*ExchangeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tx, nil
}

// Len returns the number of stored transactions.
func (s *MemoryTransactionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txs)
}

// MemoryDistributionStore is the volatile DistributionStore.
type MemoryDistributionStore struct {
	mu   sync.RWMutex
	runs []DividendDistribution
}

func NewMemoryDistributionStore() *MemoryDistributionStore {
	return &MemoryDistributionStore{}
}

func (s *MemoryDistributionStore) Insert(ctx context.Context, d *DividendDistribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, *d)
	return nil
}

func (s *MemoryDistributionStore) List(ctx context.Context, limit int) ([]DividendDistribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DividendDistribution, len(s.runs))
	copy(out, s.runs)
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
