package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/pkg/money"
)

type fixture struct {
	engine   *Engine
	balances *ledgerstore.MemoryBalanceStore
	txs      *ledgerstore.MemoryTransactionStore
	entries  *ledgerstore.MemoryEntryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	balances := ledgerstore.NewMemoryBalanceStore()
	txs := ledgerstore.NewMemoryTransactionStore()
	entries := ledgerstore.NewMemoryEntryStore()
	store := ledgerstore.NewFallbackEntryStore(entries, ledgerstore.NewMemoryEntryStore(), zap.NewNop(), nil)
	ledger := audit.NewLedger(store, zap.NewNop(), nil)

	return &fixture{
		engine:   NewEngine(balances, txs, ledger, nil, nil, zap.NewNop(), DefaultConfig()),
		balances: balances,
		txs:      txs,
		entries:  entries,
	}
}

func (f *fixture) seed(userID string, krw, kaus string) {
	f.balances.Seed(ledgerstore.Balance{
		UserID: userID,
		KRW:    decimal.RequireFromString(krw),
		KAUS:   decimal.RequireFromString(kaus),
	})
}

func TestExchangeKRWToKAUS(t *testing.T) {
	f := newFixture(t)
	f.seed("user-1", "5000000", "0")
	ctx := context.Background()

	result, err := f.engine.Exchange(ctx, Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(2_000_000),
	})
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)

	assert.Equal(t, ModeLive, result.Mode)
	assert.NotEmpty(t, result.TransactionID)
	assert.Equal(t, ledgerstore.TxCompleted, result.Transaction.Status)
	assert.True(t, result.Transaction.ToAmount.Equal(decimal.NewFromInt(2000)),
		"2,000,000 KRW at 1000 KRW/KAUS should yield 2000 KAUS, got %s", result.Transaction.ToAmount)

	balance, err := f.balances.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.KRW.Equal(decimal.NewFromInt(3_000_000)), "got %s", balance.KRW)
	assert.True(t, balance.KAUS.Equal(decimal.NewFromInt(2000)), "got %s", balance.KAUS)

	// The settlement must leave exactly one chained audit entry.
	assert.Equal(t, 1, f.entries.Len())
	appended, err := f.entries.Query(ctx, ledgerstore.EntryFilter{ActorID: "user-1"})
	require.NoError(t, err)
	require.Len(t, appended, 1)
	assert.Equal(t, audit.EventKausPurchase, appended[0].EventType)
	assert.Equal(t, result.TransactionID, appended[0].Details["transaction_id"])
}

func TestExchangeKAUSToKRW(t *testing.T) {
	f := newFixture(t)
	f.seed("user-1", "0", "10")
	ctx := context.Background()

	result, err := f.engine.Exchange(ctx, Request{
		UserID:       "user-1",
		FromCurrency: money.KAUS,
		ToCurrency:   money.KRW,
		Amount:       decimal.RequireFromString("2.5"),
	})
	require.NoError(t, err)
	assert.True(t, result.Transaction.ToAmount.Equal(decimal.NewFromInt(2500)))

	balance, err := f.balances.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.KAUS.Equal(decimal.RequireFromString("7.5")))
	assert.True(t, balance.KRW.Equal(decimal.NewFromInt(2500)))

	appended, _ := f.entries.Query(ctx, ledgerstore.EntryFilter{})
	require.Len(t, appended, 1)
	assert.Equal(t, audit.EventKausSale, appended[0].EventType)
}

func TestExchangeInsufficientBalanceLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.seed("user-1", "1000000", "0")
	ctx := context.Background()

	result, err := f.engine.Exchange(ctx, Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(2_000_000),
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NotEmpty(t, result.TransactionID)
	assert.Nil(t, result.Transaction)

	// A rejected settlement writes nothing anywhere.
	assert.Equal(t, 0, f.txs.Len())
	assert.Equal(t, 0, f.entries.Len())
	balance, err := f.balances.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.KRW.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, 1, balance.Version)
}

func TestExchangeValidation(t *testing.T) {
	f := newFixture(t)
	f.seed("user-1", "5000000", "500")
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "missing user",
			req:  Request{FromCurrency: money.KRW, ToCurrency: money.KAUS, Amount: decimal.NewFromInt(10000)},
			want: ErrMissingUser,
		},
		{
			name: "same currency",
			req:  Request{UserID: "user-1", FromCurrency: money.KRW, ToCurrency: money.KRW, Amount: decimal.NewFromInt(10000)},
			want: ErrSameCurrency,
		},
		{
			name: "unsupported currency",
			req:  Request{UserID: "user-1", FromCurrency: "USD", ToCurrency: money.KAUS, Amount: decimal.NewFromInt(10000)},
			want: ErrUnsupportedCurrency,
		},
		{
			name: "zero amount",
			req:  Request{UserID: "user-1", FromCurrency: money.KRW, ToCurrency: money.KAUS, Amount: decimal.Zero},
			want: ErrInvalidAmount,
		},
		{
			name: "negative amount",
			req:  Request{UserID: "user-1", FromCurrency: money.KRW, ToCurrency: money.KAUS, Amount: decimal.NewFromInt(-500)},
			want: ErrInvalidAmount,
		},
		{
			name: "below minimum",
			req:  Request{UserID: "user-1", FromCurrency: money.KRW, ToCurrency: money.KAUS, Amount: decimal.NewFromInt(500)},
			want: ErrAmountOutOfRange,
		},
		{
			name: "above maximum",
			req:  Request{UserID: "user-1", FromCurrency: money.KAUS, ToCurrency: money.KRW, Amount: decimal.NewFromInt(20_000)},
			want: ErrAmountOutOfRange,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.engine.Exchange(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, IsValidationError(err))
			assert.NotEmpty(t, result.TransactionID)
		})
	}

	assert.Equal(t, 0, f.txs.Len())
	assert.Equal(t, 0, f.entries.Len())
}

func TestExchangeRejectsAmountVanishingInConversion(t *testing.T) {
	f := newFixture(t)
	f.seed("user-1", "0", "0.1")
	ctx := context.Background()

	// 0.1 KAUS at 0.001 KRW/KAUS converts to 0.0001 KRW, which rounds to
	// zero at KRW precision: value must never evaporate into a zero credit.
	result, err := f.engine.Exchange(ctx, Request{
		UserID:       "user-1",
		FromCurrency: money.KAUS,
		ToCurrency:   money.KRW,
		Amount:       decimal.RequireFromString("0.1"),
		Rate:         decimal.RequireFromString("0.001"),
	})
	require.ErrorIs(t, err, ErrAmountTooSmall)
	assert.True(t, IsValidationError(err))
	assert.NotEmpty(t, result.TransactionID)
	assert.Nil(t, result.Transaction)

	// Rejected before any side effect.
	assert.Equal(t, 0, f.txs.Len())
	assert.Equal(t, 0, f.entries.Len())
	balance, err := f.balances.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.KAUS.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, balance.KRW.IsZero())
}

func TestExchangeUnknownUserTreatedAsZeroBalance(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Exchange(context.Background(), Request{
		UserID:       "ghost",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(10_000),
	})
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

// brokenBalanceStore reads fine but refuses every write.
type brokenBalanceStore struct {
	*ledgerstore.MemoryBalanceStore
	upsertErr error
}

func (s *brokenBalanceStore) Upsert(ctx context.Context, b *ledgerstore.Balance) error {
	return s.upsertErr
}

func TestExchangeRollsBackOnBalanceWriteFailure(t *testing.T) {
	mem := ledgerstore.NewMemoryBalanceStore()
	mem.Seed(ledgerstore.Balance{
		UserID: "user-1",
		KRW:    decimal.NewFromInt(5_000_000),
		KAUS:   decimal.Zero,
	})
	balances := &brokenBalanceStore{MemoryBalanceStore: mem, upsertErr: errors.New("disk full")}

	txs := ledgerstore.NewMemoryTransactionStore()
	entries := ledgerstore.NewMemoryEntryStore()
	store := ledgerstore.NewFallbackEntryStore(entries, ledgerstore.NewMemoryEntryStore(), zap.NewNop(), nil)
	ledger := audit.NewLedger(store, zap.NewNop(), nil)
	engine := NewEngine(balances, txs, ledger, nil, nil, zap.NewNop(), DefaultConfig())

	ctx := context.Background()
	result, err := engine.Exchange(ctx, Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(100_000),
	})
	require.Error(t, err)
	assert.False(t, IsValidationError(err))

	// The pending transaction is flipped to rolled_back and no audit entry
	// claims success.
	stored, err := txs.Get(ctx, mustParse(t, result.TransactionID))
	require.NoError(t, err)
	assert.Equal(t, ledgerstore.TxRolledBack, stored.Status)
	assert.Equal(t, 0, entries.Len())

	// The seeded balance is untouched.
	balance, err := mem.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.KRW.Equal(decimal.NewFromInt(5_000_000)))
}

func TestExchangeRollsBackOnVersionConflict(t *testing.T) {
	mem := ledgerstore.NewMemoryBalanceStore()
	mem.Seed(ledgerstore.Balance{
		UserID: "user-1",
		KRW:    decimal.NewFromInt(5_000_000),
		KAUS:   decimal.Zero,
	})
	balances := &brokenBalanceStore{MemoryBalanceStore: mem, upsertErr: ledgerstore.ErrVersionConflict}

	txs := ledgerstore.NewMemoryTransactionStore()
	store := ledgerstore.NewFallbackEntryStore(ledgerstore.NewMemoryEntryStore(), ledgerstore.NewMemoryEntryStore(), zap.NewNop(), nil)
	engine := NewEngine(balances, txs, audit.NewLedger(store, zap.NewNop(), nil), nil, nil, zap.NewNop(), DefaultConfig())

	result, err := engine.Exchange(context.Background(), Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(100_000),
	})
	require.ErrorIs(t, err, ledgerstore.ErrVersionConflict)

	stored, err := txs.Get(context.Background(), mustParse(t, result.TransactionID))
	require.NoError(t, err)
	assert.Equal(t, ledgerstore.TxRolledBack, stored.Status)
}

func TestExchangeSurvivesAuditAppendFailure(t *testing.T) {
	balances := ledgerstore.NewMemoryBalanceStore()
	balances.Seed(ledgerstore.Balance{
		UserID: "user-1",
		KRW:    decimal.NewFromInt(5_000_000),
		KAUS:   decimal.Zero,
	})
	txs := ledgerstore.NewMemoryTransactionStore()

	// Both entry stores refuse writes: the audit append fails outright, but
	// the balance store stays authoritative and the settlement stands.
	store := ledgerstore.NewFallbackEntryStore(refusingEntryStore{}, refusingEntryStore{}, zap.NewNop(), nil)
	engine := NewEngine(balances, txs, audit.NewLedger(store, zap.NewNop(), nil), nil, nil, zap.NewNop(), DefaultConfig())

	ctx := context.Background()
	result, err := engine.Exchange(ctx, Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(1_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerstore.TxCompleted, result.Transaction.Status)

	balance, err := balances.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, balance.KRW.Equal(decimal.NewFromInt(4_000_000)))
	assert.True(t, balance.KAUS.Equal(decimal.NewFromInt(1000)))
}

type refusingEntryStore struct{}

func (refusingEntryStore) Insert(context.Context, *ledgerstore.Entry) error {
	return errors.New("write refused")
}
func (refusingEntryStore) Latest(context.Context) (*ledgerstore.Entry, error) {
	return nil, ledgerstore.ErrNotFound
}
func (refusingEntryStore) Query(context.Context, ledgerstore.EntryFilter) ([]ledgerstore.Entry, error) {
	return nil, errors.New("read refused")
}
func (refusingEntryStore) Window(context.Context, int) ([]ledgerstore.Entry, error) {
	return nil, errors.New("read refused")
}

func TestSimulatedModeFlagged(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Simulated = true

	balances := ledgerstore.NewMemoryBalanceStore()
	balances.Seed(ledgerstore.Balance{UserID: "user-1", KRW: decimal.NewFromInt(100_000), KAUS: decimal.Zero})
	store := ledgerstore.NewFallbackEntryStore(ledgerstore.NewMemoryEntryStore(), ledgerstore.NewMemoryEntryStore(), zap.NewNop(), nil)
	engine := NewEngine(balances, ledgerstore.NewMemoryTransactionStore(),
		audit.NewLedger(store, zap.NewNop(), nil), nil, nil, zap.NewNop(), cfg)

	assert.Equal(t, ModeSimulated, engine.Mode())

	result, err := engine.Exchange(context.Background(), Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(50_000),
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSimulated, result.Mode)
}

func TestPreviewQuote(t *testing.T) {
	f := newFixture(t)

	q, err := f.engine.PreviewQuote(money.KRW, money.KAUS, decimal.NewFromInt(150_000))
	require.NoError(t, err)

	assert.True(t, q.Rate.Equal(decimal.NewFromInt(1000)))
	assert.True(t, q.MinAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, q.MaxAmount.Equal(decimal.NewFromInt(10_000_000)))
	assert.True(t, q.ToAmount.Equal(decimal.NewFromInt(150)), "got %s", q.ToAmount)

	_, err = f.engine.PreviewQuote(money.KRW, money.KRW, decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrSameCurrency)

	_, err = f.engine.PreviewQuote("EUR", money.KAUS, decimal.NewFromInt(1000))
	assert.ErrorIs(t, err, ErrUnsupportedCurrency)
}

func mustParse(t *testing.T, id string) uuid.UUID {
	t.Helper()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	return parsed
}

func TestExchangeCustomRate(t *testing.T) {
	f := newFixture(t)
	f.seed("user-1", "1000000", "0")

	result, err := f.engine.Exchange(context.Background(), Request{
		UserID:       "user-1",
		FromCurrency: money.KRW,
		ToCurrency:   money.KAUS,
		Amount:       decimal.NewFromInt(1_000_000),
		Rate:         decimal.NewFromInt(2000),
	})
	require.NoError(t, err)
	assert.True(t, result.Transaction.ToAmount.Equal(decimal.NewFromInt(500)),
		"got %s", result.Transaction.ToAmount)
}
