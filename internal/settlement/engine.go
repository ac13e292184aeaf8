// Package settlement executes currency-to-currency balance transitions as
// all-or-nothing operations. The balance store is the source of truth for
// money; the audit ledger records what happened but never overrides a
// committed balance.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/audit"
	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/pkg/hashutil"
	"github.com/kausnet/settlecore/pkg/messaging"
	"github.com/kausnet/settlecore/pkg/metrics"
	"github.com/kausnet/settlecore/pkg/money"
)

// Operating modes. Every result carries one so callers can tell a genuine
// settlement from a fallback simulation without inferring it from shape.
const (
	ModeLive      = "live"
	ModeSimulated = "simulated"
)

// Limit is the allowed amount band for a source currency.
type Limit struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Config holds settlement tuning.
type Config struct {
	// DefaultRate is KRW per KAUS, used when the request carries none.
	DefaultRate decimal.Decimal
	// Limits bands the request amount per source currency.
	Limits map[string]Limit
	// FeeRate is informational, surfaced in quotes.
	FeeRate decimal.Decimal
	// Simulated marks the engine as running without a durable balance
	// store. Only set when no real balances are reachable at all.
	Simulated bool
}

// DefaultConfig returns production limits: 1,000–10,000,000 KRW and
// 0.1–10,000 KAUS per exchange, at 1000 KRW per KAUS.
func DefaultConfig() Config {
	return Config{
		DefaultRate: decimal.NewFromInt(1000),
		Limits: map[string]Limit{
			money.KRW:  {Min: decimal.NewFromInt(1000), Max: decimal.NewFromInt(10_000_000)},
			money.KAUS: {Min: decimal.RequireFromString("0.1"), Max: decimal.NewFromInt(10_000)},
		},
		FeeRate: decimal.Zero,
	}
}

// Engine is the atomic settlement engine.
type Engine struct {
	balances ledgerstore.BalanceStore
	txs      ledgerstore.TransactionStore
	ledger   *audit.Ledger
	msg      *messaging.Client
	metrics  *metrics.Recorder
	log      *zap.Logger
	cfg      Config
}

// Request is one settlement attempt from the API boundary.
type Request struct {
	UserID        string
	FromCurrency  string
	ToCurrency    string
	Amount        decimal.Decimal
	Rate          decimal.Decimal // optional; zero means use the default
	SourceAddress string
	ClientContext string
}

// Result is the settlement outcome. TransactionID is always populated,
// including on failures, so support can correlate a failed attempt.
type Result struct {
	TransactionID string                           `json:"transaction_id"`
	Transaction   *ledgerstore.ExchangeTransaction `json:"transaction,omitempty"`
	Balances      *ledgerstore.Balance             `json:"balances,omitempty"`
	Mode          string                           `json:"mode"`
}

// Quote is a read-only conversion preview.
type Quote struct {
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	Rate         decimal.Decimal `json:"rate"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	Fee          decimal.Decimal `json:"fee"`
}

// NewEngine creates a settlement engine. msg and metrics may be nil.
func NewEngine(balances ledgerstore.BalanceStore, txs ledgerstore.TransactionStore,
	ledger *audit.Ledger, msg *messaging.Client, rec *metrics.Recorder,
	log *zap.Logger, cfg Config) *Engine {
	return &Engine{
		balances: balances,
		txs:      txs,
		ledger:   ledger,
		msg:      msg,
		metrics:  rec,
		log:      log,
		cfg:      cfg,
	}
}

// Mode reports the engine's operating mode.
func (e *Engine) Mode() string {
	if e.cfg.Simulated {
		return ModeSimulated
	}
	return ModeLive
}

// Exchange validates, computes and commits one two-currency settlement.
// Validation failures return before any side effect; the returned Result
// still carries the transaction id generated up front. Once the balance
// commit begins the operation can no longer be cancelled by the caller.
func (e *Engine) Exchange(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	txID := uuid.New()
	result := &Result{TransactionID: txID.String(), Mode: e.Mode()}

	if err := e.validate(ctx, req); err != nil {
		e.metrics.RecordSettlement(req.FromCurrency, req.ToCurrency, "rejected", result.Mode, time.Since(started))
		return result, err
	}

	rate := req.Rate
	if rate.LessThanOrEqual(decimal.Zero) {
		rate = e.cfg.DefaultRate
	}

	fromAmount := money.Round(req.Amount, req.FromCurrency)
	toAmount, err := money.Convert(fromAmount, rate, req.FromCurrency, req.ToCurrency)
	if err != nil {
		return result, fmt.Errorf("conversion failed: %w", err)
	}
	// Guard against value evaporating during conversion: a positive input
	// must never settle to a zero credit.
	if toAmount.LessThanOrEqual(decimal.Zero) {
		return result, ErrAmountTooSmall
	}

	// Commit sequence. Re-read immediately before writing to shrink the
	// race window since validation; the version check on upsert is the
	// actual serialization point.
	balance, err := e.freshBalance(ctx, req.UserID)
	if err != nil {
		return result, fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Amount(req.FromCurrency).LessThan(fromAmount) {
		return result, ErrInsufficientBalance
	}

	newBalance := *balance
	newBalance.SetAmount(req.FromCurrency, money.Round(balance.Amount(req.FromCurrency).Sub(fromAmount), req.FromCurrency))
	newBalance.SetAmount(req.ToCurrency, money.Round(balance.Amount(req.ToCurrency).Add(toAmount), req.ToCurrency))

	tx := &ledgerstore.ExchangeTransaction{
		ID:           txID,
		UserID:       req.UserID,
		FromCurrency: req.FromCurrency,
		FromAmount:   fromAmount,
		ToCurrency:   req.ToCurrency,
		ToAmount:     toAmount,
		Rate:         rate,
		Status:       ledgerstore.TxPending,
		CreatedAt:    time.Now().UTC(),
	}
	tx.Signature, err = transactionSignature(tx)
	if err != nil {
		return result, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := e.txs.Insert(ctx, tx); err != nil {
		return result, fmt.Errorf("failed to record pending transaction: %w", err)
	}

	if err := e.balances.Upsert(ctx, &newBalance); err != nil {
		// No partial credit/debit may ever be observable: the balance
		// write failed as a unit, so only the transaction status moves.
		e.markFailed(ctx, txID, ledgerstore.TxRolledBack)
		tx.Status = ledgerstore.TxRolledBack
		e.publishFailed(ctx, tx, result.Mode)
		e.metrics.RecordSettlement(req.FromCurrency, req.ToCurrency, "rolled_back", result.Mode, time.Since(started))
		if err == ledgerstore.ErrVersionConflict {
			return result, fmt.Errorf("balance changed concurrently, settlement rolled back: %w", err)
		}
		return result, fmt.Errorf("failed to commit balance, settlement rolled back: %w", err)
	}

	now := time.Now().UTC()
	tx.Status = ledgerstore.TxCompleted
	tx.CompletedAt = &now
	if err := e.txs.UpdateStatus(ctx, txID, ledgerstore.TxCompleted, &now); err != nil {
		// The money moved; a status-write failure is operational noise,
		// not a reason to unwind the settlement.
		e.log.Error("failed to mark transaction completed",
			zap.String("transaction_id", txID.String()), zap.Error(err))
	}

	e.appendAuditEntry(ctx, req, tx, balance, &newBalance)
	e.publishSettled(ctx, tx, result.Mode)
	e.metrics.RecordSettlement(req.FromCurrency, req.ToCurrency, "completed", result.Mode, time.Since(started))

	result.Transaction = tx
	result.Balances = &newBalance
	return result, nil
}

// PreviewQuote returns the rate, limits and converted amount for a
// prospective exchange without touching any state.
func (e *Engine) PreviewQuote(from, to string, amount decimal.Decimal) (*Quote, error) {
	if !money.Supported(from) || !money.Supported(to) {
		return nil, ErrUnsupportedCurrency
	}
	if from == to {
		return nil, ErrSameCurrency
	}

	limit := e.cfg.Limits[from]
	q := &Quote{
		FromCurrency: from,
		ToCurrency:   to,
		Rate:         e.cfg.DefaultRate,
		MinAmount:    limit.Min,
		MaxAmount:    limit.Max,
	}

	if amount.GreaterThan(decimal.Zero) {
		q.FromAmount = money.Round(amount, from)
		q.Fee = money.Round(amount.Mul(e.cfg.FeeRate), from)
		toAmount, err := money.Convert(q.FromAmount.Sub(q.Fee), e.cfg.DefaultRate, from, to)
		if err != nil {
			return nil, err
		}
		q.ToAmount = toAmount
	}
	return q, nil
}

func (e *Engine) validate(ctx context.Context, req Request) error {
	if req.UserID == "" {
		return ErrMissingUser
	}
	if !money.Supported(req.FromCurrency) || !money.Supported(req.ToCurrency) {
		return ErrUnsupportedCurrency
	}
	if req.FromCurrency == req.ToCurrency {
		return ErrSameCurrency
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}

	if limit, ok := e.cfg.Limits[req.FromCurrency]; ok {
		if req.Amount.LessThan(limit.Min) || req.Amount.GreaterThan(limit.Max) {
			return fmt.Errorf("%w: %s %s not in [%s, %s]", ErrAmountOutOfRange,
				req.Amount, req.FromCurrency, limit.Min, limit.Max)
		}
	}

	balance, err := e.freshBalance(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Amount(req.FromCurrency).LessThan(req.Amount) {
		return ErrInsufficientBalance
	}
	return nil
}

// freshBalance reads the current balance, treating an absent row as an
// all-zero holding.
func (e *Engine) freshBalance(ctx context.Context, userID string) (*ledgerstore.Balance, error) {
	balance, err := e.balances.Get(ctx, userID)
	if err == ledgerstore.ErrNotFound {
		return &ledgerstore.Balance{
			UserID:         userID,
			KRW:            decimal.Zero,
			KAUS:           decimal.Zero,
			LifetimeEarned: decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return balance, nil
}

func (e *Engine) markFailed(ctx context.Context, id uuid.UUID, status string) {
	if err := e.txs.UpdateStatus(ctx, id, status, nil); err != nil {
		e.log.Error("failed to mark transaction "+status,
			zap.String("transaction_id", id.String()), zap.Error(err))
	}
}

// appendAuditEntry records the settlement in the hash chain. An append
// failure after the balance commit does not reverse the settlement — the
// balance store is authoritative — but it is escalated to operators.
func (e *Engine) appendAuditEntry(ctx context.Context, req Request, tx *ledgerstore.ExchangeTransaction,
	prev, next *ledgerstore.Balance) {
	eventType := audit.EventKausPurchase
	if req.FromCurrency == money.KAUS {
		eventType = audit.EventKausSale
	}

	amount := tx.FromAmount
	_, err := e.ledger.Append(ctx, audit.Input{
		EventType:     eventType,
		ActorID:       req.UserID,
		SourceAddress: req.SourceAddress,
		ClientContext: req.ClientContext,
		Amount:        &amount,
		Currency:      tx.FromCurrency,
		Status:        ledgerstore.StatusSuccess,
		Details: map[string]interface{}{
			"transaction_id": tx.ID.String(),
			"signature":      tx.Signature,
			"rate":           tx.Rate.String(),
			"to_currency":    tx.ToCurrency,
			"to_amount":      tx.ToAmount.String(),
			"previous_balances": map[string]interface{}{
				"krw":  prev.KRW.String(),
				"kaus": prev.KAUS.String(),
			},
			"new_balances": map[string]interface{}{
				"krw":  next.KRW.String(),
				"kaus": next.KAUS.String(),
			},
		},
	})
	if err != nil {
		e.log.Error("settlement committed but audit append failed",
			zap.String("transaction_id", tx.ID.String()), zap.Error(err))
	}
}

func (e *Engine) publishFailed(ctx context.Context, tx *ledgerstore.ExchangeTransaction, mode string) {
	_ = e.msg.Publish(ctx, messaging.SubjectSettlementFailed, messaging.SettlementEvent{
		TransactionID: tx.ID.String(),
		UserID:        tx.UserID,
		FromCurrency:  tx.FromCurrency,
		FromAmount:    tx.FromAmount.String(),
		ToCurrency:    tx.ToCurrency,
		ToAmount:      tx.ToAmount.String(),
		Rate:          tx.Rate.String(),
		Status:        tx.Status,
		Mode:          mode,
		Timestamp:     time.Now(),
	})
}

func (e *Engine) publishSettled(ctx context.Context, tx *ledgerstore.ExchangeTransaction, mode string) {
	_ = e.msg.Publish(ctx, messaging.SubjectSettlementDone, messaging.SettlementEvent{
		TransactionID: tx.ID.String(),
		UserID:        tx.UserID,
		FromCurrency:  tx.FromCurrency,
		FromAmount:    tx.FromAmount.String(),
		ToCurrency:    tx.ToCurrency,
		ToAmount:      tx.ToAmount.String(),
		Rate:          tx.Rate.String(),
		Status:        tx.Status,
		Mode:          mode,
		Timestamp:     time.Now(),
	})
}

// transactionSignature digests the transaction payload so the audit trail
// can prove which amounts were committed.
func transactionSignature(tx *ledgerstore.ExchangeTransaction) (string, error) {
	return hashutil.Digest(map[string]interface{}{
		"id":            tx.ID.String(),
		"user_id":       tx.UserID,
		"from_currency": tx.FromCurrency,
		"from_amount":   tx.FromAmount.String(),
		"to_currency":   tx.ToCurrency,
		"to_amount":     tx.ToAmount.String(),
		"rate":          tx.Rate.String(),
		"created_at":    tx.CreatedAt.Format(time.RFC3339Nano),
	})
}
