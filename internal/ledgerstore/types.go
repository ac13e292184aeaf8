// Package ledgerstore abstracts the persistence layer behind the audit
// ledger, the settlement engine and the distribution engine. Each concern
// gets a small interface with two concrete families: a durable Postgres
// implementation and a volatile in-memory one, selected at construction
// time. A fallback wrapper composes the two so transient storage outages
// degrade durability instead of failing financial operations.
package ledgerstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when an optimistic version check
	// fails on a balance upsert.
	ErrVersionConflict = errors.New("concurrent modification detected")
)

// Entry statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
	StatusPending = "PENDING"
)

// Entry is one immutable fact in the hash-chained audit log. Once the
// digest is computed the entry is never updated or deleted.
type Entry struct {
	ID            uuid.UUID              `json:"id"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     string                 `json:"event_type"`
	ActorID       string                 `json:"actor_id"`
	SourceAddress string                 `json:"source_address,omitempty"`
	ClientContext string                 `json:"client_context,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
	Amount        *decimal.Decimal       `json:"amount,omitempty"`
	Currency      string                 `json:"currency,omitempty"`
	Status        string                 `json:"status"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	Digest        string                 `json:"digest"`
	PrevDigest    string                 `json:"prev_digest"`
	Nonce         int64                  `json:"nonce"`
	Verified      bool                   `json:"verified"`
}

// EntryFilter narrows an audit query. Zero values mean "any".
type EntryFilter struct {
	ActorID   string
	EventType string
	Status    string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// EntryStore persists audit ledger entries.
type EntryStore interface {
	Insert(ctx context.Context, e *Entry) error
	// Latest returns the most recently written entry, or ErrNotFound on
	// an empty ledger. Used to seed the in-process chain tail.
	Latest(ctx context.Context) (*Entry, error)
	// Query returns entries most recent first.
	Query(ctx context.Context, f EntryFilter) ([]Entry, error)
	// Window returns up to limit entries in ascending timestamp order
	// for integrity verification.
	Window(ctx context.Context, limit int) ([]Entry, error)
}

// Balance is one user's holdings across the two supported currencies,
// plus the lifetime dividend counter. Mutated only through settlement or
// distribution operations, never directly.
type Balance struct {
	UserID         string          `json:"user_id"`
	KRW            decimal.Decimal `json:"krw"`
	KAUS           decimal.Decimal `json:"kaus"`
	LifetimeEarned decimal.Decimal `json:"lifetime_earned"`
	Version        int             `json:"version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Amount returns the holding in the given currency.
func (b *Balance) Amount(currency string) decimal.Decimal {
	switch currency {
	case "KRW":
		return b.KRW
	case "KAUS":
		return b.KAUS
	default:
		return decimal.Zero
	}
}

// SetAmount replaces the holding in the given currency.
func (b *Balance) SetAmount(currency string, v decimal.Decimal) {
	switch currency {
	case "KRW":
		b.KRW = v
	case "KAUS":
		b.KAUS = v
	}
}

// BalanceStore persists user balances. Upsert must enforce the optimistic
// version check: a stale Version fails with ErrVersionConflict, which is
// the sole serialization point between concurrent settlements on the same
// account.
type BalanceStore interface {
	Get(ctx context.Context, userID string) (*Balance, error)
	Upsert(ctx context.Context, b *Balance) error
	// ListPositive returns all balances holding more than zero of the
	// given currency, for circulating-supply computation.
	ListPositive(ctx context.Context, currency string) ([]Balance, error)
	Ping(ctx context.Context) error
}

// Transaction statuses. Transitions only move forward:
// pending -> completed | failed | rolled_back.
const (
	TxPending    = "pending"
	TxCompleted  = "completed"
	TxFailed     = "failed"
	TxRolledBack = "rolled_back"
)

// ExchangeTransaction is one atomic settlement attempt.
type ExchangeTransaction struct {
	ID           uuid.UUID       `json:"id"`
	UserID       string          `json:"user_id"`
	FromCurrency string          `json:"from_currency"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	ToCurrency   string          `json:"to_currency"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	Rate         decimal.Decimal `json:"rate"`
	Status       string          `json:"status"`
	Signature    string          `json:"signature"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// TransactionStore persists exchange transactions.
type TransactionStore interface {
	Insert(ctx context.Context, tx *ExchangeTransaction) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*ExchangeTransaction, error)
}

// DividendDistribution is the immutable summary of one distribution run.
type DividendDistribution struct {
	ID                uuid.UUID                  `json:"id"`
	Date              time.Time                  `json:"date"`
	RevenueBySource   map[string]decimal.Decimal `json:"revenue_by_source"`
	TotalRevenue      decimal.Decimal            `json:"total_revenue"`
	TotalDistributed  decimal.Decimal            `json:"total_distributed"`
	UsersCount        int                        `json:"users_count"`
	CirculatingSupply decimal.Decimal            `json:"circulating_supply"`
	ErrorCount        int                        `json:"error_count"`
	DurationMS        int64                      `json:"duration_ms"`
}

// DistributionStore persists distribution run summaries.
type DistributionStore interface {
	Insert(ctx context.Context, d *DividendDistribution) error
	// List returns the most recent runs, newest first.
	List(ctx context.Context, limit int) ([]DividendDistribution, error)
}
