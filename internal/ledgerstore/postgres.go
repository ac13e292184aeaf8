package ledgerstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PostgresEntryStore is the durable EntryStore over the ledger_entries
// table. Inserts only; the table carries no UPDATE or DELETE path.
type PostgresEntryStore struct {
	db *sql.DB
}

func NewPostgresEntryStore(db *sql.DB) *PostgresEntryStore {
	return &PostgresEntryStore{db: db}
}

func (s *PostgresEntryStore) Insert(ctx context.Context, e *Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal entry details: %w", err)
	}

	var amount interface{}
	if e.Amount != nil {
		amount = e.Amount.String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_entries
		 (id, ts, event_type, actor_id, source_address, client_context, details,
		  amount, currency, status, error_message, digest, prev_digest, nonce, verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.Timestamp, e.EventType, e.ActorID, e.SourceAddress, e.ClientContext,
		details, amount, e.Currency, e.Status, e.ErrorMessage,
		e.Digest, e.PrevDigest, e.Nonce, e.Verified,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresEntryStore) Latest(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, ts, event_type, actor_id, source_address, client_context, details,
		        amount, currency, status, error_message, digest, prev_digest, nonce, verified
		 FROM ledger_entries ORDER BY ts DESC, id DESC LIMIT 1`)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest entry: %w", err)
	}
	return e, nil
}

func (s *PostgresEntryStore) Query(ctx context.Context, f EntryFilter) ([]Entry, error) {
	query := `SELECT id, ts, event_type, actor_id, source_address, client_context, details,
	                 amount, currency, status, error_message, digest, prev_digest, nonce, verified
	          FROM ledger_entries WHERE 1=1`
	var args []interface{}
	n := 0

	add := func(clause string, v interface{}) {
		n++
		query += fmt.Sprintf(" AND %s = $%d", clause, n)
		args = append(args, v)
	}
	if f.ActorID != "" {
		add("actor_id", f.ActorID)
	}
	if f.EventType != "" {
		add("event_type", f.EventType)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if !f.From.IsZero() {
		n++
		query += fmt.Sprintf(" AND ts >= $%d", n)
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		n++
		query += fmt.Sprintf(" AND ts <= $%d", n)
		args = append(args, f.To)
	}

	query += " ORDER BY ts DESC"
	if f.Limit > 0 {
		n++
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, f.Limit)
	}
	if f.Offset > 0 {
		n++
		query += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func (s *PostgresEntryStore) Window(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, event_type, actor_id, source_address, client_context, details,
		        amount, currency, status, error_message, digest, prev_digest, nonce, verified
		 FROM ledger_entries ORDER BY ts ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification window: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var details []byte
	var amount sql.NullString

	err := row.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.ActorID, &e.SourceAddress,
		&e.ClientContext, &details, &amount, &e.Currency, &e.Status, &e.ErrorMessage,
		&e.Digest, &e.PrevDigest, &e.Nonce, &e.Verified)
	if err != nil {
		return nil, err
	}

	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entry details: %w", err)
		}
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse entry amount: %w", err)
		}
		e.Amount = &d
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// PostgresBalanceStore is the durable BalanceStore over the balances
// table. The version column carries the optimistic concurrency check.
type PostgresBalanceStore struct {
	db *sql.DB
}

func NewPostgresBalanceStore(db *sql.DB) *PostgresBalanceStore {
	return &PostgresBalanceStore{db: db}
}

func (s *PostgresBalanceStore) Get(ctx context.Context, userID string) (*Balance, error) {
	var b Balance
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, krw, kaus, lifetime_earned, version, updated_at
		 FROM balances WHERE user_id = $1`,
		userID,
	).Scan(&b.UserID, &b.KRW, &b.KAUS, &b.LifetimeEarned, &b.Version, &b.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &b, nil
}

func (s *PostgresBalanceStore) Upsert(ctx context.Context, b *Balance) error {
	now := time.Now()

	if b.Version == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO balances (user_id, krw, kaus, lifetime_earned, version, updated_at)
			 VALUES ($1, $2, $3, $4, 1, $5)`,
			b.UserID, b.KRW, b.KAUS, b.LifetimeEarned, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert balance: %w", err)
		}
		b.Version = 1
		b.UpdatedAt = now
		return nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE balances
		 SET krw = $1, kaus = $2, lifetime_earned = $3, version = version + 1, updated_at = $4
		 WHERE user_id = $5 AND version = $6`,
		b.KRW, b.KAUS, b.LifetimeEarned, now, b.UserID, b.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrVersionConflict
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

func (s *PostgresBalanceStore) ListPositive(ctx context.Context, currency string) ([]Balance, error) {
	column, ok := balanceColumn(currency)
	if !ok {
		return nil, fmt.Errorf("unsupported currency %q", currency)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, krw, kaus, lifetime_earned, version, updated_at
		 FROM balances WHERE `+column+` > 0 ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.UserID, &b.KRW, &b.KAUS, &b.LifetimeEarned, &b.Version, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresBalanceStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// balanceColumn maps a currency code to its column. Never interpolate the
// currency string itself into SQL.
func balanceColumn(currency string) (string, bool) {
	switch currency {
	case "KRW":
		return "krw", true
	case "KAUS":
		return "kaus", true
	default:
		return "", false
	}
}

// PostgresTransactionStore is the durable TransactionStore.
type PostgresTransactionStore struct {
	db *sql.DB
}

func NewPostgresTransactionStore(db *sql.DB) *PostgresTransactionStore {
	return &PostgresTransactionStore{db: db}
}

func (s *PostgresTransactionStore) Insert(ctx context.Context, tx *ExchangeTransaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchange_transactions
		 (id, user_id, from_currency, from_amount, to_currency, to_amount, rate,
		  status, signature, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		tx.ID, tx.UserID, tx.FromCurrency, tx.FromAmount, tx.ToCurrency, tx.ToAmount,
		tx.Rate, tx.Status, tx.Signature, tx.CreatedAt, tx.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresTransactionStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string, completedAt *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE exchange_transactions SET status = $1, completed_at = $2 WHERE id = $3`,
		status, completedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresTransactionStore) Get(ctx context.Context, id uuid.UUID) (*ExchangeTransaction, error) {
	var tx ExchangeTransaction
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, from_currency, from_amount, to_currency, to_amount, rate,
		        status, signature, created_at, completed_at
		 FROM exchange_transactions WHERE id = $1`,
		id,
	).Scan(&tx.ID, &tx.UserID, &tx.FromCurrency, &tx.FromAmount, &tx.ToCurrency,
		&tx.ToAmount, &tx.Rate, &tx.Status, &tx.Signature, &tx.CreatedAt, &tx.CompletedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

// PostgresDistributionStore is the durable DistributionStore.
type PostgresDistributionStore struct {
	db *sql.DB
}

func NewPostgresDistributionStore(db *sql.DB) *PostgresDistributionStore {
	return &PostgresDistributionStore{db: db}
}

func (s *PostgresDistributionStore) Insert(ctx context.Context, d *DividendDistribution) error {
	revenue, err := json.Marshal(d.RevenueBySource)
	if err != nil {
		return fmt.Errorf("failed to marshal revenue breakdown: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dividend_distributions
		 (id, run_date, revenue_by_source, total_revenue, total_distributed,
		  users_count, circulating_supply, error_count, duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Date, revenue, d.TotalRevenue, d.TotalDistributed,
		d.UsersCount, d.CirculatingSupply, d.ErrorCount, d.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert distribution: %w", err)
	}
	return nil
}

func (s *PostgresDistributionStore) List(ctx context.Context, limit int) ([]DividendDistribution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_date, revenue_by_source, total_revenue, total_distributed,
		        users_count, circulating_supply, error_count, duration_ms
		 FROM dividend_distributions ORDER BY run_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list distributions: %w", err)
	}
	defer rows.Close()

	var runs []DividendDistribution
	for rows.Next() {
		var d DividendDistribution
		var revenue []byte
		if err := rows.Scan(&d.ID, &d.Date, &revenue, &d.TotalRevenue, &d.TotalDistributed,
			&d.UsersCount, &d.CirculatingSupply, &d.ErrorCount, &d.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan distribution: %w", err)
		}
		if len(revenue) > 0 {
			if err := json.Unmarshal(revenue, &d.RevenueBySource); err != nil {
				return nil, fmt.Errorf("failed to unmarshal revenue breakdown: %w", err)
			}
		}
		runs = append(runs, d)
	}
	return runs, rows.Err()
}
