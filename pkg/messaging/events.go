package messaging

import "time"

// NATS subjects published by the core.
const (
	SubjectLedgerEntry       = "ledger.entry"
	SubjectLedgerDegraded    = "ledger.degraded"
	SubjectSecurityIncident  = "ledger.security_incident"
	SubjectSettlementDone    = "settlement.completed"
	SubjectSettlementFailed  = "settlement.failed"
	SubjectDividendPaid      = "distribution.dividend_paid"
	SubjectDistributionDone  = "distribution.completed"
)

// LedgerEntryEvent mirrors a ledger append for stream consumers. Amounts
// travel as strings to keep decimal precision off the wire format.
type LedgerEntryEvent struct {
	EventType string    `json:"event_type"`
	ActorID   string    `json:"actor_id"`
	Amount    string    `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	Status    string    `json:"status"`
	Digest    string    `json:"digest"`
	Timestamp time.Time `json:"timestamp"`
}

// DegradedEvent signals that a write was diverted to the volatile store.
type DegradedEvent struct {
	Component string    `json:"component"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SecurityIncidentEvent is raised on a hash or chain-linkage mismatch.
// Never auto-recovered; consumers page on it.
type SecurityIncidentEvent struct {
	Kind        string    `json:"kind"` // "digest_mismatch" or "chain_break"
	EntryIndex  int       `json:"entry_index"`
	Expected    string    `json:"expected"`
	Actual      string    `json:"actual"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// SettlementEvent reports a completed or failed exchange.
type SettlementEvent struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	FromCurrency  string    `json:"from_currency"`
	FromAmount    string    `json:"from_amount"`
	ToCurrency    string    `json:"to_currency"`
	ToAmount      string    `json:"to_amount"`
	Rate          string    `json:"rate"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode"`
	Timestamp     time.Time `json:"timestamp"`
}

// DividendEvent reports one holder's credit within a distribution run.
type DividendEvent struct {
	DistributionID string    `json:"distribution_id"`
	UserID         string    `json:"user_id"`
	Amount         string    `json:"amount"`
	Timestamp      time.Time `json:"timestamp"`
}

// DistributionEvent summarizes a whole distribution run.
type DistributionEvent struct {
	DistributionID   string    `json:"distribution_id"`
	TotalRevenue     string    `json:"total_revenue"`
	TotalDistributed string    `json:"total_distributed"`
	UsersProcessed   int       `json:"users_processed"`
	ErrorCount       int       `json:"error_count"`
	Skipped          bool      `json:"skipped"`
	SkipReason       string    `json:"skip_reason,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
