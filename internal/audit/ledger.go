// Package audit implements the append-only, hash-chained event log. Each
// entry's digest covers its own content plus the previous entry's digest,
// so any retroactive edit to a stored entry breaks the chain and is
// detectable by verification.
package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kausnet/settlecore/internal/ledgerstore"
	"github.com/kausnet/settlecore/pkg/hashutil"
	"github.com/kausnet/settlecore/pkg/messaging"
)

// Ledger owns the chain tail and serializes appends around it. The tail
// is process-wide state: loaded lazily from the store before the first
// append of a process lifetime, then advanced in memory only by
// successful appends. Without the mutex two concurrent appends could
// compute the same previous digest and fork the chain.
type Ledger struct {
	store *ledgerstore.FallbackEntryStore
	log   *zap.Logger
	msg   *messaging.Client

	mu         sync.Mutex
	tail       string
	tailLoaded bool
}

// Input is an entry before the ledger assigns its chain fields.
type Input struct {
	EventType     string
	ActorID       string
	SourceAddress string
	ClientContext string
	Details       map[string]interface{}
	Amount        *decimal.Decimal
	Currency      string
	Status        string
	ErrorMessage  string
}

// NewLedger creates the audit ledger over the given fallback store.
func NewLedger(store *ledgerstore.FallbackEntryStore, log *zap.Logger, msg *messaging.Client) *Ledger {
	return &Ledger{
		store: store,
		log:   log,
		msg:   msg,
	}
}

// digestPayload is the canonical digest input. Field set and serialization
// must stay stable forever: changing either invalidates every previously
// written chain.
type digestPayload struct {
	Timestamp  string                 `json:"timestamp"`
	EventType  string                 `json:"event_type"`
	ActorID    string                 `json:"actor_id"`
	Details    map[string]interface{} `json:"details"`
	Amount     string                 `json:"amount"`
	Currency   string                 `json:"currency"`
	Status     string                 `json:"status"`
	PrevDigest string                 `json:"prev_digest"`
	Nonce      int64                  `json:"nonce"`
}

func entryDigest(e *ledgerstore.Entry) (string, error) {
	amount := ""
	if e.Amount != nil {
		amount = e.Amount.String()
	}
	return hashutil.Digest(digestPayload{
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:  e.EventType,
		ActorID:    e.ActorID,
		Details:    e.Details,
		Amount:     amount,
		Currency:   e.Currency,
		Status:     e.Status,
		PrevDigest: e.PrevDigest,
		Nonce:      e.Nonce,
	})
}

// Append assigns timestamp, nonce and chain fields, persists the entry
// and advances the tail. Persistence failures are absorbed by the
// fallback store (the entry lands in the volatile store and the caller
// still succeeds), but a failure to compute the digest itself aborts the
// append: an unhashed entry can never enter the chain.
func (l *Ledger) Append(ctx context.Context, in Input) (*ledgerstore.Entry, error) {
	if in.Status == "" {
		in.Status = ledgerstore.StatusSuccess
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureTail(ctx); err != nil {
		return nil, err
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	entry := &ledgerstore.Entry{
		ID:            uuid.New(),
		// Truncated to microseconds so the digest input survives a
		// round trip through the timestamp column.
		Timestamp:     time.Now().UTC().Truncate(time.Microsecond),
		EventType:     in.EventType,
		ActorID:       in.ActorID,
		SourceAddress: in.SourceAddress,
		ClientContext: in.ClientContext,
		Details:       normalizeDetails(in.Details),
		Amount:        in.Amount,
		Currency:      in.Currency,
		Status:        in.Status,
		ErrorMessage:  in.ErrorMessage,
		PrevDigest:    l.tail,
		Nonce:         nonce,
	}

	digest, err := entryDigest(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to compute entry digest: %w", err)
	}
	entry.Digest = digest
	entry.Verified = true

	if err := l.store.Insert(ctx, entry); err != nil {
		// Both stores refused the write; the chain tail is unchanged.
		return nil, fmt.Errorf("failed to persist ledger entry: %w", err)
	}

	l.tail = entry.Digest

	l.log.Debug("ledger entry appended",
		zap.String("event_type", entry.EventType),
		zap.String("actor_id", entry.ActorID),
		zap.String("digest", entry.Digest),
		zap.Bool("degraded", l.store.Degraded()),
	)

	amount := ""
	if entry.Amount != nil {
		amount = entry.Amount.String()
	}
	_ = l.msg.Publish(ctx, messaging.SubjectLedgerEntry, messaging.LedgerEntryEvent{
		EventType: entry.EventType,
		ActorID:   entry.ActorID,
		Amount:    amount,
		Currency:  entry.Currency,
		Status:    entry.Status,
		Digest:    entry.Digest,
		Timestamp: entry.Timestamp,
	})

	return entry, nil
}

// Degraded reports whether the last write was diverted to the volatile
// fallback store.
func (l *Ledger) Degraded() bool {
	return l.store.Degraded()
}

// Query returns entries most recent first, falling back to the volatile
// store when durable storage is unavailable.
func (l *Ledger) Query(ctx context.Context, f ledgerstore.EntryFilter) ([]ledgerstore.Entry, error) {
	return l.store.Query(ctx, f)
}

// ensureTail loads the chain tail from storage once per process. Must be
// called with the mutex held.
func (l *Ledger) ensureTail(ctx context.Context) error {
	if l.tailLoaded {
		return nil
	}

	latest, err := l.store.Latest(ctx)
	switch err {
	case nil:
		l.tail = latest.Digest
	case ledgerstore.ErrNotFound:
		l.tail = hashutil.GenesisDigest
	default:
		return fmt.Errorf("failed to load chain tail: %w", err)
	}

	l.tailLoaded = true
	return nil
}

// normalizeDetails round-trips the payload through JSON so the digest is
// computed over exactly what a later read from storage will yield (e.g.
// ints become float64, structs become maps).
func normalizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	raw, err := jsonRoundTrip(details)
	if err != nil {
		// Unserializable details would also fail the digest; let Append
		// surface that instead.
		return details
	}
	return raw
}

func randomNonce() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
