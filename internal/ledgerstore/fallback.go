package ledgerstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kausnet/settlecore/pkg/messaging"
)

// FallbackEntryStore composes a durable and a volatile EntryStore. Writes
// try the durable store first; on a storage error the entry is retained
// in the volatile store so the append does not lose data, and the
// degradation is logged and alerted. Reads fall back the same way,
// silently narrowing durability guarantees but not functionality.
//
// Entries diverted during a degraded episode are buffered and replayed
// into the durable store, in append order, before the next durable write
// succeeds. The chain tail always references the last buffered entry, so
// without the replay the first post-recovery durable append would leave a
// prev-digest gap in the durable table and verification would escalate
// the outage as tampering.
//
// Integrity errors are not handled here: only storage availability is a
// recoverable condition.
type FallbackEntryStore struct {
	durable  EntryStore
	volatile EntryStore
	log      *zap.Logger
	msg      *messaging.Client

	degraded atomic.Bool

	mu      sync.Mutex
	pending []Entry
}

// NewFallbackEntryStore builds the fallback wrapper. durable may be nil,
// in which case every operation lands in the volatile store and the store
// reports degraded from the start.
func NewFallbackEntryStore(durable EntryStore, volatile EntryStore, log *zap.Logger, msg *messaging.Client) *FallbackEntryStore {
	s := &FallbackEntryStore{
		durable:  durable,
		volatile: volatile,
		log:      log,
		msg:      msg,
	}
	if durable == nil {
		s.degraded.Store(true)
	}
	return s
}

// Degraded reports whether the last write was diverted to the volatile
// store.
func (s *FallbackEntryStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackEntryStore) Insert(ctx context.Context, e *Entry) error {
	if s.durable != nil {
		err := s.flushPending(ctx)
		if err == nil {
			if err = s.durable.Insert(ctx, e); err == nil {
				if s.degraded.Swap(false) {
					s.log.Info("ledger store recovered, diverted entries replayed")
				}
				return nil
			}
		}
		s.markDegraded(ctx, "insert", err)
	}

	s.mu.Lock()
	s.pending = append(s.pending, *e)
	s.mu.Unlock()
	return s.volatile.Insert(ctx, e)
}

// flushPending replays entries diverted during a degraded episode into
// the durable store in append order. Stops at the first failure, keeping
// the remainder buffered for the next attempt.
func (s *FallbackEntryStore) flushPending(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) > 0 {
		if err := s.durable.Insert(ctx, &s.pending[0]); err != nil {
			return err
		}
		s.pending = s.pending[1:]
	}
	return nil
}

func (s *FallbackEntryStore) Latest(ctx context.Context) (*Entry, error) {
	if s.durable != nil {
		e, err := s.durable.Latest(ctx)
		if err == nil || err == ErrNotFound {
			return e, err
		}
		s.markDegraded(ctx, "latest", err)
	}
	return s.volatile.Latest(ctx)
}

func (s *FallbackEntryStore) Query(ctx context.Context, f EntryFilter) ([]Entry, error) {
	if s.durable != nil {
		entries, err := s.durable.Query(ctx, f)
		if err == nil {
			return entries, nil
		}
		s.markDegraded(ctx, "query", err)
	}
	return s.volatile.Query(ctx, f)
}

func (s *FallbackEntryStore) Window(ctx context.Context, limit int) ([]Entry, error) {
	if s.durable != nil {
		entries, err := s.durable.Window(ctx, limit)
		if err == nil {
			return entries, nil
		}
		s.markDegraded(ctx, "window", err)
	}
	return s.volatile.Window(ctx, limit)
}

func (s *FallbackEntryStore) markDegraded(ctx context.Context, op string, err error) {
	first := !s.degraded.Swap(true)

	s.log.Warn("ledger store degraded, using volatile fallback",
		zap.String("operation", op),
		zap.Error(err),
	)

	// Alert once per degradation episode, not per operation.
	if first {
		_ = s.msg.Publish(ctx, messaging.SubjectLedgerDegraded, messaging.DegradedEvent{
			Component: "ledger_store",
			Reason:    err.Error(),
			Timestamp: time.Now(),
		})
	}
}
