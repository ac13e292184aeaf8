package ledgerstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyEntryStore wraps a memory store and refuses inserts while failing
// is set, simulating a database outage with recovery.
type flakyEntryStore struct {
	*MemoryEntryStore
	failing bool
}

func (s *flakyEntryStore) Insert(ctx context.Context, e *Entry) error {
	if s.failing {
		return errors.New("connection refused")
	}
	return s.MemoryEntryStore.Insert(ctx, e)
}

func testEntry(eventType string, ts time.Time) *Entry {
	return &Entry{
		ID:        uuid.New(),
		Timestamp: ts,
		EventType: eventType,
		ActorID:   "user-1",
		Status:    StatusSuccess,
		Digest:    eventType,
		Nonce:     1,
	}
}

func TestFallbackDivertsAndReplays(t *testing.T) {
	durable := &flakyEntryStore{MemoryEntryStore: NewMemoryEntryStore()}
	volatile := NewMemoryEntryStore()
	s := NewFallbackEntryStore(durable, volatile, zap.NewNop(), nil)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.Insert(ctx, testEntry("A", base)))
	assert.False(t, s.Degraded())

	// Outage: writes land in the volatile store and are buffered.
	durable.failing = true
	require.NoError(t, s.Insert(ctx, testEntry("B", base.Add(time.Second))))
	require.NoError(t, s.Insert(ctx, testEntry("C", base.Add(2*time.Second))))
	assert.True(t, s.Degraded())
	assert.Equal(t, 1, durable.Len())
	assert.Equal(t, 2, volatile.Len())

	// Recovery: the next insert replays the diverted entries first, so the
	// durable table ends up with every entry in append order.
	durable.failing = false
	require.NoError(t, s.Insert(ctx, testEntry("D", base.Add(3*time.Second))))
	assert.False(t, s.Degraded())
	assert.Equal(t, 4, durable.Len())

	window, err := durable.Window(ctx, 10)
	require.NoError(t, err)
	require.Len(t, window, 4)
	for i, want := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, want, window[i].EventType, "position %d", i)
	}
}

func TestFallbackKeepsBufferingWhileOutageLasts(t *testing.T) {
	durable := &flakyEntryStore{MemoryEntryStore: NewMemoryEntryStore(), failing: true}
	volatile := NewMemoryEntryStore()
	s := NewFallbackEntryStore(durable, volatile, zap.NewNop(), nil)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, testEntry("E", base.Add(time.Duration(i)*time.Second))))
	}
	assert.True(t, s.Degraded())
	assert.Equal(t, 0, durable.Len())
	assert.Equal(t, 3, volatile.Len())

	durable.failing = false
	require.NoError(t, s.Insert(ctx, testEntry("F", base.Add(3*time.Second))))
	assert.Equal(t, 4, durable.Len())
}

func TestFallbackWithoutDurableStore(t *testing.T) {
	volatile := NewMemoryEntryStore()
	s := NewFallbackEntryStore(nil, volatile, zap.NewNop(), nil)

	assert.True(t, s.Degraded())
	require.NoError(t, s.Insert(context.Background(), testEntry("A", time.Now().UTC())))
	assert.Equal(t, 1, volatile.Len())
}
